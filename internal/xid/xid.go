package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed, time-ordered id such as "sale_0190f6c2-...".
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s_%s", prefix, id.String())
}
