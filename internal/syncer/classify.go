package syncer

import (
	"errors"

	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/service"
	"zaiko/backend/internal/store"
)

type Outcome int

const (
	// OutcomeSynced covers both a fresh commit and an idempotent replay.
	OutcomeSynced Outcome = iota
	// OutcomeConflict is a business refusal that needs a person to reconcile.
	OutcomeConflict
	// OutcomeDiscard is a payload the server will never accept.
	OutcomeDiscard
	// OutcomeTransient keeps the entry queued and stops the drain.
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSynced:
		return "synced"
	case OutcomeConflict:
		return "conflict"
	case OutcomeDiscard:
		return "discarded"
	case OutcomeTransient:
		return "transient"
	}
	return "unknown"
}

type Classification struct {
	Outcome   Outcome
	Code      string
	ProductID string
}

// Classify maps a submit error onto what the engine does with the entry.
// Anything it does not recognise is treated as transient so the entry is
// kept.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Outcome: OutcomeSynced}
	}

	var stock *store.StockConflictError
	switch {
	case errors.As(err, &stock):
		return Classification{Outcome: OutcomeConflict, Code: domain.CodeConflict, ProductID: stock.ProductID}
	case errors.Is(err, service.ErrNoOpenSession):
		return Classification{Outcome: OutcomeConflict, Code: domain.CodeNoOpenSession}
	case errors.Is(err, service.ErrAlreadyClosed):
		return Classification{Outcome: OutcomeConflict, Code: domain.CodeAlreadyClosed}
	case errors.Is(err, service.ErrIdempotencyConflict):
		return Classification{Outcome: OutcomeConflict, Code: domain.CodeIdempotency}
	case errors.Is(err, service.ErrForbidden):
		return Classification{Outcome: OutcomeConflict, Code: domain.CodeForbidden}
	case errors.Is(err, service.ErrPaymentMismatch):
		return Classification{Outcome: OutcomeDiscard, Code: domain.CodePaymentMismatch}
	case errors.Is(err, service.ErrInvalidInput):
		return Classification{Outcome: OutcomeDiscard, Code: domain.CodeValidation}
	}
	return Classification{Outcome: OutcomeTransient}
}
