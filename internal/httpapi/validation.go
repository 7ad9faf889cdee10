package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"zaiko/backend/internal/domain"
)

var validate = validator.New()

func init() {
	// decimal.Decimal is a struct; gte/gt compare its float value.
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if v, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := v.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	// The type func above hands validators a float, so cents reads the
	// original decimal back off the parent struct.
	_ = validate.RegisterValidation("cents", func(fl validator.FieldLevel) bool {
		parent := reflect.Indirect(fl.Parent())
		if parent.Kind() != reflect.Struct {
			return false
		}
		v, ok := parent.FieldByName(fl.StructFieldName()).Interface().(decimal.Decimal)
		return ok && domain.ValidMoney(v)
	})

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// bindAndValidate decodes the JSON body into dest and runs the validate
// tags. On failure it writes a 400 and returns false.
func bindAndValidate(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Error: "invalid JSON: " + err.Error(),
			Code:  domain.CodeValidation,
		})
		return false
	}
	if err := validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, err)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fieldPath(fe.Namespace())] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{
			Error:  "validation failed",
			Code:   domain.CodeValidation,
			Fields: fields,
		})
		return false
	}
	return true
}

// BindAndValidate is bindAndValidate for handlers outside this package, such
// as the terminal's local API.
func BindAndValidate(w http.ResponseWriter, r *http.Request, dest any) bool {
	return bindAndValidate(w, r, dest)
}

// fieldPath drops the root struct name: "SaleRequest.items[0].quantity"
// becomes "items[0].quantity".
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}
