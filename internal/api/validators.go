package api

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"studio-booking-backend/internal/parse"
)

var registerOnce sync.Once

// RegisterValidators adds the civildate, civiltime and iana tags to gin's
// validator.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			log.Println("api: binding engine is not validator/v10; custom tags unavailable")
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		must(v.RegisterValidation("civildate", func(fl validator.FieldLevel) bool {
			_, err := parse.CivilDate(fl.Field().String())
			return err == nil
		}))
		must(v.RegisterValidation("civiltime", func(fl validator.FieldLevel) bool {
			_, err := parse.CivilTime(fl.Field().String())
			return err == nil
		}))
		must(v.RegisterValidation("iana", func(fl validator.FieldLevel) bool {
			_, _, err := parse.Zone(fl.Field().String(), "")
			return err == nil
		}))
	})
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// bindMessage turns a binding failure into one sentence for the caller.
func bindMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Request body is not valid JSON."
	}
	fe := verrs[0]
	field := jsonPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required.", field)
	case "civildate":
		return fmt.Sprintf("%s must be a date formatted YYYY-MM-DD.", field)
	case "civiltime":
		return fmt.Sprintf("%s must be a time formatted HH:MM.", field)
	case "iana":
		return fmt.Sprintf("%s must be an IANA time zone.", field)
	case "min", "max", "gte", "lte":
		return fmt.Sprintf("%s is out of range.", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s.", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid.", field)
	}
}

// jsonPath drops the Go type name that prefixes a validator namespace.
func jsonPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
