package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/clinic-flow/internal/model"
)

// Register adds the clinic's enum tags to gin's binding validator. It is safe
// to call more than once.
func Register() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("unexpected binding validator engine")
	}
	return RegisterOn(v)
}

func RegisterOn(v *validator.Validate) error {
	v.RegisterTagNameFunc(jsonName)
	rules := map[string]validator.Func{
		"priority": func(fl validator.FieldLevel) bool {
			return model.Priority(fl.Field().String()).Valid()
		},
		"visit_state": func(fl validator.FieldLevel) bool {
			return model.VisitState(fl.Field().String()).Valid()
		},
		"availability_state": func(fl validator.FieldLevel) bool {
			return model.AvailabilityState(fl.Field().String()).Valid()
		},
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %s: %w", tag, err)
		}
	}
	return nil
}

// jsonName reports fields by their wire name.
func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" || name == "" {
		return f.Name
	}
	return name
}

// Describe turns binding errors into one readable line, e.g.
// "priority must be one of normal, priority, emergency".
func Describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeField(fe))
	}
	return strings.Join(msgs, "; ")
}

func describeField(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must not exceed %s characters", field, fe.Param())
	case "priority":
		return field + " must be one of normal, priority, emergency"
	case "visit_state":
		return field + " is not a visit state"
	case "availability_state":
		return field + " must be one of offline, online, busy"
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
