package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

// Validate runs struct-tag validation over a component's typed options
// struct, after Part-based field reads have evaluated any expression
// values.
func Validate(s any) error {
	return validate.Struct(s)
}

// FormatValidationErrors converts validator.ValidationErrors into a map
// of field name → human-readable message, surfaced in the ConfigError
// the runtime returns when a component fails to construct.
func FormatValidationErrors(err error) map[string]string {
	out := make(map[string]string)
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return out
	}
	for _, e := range ve {
		out[e.Field()] = formatFieldError(e)
	}
	return out
}

func formatFieldError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("minimum is %s", e.Param())
	case "max":
		return fmt.Sprintf("maximum is %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "numeric":
		return "must be numeric"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("validation failed on '%s'", e.Tag())
	}
}
