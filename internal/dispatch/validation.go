package dispatch

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports which request fields were rejected
type ValidationError struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Fields)
}

func validateStruct(v *validator.Validate, s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	fields := make(map[string]string, len(validationErrors))
	for _, fe := range validationErrors {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", field)
		case "oneof":
			fields[field] = fmt.Sprintf("%s must be one of: %s", field, fe.Param())
		case "gt":
			fields[field] = fmt.Sprintf("%s must be greater than %s", field, fe.Param())
		case "gte":
			fields[field] = fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
		case "lte":
			fields[field] = fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
		default:
			fields[field] = fmt.Sprintf("%s validation failed on '%s' tag", field, fe.Tag())
		}
	}

	return &ValidationError{
		Message: "invalid request",
		Fields:  fields,
	}
}
