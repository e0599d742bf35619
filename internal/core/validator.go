package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"pushpipe/internal/types"
)

// Validator wraps go-playground/validator and reports failures as
// validation AppErrors naming the JSON field.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{v: v}
}

// ValidateStruct returns nil or an AppError for the first failing field.
// A missing required field is validation_missing_required_field; anything
// else is validation_invalid_field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidField, "invalid request", err)
	}
	fe := fieldErrs[0]
	field := fe.Field()
	if fe.Tag() == "required" {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			field+" is required", nil, map[string]any{"field": field})
	}
	msg := field + " failed " + fe.Tag()
	if fe.Param() != "" {
		msg += "=" + fe.Param()
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField, msg, nil,
		map[string]any{"field": field, "rule": fe.Tag()})
}
