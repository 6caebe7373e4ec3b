package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate  = newValidator()
	clockExpr = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	// "15:04" wall clock times used by wait steps
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		return clockExpr.MatchString(fl.Field().String())
	})
	return v
}

func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var msgs []string
	for _, err := range verrs {
		field := strings.ToLower(err.Field())
		param := err.Param()

		switch err.Tag() {
		case "required", "required_if", "required_without":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, field+" must be at least "+param)
		case "max":
			msgs = append(msgs, field+" must be at most "+param)
		case "gt":
			msgs = append(msgs, field+" must be greater than "+param)
		case "email":
			msgs = append(msgs, field+" must be a valid email")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, param))
		case "url":
			msgs = append(msgs, field+" must be a valid URL")
		case "clock":
			msgs = append(msgs, field+" must be HH:MM")
		case "timezone":
			msgs = append(msgs, field+" must be an IANA timezone")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}

	return errors.New(strings.Join(msgs, ", "))
}
