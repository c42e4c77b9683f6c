// Package utils holds small shared helpers.
package utils

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs struct tag validation on any request DTO.
func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}
