package auth

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Credentials is the body of the login and register endpoints
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// Validate checks the credentials shape before any password hashing happens
func (c Credentials) Validate() error {
	return validate.Struct(c)
}
