package validator

import (
	playground "github.com/go-playground/validator/v10"
)

// Validator provides validation functionality
type Validator interface {
	Validate(interface{}) error
	ValidateField(value interface{}, rules string) error
}

type validator struct {
	v *playground.Validate
}

func New() Validator {
	return &validator{v: playground.New(playground.WithRequiredStructEnabled())}
}

func (va *validator) Validate(obj interface{}) error {
	return va.v.Struct(obj)
}

func (va *validator) ValidateField(value interface{}, rules string) error {
	return va.v.Var(value, rules)
}
