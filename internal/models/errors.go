package models

import "errors"

// ErrValidation is matched by every input validation error in this package.
var ErrValidation = errors.New("validation failed")

type validationErr struct {
	msg string
}

func (e *validationErr) Error() string { return e.msg }

func (e *validationErr) Unwrap() error { return ErrValidation }

func validationError(msg string) error {
	return &validationErr{msg: msg}
}

// IsValidation reports whether err is an input validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
