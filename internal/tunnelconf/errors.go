package tunnelconf

import (
	"errors"
	"fmt"
)

// Error kinds, matched with errors.Is.
var (
	ErrMalformed      = errors.New("malformed document")
	ErrMissingField   = errors.New("missing field")
	ErrInvalidKey     = errors.New("invalid key")
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidPort    = errors.New("invalid port")
	ErrInvalidValue   = errors.New("invalid value")
)

// Error describes why a configuration document was rejected
type Error struct {
	Kind  error
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v %s: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Field)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func missing(field string) error {
	return &Error{Kind: ErrMissingField, Field: field}
}

func invalid(kind error, field string, err error) error {
	return &Error{Kind: kind, Field: field, Err: err}
}
