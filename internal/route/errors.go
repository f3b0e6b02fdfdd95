package route

import (
	"errors"
	"fmt"
)

// Error kinds, matched with errors.Is.
var (
	ErrAddressAssignment = errors.New("address assignment failed")
	ErrRouteAssignment   = errors.New("route assignment failed")
	ErrPolicyRule        = errors.New("policy rule installation failed")
)

var errAlreadyApplied = errors.New("routes already applied")

// Error reports which item could not be installed
type Error struct {
	Kind   error
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v for %s: %v", e.Kind, e.Target, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
