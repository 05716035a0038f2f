// Package ierrors contains the programming-error types raised by this
// toolkit's own logic, as opposed to errors surfaced by collaborators
// (drivers, the filesystem, the forward model). Callers that need to
// aggregate several of these from one operation should wrap them in a
// github.com/hashicorp/go-multierror.Error rather than inventing a new
// container type.
package ierrors

import "fmt"

// ErrInvalidArgument signals a precondition violation in a call from this
// toolkit's own code — a shape mismatch, an out-of-range parameter — the
// kind of error spec.md calls "fails fast with programming-error signal".
type ErrInvalidArgument struct {
	Name    string
	Value   interface{}
	Message string
}

func (err *ErrInvalidArgument) Error() string {
	s := fmt.Sprintf("invalid argument %s=%v", err.Name, err.Value)
	if err.Message != "" {
		s += "; " + err.Message
	}
	return s
}

// ErrInvalidState signals that an operation was attempted while the
// receiver was in a state that makes it illegal — e.g. a mask that has
// dropped a previously active realization, or a queue submit while closed.
type ErrInvalidState struct {
	Subject string
	Message string
}

func (err *ErrInvalidState) Error() string {
	return fmt.Sprintf("%s: %s", err.Subject, err.Message)
}

// ErrNotFound signals that a referenced resource (job, option key, driver
// handle) does not exist.
type ErrNotFound struct {
	Type  string
	Value string
}

func (err *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", err.Type, err.Value)
}
