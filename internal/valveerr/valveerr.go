package valveerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the boundary it came from.
type Kind string

const (
	KindParse      Kind = "parse"
	KindTransport  Kind = "transport"
	KindStorage    Kind = "storage"
	KindValidation Kind = "validation"
)

// ErrNotFound is wrapped by storage errors for missing rows.
var ErrNotFound = errors.New("not found")

// Error carries a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Parse marks an inbound payload that could not be decoded.
func Parse(op string, err error) error { return newError(KindParse, op, err) }

// Transport marks a publish or connection failure.
func Transport(op string, err error) error { return newError(KindTransport, op, err) }

// Storage marks a persistence failure.
func Storage(op string, err error) error { return newError(KindStorage, op, err) }

// Validation marks input rejected before it reached storage or the device.
func Validation(op string, err error) error { return newError(KindValidation, op, err) }

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsParse(err error) bool      { return KindOf(err) == KindParse }
func IsTransport(err error) bool  { return KindOf(err) == KindTransport }
func IsStorage(err error) bool    { return KindOf(err) == KindStorage }
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
