package domain

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknownProduct             Code = "UNKNOWN_PRODUCT"
	CodeUnknownPerson              Code = "UNKNOWN_PERSON"
	CodeZeroAmount                 Code = "ZERO_AMOUNT"
	CodeImmutableFieldViolation    Code = "IMMUTABLE_FIELD_VIOLATION"
	CodeConcurrentWriteTimeout     Code = "CONCURRENT_WRITE_TIMEOUT"
	CodeInconsistentAggregateState Code = "INCONSISTENT_AGGREGATE_STATE"
	CodeQuantityLocked             Code = "QUANTITY_LOCKED"
	CodeAlreadyExists              Code = "ALREADY_EXISTS"
	CodeInvalidArgument            Code = "INVALID_ARGUMENT"
)

// Error is the ledger's domain error. Two errors match under errors.Is when
// their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrUnknownProduct             = NewError(CodeUnknownProduct, "unknown product")
	ErrUnknownPerson              = NewError(CodeUnknownPerson, "unknown person")
	ErrZeroAmount                 = NewError(CodeZeroAmount, "transaction amount must not be zero")
	ErrImmutableFieldViolation    = NewError(CodeImmutableFieldViolation, "product id is immutable")
	ErrConcurrentWriteTimeout     = NewError(CodeConcurrentWriteTimeout, "timed out waiting for product write lock")
	ErrInconsistentAggregateState = NewError(CodeInconsistentAggregateState, "cached aggregate diverges from ledger")
	ErrQuantityLocked             = NewError(CodeQuantityLocked, "quantity can only change through transactions once history exists")
	ErrAlreadyExists              = NewError(CodeAlreadyExists, "already exists")
	ErrInvalidArgument            = NewError(CodeInvalidArgument, "invalid argument")
)

// CodeOf extracts the domain code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
