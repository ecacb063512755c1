package host

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Kind classifies an Exception the way the host classifies thrown errors.
type Kind int

const (
	KindError Kind = iota
	KindTypeError
	KindRangeError
)

func (k Kind) String() string {
	switch k {
	case KindTypeError:
		return "TypeError"
	case KindRangeError:
		return "RangeError"
	default:
		return "Error"
	}
}

// Exception is an error value visible to host code. Argument errors are
// returned to the submitter as Exceptions, and failed work is delivered to the
// completion callback as one.
type Exception struct {
	Kind    Kind
	Message string
}

func (e *Exception) Error() string {
	return e.Kind.String() + ": " + e.Message
}

// NewError returns a generic Exception.
func NewError(msg string) *Exception {
	return &Exception{Kind: KindError, Message: msg}
}

// NewTypeError returns a type mismatch Exception.
func NewTypeError(msg string) *Exception {
	return &Exception{Kind: KindTypeError, Message: msg}
}

// NewRangeError returns an out-of-range Exception.
func NewRangeError(msg string) *Exception {
	return &Exception{Kind: KindRangeError, Message: msg}
}

// IsKind reports whether err is an Exception of kind k.
func IsKind(err error, k Kind) bool {
	var exc *Exception
	return errors.As(err, &exc) && exc.Kind == k
}

// CallbackError is a failure raised by a host callback while it was being
// invoked. Either Err is set (the callback returned an error) or Panic is set
// (the callback panicked) together with the stack at the point of recovery.
type CallbackError struct {
	Err   error
	Panic any
	Stack []byte
}

func (e *CallbackError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("callback panicked: %v", e.Panic)
	}
	return fmt.Sprintf("callback failed: %v", e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Invoke calls c with args and captures anything it raises. A returned error
// or a panic is reported as a *CallbackError; nothing escapes to the caller's
// control flow.
func Invoke(c Callable, args ...Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cbErr := &CallbackError{Panic: r, Stack: debug.Stack()}
			if e, ok := r.(error); ok {
				cbErr.Err = e
			}
			err = cbErr
		}
	}()

	if callErr := c.Call(args...); callErr != nil {
		return &CallbackError{Err: callErr}
	}
	return nil
}
