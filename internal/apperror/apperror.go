package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindForbidden          Kind = "forbidden"
	KindInvalidTransition  Kind = "invalid_transition"
	KindSlotConflict       Kind = "slot_conflict"
	KindPreconditionFailed Kind = "precondition_failed"
	KindValidation         Kind = "validation_error"
	KindExternalGateway    Kind = "external_gateway_error"
)

// Sentinels for errors.Is checks. Any *Error of the same kind matches.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrInvalidTransition  = &Error{Kind: KindInvalidTransition}
	ErrSlotConflict       = &Error{Kind: KindSlotConflict}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrExternalGateway    = &Error{Kind: KindExternalGateway}
)

// Error is the single error type returned by engine operations.
// Current and Requested are only set for lifecycle rejections.
type Error struct {
	Kind      Kind
	Op        string
	Current   string
	Requested string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Current != "" || e.Requested != "" {
		msg = fmt.Sprintf("%s (current=%s requested=%s)", msg, e.Current, e.Requested)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Forbidden(op, format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func SlotConflict(op, format string, args ...any) *Error {
	return &Error{Kind: KindSlotConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func PreconditionFailed(op, format string, args ...any) *Error {
	return &Error{Kind: KindPreconditionFailed, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransition reports a lifecycle operation rejected by the current status.
func InvalidTransition(op, current, requested string) *Error {
	return &Error{
		Kind:      KindInvalidTransition,
		Op:        op,
		Current:   current,
		Requested: requested,
		Msg:       "invalid status transition",
	}
}

func ExternalGateway(op string, err error) *Error {
	return &Error{Kind: KindExternalGateway, Op: op, Msg: "payment gateway error", Err: err}
}

// WithStatuses records the lifecycle states a rejection concerns and
// returns e.
func (e *Error) WithStatuses(current, requested string) *Error {
	e.Current = current
	e.Requested = requested
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "" for
// errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
