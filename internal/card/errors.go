package card

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ddikddak/dockerclaw-sub000/internal/store"
)

// Kind classifies an engine error and maps it to an HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// HTTPStatus returns the response status for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned by every Engine operation. Details holds field-level messages for
// KindInvalidInput.
type Error struct {
	Kind    Kind
	Message string
	Details map[string][]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, card.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidInput = &Error{Kind: KindInvalidInput}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrInternal     = &Error{Kind: KindInternal}
)

func invalid(msg string, details map[string][]string) *Error {
	return &Error{Kind: KindInvalidInput, Message: msg, Details: details}
}

func invalidField(field, msg string) *Error {
	return invalid(msg, map[string][]string{field: {msg}})
}

func forbidden(msg string) *Error { return &Error{Kind: KindForbidden, Message: msg} }

func notFound(what string) *Error { return &Error{Kind: KindNotFound, Message: what + " not found"} }

func conflict(msg string, err error) *Error {
	return &Error{Kind: KindConflict, Message: msg, Err: err}
}

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// fromStore maps store sentinels onto engine kinds.
func fromStore(what string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound(what)
	case errors.Is(err, store.ErrVersionConflict):
		return conflict(what+" was modified concurrently", err)
	case errors.Is(err, store.ErrDuplicate):
		return conflict(what+" already exists", err)
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return internal(what+" operation failed", err)
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}
