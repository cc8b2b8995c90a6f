// Package errors defines the failure taxonomy shared by the gateway handlers.
// Handlers wrap their failures in an *Error; the router is the only place that
// turns a Kind into an HTTP status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindForbidden
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindForbidden:
		return "forbidden"
	case KindUpstream:
		return "upstream failure"
	default:
		return "internal"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

func Forbidden(op string, err error) error {
	return &Error{Kind: KindForbidden, Op: op, Err: err}
}

func Upstream(op string, err error) error {
	return &Error{Kind: KindUpstream, Op: op, Err: err}
}

func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf maps err to the status code the gateway answers with.
func StatusOf(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		// upstream failures are reported as 500 as well
		return http.StatusInternalServerError
	}
}
