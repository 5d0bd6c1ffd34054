// Package apperr is the error taxonomy shared by services and the HTTP edge.
// Services wrap causes in a Kind; handlers translate the Kind to a status code.
package apperr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindAuthentication Kind = "authentication_error"
	KindAuthorization  Kind = "authorization_error"
	KindConfiguration  Kind = "configuration_error"
	KindNotFound       Kind = "not_found"
	KindValidation     Kind = "validation_error"
	KindUpstream       Kind = "upstream_error"
	KindPersistence    Kind = "persistence_error"
	KindInternal       Kind = "internal_error"
)

// Error carries a Kind, a client-safe message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Authentication(msg string) *Error { return New(KindAuthentication, msg) }
func Authorization(msg string) *Error  { return New(KindAuthorization, msg) }
func Configuration(msg string) *Error  { return New(KindConfiguration, msg) }
func NotFound(msg string) *Error       { return New(KindNotFound, msg) }
func Validation(msg string) *Error     { return New(KindValidation, msg) }

func Upstream(msg string, err error) *Error    { return Wrap(KindUpstream, msg, err) }
func Persistence(msg string, err error) *Error { return Wrap(KindPersistence, msg, err) }

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindConfiguration, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to show a client. Causes of server-side
// failures are never exposed.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindPersistence, KindInternal:
		return "internal error"
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}
