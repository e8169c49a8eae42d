package errs

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Error classes. Concrete errors are marked with one of these so callers can
// branch with errors.Is without caring about the message.
var (
	ErrAuthentication = errors.New("authentication failure")
	ErrMalformedEvent = errors.New("malformed event")
	ErrBusinessRule   = errors.New("business rule violation")
	ErrNotFound       = errors.New("not found")
	ErrDownstream     = errors.New("downstream failure")
	ErrProvider       = errors.New("payment provider failure")
)

// BusinessRule returns a business rule violation carrying a user facing message.
func BusinessRule(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrBusinessRule)
}

// NotFound returns a not-found error for the given entity.
func NotFound(entity, id string) error {
	return errors.Mark(errors.Newf("%s %s not found", entity, id), ErrNotFound)
}

// Malformed marks an event payload that authenticated but cannot be acted on.
func Malformed(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrMalformedEvent)
}

// Downstream wraps a failure that happened after an irreversible upstream action.
func Downstream(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrDownstream)
}

// Provider wraps a failed call to the payment provider. Nothing irreversible
// happened, so the caller may retry.
func Provider(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrProvider)
}

// HTTPStatus maps an error class to the status code used by the admin API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBusinessRule), errors.Is(err, ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
