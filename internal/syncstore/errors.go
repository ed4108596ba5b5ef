package syncstore

import (
	"errors"
	"net/http"

	"go.trai.ch/zerr"
)

var (
	// ErrMissingCode is returned when the code normalizes to an empty string.
	ErrMissingCode = zerr.New("Missing family code")

	// ErrInvalidPayload is returned when a PUT body is not well-formed JSON.
	ErrInvalidPayload = zerr.New("Invalid JSON")

	// ErrMethodNotAllowed is returned for methods other than GET, PUT and OPTIONS.
	ErrMethodNotAllowed = zerr.New("Method not allowed")

	// ErrPayloadTooLarge is returned when a PUT body exceeds the configured limit.
	ErrPayloadTooLarge = zerr.New("Payload too large")

	// ErrStorageUnavailable is returned when the backend fails.
	ErrStorageUnavailable = zerr.New("Storage unavailable")
)

// StatusCode maps an error returned by Service to its HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMissingCode), errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusServiceUnavailable
	}
}

// publicMessage is the message sent to clients; backend details stay in logs.
func publicMessage(err error) string {
	for _, e := range []error{ErrMissingCode, ErrInvalidPayload, ErrMethodNotAllowed, ErrPayloadTooLarge} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return ErrStorageUnavailable.Error()
}
