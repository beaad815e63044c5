package server

import (
	"errors"
	"net/http"

	"github.com/spayyavula/campuspandit-sub002/internal/types"
)

var (
	ErrConnNotFound    = errors.New("connection not found")
	ErrConnClosed      = errors.New("connection closed")
	ErrForbidden       = errors.New("forbidden")
	ErrShuttingDown    = errors.New("server shutting down")
	ErrInvalidTopic    = types.ErrInvalidTopic
	ErrInvalidMessage  = errors.New("invalid message format")
	errTransportClosed = errors.New("transport closed")
)

// ResponseCode maps an error returned by the hub to an HTTP status code.
func ResponseCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrConnNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConnClosed):
		return http.StatusGone
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidTopic), errors.Is(err, ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
