package service

import (
	"errors"
	"fmt"
	"net/http"

	"batchd/internal/dispatch"
)

// ErrNotRunning is returned while the dispatcher is not accepting commands.
var ErrNotRunning = errors.New("dispatcher is not running")

// ErrSessionBusy is returned when a session already has a generation streaming.
var ErrSessionBusy = errors.New("session is already generating")

// statusError carries the HTTP status the API layer should answer with.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }

func badRequest(format string, args ...any) error {
	return &statusError{code: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

func unavailable(err error) error {
	return &statusError{code: http.StatusServiceUnavailable, err: err}
}

// IsBadRequest reports whether err was caused by invalid caller input.
func IsBadRequest(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusBadRequest
}

// classify attaches a status to errors coming back from the dispatcher.
func classify(err error) error {
	switch {
	case errors.Is(err, dispatch.ErrSessionDropped):
		return &statusError{code: http.StatusConflict, err: err}
	case errors.Is(err, dispatch.ErrDispatcherStopped):
		return &statusError{code: http.StatusServiceUnavailable, err: err}
	case dispatch.IsBackendError(err):
		return &statusError{code: http.StatusBadGateway, err: err}
	default:
		return err
	}
}
