package zestbay

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrorHandler defines the interface for handling host errors that surface
// outside a command's direct return path.
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs errors through the host's structured logger.
type DefaultErrorHandler struct{}

// HandleError implements ErrorHandler.
func (h *DefaultErrorHandler) HandleError(err error) {
	logrus.WithError(err).Error("Host error")
}

// LoggingErrorHandler wraps another handler and passes each error to a
// logger callback first.
type LoggingErrorHandler struct {
	underlying ErrorHandler
	logger     func(error)
}

// NewLoggingErrorHandler creates a new logging error handler.
func NewLoggingErrorHandler(underlying ErrorHandler, logger func(error)) *LoggingErrorHandler {
	return &LoggingErrorHandler{
		underlying: underlying,
		logger:     logger,
	}
}

// HandleError implements ErrorHandler.
func (h *LoggingErrorHandler) HandleError(err error) {
	if h.logger != nil {
		h.logger(err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error (useful for development).
type PanicErrorHandler struct{}

// HandleError implements ErrorHandler by panicking.
func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("Host error: %v", err))
}

// RoutingError marks a connect request that violates a graph invariant
// (self-loop, wrong port direction, unknown port). These are rejected at
// the boundary and logged, never surfaced as user-actionable failures: the
// input was already validated upstream, so hitting one means an internal
// race, not a user mistake.
type RoutingError struct {
	Reason string
}

func (e *RoutingError) Error() string { return "routing rejected: " + e.Reason }

// UnknownInstanceError is returned by instance commands naming an id that
// is not (or no longer) in the table.
type UnknownInstanceError struct {
	ID uint64
}

func (e *UnknownInstanceError) Error() string {
	return fmt.Sprintf("unknown plugin instance %d", e.ID)
}
