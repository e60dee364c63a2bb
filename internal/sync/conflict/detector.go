// Package conflict classifies sync execution failures into transient,
// conflict and fatal outcomes.
package conflict

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/models"
)

// Kind is the classification of an execution failure.
type Kind string

const (
	// Transient failures are retried automatically with backoff.
	Transient Kind = "transient"
	// Conflict failures mean the server state diverged; they wait for the operator.
	Conflict Kind = "conflict"
	// Fatal failures are malformed or rejected actions that need manual clearing.
	Fatal Kind = "fatal"
)

// ExecutionError is the structured failure an executor adapter returns.
type ExecutionError struct {
	HTTPStatus   int
	Code         string
	Reason       string
	Message      string
	OrderID      string
	ServerStatus string
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, "HTTP %d", e.HTTPStatus)
	}
	if e.Code != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(e.Code)
	}
	msg := e.Message
	if msg == "" {
		msg = e.Reason
	}
	if msg != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(msg)
	}
	if b.Len() == 0 {
		return "execution failed"
	}
	return b.String()
}

var conflictCodes = map[string]bool{
	"ORDER_CLOSED":         true,
	"ORDER_PAID":           true,
	"ORDER_VOIDED":         true,
	"ORDER_ALREADY_EXISTS": true,
	"VERSION_MISMATCH":     true,
	"STALE_STATE":          true,
	"CONFLICT":             true,
}

var fatalCodes = map[string]bool{
	"VALIDATION_ERROR":   true,
	"MALFORMED_REQUEST":  true,
	"UNKNOWN_ACTION":     true,
	"UNSUPPORTED_ACTION": true,
	"FORBIDDEN":          true,
	"PAYLOAD_TOO_LARGE":  true,
}

var transientCodes = map[string]bool{
	"RATE_LIMITED":        true,
	"SERVICE_UNAVAILABLE": true,
	"TIMEOUT":             true,
	"INTERNAL_ERROR":      true,
	"NETWORK_ERROR":       true,
}

// terminalStatuses are server order states no further mutation may apply to.
var terminalStatuses = map[string]bool{
	"CLOSED":    true,
	"PAID":      true,
	"VOIDED":    true,
	"CANCELLED": true,
}

// Classify maps an execution error to a Kind. Unknown errors are Transient.
// Callers handle a nil error as success before classifying.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}

	var execErr *ExecutionError
	if stderrors.As(err, &execErr) {
		return classifyExecution(execErr)
	}

	// Local errors from our own packages
	switch {
	case errors.Is(err, errors.ErrValidation), errors.Is(err, errors.ErrInvalid):
		return Fatal
	case errors.Is(err, errors.ErrSyncConflict):
		return Conflict
	case errors.Is(err, errors.ErrSyncFatal):
		return Fatal
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return Transient
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return Transient
	}

	return Transient
}

func classifyExecution(e *ExecutionError) Kind {
	code := strings.ToUpper(strings.TrimSpace(e.Code))
	switch {
	case conflictCodes[code]:
		return Conflict
	case fatalCodes[code]:
		return Fatal
	case transientCodes[code]:
		return Transient
	}

	if terminalStatuses[strings.ToUpper(e.ServerStatus)] {
		return Conflict
	}

	switch s := e.HTTPStatus; {
	case s == 0, s == http.StatusRequestTimeout, s == http.StatusTooEarly,
		s == http.StatusTooManyRequests, s >= 500:
		return Transient
	case s == http.StatusConflict:
		return Conflict
	case s >= 400:
		return Fatal
	default:
		return Transient
	}
}

// Details builds the conflict record shown to the operator. The order id
// falls back to the action's entity key when the server did not echo it.
func Details(err error, action models.QueuedAction) *models.ConflictDetails {
	d := &models.ConflictDetails{OrderID: action.EntityKey}

	var execErr *ExecutionError
	if stderrors.As(err, &execErr) {
		d.Reason = execErr.Reason
		if d.Reason == "" {
			d.Reason = execErr.Code
		}
		if execErr.OrderID != "" {
			d.OrderID = execErr.OrderID
		}
		d.ServerStatus = execErr.ServerStatus
	}
	if d.Reason == "" && err != nil {
		d.Reason = err.Error()
	}
	return d
}
