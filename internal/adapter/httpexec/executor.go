// Package httpexec executes queued actions against the ChefCloud REST API.
package httpexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/models"
	syncpkg "github.com/chefcloud/posync/internal/sync"
	"github.com/chefcloud/posync/internal/sync/conflict"
)

const (
	// DefaultTimeout bounds one request when the caller's client has none.
	DefaultTimeout = 15 * time.Second

	// maxErrorBody caps how much of a failure response is read.
	maxErrorBody = 64 << 10
)

// Config configures the executor.
type Config struct {
	BaseURL    string
	Token      string
	TerminalID string
	Timeout    time.Duration
}

// Executor maps each action kind to one REST call. The action id is sent as
// the Idempotency-Key so a replayed action is applied at most once.
type Executor struct {
	base       *url.URL
	token      string
	terminalID string
	client     *http.Client
}

var _ syncpkg.Executor = (*Executor)(nil)

// New creates an executor. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client) (*Executor, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New(errors.ErrConfig, "api base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.Newf(errors.ErrConfig, "invalid api base url %q", cfg.BaseURL)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Executor{
		base:       base,
		token:      cfg.Token,
		terminalID: cfg.TerminalID,
		client:     client,
	}, nil
}

// Route returns the request path for an action.
func Route(action models.QueuedAction) (string, error) {
	payload, err := action.DecodePayload()
	if err != nil {
		return "", err
	}
	order := url.PathEscape(payload.EntityKey())

	switch action.Kind {
	case models.KindCreateOrder:
		return "/orders", nil
	case models.KindAddItems:
		return "/orders/" + order + "/items", nil
	case models.KindTakePayment:
		return "/orders/" + order + "/payments", nil
	case models.KindVoidOrder:
		return "/orders/" + order + "/void", nil
	case models.KindSendToKitchen:
		return "/orders/" + order + "/kitchen-tickets", nil
	default:
		return "", errors.Newf(errors.ErrValidation, "no route for action kind %q", action.Kind)
	}
}

// Execute sends the action. It returns nil on any 2xx response and a
// *conflict.ExecutionError for every other status.
func (e *Executor) Execute(ctx context.Context, action models.QueuedAction) error {
	path, err := Route(action)
	if err != nil {
		return err
	}

	endpoint := e.base.String() + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(action.Payload))
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", action.ID)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	if e.terminalID != "" {
		req.Header.Set("X-Terminal-ID", e.terminalID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	execErr := ParseError(resp.StatusCode, body)
	logging.Debug("Action rejected by server", map[string]interface{}{
		"action_id": action.ID,
		"path":      path,
		"status":    resp.StatusCode,
		"code":      execErr.Code,
	})
	return execErr
}

// ParseError extracts the structured failure from a non-2xx response body.
// Both flat bodies and bodies nesting the fields under "error" and
// "details" are understood. A body that is not JSON becomes the message.
func ParseError(status int, body []byte) *conflict.ExecutionError {
	e := &conflict.ExecutionError{HTTPStatus: status}

	if !gjson.ValidBytes(body) {
		e.Message = truncate(strings.TrimSpace(string(body)), 200)
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
		return e
	}

	e.Code = first(body, "code", "error.code", "errorCode")
	e.Reason = first(body, "reason", "error.reason", "details.reason")
	e.Message = first(body, "message", "error.message")
	if e.Message == "" {
		if r := gjson.GetBytes(body, "error"); r.Type == gjson.String {
			e.Message = r.String()
		}
	}
	e.ServerStatus = first(body, "serverStatus", "details.serverStatus", "details.status", "status")
	e.OrderID = first(body, "orderId", "details.orderId", "error.orderId")
	return e
}

// first returns the first non-empty string found at any of paths.
func first(body []byte, paths ...string) string {
	for _, r := range gjson.GetManyBytes(body, paths...) {
		if r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return fmt.Sprintf("%s...", s[:n])
}
