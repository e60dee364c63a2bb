// Package api provides the operator REST and WebSocket surface of a
// session.
package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/chefcloud/posync/internal/errors"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/models"
	"github.com/chefcloud/posync/internal/offline"
)

// maxBody caps request bodies. Snapshots are the largest payloads.
const maxBody = 8 << 20

// Handler serves the operator API for one session.
type Handler struct {
	session     *offline.Session
	hub         *Hub
	unsubscribe func()
}

// NewHandler creates a Handler. When hub is non-nil every status change is
// pushed to it.
func NewHandler(session *offline.Session, hub *Hub) *Handler {
	h := &Handler{session: session, hub: hub}
	if hub != nil {
		h.unsubscribe = session.Subscribe(func(st offline.Status) {
			hub.Broadcast(EventStatusChanged, st)
		})
	}
	return h
}

// Close stops pushing status changes.
func (h *Handler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
}

// Router returns the routes served by h.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.HandleFunc("/api/health", h.Health).Methods(http.MethodGet)

	o := r.PathPrefix("/api/offline").Subrouter()
	o.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	o.HandleFunc("/actions", h.Enqueue).Methods(http.MethodPost)
	o.HandleFunc("/actions/{id}", h.Discard).Methods(http.MethodDelete)
	o.HandleFunc("/retry", h.Retry).Methods(http.MethodPost)
	o.HandleFunc("/drain", h.Drain).Methods(http.MethodPost)
	o.HandleFunc("/queue", h.ClearQueue).Methods(http.MethodDelete)
	o.HandleFunc("/snapshots", h.ClearSnapshots).Methods(http.MethodDelete)
	o.HandleFunc("/snapshots/{kind}", h.GetSnapshot).Methods(http.MethodGet)
	o.HandleFunc("/snapshots/{kind}", h.SaveSnapshot).Methods(http.MethodPut)
	o.HandleFunc("/history", h.GetHistory).Methods(http.MethodGet)
	o.HandleFunc("/history", h.ClearHistory).Methods(http.MethodDelete)
	o.HandleFunc("/connectivity", h.SetConnectivity).Methods(http.MethodPost)
	o.HandleFunc("/logout", h.Logout).Methods(http.MethodPost)

	r.Handle("/metrics", h.session.Metrics().Handler()).Methods(http.MethodGet)
	if h.hub != nil {
		r.Handle("/ws", h.hub)
	}
	return r
}

// =====================================================
// Responses
// =====================================================

type errorBody struct {
	Error struct {
		Code    errors.ErrorCode `json:"code"`
		Message string           `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, statusFor(code), body)
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrValidation, errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrDrainInProgress, errors.ErrInvalidTransition:
		return http.StatusConflict
	case errors.ErrQueueClosed, errors.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("HTTP request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
	})
}

// Hijack lets the WebSocket upgrade work through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New(errors.ErrInternal, "response writer cannot be hijacked")
	}
	return hj.Hijack()
}

// =====================================================
// Handlers
// =====================================================

// Health handles GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "posync",
		"sessionId": h.session.ID(),
		"durable":   h.session.Durable(),
	})
}

// GetStatus handles GET /api/offline/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.session.Status(r.Context()))
}

// Enqueue handles POST /api/offline/actions
// The body is {"kind": "...", "payload": {...}}.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Kind    models.ActionKind `json:"kind"`
		Payload json.RawMessage   `json:"payload"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&request); err != nil {
		writeError(w, errors.Wrap(errors.ErrValidation, "invalid request body", err))
		return
	}

	action, err := h.session.EnqueueRaw(r.Context(), request.Kind, request.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

// Discard handles DELETE /api/offline/actions/{id}
func (h *Handler) Discard(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Discard(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Retry handles POST /api/offline/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	n, result, err := h.session.RetryFailed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"retried": n,
		"result":  result,
	})
}

// Drain handles POST /api/offline/drain
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	result, err := h.session.Drain(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ClearQueue handles DELETE /api/offline/queue
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.session.ClearQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// ClearSnapshots handles DELETE /api/offline/snapshots
func (h *Handler) ClearSnapshots(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ClearSnapshots(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSnapshot handles GET /api/offline/snapshots/{kind}
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseSnapshotKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, err)
		return
	}
	snap, ok := h.session.Snapshot(kind)
	if !ok {
		writeError(w, errors.Newf(errors.ErrNotFound, "no %s snapshot cached", kind))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SaveSnapshot handles PUT /api/offline/snapshots/{kind}
// The body is the snapshot data itself.
func (h *Handler) SaveSnapshot(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseSnapshotKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrValidation, "failed to read body", err))
		return
	}
	snap, err := h.session.SaveSnapshot(r.Context(), kind, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetHistory handles GET /api/offline/history?limit=n
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, errors.Newf(errors.ErrValidation, "invalid limit %q", v))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": h.session.History(limit),
	})
}

// ClearHistory handles DELETE /api/offline/history
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ClearSyncHistory(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetConnectivity handles POST /api/offline/connectivity
// The body is {"online": true|false}.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&request); err != nil || request.Online == nil {
		writeError(w, errors.New(errors.ErrValidation, `body must be {"online": bool}`))
		return
	}
	if err := h.session.SetOnline(*request.Online); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": *request.Online})
}

// Logout handles POST /api/offline/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Logout(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
