// Package httpapi exposes the bridge over HTTP.
//
// Producers submit commands and await results; the remote host polls for
// pending commands and posts results back. The same surface serves both
// sides, so a loopback deployment simply never calls the host endpoints.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atelier-systems/modelbridge/bridgecore/executor"
	"github.com/atelier-systems/modelbridge/bridgecore/observability"
	"github.com/atelier-systems/modelbridge/bridgecore/registry"
	"github.com/atelier-systems/modelbridge/bridgecore/resolver"
	"github.com/atelier-systems/modelbridge/bridgecore/session"
	"github.com/atelier-systems/modelbridge/commbridge"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Logger interface for the HTTP layer.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// HANDLER
// =============================================================================

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Session is the bridge session to expose (required).
	Session *session.Session
	// Monitor tracks host liveness from polls and posted results (required).
	Monitor *executor.HostMonitor
	// MaxDrainBatch caps how many commands one poll may take.
	MaxDrainBatch int
	// MaxAwaitTimeout caps the per-request result wait.
	MaxAwaitTimeout time.Duration
	// Logger receives transport events. May be nil.
	Logger Logger
}

// Handler provides the HTTP endpoints for bridge operations.
type Handler struct {
	sess    *session.Session
	monitor *executor.HostMonitor
	cfg     HandlerConfig
	logger  Logger
}

// NewHandler creates an API handler over the given session.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxDrainBatch <= 0 {
		cfg.MaxDrainBatch = 64
	}
	if cfg.MaxAwaitTimeout <= 0 {
		cfg.MaxAwaitTimeout = 30 * time.Second
	}
	return &Handler{
		sess:    cfg.Session,
		monitor: cfg.Monitor,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Producer side
	mux.HandleFunc("POST /commands", h.wrap("/commands", h.SubmitCommand))
	mux.HandleFunc("GET /commands/{id}", h.wrap("/commands/{id}", h.CommandStatus))
	mux.HandleFunc("GET /results/{id}", h.wrap("/results/{id}", h.AwaitResult))
	mux.HandleFunc("POST /resolve_reference", h.wrap("/resolve_reference", h.ResolveReference))
	mux.HandleFunc("GET /entities", h.wrap("/entities", h.ListEntities))
	mux.HandleFunc("GET /entities/{id}", h.wrap("/entities/{id}", h.GetEntity))
	mux.HandleFunc("POST /reset_session", h.wrap("/reset_session", h.ResetSession))

	// Host side
	mux.HandleFunc("GET /pending_commands", h.wrap("/pending_commands", h.PendingCommands))
	mux.HandleFunc("POST /command_result", h.wrap("/command_result", h.PostResult))

	// Operational
	mux.HandleFunc("GET /healthz", h.wrap("/healthz", h.Health))
	mux.HandleFunc("GET /stats", h.wrap("/stats", h.Stats))
	mux.Handle("GET /metrics", promhttp.Handler())

	// The event stream hijacks the connection for the websocket upgrade,
	// so it bypasses the recording middleware.
	mux.HandleFunc("GET /events", h.StreamEvents)

	return mux
}

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// SubmitCommandRequest is the request body for submitting a command.
type SubmitCommandRequest struct {
	// CommandType names the host operation to run (required).
	CommandType string `json:"command_type"`
	// Parameters is the opaque argument map passed to the handler.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SubmitCommandResponse is the response body for a submitted command.
type SubmitCommandResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// CommandStatusResponse is the response body for a status lookup.
type CommandStatusResponse struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
}

// PendingCommandsResponse is the response body for a host poll.
type PendingCommandsResponse struct {
	Commands []*commbridge.Command `json:"commands"`
	Total    int                   `json:"total"`
}

// ResolveReferenceRequest is the request body for resolving a vague
// entity reference.
type ResolveReferenceRequest struct {
	// Hint is the producer's phrasing, e.g. "the curve you just drew".
	Hint string `json:"hint"`
	// EntityType restricts resolution to one type. Optional; when set it
	// overrides any type words in the hint.
	EntityType string `json:"entity_type,omitempty"`
}

// ListEntitiesResponse is the response body for listing entities.
type ListEntitiesResponse struct {
	Entities []*registry.Entity `json:"entities"`
	Total    int                `json:"total"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status     string         `json:"status"`
	Halted     bool           `json:"halted"`
	QueueDepth int            `json:"queue_depth"`
	Host       map[string]any `json:"host"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// PRODUCER ENDPOINTS
// =============================================================================

// SubmitCommand enqueues a command for the host.
// POST /commands
func (h *Handler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", err.Error())
		return
	}

	id, err := h.sess.Submit(req.CommandType, req.Parameters)
	if err != nil {
		h.writeOpError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, SubmitCommandResponse{
		CommandID: id,
		Status:    commbridge.StatePending.String(),
	})
}

// CommandStatus reports the ledger state of one command.
// GET /commands/{id}
func (h *Handler) CommandStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	status, ok := h.sess.CommandStatus(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown_command", "no command with id "+id, "")
		return
	}

	h.writeJSON(w, http.StatusOK, CommandStatusResponse{CommandID: id, Status: status.String()})
}

// AwaitResult blocks until the command's result is available or the
// timeout elapses.
// GET /results/{id}?timeout_ms=5000
func (h *Handler) AwaitResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	timeout, err := parseTimeout(r, 0, h.cfg.MaxAwaitTimeout)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	// Fast path: the result may already be waiting, possibly outliving an
	// evicted ledger entry.
	if res, ok := h.sess.GetResult(id); ok {
		h.writeJSON(w, http.StatusOK, res)
		return
	}
	if _, ok := h.sess.CommandStatus(id); !ok {
		h.writeError(w, http.StatusNotFound, "unknown_command", "no command with id "+id, "")
		return
	}

	res, err := h.sess.Await(r.Context(), id, timeout)
	if err != nil {
		var timedOut *commbridge.AwaitTimeoutError
		if errors.As(err, &timedOut) {
			h.writeError(w, http.StatusRequestTimeout, "timed_out", err.Error(), "")
			return
		}
		h.writeOpError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// ResolveReference resolves a vague entity reference by recency.
// POST /resolve_reference
func (h *Handler) ResolveReference(w http.ResponseWriter, r *http.Request) {
	var req ResolveReferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", err.Error())
		return
	}

	entity, err := h.sess.ResolveReference(req.Hint, req.EntityType)
	if err != nil {
		var ambiguous *resolver.AmbiguousError
		if errors.As(err, &ambiguous) {
			h.writeError(w, http.StatusConflict, "ambiguous", err.Error(),
				"candidates: "+strings.Join(ambiguous.Candidates, ", "))
			return
		}
		var notFound *registry.NotFoundError
		if errors.As(err, &notFound) {
			h.writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
			return
		}
		h.writeOpError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, entity)
}

// GetEntity returns one entity by id.
// GET /entities/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entity, err := h.sess.GetEntity(id)
	if err != nil {
		var notFound *registry.NotFoundError
		if errors.As(err, &notFound) {
			h.writeError(w, http.StatusNotFound, "not_found", err.Error(), "")
			return
		}
		h.writeOpError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, entity)
}

// ListEntities returns all known entities ordered by activity.
// GET /entities
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	entities := h.sess.ListEntities()
	if entities == nil {
		entities = []*registry.Entity{}
	}
	h.writeJSON(w, http.StatusOK, ListEntitiesResponse{Entities: entities, Total: len(entities)})
}

// ResetSession drops pending commands, unclaimed results, and all
// entities.
// POST /reset_session
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sess.Reset(); err != nil {
		h.writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HOST ENDPOINTS
// =============================================================================

// PendingCommands hands the next batch of pending commands to the host.
// GET /pending_commands?max=16
func (h *Handler) PendingCommands(w http.ResponseWriter, r *http.Request) {
	maxN, err := parseMax(r, h.cfg.MaxDrainBatch, h.cfg.MaxDrainBatch)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	// The poll itself is proof of host life, even when the queue is empty.
	h.monitor.RecordPoll()

	batch, err := h.sess.Drain(maxN)
	if err != nil {
		h.writeOpError(w, err)
		return
	}
	if batch == nil {
		batch = []*commbridge.Command{}
	}

	h.writeJSON(w, http.StatusOK, PendingCommandsResponse{Commands: batch, Total: len(batch)})
}

// PostResult accepts the host's result for a drained command.
// POST /command_result
func (h *Handler) PostResult(w http.ResponseWriter, r *http.Request) {
	var res commbridge.Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body", err.Error())
		return
	}

	h.monitor.RecordResult()

	if err := h.sess.PublishResult(&res); err != nil {
		// This request being the violation is different from the bridge
		// already being down because of an earlier one.
		var dup *commbridge.DuplicateResultError
		if errors.As(err, &dup) && dup.CommandID == res.CommandID {
			h.writeError(w, http.StatusConflict, "duplicate_result", err.Error(), "")
			return
		}
		var unknown *commbridge.UnknownCommandError
		if errors.As(err, &unknown) {
			h.writeError(w, http.StatusGone, "unknown_command", err.Error(), "")
			return
		}
		h.writeOpError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// OPERATIONAL ENDPOINTS
// =============================================================================

// Health reports bridge and host liveness.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	halted := h.sess.Err() != nil
	status := "ok"
	if halted {
		status = "halted"
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:     status,
		Halted:     halted,
		QueueDepth: h.sess.Queue().Len(),
		Host:       h.monitor.Snapshot(),
	})
}

// Stats returns counters from every subsystem.
// GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.sess.GetStats()
	stats["host"] = h.monitor.Snapshot()
	h.writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// HELPERS
// =============================================================================

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrap records request metrics around a handler.
func (h *Handler) wrap(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		fn(rec, r)

		observability.RecordHTTPRequest(r.Method, route,
			strconv.Itoa(rec.status), int(time.Since(started).Milliseconds()))
	}
}

// statusForKind maps a classified error kind to an HTTP status.
func statusForKind(kind commbridge.ErrorKind) int {
	switch kind {
	case commbridge.KindInvalidCommand, commbridge.KindArgumentError:
		return http.StatusBadRequest
	case commbridge.KindNotFound, commbridge.KindUnknownCommand:
		return http.StatusNotFound
	case commbridge.KindTimedOut:
		return http.StatusRequestTimeout
	case commbridge.KindAmbiguous, commbridge.KindDuplicateResult:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeOpError maps a session error to an HTTP error response. A halted
// bridge answers 503 for everything except the violation that halted it.
func (h *Handler) writeOpError(w http.ResponseWriter, err error) {
	if fatal := h.sess.Err(); fatal != nil && errors.Is(err, fatal) {
		h.writeError(w, http.StatusServiceUnavailable, "bridge_halted",
			"bridge halted by protocol violation", fatal.Error())
		return
	}

	info := commbridge.ErrorInfoFrom(err)
	h.writeError(w, statusForKind(info.Kind), info.Kind.String(), info.Message, "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil && h.logger != nil {
		h.logger.Error("response_encode_failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
