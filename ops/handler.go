// Package ops serves the tracker's operations endpoints: store health,
// migration status and Prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/GoCodeAlone/listingtracker/migration"
)

// Pinger reports whether the document store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource lists migration completion state.
type StatusSource interface {
	Status(ctx context.Context) ([]migration.Status, error)
}

// Option configures the handler.
type Option func(*handler)

// WithLogger sets the logger for request errors.
func WithLogger(logger *slog.Logger) Option {
	return func(h *handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithPingTimeout bounds the store ping behind /healthz.
func WithPingTimeout(d time.Duration) Option {
	return func(h *handler) {
		if d > 0 {
			h.pingTimeout = d
		}
	}
}

type handler struct {
	store       Pinger
	status      StatusSource
	logger      *slog.Logger
	pingTimeout time.Duration
}

// NewHandler returns the operations mux wrapped in OpenTelemetry HTTP
// instrumentation. metrics may be nil, in which case /metrics is not served.
func NewHandler(store Pinger, status StatusSource, metrics http.Handler, opts ...Option) http.Handler {
	h := &handler{
		store:       store,
		status:      status,
		logger:      slog.Default(),
		pingTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /livez", h.live)
	mux.HandleFunc("GET /migrations/status", h.migrations)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return otelhttp.NewHandler(mux, "tracker.ops")
}

// NewServer returns an http.Server for handler on addr.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.pingTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *handler) migrations(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.status.Status(r.Context())
	if err != nil {
		h.logger.Error("migration status failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
