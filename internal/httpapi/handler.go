// Package httpapi exposes the sync entry points to an external scheduler.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/platewise/opsync/internal/opsync"
	"github.com/platewise/opsync/internal/resilience"
	"github.com/platewise/opsync/pkg/provider"
)

// Syncer is the orchestrator surface the HTTP layer needs.
type Syncer interface {
	RunIncremental(ctx context.Context, provider string, force bool) (*opsync.IncrementalResult, error)
	RunWorker(ctx context.Context) (*opsync.WorkerResult, error)
	Aggregate(ctx context.Context, endpoint string, rng provider.DateRange) (*opsync.AggregateResult, error)
}

// ConfigAccess reads and writes per-provider sync configuration.
type ConfigAccess interface {
	Get(ctx context.Context, provider string) (*opsync.SyncConfig, error)
	Set(ctx context.Context, cfg *opsync.SyncConfig) error
}

// Handler serves the scheduler-facing endpoints.
type Handler struct {
	sync     Syncer
	configs  ConfigAccess
	onConfig func(*opsync.SyncConfig)
}

// Option configures a Handler.
type Option func(*Handler)

// WithConfigListener registers a callback invoked after every successful
// config write. The serve command uses it to reschedule its cron entries.
func WithConfigListener(fn func(*opsync.SyncConfig)) Option {
	return func(h *Handler) { h.onConfig = fn }
}

// NewHandler creates a Handler.
func NewHandler(sync Syncer, configs ConfigAccess, opts ...Option) *Handler {
	h := &Handler{sync: sync, configs: configs}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with all routes mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", h.health)
	r.Post("/sync/incremental", h.incremental)
	r.Post("/sync/backfill-worker", h.backfillWorker)
	r.Post("/aggregate", h.aggregate)
	r.Get("/sync-config", h.getConfig)
	r.Post("/sync-config", h.setConfig)

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type incrementalRequest struct {
	Provider string `json:"provider"`
	Force    bool   `json:"force,omitempty"`
}

func (h *Handler) incremental(w http.ResponseWriter, r *http.Request) {
	var req incrementalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	res, err := h.sync.RunIncremental(r.Context(), req.Provider, req.Force)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) backfillWorker(w http.ResponseWriter, r *http.Request) {
	res, err := h.sync.RunWorker(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type aggregateRequest struct {
	Endpoint  string `json:"endpoint"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type aggregateResponse struct {
	Success bool `json:"success"`
	*opsync.AggregateResult
}

func (h *Handler) aggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	res, err := h.sync.Aggregate(r.Context(), req.Endpoint,
		provider.DateRange{Start: req.StartDate, End: req.EndDate})
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{Success: true, AggregateResult: res})
}

type configResponse struct {
	Success bool               `json:"success"`
	Config  *opsync.SyncConfig `json:"config"`
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	providerName := r.URL.Query().Get("provider")
	if providerName == "" {
		writeError(w, http.StatusBadRequest, "provider query parameter is required")
		return
	}

	cfg, err := h.configs.Get(r.Context(), providerName)
	if err != nil {
		respondErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{Success: true, Config: cfg})
}

func (h *Handler) setConfig(w http.ResponseWriter, r *http.Request) {
	var cfg opsync.SyncConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cfg.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}
	if !opsync.ValidMode(string(cfg.Mode)) {
		writeError(w, http.StatusBadRequest, "mode must be manual, backfill, or incremental")
		return
	}

	if err := h.configs.Set(r.Context(), &cfg); err != nil {
		respondErr(w, err)
		return
	}
	if h.onConfig != nil {
		h.onConfig(&cfg)
	}
	writeJSON(w, http.StatusOK, configResponse{Success: true, Config: &cfg})
}

// respondErr maps the error taxonomy to status codes: validation failures
// are 400, upstream provider rejections 502, everything else 500.
func respondErr(w http.ResponseWriter, err error) {
	var ve *provider.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error())
	case resilience.StatusCode(err) != 0:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		zap.L().With(zap.String("component", "httpapi")).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
