package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mxwashington/regiq-sub010/internal/health"
	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/orchestrator"
	"github.com/mxwashington/regiq-sub010/internal/store"
)

type Syncer interface {
	RunSync(ctx context.Context, req orchestrator.Request) (model.SyncSummary, error)
}

type HealthReader interface {
	Snapshot() []model.SourceHealthState
}

type Handler struct {
	Sync    Syncer
	Health  HealthReader
	Runs    store.RunStore // optional; enables GET /runs
	Metrics http.Handler   // optional; enables GET /metrics
	Logger  *slog.Logger
}

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sourceHealth struct {
	Source                string             `json:"source"`
	Status                model.HealthStatus `json:"status"`
	LastSuccessAt         *time.Time         `json:"last_success_at"`
	LastAttemptAt         *time.Time         `json:"last_attempt_at"`
	RecordsFetchedLastRun int                `json:"records_fetched_last_run"`
	TotalRecords          int                `json:"total_records"`
	ErrorMessage          string             `json:"error_message"`
}

type healthResponse struct {
	OverallStatus model.OverallStatus `json:"overall_status"`
	Sources       []sourceHealth      `json:"sources"`
}

type runResponse struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Source     string          `json:"source"`
	Mode       model.Mode      `json:"mode"`
	Status     model.RunStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	Fetched    int             `json:"fetched"`
	Inserted   int             `json:"inserted"`
	Updated    int             `json:"updated"`
	Skipped    int             `json:"skipped"`
	Errors     []string        `json:"errors"`
	HasFailed  bool            `json:"has_failed_batch"`
}

// NewRouter mounts the ingester's HTTP surface. timeout bounds every
// request and must exceed the sync run timeout.
func NewRouter(h *Handler, timeout time.Duration) http.Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/sync", h.sync)
	r.Get("/health", h.health)
	if h.Runs != nil {
		r.Get("/runs", h.runs)
	}
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_json", Message: err.Error()})
		return
	}

	// runs are bounded by their own timeout, not the client connection
	sum, err := h.Sync.RunSync(context.WithoutCancel(r.Context()), req)
	if err != nil {
		var unknown *orchestrator.UnknownSourceError
		switch {
		case errors.Is(err, orchestrator.ErrInvalidMode):
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_mode", Message: err.Error()})
		case errors.As(err, &unknown):
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "unknown_source", Message: err.Error()})
		default:
			h.Logger.ErrorContext(r.Context(), "sync failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "internal", Message: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	snap := h.Health.Snapshot()
	resp := healthResponse{OverallStatus: health.OverallOf(snap), Sources: make([]sourceHealth, 0, len(snap))}
	for _, st := range snap {
		resp.Sources = append(resp.Sources, sourceHealth{
			Source:                st.SourceName,
			Status:                st.Status,
			LastSuccessAt:         st.LastSuccessAt,
			LastAttemptAt:         st.LastAttemptAt,
			RecordsFetchedLastRun: st.RecordsFetchedLastRun,
			TotalRecords:          st.TotalRecords,
			ErrorMessage:          st.LastErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) runs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "invalid_limit", Message: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	recs, err := h.Runs.RecentRuns(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		h.Logger.ErrorContext(r.Context(), "list runs failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "internal", Message: "could not list runs"})
		return
	}
	out := make([]runResponse, 0, len(recs))
	for _, rec := range recs {
		errs := rec.Errors
		if errs == nil {
			errs = []string{}
		}
		out = append(out, runResponse{
			ID:         rec.ID,
			RunID:      rec.RunID,
			Source:     rec.SourceName,
			Mode:       rec.Mode,
			Status:     rec.Status,
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
			Fetched:    rec.ItemsFetched,
			Inserted:   rec.ItemsInserted,
			Updated:    rec.ItemsUpdated,
			Skipped:    rec.ItemsSkipped,
			Errors:     errs,
			HasFailed:  len(rec.FailedBatch) > 0,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
