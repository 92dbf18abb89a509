package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/reelpair/reelpair/internal/controls"
	"github.com/reelpair/reelpair/internal/ffmpeg"
	"github.com/reelpair/reelpair/internal/job"
	"github.com/reelpair/reelpair/internal/queue"
	"github.com/reelpair/reelpair/internal/workspace"
)

// maxControlsBytes caps the controls form field.
const maxControlsBytes = 64 << 10

// CapabilityDetector reports what the installed encoder supports.
type CapabilityDetector interface {
	Detect(ctx context.Context) ffmpeg.Capabilities
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	svc     *queue.Service
	ws      *workspace.Workspace
	caps    CapabilityDetector
	metrics http.Handler
	logger  *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(svc *queue.Service, ws *workspace.Workspace, caps CapabilityDetector, metrics http.Handler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, ws: ws, caps: caps, metrics: metrics, logger: logger}
}

// RegisterRoutes registers all API routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/jobs", h.CreateJob).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/jobs", h.ListJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{id}", h.GetJob).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{id}", h.DeleteJob).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/jobs/{id}/events", h.StreamSSE).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{id}/download", h.Download).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{id}/retry", h.RetryJob).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/health", h.Health).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}
}

// CreateJob handles POST /api/v1/jobs: a multipart form with the before and
// after clips and an optional controls JSON field. It responds 202 with the
// queued job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Two clips plus form overhead.
	r.Body = http.MaxBytesReader(w, r.Body, 2*h.ws.MaxBytes()+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}

	id := uuid.NewString()
	dir, err := h.ws.Create(id)
	if err != nil {
		h.logger.Error("create job dir", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	j, err := h.submit(r.Context(), id, dir, mr)
	if err != nil {
		if rmErr := h.ws.Remove(dir); rmErr != nil {
			h.logger.Warn("remove rejected upload", "job_id", id, "error", rmErr)
		}
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j.Public())
}

// errBadRequest marks client mistakes in the upload form.
var errBadRequest = errors.New("bad request")

func (h *Handler) submit(ctx context.Context, id, dir string, mr *multipart.Reader) (*job.Job, error) {
	var (
		inputs [2]string
		raw    []byte
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read form: %w", errBadRequest, err)
		}
		switch part.FormName() {
		case "before":
			inputs[job.Before], err = h.ws.Save(dir, workspace.BeforeFile, part.FileName(), part)
		case "after":
			inputs[job.After], err = h.ws.Save(dir, workspace.AfterFile, part.FileName(), part)
		case "controls":
			raw, err = io.ReadAll(io.LimitReader(part, maxControlsBytes))
		}
		part.Close()
		if err != nil {
			return nil, err
		}
	}
	if inputs[job.Before] == "" || inputs[job.After] == "" {
		return nil, fmt.Errorf("%w: both before and after clips are required", errBadRequest)
	}

	c, err := controls.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}

	return h.svc.Submit(ctx, queue.SubmitRequest{
		ID:       id,
		Controls: c,
		WorkDir:  dir,
		Inputs:   inputs,
		Output:   filepath.Join(dir, workspace.OutputFile),
	})
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a page of the jobs
// this process knows about, newest first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	all := h.svc.List()
	total := len(all)
	start := min(max(offset, 0), total)
	end := min(start+max(limit, 0), total)

	jobs := make([]job.Public, 0, end-start)
	for _, j := range all[start:end] {
		jobs = append(jobs, j.Public())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, j.Public())
}

// DeleteJob handles DELETE /api/v1/jobs/{id} and responds 204. Jobs still
// queued or rendering are refused with 409.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryJob handles POST /api/v1/jobs/{id}/retry and responds 202 with the
// re-queued job.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j.Public())
}

// Download handles GET /api/v1/jobs/{id}/download and streams the rendered
// video. Degradations applied during rendering travel in X-Render-Warnings.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Output(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	warnings, _ := json.Marshal(j.Public().Warnings)
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="reelpair-%s.mp4"`, j.ID))
	w.Header().Set("X-Render-Warnings", string(warnings))
	http.ServeFile(w, r, j.OutputPath)
}

// Health handles GET /api/v1/health and responds 200 with the encoder
// capabilities and the pending count.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.caps != nil {
		caps := h.caps.Detect(r.Context())
		resp["encoder"] = caps
		resp["fade_supported"] = caps.FadeSupported()
	}
	if n, err := h.svc.PendingCount(r.Context()); err == nil {
		resp["pending"] = n
	} else {
		resp["status"] = "degraded"
		resp["store_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps queue and upload errors to status codes.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, workspace.ErrTooLarge), errors.Is(err, queue.ErrClipTooLong), errors.As(err, &maxBytes):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, errBadRequest), errors.Is(err, workspace.ErrEmpty):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, queue.ErrNotRetryable), errors.Is(err, queue.ErrNotReady), errors.Is(err, queue.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrInputsGone):
		writeError(w, http.StatusGone, err.Error())
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
