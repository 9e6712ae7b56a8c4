package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/lexbatch/internal/errors"
	"github.com/3leaps/lexbatch/pkg/estimate"
	"github.com/3leaps/lexbatch/pkg/export"
	"github.com/3leaps/lexbatch/pkg/jobstore"
	"github.com/3leaps/lexbatch/pkg/moderation"
	"github.com/3leaps/lexbatch/pkg/scope"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// JobService is the moderation surface served over HTTP.
type JobService interface {
	ValidateScope(ctx context.Context, sc scope.Scope) (*moderation.Validation, error)
	Preview(ctx context.Context, req moderation.PreviewRequest) (*moderation.PreviewResult, error)
	Estimate(ctx context.Context, req estimate.Request) (*estimate.Estimate, error)
	CreateJob(ctx context.Context, req moderation.CreateJobRequest) (*jobstore.Job, error)
	GetJob(ctx context.Context, id string, q jobstore.ItemsQuery) (*jobstore.JobView, error)
	ListJobs(ctx context.Context, q jobstore.ListQuery) ([]jobstore.Job, error)
	CancelJob(ctx context.Context, id string) (*jobstore.Job, error)
	PauseJob(ctx context.Context, id string) (*jobstore.Job, error)
	ResumeJob(ctx context.Context, id string) (*jobstore.Job, error)
	DeleteJob(ctx context.Context, id string) error
	ExportJob(ctx context.Context, id, uri string) (*export.Result, error)
}

// WatchOptions tune the websocket watch.
type WatchOptions struct {
	Interval        time.Duration
	PersistentAfter int

	// AllowedOrigins are the browser origins that may open a watch. Empty
	// admits requests without an Origin header and same-host origins only.
	AllowedOrigins []string
}

// Jobs serves the job and scope endpoints.
type Jobs struct {
	svc      JobService
	watch    WatchOptions
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewJobs creates the handlers for svc.
func NewJobs(svc JobService, watch WatchOptions, logger *zap.Logger) *Jobs {
	if watch.Interval <= 0 {
		watch.Interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{
		svc:      svc,
		watch:    watch,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(watch.AllowedOrigins)},
		logger:   logger,
	}
}

// Routes mounts the endpoints on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Route("/scope", func(r chi.Router) {
		r.Post("/validate", h.validateScope)
		r.Post("/preview", h.preview)
		r.Post("/estimate", h.estimate)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.createJob)
		r.Get("/", h.listJobs)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Delete("/", h.deleteJob)
			r.Post("/cancel", h.transition((JobService).CancelJob))
			r.Post("/pause", h.transition((JobService).PauseJob))
			r.Post("/resume", h.transition((JobService).ResumeJob))
			r.Post("/export", h.exportJob)
			r.Get("/watch", h.watchJob)
		})
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.NewBadRequest("invalid request body", err)
	}
	return nil
}

func (h *Jobs) validateScope(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope scope.Scope `json:"scope"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	res, err := h.svc.ValidateScope(r.Context(), body.Scope)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Jobs) preview(w http.ResponseWriter, r *http.Request) {
	var req moderation.PreviewRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	res, err := h.svc.Preview(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Jobs) estimate(w http.ResponseWriter, r *http.Request) {
	var req estimate.Request
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	res, err := h.svc.Estimate(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Jobs) createJob(w http.ResponseWriter, r *http.Request) {
	var req moderation.CreateJobRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	job, err := h.svc.CreateJob(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("Job created", zap.String("job_id", job.ID), zap.Int("total_items", job.Counters.Total))
	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, job)
}

func (h *Jobs) listJobs(w http.ResponseWriter, r *http.Request) {
	var q jobstore.ListQuery
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, ok := jobstore.ParseJobStatus(strings.TrimSpace(s))
			if !ok {
				respondWithError(w, r, &moderation.RequestError{Field: "status", Message: fmt.Sprintf("unknown status %q", s)})
				return
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	q.Limit = limit

	jobs, err := h.svc.ListJobs(r.Context(), q)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []jobstore.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func itemsQuery(r *http.Request) (jobstore.ItemsQuery, error) {
	var q jobstore.ItemsQuery
	bucket, ok := jobstore.ParseBucket(r.URL.Query().Get("status"))
	if !ok {
		return q, &moderation.RequestError{Field: "status", Message: fmt.Sprintf("unknown item bucket %q", r.URL.Query().Get("status"))}
	}
	q.Bucket = bucket

	var err error
	if q.Page, err = intParam(r, "page"); err != nil {
		return q, err
	}
	if q.PageSize, err = intParam(r, "page_size"); err != nil {
		return q, err
	}
	return q, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &moderation.RequestError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

func (h *Jobs) getJob(w http.ResponseWriter, r *http.Request) {
	q, err := itemsQuery(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	view, err := h.svc.GetJob(r.Context(), chi.URLParam(r, "jobID"), q)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Jobs) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := h.svc.DeleteJob(r.Context(), id); err != nil {
		respondWithError(w, r, err)
		return
	}
	h.logger.Info("Job deleted", zap.String("job_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Jobs) transition(fn func(JobService, context.Context, string) (*jobstore.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := fn(h.svc, r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		h.logger.Info("Job transitioned", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		writeJSON(w, http.StatusOK, job)
	}
}

func (h *Jobs) exportJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Destination string `json:"destination"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Destination) == "" {
		respondWithError(w, r, &moderation.RequestError{Field: "destination", Message: "required"})
		return
	}
	res, err := h.svc.ExportJob(r.Context(), chi.URLParam(r, "jobID"), body.Destination)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
