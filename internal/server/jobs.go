package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/antimomentum/antimomentum/internal/store"
	"github.com/labstack/echo/v4"
)

// JobStore is the slice of the store the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, prompt string) (store.Job, error)
	GetJob(ctx context.Context, id int64) (store.JobResponse, bool, error)
	UpdateJobStatus(ctx context.Context, id int64, status store.JobStatus) error
}

// Dispatcher starts a job without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID int64, prompt string) error
}

// JobsHandler serves job submission and polling.
type JobsHandler struct {
	store      JobStore
	dispatcher Dispatcher
	logger     *log.Logger
}

func NewJobsHandler(st JobStore, dispatcher Dispatcher, logger *log.Logger) *JobsHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return &JobsHandler{store: st, dispatcher: dispatcher, logger: logger}
}

func (h *JobsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:id", h.get)
}

type createJobRequest struct {
	Prompt *string `json:"prompt"`
}

func (h *JobsHandler) create(c echo.Context) error {
	var req createJobRequest
	if err := c.Bind(&req); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusUnsupportedMediaType {
			return err
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if req.Prompt == nil || strings.TrimSpace(*req.Prompt) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}

	ctx := c.Request().Context()
	job, err := h.store.CreateJob(ctx, *req.Prompt)
	if err != nil {
		return err
	}
	if err := h.dispatcher.Dispatch(ctx, job.ID, job.Prompt); err != nil {
		h.markUnscheduled(ctx, job.ID)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Job could not be scheduled").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, job)
}

// markUnscheduled fails a job nobody will pick up so pollers do not wait forever.
func (h *JobsHandler) markUnscheduled(ctx context.Context, id int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.store.UpdateJobStatus(ctx, id, store.JobStatusFailed); err != nil {
		h.logger.Printf("job %d: mark unscheduled job failed: %v", id, err)
	}
}

func (h *JobsHandler) get(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusNotFound, "Job not found")
	}
	job, ok, err := h.store.GetJob(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Job not found")
	}
	return c.JSON(http.StatusOK, job)
}
