package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/danavision/api/internal/middleware"
	"github.com/danavision/api/internal/model"
	"github.com/danavision/api/pkg/response"
)

const (
	defaultJobListLimit = 20
	maxJobListLimit     = 100
)

// JobQueue is the job service surface the HTTP layer drives.
type JobQueue interface {
	StartDiscovery(ctx context.Context, userID string, in model.DiscoveryJobInput) (*model.Job, error)
	StartRefresh(ctx context.Context, userID string, itemID int64) (*model.Job, error)
	StartAutoConfig(ctx context.Context, userID string, in model.AutoConfigJobInput) (*model.Job, error)
	GetForOwner(ctx context.Context, jobID, userID string) (*model.Job, error)
	ListForOwner(ctx context.Context, userID string, limit int) ([]*model.Job, error)
	Cancel(ctx context.Context, jobID, userID string) (*model.Job, error)
}

// ItemLookup resolves list items so jobs are only queued for their owner.
type ItemLookup interface {
	GetItem(ctx context.Context, itemID int64) (*model.ListItem, error)
}

type JobHandler struct {
	jobs      JobQueue
	items     ItemLookup
	validator *validator.Validate
}

func NewJobHandler(jobs JobQueue, items ItemLookup, v *validator.Validate) *JobHandler {
	return &JobHandler{
		jobs:      jobs,
		items:     items,
		validator: v,
	}
}

// StartDiscovery handles POST /api/discovery
func (h *JobHandler) StartDiscovery(c *fiber.Ctx) error {
	var req model.DiscoveryStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	userID := middleware.GetUserID(c)
	if _, err := h.ownedItem(c.UserContext(), req.ItemID, userID); err != nil {
		return response.FromError(c, err)
	}

	job, err := h.jobs.StartDiscovery(c.UserContext(), userID, model.DiscoveryJobInput{
		ItemID:      req.ItemID,
		ProductName: req.ProductName,
		Options:     req.Options,
	})
	if err != nil {
		return response.FromError(c, err)
	}

	return response.Accepted(c, model.NewJobStartResponse(job))
}

// StartRefresh handles POST /api/items/:id/refresh
func (h *JobHandler) StartRefresh(c *fiber.Ctx) error {
	itemID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || itemID <= 0 {
		return response.ValidationError(c, "Invalid item ID", nil)
	}

	userID := middleware.GetUserID(c)
	if _, err := h.ownedItem(c.UserContext(), itemID, userID); err != nil {
		return response.FromError(c, err)
	}

	job, err := h.jobs.StartRefresh(c.UserContext(), userID, itemID)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.Accepted(c, model.NewJobStartResponse(job))
}

// List handles GET /api/jobs
func (h *JobHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultJobListLimit)
	if limit <= 0 || limit > maxJobListLimit {
		return response.ValidationError(c, "limit must be between 1 and 100", nil)
	}

	jobs, err := h.jobs.ListForOwner(c.UserContext(), middleware.GetUserID(c), limit)
	if err != nil {
		return response.FromError(c, err)
	}

	out := make([]model.JobStatusResponse, len(jobs))
	for i, j := range jobs {
		out[i] = model.NewJobStatusResponse(j)
	}
	return response.OK(c, fiber.Map{"jobs": out})
}

// Status handles GET /api/jobs/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.GetForOwner(c.UserContext(), jobID, middleware.GetUserID(c))
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, model.NewJobStatusResponse(job))
}

// Result handles GET /api/jobs/:jobId/result
func (h *JobHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.GetForOwner(c.UserContext(), jobID, middleware.GetUserID(c))
	if err != nil {
		return response.FromError(c, err)
	}
	if job.Status != model.JobStatusCompleted {
		return response.FromError(c, model.ErrJobNotCompleted)
	}

	return response.OK(c, model.JobResultResponse{JobID: job.ID, Type: job.Type, Output: job.Output})
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.Cancel(c.UserContext(), jobID, middleware.GetUserID(c))
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, model.JobCancelResponse{
		JobID:           job.ID,
		Status:          job.Status,
		CancelRequested: job.CancelRequested,
	})
}

// ownedItem hides other users' items behind ErrItemNotFound.
func (h *JobHandler) ownedItem(ctx context.Context, itemID int64, userID string) (*model.ListItem, error) {
	if h.items == nil {
		return nil, nil
	}
	item, err := h.items.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.UserID != "" && item.UserID != userID {
		return nil, model.ErrItemNotFound
	}
	return item, nil
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
