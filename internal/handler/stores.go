package handler

import (
	"context"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/danavision/api/internal/middleware"
	"github.com/danavision/api/internal/model"
	"github.com/danavision/api/pkg/response"
)

// StoreCatalog is the registry surface the HTTP layer drives.
type StoreCatalog interface {
	ActiveStores(ctx context.Context, filter model.StoreFilter) ([]model.Store, error)
	LookupDomain(ctx context.Context, rawURL string) (*model.Store, error)
	AddStore(ctx context.Context, userID, rawURL, name string, local bool, category model.StoreCategory) (*model.Store, error)
}

type StoreHandler struct {
	stores    StoreCatalog
	jobs      JobQueue
	validator *validator.Validate
}

func NewStoreHandler(stores StoreCatalog, jobs JobQueue, v *validator.Validate) *StoreHandler {
	return &StoreHandler{
		stores:    stores,
		jobs:      jobs,
		validator: v,
	}
}

// List handles GET /api/stores?local=&category=
func (h *StoreHandler) List(c *fiber.Ctx) error {
	var filter model.StoreFilter
	switch strings.ToLower(c.Query("local")) {
	case "":
	case "true", "1":
		local := true
		filter.Local = &local
	case "false", "0":
		local := false
		filter.Local = &local
	default:
		return response.ValidationError(c, "local must be true or false", nil)
	}
	filter.Category = model.StoreCategory(c.Query("category"))

	stores, err := h.stores.ActiveStores(c.UserContext(), filter)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, fiber.Map{"stores": stores})
}

// Lookup handles GET /api/stores/lookup?url=
func (h *StoreHandler) Lookup(c *fiber.Ctx) error {
	rawURL := strings.TrimSpace(c.Query("url"))
	if rawURL == "" {
		return response.ValidationError(c, "url is required", nil)
	}

	store, err := h.stores.LookupDomain(c.UserContext(), rawURL)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, store)
}

// Add handles POST /api/stores
func (h *StoreHandler) Add(c *fiber.Ctx) error {
	var req model.AddStoreRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	userID := middleware.GetUserID(c)
	store, err := h.stores.AddStore(c.UserContext(), userID, req.URL, req.Name, req.IsLocal, req.Category)
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}

	out := model.StoreAddResponse{Store: *store}
	if store.EffectiveTemplate() != "" || !req.ShouldAutoConfigure() {
		return response.Created(c, out)
	}

	storeID := store.ID
	job, err := h.jobs.StartAutoConfig(c.UserContext(), userID, model.AutoConfigJobInput{
		StoreID:  &storeID,
		URL:      req.URL,
		Name:     store.Name,
		UseAgent: req.UseAgent,
	})
	if err != nil {
		// The store exists either way; the user can add it again to retry.
		log.Printf("[stores] Failed to queue auto-config for %s: %v", store.Domain, err)
		return response.Created(c, out)
	}
	started := model.NewJobStartResponse(job)
	out.Job = &started

	return response.Accepted(c, out)
}
