package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makereel/api/internal/model"
	"github.com/makereel/api/internal/service"
	"github.com/makereel/api/pkg/response"
)

type ContextHandler struct {
	service   *service.ContextService
	validator *validator.Validate
}

func NewContextHandler(svc *service.ContextService, v *validator.Validate) *ContextHandler {
	return &ContextHandler{
		service:   svc,
		validator: v,
	}
}

// Store handles POST /api/contexts
func (h *ContextHandler) Store(c *fiber.Ctx) error {
	var req model.ContextStoreRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	opts := &service.StoreOptions{
		Compress: req.Compress,
		TTLHours: req.TTLHours,
	}

	result, err := h.service.Store(c.Context(), req.ContextID, req.ContextType, req.Data, opts)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Created(c, result)
}

// Retrieve handles GET /api/contexts/:contextId
func (h *ContextHandler) Retrieve(c *fiber.Ctx) error {
	contextID := c.Params("contextId")
	if contextID == "" {
		return response.ValidationError(c, "Context ID is required", nil)
	}

	env, err := h.service.Retrieve(c.Context(), contextID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, env)
}

// Update handles PATCH /api/contexts/:contextId
func (h *ContextHandler) Update(c *fiber.Ctx) error {
	contextID := c.Params("contextId")
	if contextID == "" {
		return response.ValidationError(c, "Context ID is required", nil)
	}

	var req model.ContextUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	opts := &service.StoreOptions{
		Compress: req.Compress,
		TTLHours: req.TTLHours,
	}

	result, err := h.service.Update(c.Context(), contextID, req.Data, opts)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Delete handles DELETE /api/contexts/:contextId. Deletion is
// idempotent: unknown ids succeed.
func (h *ContextHandler) Delete(c *fiber.Ctx) error {
	contextID := c.Params("contextId")
	if contextID == "" {
		return response.ValidationError(c, "Context ID is required", nil)
	}

	if err := h.service.Delete(c.Context(), contextID); err != nil {
		return serviceError(c, err)
	}

	return response.NoContent(c)
}

// List handles GET /api/contexts
func (h *ContextHandler) List(c *fiber.Ctx) error {
	opts := service.ListOptions{
		Type:           model.ContextType(c.Query("type")),
		IncludeExpired: c.QueryBool("includeExpired"),
	}

	if opts.Type != "" && !model.IsValidContextType(opts.Type) {
		return response.ValidationError(c, "Unknown context type", nil)
	}

	result, err := h.service.List(c.Context(), opts)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Stats handles GET /api/contexts/stats
func (h *ContextHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.service.Stats(c.Context())
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, stats)
}

// Cleanup handles POST /api/contexts/cleanup, the on-demand TTL sweep.
func (h *ContextHandler) Cleanup(c *fiber.Ctx) error {
	removed, err := h.service.CleanupExpired(c.Context())
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, model.CleanupResult{Removed: removed})
}
