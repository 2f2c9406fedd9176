package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makereel/api/internal/model"
	"github.com/makereel/api/internal/service"
	"github.com/makereel/api/pkg/response"
)

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewJobHandler(svc *service.JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
	}
}

// Accept handles POST /api/jobs. The 202 returns before the operation
// runs; callers poll the statusUrl.
func (h *JobHandler) Accept(c *fiber.Ctx) error {
	var req model.JobAcceptRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Accept(c.Context(), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), jobID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}
