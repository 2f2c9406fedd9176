package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makereel/api/internal/model"
	"github.com/makereel/api/internal/service"
	"github.com/makereel/api/pkg/response"
)

type PipelineHandler struct {
	service   *service.OrchestratorService
	validator *validator.Validate
}

func NewPipelineHandler(svc *service.OrchestratorService, v *validator.Validate) *PipelineHandler {
	return &PipelineHandler{
		service:   svc,
		validator: v,
	}
}

// Run handles POST /api/pipeline/run. The call blocks for the whole
// run; callers needing an immediate return submit a full-pipeline job
// instead.
func (h *PipelineHandler) Run(c *fiber.Ctx) error {
	var req model.PipelineRunRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Run(c.Context(), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Execution handles GET /api/pipeline/executions/:executionId
func (h *PipelineHandler) Execution(c *fiber.Ctx) error {
	executionID := c.Params("executionId")
	if executionID == "" {
		return response.ValidationError(c, "Execution ID is required", nil)
	}

	execution, err := h.service.GetExecution(c.Context(), executionID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, execution)
}
