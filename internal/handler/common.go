package handler

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makereel/api/internal/apperr"
	"github.com/makereel/api/pkg/response"
)

// formatValidationErrors turns validator errors into a field→message map
func formatValidationErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}

	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return details
}

// serviceError maps the typed error taxonomy to HTTP responses.
func serviceError(c *fiber.Ctx, err error) error {
	var verr *apperr.ValidationError
	if errors.As(err, &verr) {
		return response.ValidationError(c, "Validation failed", verr.Errors)
	}

	var nfe *apperr.NotFoundError
	if errors.As(err, &nfe) {
		return response.NotFound(c, err.Error())
	}

	var serr *apperr.StorageError
	if errors.As(err, &serr) {
		return response.StorageError(c, err.Error())
	}

	var ste *apperr.StageError
	if errors.As(err, &ste) {
		return response.StageError(c, err.Error())
	}

	var te *apperr.TimeoutError
	if errors.As(err, &te) {
		return response.Error(c, fiber.StatusGatewayTimeout, response.CodeStageError, err.Error(), nil)
	}

	return response.ServiceError(c, err.Error())
}
