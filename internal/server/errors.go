package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/paygate/internal/billing/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware maps domain errors pushed via AbortWithError to a
// uniform JSON envelope. It runs after the handler chain; handlers that have
// already written a body are left alone.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	var vErrs *ValidationErrors
	if errors.As(err, &vErrs) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErrs.Errors,
		}
	}

	switch {
	case errors.Is(err, domain.ErrSignatureMismatch):
		return http.StatusBadRequest, errorPayload{
			Type:    "signature_error",
			Message: "webhook signature verification failed",
		}
	case errors.Is(err, domain.ErrStaleTimestamp):
		return http.StatusBadRequest, errorPayload{
			Type:    "signature_error",
			Message: "webhook timestamp outside tolerance",
		}
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "malformed event payload",
		}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "resource not found",
		}
	case errors.Is(err, domain.ErrMissingCorrelation):
		// Fatal on our side; 500 so the provider redelivers after the
		// checkout integration is fixed.
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "event could not be correlated to a user",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog tells the request logger which 4xx responses are
// signature failures so they log at warn instead of info.
func classifyErrorForLog(err error) (string, string) {
	switch {
	case errors.Is(err, domain.ErrSignatureMismatch):
		return "signature_error", "signature_mismatch"
	case errors.Is(err, domain.ErrStaleTimestamp):
		return "signature_error", "stale_timestamp"
	case errors.Is(err, domain.ErrInvalidPayload):
		return "validation_error", "invalid_payload"
	default:
		return "", ""
	}
}
