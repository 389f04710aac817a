package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stackmerce/billing/internal/fault"
)

func invalidRequestError() error {
	return fault.NewValidation("", "invalid_request", "request body could not be parsed")
}

func newValidationError(field, code, reason string) error {
	return fault.NewValidation(field, code, reason)
}

// AbortWithError maps a typed domain error to an HTTP response.
func AbortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := "internal error"

	var validation *fault.ValidationError
	var notFound *fault.NotFoundError
	var conflict *fault.StateConflictError
	var insufficient *fault.InsufficientCreditsError
	var external *fault.ExternalServiceError
	var signature *fault.SignatureError

	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		code = validation.Code
		if code == "" {
			code = "validation_failed"
		}
		message = validation.Error()
	case errors.As(err, &notFound):
		status = http.StatusNotFound
		code = "not_found"
		message = notFound.Error()
	case errors.As(err, &conflict):
		status = http.StatusConflict
		code = "state_conflict"
		message = conflict.Error()
	case errors.As(err, &insufficient):
		status = http.StatusPaymentRequired
		code = "insufficient_credits"
		message = insufficient.Error()
	case errors.As(err, &signature):
		status = http.StatusUnauthorized
		code = "invalid_signature"
		message = signature.Error()
	case errors.As(err, &external):
		status = http.StatusBadGateway
		code = "provider_error"
		message = external.Error()
	}

	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}
