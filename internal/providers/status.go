package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/tributary-ai/llm-router-resilience/internal/types"
)

// ClassForStatus maps an upstream HTTP status onto an error class
func ClassForStatus(status int) types.ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.ErrorAuthentication
	case status == http.StatusPaymentRequired:
		return types.ErrorQuotaExceeded
	case status == http.StatusTooManyRequests:
		return types.ErrorRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.ErrorTimeout
	case status >= 500:
		return types.ErrorServer
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return types.ErrorModel
	}
	return types.ErrorUnknown
}

// WrapError turns an SDK error into a classified ProviderError. A zero status
// leaves the class empty so the executor's classifier decides.
func WrapError(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	pe := &types.ProviderError{Provider: provider, StatusCode: status, Err: err}
	switch {
	case status != 0:
		pe.Class = ClassForStatus(status)
	case errors.Is(err, context.DeadlineExceeded):
		pe.Class = types.ErrorTimeout
	}
	return pe
}
