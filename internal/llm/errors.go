package llm

import (
	"errors"
	"net/http"

	"github.com/spherical-ai/docpipe/internal/domain"
)

// RetryableStatus reports whether a provider HTTP status is worth another attempt.
func RetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Permanent reports whether a completion failure will not go away on retry:
// rejected credentials, unknown models and malformed requests.
func Permanent(err error) bool {
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || perr.StatusCode == 0 {
		return false
	}
	switch perr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func providerError(provider string, statusCode int, message string, err error) *domain.ProviderError {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &domain.ProviderError{Provider: provider, StatusCode: statusCode, Message: message, Err: err}
}
