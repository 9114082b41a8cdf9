package gateway

import (
	"context"
	"net/http"

	"github.com/c360/entitystream/errors"
)

// HTTPStatus maps a classified error to the status code returned to clients
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrConnectionTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns a message safe to show clients. Topics, broker addresses and
// wrapped causes stay in the logs.
func PublicMessage(err error) string {
	switch HTTPStatus(err) {
	case http.StatusTooManyRequests:
		return "rate limited"
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}
