package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/agentoven/toolgate/pkg/models"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Retryable bool           `json:"retryable"`
	Reason    string         `json:"reason,omitempty"`
	Missing   []string       `json:"missing,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// statusFor maps the gateway error taxonomy onto HTTP status codes and a
// stable machine-readable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidArguments):
		return http.StatusBadRequest, "invalid_arguments"
	case errors.Is(err, models.ErrUnknownTool):
		return http.StatusNotFound, "unknown_tool"
	case models.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrCapabilityUnsatisfiable):
		return http.StatusUnprocessableEntity, "capability_unsatisfiable"
	case errors.Is(err, models.ErrNoProviderAvailable):
		return http.StatusServiceUnavailable, "no_provider_available"
	case errors.Is(err, models.ErrOverCapacity):
		return http.StatusTooManyRequests, "over_capacity"
	case errors.Is(err, models.ErrCircuitOpenRejected):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, models.ErrTransportIntegrity):
		return http.StatusBadGateway, "transport_integrity"
	case errors.Is(err, models.ErrConfigurationInvalid):
		return http.StatusInternalServerError, "configuration_invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 499, "canceled"
	}
	return http.StatusInternalServerError, "internal"
}

func respondErr(w http.ResponseWriter, err error, details map[string]any) {
	status, code := statusFor(err)
	body := errorBody{
		Error:     err.Error(),
		Code:      code,
		Retryable: models.Retryable(err),
		Details:   details,
	}

	var ce *models.CapabilityError
	if errors.As(err, &ce) {
		body.Reason = string(ce.Reason)
		for _, f := range ce.Missing {
			body.Missing = append(body.Missing, string(f))
		}
	}
	if after, ok := models.RetryAfter(err); ok {
		secs := int(math.Ceil(after.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	respondJSON(w, status, body)
}
