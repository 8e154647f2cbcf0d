package apierror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vorion-labs/vorion/pkg/apierror"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    *apierror.Error
		status int
	}{
		{apierror.Validation("x"), http.StatusBadRequest},
		{apierror.NotFound("x"), http.StatusNotFound},
		{apierror.Conflict("x"), http.StatusConflict},
		{apierror.Forbidden("x"), http.StatusForbidden},
		{apierror.Configuration("x"), http.StatusInternalServerError},
		{apierror.Database(errors.New("y"), "x"), http.StatusInternalServerError},
		{apierror.ExternalService(errors.New("y"), "x"), http.StatusBadGateway},
		{apierror.Timeout("op"), http.StatusGatewayTimeout},
		{apierror.CircuitOpen("db"), http.StatusServiceUnavailable},
		{apierror.RateLimited(time.Second), http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, tt.err.HTTPStatus(), string(tt.err.Code))
	}
}

func TestCodeOf_UnwrapsChains(t *testing.T) {
	inner := apierror.NotFound("record missing")
	wrapped := fmt.Errorf("loading profile: %w", inner)

	assert.Equal(t, apierror.CodeNotFound, apierror.CodeOf(wrapped))
	assert.True(t, apierror.Is(wrapped, apierror.CodeNotFound))
	assert.False(t, apierror.Is(wrapped, apierror.CodeConflict))
}

func TestCodeOf_PlainError(t *testing.T) {
	assert.Equal(t, apierror.Code(""), apierror.CodeOf(errors.New("plain")))
	assert.Equal(t, http.StatusInternalServerError, apierror.HTTPStatusOf(errors.New("plain")))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := apierror.Database(cause, "save record")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "DATABASE")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithDetail(t *testing.T) {
	err := apierror.Timeout("capability.preCheck")
	assert.Equal(t, "capability.preCheck", err.Details["operation"])

	err.WithDetail("attempt", 3)
	assert.Equal(t, 3, err.Details["attempt"])
}

func TestRateLimited_CarriesRetryAfter(t *testing.T) {
	err := apierror.RateLimited(30 * time.Second)
	assert.Equal(t, 30*time.Second, err.RetryAfter)
}
