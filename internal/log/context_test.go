package log

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithRequestID(t *testing.T) {
	tests := []struct {
		name      string
		ctx       context.Context
		requestID string
		want      string
	}{
		{name: "nil context", ctx: nil, requestID: "test-id-123", want: "test-id-123"},
		{name: "background context", ctx: context.Background(), requestID: "req-456", want: "req-456"},
		{name: "empty request ID", ctx: context.Background(), requestID: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithRequestID(tt.ctx, tt.requestID) //nolint:staticcheck // nil ctx is part of the contract
			assert.Equal(t, tt.want, RequestIDFromContext(ctx))
		})
	}
}

func TestFromContextWithoutValues(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(nil)) //nolint:staticcheck
	assert.Empty(t, JobIDFromContext(context.Background()))
	assert.Empty(t, MachineIDFromContext(context.Background()))
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Reconfigure(Config{Level: "debug", Output: &buf, Service: "test"})
	t.Cleanup(func() { Reconfigure(Config{}) })

	ctx := ContextWithRequestID(context.Background(), "rid-1")
	ctx = ContextWithJobID(ctx, "job-1")
	ctx = ContextWithMachineID(ctx, "M01")

	logger := WithComponentFromContext(ctx, "unit")
	logger.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "rid-1", entry[FieldRequestID])
	assert.Equal(t, "job-1", entry[FieldJobID])
	assert.Equal(t, "M01", entry[FieldMachineID])
	assert.Equal(t, "unit", entry[FieldComponent])
	assert.Equal(t, "test", entry["service"])
}

func TestMiddlewareLogsRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	Reconfigure(Config{Level: "debug", Output: &buf})
	t.Cleanup(func() { Reconfigure(Config{}) })

	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/api/cnc/machines/{machineId}/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/cnc/machines/M7/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http.request", entry[FieldEvent])
	assert.Equal(t, "/api/cnc/machines/{machineId}/status", entry["route"])
	assert.EqualValues(t, http.StatusTeapot, entry["status"])
}
