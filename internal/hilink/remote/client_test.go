package remote

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abutsfit/cncbridge/internal/hilink"
)

func newAgent(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Timeout: time.Second, Serial: "acwa-test", BreakerThreshold: 2, BreakerReset: time.Hour})
}

func TestOpenHandleAndStatus(t *testing.T) {
	c := newAgent(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acwa-test", r.Header.Get("X-Hilink-Serial"))
		switch strings.TrimPrefix(r.URL.Path, "/call/") {
		case hilink.OpOpenHandle:
			var args map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&args))
			assert.Equal(t, "10.1.1.1", args["ip"])
			_, _ = w.Write([]byte(`{"code":0,"payload":{"handle":42}}`))
		case hilink.OpGetStatus:
			_, _ = w.Write([]byte(`{"code":0,"payload":{"status":"Alarm"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	h, code := c.OpenHandle("10.1.1.1", 8193, 3*time.Second)
	require.Equal(t, hilink.OK, code)
	assert.Equal(t, hilink.Handle(42), h)

	st, code := c.GetMachineStatus(h)
	require.Equal(t, hilink.OK, code)
	assert.Equal(t, hilink.StatusAlarm, st)
}

func TestVendorCodePassesThrough(t *testing.T) {
	c := newAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":-8}`))
	})
	assert.Equal(t, hilink.CodeInvalidHandle, c.SetMachineReset(7))
	assert.Equal(t, "closed", c.BreakerState(), "vendor codes are not transport failures")
}

func TestTransportFailureOpensBreaker(t *testing.T) {
	var hits atomic.Int32
	c := newAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 4; i++ {
		assert.Equal(t, hilink.CodeCommunication, c.SetMachineReset(1))
	}
	assert.Equal(t, "open", c.BreakerState())
	assert.EqualValues(t, 2, hits.Load(), "open breaker must short-circuit")
}

func TestPing(t *testing.T) {
	c := newAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	err := c.Ping(t.Context())
	require.ErrorIs(t, err, ErrAgentUnavailable)
}
