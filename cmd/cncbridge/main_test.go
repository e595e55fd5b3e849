package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthcheck(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" && !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, healthcheck([]string{"-url", srv.URL}, &out, &errOut))
	assert.Contains(t, out.String(), "healthcheck ok (live)")

	errOut.Reset()
	assert.Equal(t, 1, healthcheck([]string{"-url", srv.URL, "-mode", "ready"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "503")

	ready.Store(true)
	assert.Equal(t, 0, healthcheck([]string{"-url", srv.URL, "-mode", "ready"}, &out, &errOut))

	assert.Equal(t, 1, healthcheck([]string{"-url", "http://127.0.0.1:1"}, &out, &errOut))
}

func TestConfigValidateAndDump(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(good, []byte("api:\n  sharedSecret: hunter2\ncooldown:\n  controlWindow: 3s\n"), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("api:\n  bogusKey: 1\n"), 0o600))

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, configCLI([]string{"validate", "-f", good}, &out, &errOut), errOut.String())
	assert.Contains(t, out.String(), "is valid")

	errOut.Reset()
	assert.Equal(t, 1, configCLI([]string{"validate", "-f", bad}, &out, &errOut))
	assert.Contains(t, errOut.String(), "configuration error")

	out.Reset()
	assert.Equal(t, 0, configCLI([]string{"dump", "-f", good}, &out, &errOut))
	assert.Contains(t, out.String(), "controlWindow: 3s")
	assert.NotContains(t, out.String(), "hunter2")

	out.Reset()
	assert.Equal(t, 0, configCLI([]string{"dump", "-f", good, "--format", "json"}, &out, &errOut))
	assert.NotContains(t, out.String(), "hunter2")

	assert.Equal(t, 2, configCLI([]string{"explode"}, &out, &errOut))
}
