package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	apiURL, owner = "", ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestJobsCreateSendsOwnerAndBody(t *testing.T) {
	var (
		gotOwner string
		gotBody  map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs", r.URL.Path)
		gotOwner = r.Header.Get("X-Owner-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job":{"id":"j1","status":"processing"},"queued":false}`))
	}))
	defer srv.Close()

	out, err := run(t, "jobs", "create", "--api", srv.URL, "--owner", "alice",
		"--account", "acc-1", "--pattern", "Shop-{number}", "--total", "3")
	require.NoError(t, err)
	assert.Equal(t, "alice", gotOwner)
	assert.Equal(t, "acc-1", gotBody["account_id"])
	assert.Equal(t, float64(3), gotBody["total"])
	assert.Contains(t, out, `"status": "processing"`)
}

func TestAPIErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/j1/pause", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"INVALID_TRANSITION","message":"pause pending job: invalid state transition"}}`))
	}))
	defer srv.Close()

	_, err := run(t, "jobs", "pause", "j1", "--api", srv.URL, "--owner", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_TRANSITION")
}

func TestOwnerRequired(t *testing.T) {
	t.Setenv("PROVISIONER_OWNER", "")
	_, err := run(t, "jobs", "list", "--api", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--owner")
}
