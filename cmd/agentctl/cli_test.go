package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentic-trust/sdk/go/agentictrust"
)

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func newFakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/resolve-account", func(w http.ResponseWriter, r *http.Request) {
		var req agentictrust.ResolveAccountRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.EqualValues(t, 84532, req.ChainID)
		_ = json.NewEncoder(w).Encode(agentictrust.Resolution{Account: "0x5555555555555555555555555555555555555555", Method: "ens-identity"})
	})
	mux.HandleFunc("POST /api/agents/aa/deploy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(agentictrust.DeployAck{JobID: "job-1", Status: "pending"})
	})
	mux.HandleFunc("GET /api/agents/aa/deploy", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentictrust.DeployJob{ID: r.URL.Query().Get("id"), Status: "succeeded"})
	})
	mux.HandleFunc("POST /api/agents/feedback-auth", func(w http.ResponseWriter, r *http.Request) {
		var req agentictrust.FeedbackAuthRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.IndexLimit)
		assert.EqualValues(t, 0, *req.IndexLimit)
		_ = json.NewEncoder(w).Encode(agentictrust.FeedbackAuth{Payload: "0xaa", ClientAddress: req.ClientAddress})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolvePrintsJSON(t *testing.T) {
	srv := newFakeServer(t)
	stdout, err := executeCLI(t, "--server", srv.URL, "resolve", "alice.agent", "--chain", "84532")
	require.NoError(t, err)
	var res agentictrust.Resolution
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, "ens-identity", res.Method)
}

func TestDeployWaitsForCompletion(t *testing.T) {
	srv := newFakeServer(t)
	stdout, err := executeCLI(t, "--server", srv.URL, "deploy", "alice.agent", "--wait", "--interval", "10ms")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"status": "succeeded"`)
	assert.Contains(t, stdout, `"id": "job-1"`)
}

func TestFeedbackAuthSendsExplicitZeroIndexLimit(t *testing.T) {
	srv := newFakeServer(t)
	stdout, err := executeCLI(t, "--server", srv.URL, "feedback-auth",
		"--client", "0x1111111111111111111111111111111111111111", "--index-limit", "0")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"payload": "0xaa"`)
}

func TestFeedbackAuthRequiresClient(t *testing.T) {
	_, err := executeCLI(t, "--server", "http://127.0.0.1:1", "feedback-auth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "client" not set`)
}

func TestResolveRequiresName(t *testing.T) {
	_, err := executeCLI(t, "--server", "http://127.0.0.1:1", "resolve")
	require.Error(t, err)
}

func TestInvalidServerURL(t *testing.T) {
	_, err := executeCLI(t, "--server", "not-a-url", "resolve", "alice")
	require.Error(t, err)
}
