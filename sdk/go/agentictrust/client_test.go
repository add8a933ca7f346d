package agentictrust

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	return client
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient("localhost:8080", nil)
	require.Error(t, err)
}

func TestResolveAccount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/agents/resolve-account", r.URL.Path)
		var req ResolveAccountRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice.agent", req.AgentName)
		_ = json.NewEncoder(w).Encode(Resolution{Account: "0x5555555555555555555555555555555555555555", Method: "ens-identity"})
	})

	res, err := client.ResolveAccount(context.Background(), ResolveAccountRequest{AgentName: "alice.agent"})
	require.NoError(t, err)
	assert.Equal(t, "ens-identity", res.Method)
	assert.Equal(t, "0x5555555555555555555555555555555555555555", res.Account)
}

func TestTokenIsSentAsBearer(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k3y" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"缺少 bearer token","code":"UNAUTHENTICATED"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(AccountAddress{Address: "0x5555555555555555555555555555555555555555", Method: "deterministic"})
	})

	_, err := client.AccountAddress(context.Background(), AccountAddressRequest{AgentName: "alice"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "UNAUTHENTICATED", apiErr.Code)

	client.SetToken(" k3y ")
	assert.Equal(t, "k3y", client.Token())
	addr, err := client.AccountAddress(context.Background(), AccountAddressRequest{AgentName: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "deterministic", addr.Method)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"部署任务不存在","code":"DEPLOY_JOB_NOT_FOUND"}`))
	})

	_, err := client.GetDeployment(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "DEPLOY_JOB_NOT_FOUND", apiErr.Code)
	assert.Equal(t, "部署任务不存在", apiErr.Message)
}

func TestPlainTextErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := client.AccountAddress(context.Background(), AccountAddressRequest{AgentName: "alice"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad gateway", apiErr.Message)
}

func TestListQueriesEncodeFilters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		switch r.URL.Path {
		case "/api/agents/aa/deploy":
			assert.Equal(t, "5", query.Get("limit"))
			assert.Equal(t, "pending,running", query.Get("status"))
			assert.Equal(t, "alice", query.Get("agentName"))
			_ = json.NewEncoder(w).Encode([]DeployJob{{ID: "job-1", Status: "pending"}})
		case "/api/feedback/auths":
			assert.Equal(t, "84532", query.Get("chainId"))
			assert.Equal(t, "7", query.Get("agentId"))
			assert.Empty(t, query.Get("limit"))
			_ = json.NewEncoder(w).Encode([]FeedbackRecord{{ID: "rec-1", ChainID: 84532}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	jobs, err := client.ListDeployments(context.Background(), DeployFilter{Limit: 5, Statuses: []string{"pending", "running"}, AgentName: "alice"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)

	records, err := client.ListFeedbackAuths(context.Background(), FeedbackFilter{ChainID: 84532, AgentID: "7"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "rec-1", records[0].ID)
}

func TestWaitForDeploymentPollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "job-1", r.URL.Query().Get("id"))
		job := DeployJob{ID: "job-1", Status: "running", MaxRetries: 3}
		if polls.Add(1) >= 3 {
			job.Status = "succeeded"
			job.Result = &DeployOutcome{Address: "0x5555555555555555555555555555555555555555", Deployed: true}
		}
		_ = json.NewEncoder(w).Encode(job)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := client.WaitForDeployment(ctx, "job-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", job.Status)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.Deployed)
	assert.EqualValues(t, 3, polls.Load())
}

func TestWaitForDeploymentStopsOnContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DeployJob{ID: "job-1", Status: "pending", MaxRetries: 3})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	job, err := client.WaitForDeployment(ctx, "job-1", 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "pending", job.Status)
}

func TestWaitForDeploymentReturnsAPIErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"missing","code":"DEPLOY_JOB_NOT_FOUND"}`))
	})

	_, err := client.WaitForDeployment(context.Background(), "job-1", time.Millisecond)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
}
