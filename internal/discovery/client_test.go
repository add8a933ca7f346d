package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "agentic-trust/internal/errors"
)

type graphQLHandler func(t *testing.T, req graphQLRequest) any

func newServer(t *testing.T, handle graphQLHandler) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		var req graphQLRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handle(t, req))
	}))
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{URL: srv.URL, APIKey: "secret"})
	require.NoError(t, err)
	return client
}

func schema(queries, mutations, metadata []string) map[string]any {
	fields := func(names []string) map[string]any {
		out := make([]map[string]string, len(names))
		for i, n := range names {
			out[i] = map[string]string{"name": n}
		}
		return map[string]any{"fields": out}
	}
	return map[string]any{"data": map[string]any{
		"__schema": map[string]any{"queryType": fields(queries), "mutationType": fields(mutations)},
		"metadata": fields(metadata),
	}}
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeConfiguration))
}

func TestGetAgentByNameDecodesNumericIDs(t *testing.T) {
	client := newServer(t, func(t *testing.T, req graphQLRequest) any {
		require.Contains(t, req.Query, "agentByName")
		require.Equal(t, "acme-bot", req.Variables["agentName"])
		return map[string]any{"data": map[string]any{"agentByName": map[string]any{
			"chainId": 11155111, "agentId": 17, "agentName": "acme-bot",
			"agentAccountEndpoint": "eip155:11155111:0x1111111111111111111111111111111111111111",
			"rawJson":              `{"agent":{"account":"0x2222222222222222222222222222222222222222"}}`,
		}}}
	})

	agent, err := client.GetAgentByName(context.Background(), "acme-bot")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, ID("17"), agent.AgentID)
	assert.EqualValues(t, 11155111, agent.ChainID)
	raw := agent.Raw()
	require.NotNil(t, raw)
	assert.Contains(t, raw, "agent")
}

func TestGetAgentMissReturnsNil(t *testing.T) {
	client := newServer(t, func(t *testing.T, req graphQLRequest) any {
		return map[string]any{"data": map[string]any{"agent": nil}}
	})
	agent, err := client.GetAgent(context.Background(), 84532, "5")
	require.NoError(t, err)
	require.Nil(t, agent)
}

func TestGraphQLErrorsSurface(t *testing.T) {
	client := newServer(t, func(t *testing.T, req graphQLRequest) any {
		return map[string]any{"errors": []map[string]string{{"message": "boom"}}}
	})
	_, err := client.ListAgents(context.Background(), ListParams{Limit: 10})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestCapabilitiesNegotiatedOnce(t *testing.T) {
	var introspections atomic.Int32
	client := newServer(t, func(t *testing.T, req graphQLRequest) any {
		if strings.Contains(req.Query, "__schema") {
			introspections.Add(1)
			return schema([]string{"agents", "searchAgentsGraph"}, []string{"indexAgent"}, []string{"key", "valueText"})
		}
		if strings.Contains(req.Query, "searchAgentsGraph") {
			where, _ := req.Variables["where"].(map[string]any)
			assert.Equal(t, "acme", where["agentName_contains"])
			return map[string]any{"data": map[string]any{"searchAgentsGraph": map[string]any{
				"agents": []map[string]any{{"chainId": 84532, "agentId": "3", "agentName": "acme-bot"}},
				"total":  41,
			}}}
		}
		t.Fatalf("unexpected query %s", req.Query)
		return nil
	})

	for i := 0; i < 3; i++ {
		res, err := client.SearchAgents(context.Background(), SearchParams{Query: "acme", ChainID: 84532})
		require.NoError(t, err)
		require.Len(t, res.Agents, 1)
		require.Equal(t, 41, res.Total)
	}
	require.Equal(t, int32(1), introspections.Load())

	caps, err := client.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SearchGraph, caps.Search)
	assert.Equal(t, "valueText", caps.MetadataValueField)
	assert.True(t, caps.CanIndex)
}

func TestSearchFallsBackToListFilter(t *testing.T) {
	client := newServer(t, func(t *testing.T, req graphQLRequest) any {
		if strings.Contains(req.Query, "__schema") {
			return schema([]string{"agents"}, nil, []string{"key", "value"})
		}
		require.Contains(t, req.Query, "SearchList")
		return map[string]any{"data": map[string]any{"agents": []map[string]any{
			{"chainId": 1, "agentId": "1"}, {"chainId": 1, "agentId": "2"},
		}}}
	})
	res, err := client.SearchAgents(context.Background(), SearchParams{Query: "x"})
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)

	_, err = client.IndexAgent(context.Background(), 1, "1")
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotConfigured))
}

func TestGetOwnedAgentsQueriesBothAddressForms(t *testing.T) {
	owner := "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	client := newServer(t, func(t *testing.T, req graphQLRequest) any {
		owners, _ := req.Variables["owners"].([]any)
		require.ElementsMatch(t, []any{owner, strings.ToLower(owner)}, owners)
		return map[string]any{"data": map[string]any{"agents": []map[string]any{
			{"chainId": 1, "agentId": "9"}, {"chainId": 1, "agentId": "9"}, {"chainId": 84532, "agentId": "9"},
		}}}
	})
	agents, err := client.GetOwnedAgents(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	_, err = client.GetOwnedAgents(context.Background(), "nope")
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestGetAgentMetadataUsesNegotiatedField(t *testing.T) {
	client := newServer(t, func(t *testing.T, req graphQLRequest) any {
		if strings.Contains(req.Query, "__schema") {
			return schema([]string{"agents"}, nil, []string{"key", "valueText"})
		}
		require.Contains(t, req.Query, "key valueText")
		return map[string]any{"data": map[string]any{"agentMetadata": []map[string]any{
			{"key": "agentName", "valueText": "acme-bot"},
		}}}
	})
	meta, err := client.GetAgentMetadata(context.Background(), 1, "1")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"agentName": "acme-bot"}, meta)
}

func TestHTTPStatusMapsToCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()
	client, err := NewClient(Config{URL: srv.URL})
	require.NoError(t, err)
	_, err = client.ListAgents(context.Background(), ListParams{})
	require.True(t, xerrors.HasCode(err, xerrors.CodeAuthorization))
}
