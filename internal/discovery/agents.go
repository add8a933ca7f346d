package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	xerrors "agentic-trust/internal/errors"
)

const agentFields = `chainId agentId agentName agentAccount agentAccountEndpoint agentOwner tokenUri description rawJson`

// ID accepts GraphQL IDs serialised either as strings or as numbers.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Agent is an indexed agent record.
type Agent struct {
	ChainID              int64  `json:"chainId"`
	AgentID              ID     `json:"agentId"`
	AgentName            string `json:"agentName"`
	AgentAccount         string `json:"agentAccount,omitempty"`
	AgentAccountEndpoint string `json:"agentAccountEndpoint,omitempty"`
	AgentOwner           string `json:"agentOwner,omitempty"`
	TokenURI             string `json:"tokenUri,omitempty"`
	Description          string `json:"description,omitempty"`
	RawJSON              string `json:"rawJson,omitempty"`
}

// Raw decodes RawJSON. A missing or malformed document yields nil.
func (a *Agent) Raw() map[string]any {
	if a == nil || strings.TrimSpace(a.RawJSON) == "" {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(a.RawJSON), &doc); err != nil {
		return nil
	}
	return doc
}

// ListParams pages through agents.
type ListParams struct {
	Limit  int
	Offset int
}

// SearchParams filters a search.
type SearchParams struct {
	Query   string
	ChainID int64
	Limit   int
	Offset  int
}

// SearchResult holds one page of search hits.
type SearchResult struct {
	Agents []Agent
	Total  int
}

// IndexResult reports the outcome of an indexAgent mutation.
type IndexResult struct {
	Success   bool   `json:"success"`
	Processed int    `json:"processed"`
	Message   string `json:"message"`
}

// ListAgents returns one page of agents.
func (c *Client) ListAgents(ctx context.Context, params ListParams) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	document := `query ListAgents($limit: Int, $offset: Int) { agents(limit: $limit, offset: $offset) { ` + agentFields + ` } }`
	if err := c.query(ctx, document, pageVariables(params.Limit, params.Offset), &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent fetches an agent by chain and ID. A miss returns nil, nil.
func (c *Client) GetAgent(ctx context.Context, chainID int64, agentID string) (*Agent, error) {
	var out struct {
		Agent *Agent `json:"agent"`
	}
	document := `query GetAgent($chainId: Int!, $agentId: String!) { agent(chainId: $chainId, agentId: $agentId) { ` + agentFields + ` } }`
	if err := c.query(ctx, document, map[string]any{"chainId": chainID, "agentId": agentID}, &out); err != nil {
		return nil, err
	}
	return out.Agent, nil
}

// GetAgentByName fetches an agent by its registered name. A miss returns
// nil, nil.
func (c *Client) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent 名称不能为空")
	}
	var out struct {
		Agent *Agent `json:"agentByName"`
	}
	document := `query GetAgentByName($agentName: String!) { agentByName(agentName: $agentName) { ` + agentFields + ` } }`
	if err := c.query(ctx, document, map[string]any{"agentName": name}, &out); err != nil {
		return nil, err
	}
	return out.Agent, nil
}

// SearchAgents runs a search using the strategy the schema supports.
func (c *Client) SearchAgents(ctx context.Context, params SearchParams) (SearchResult, error) {
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return SearchResult{}, err
	}
	vars := pageVariables(params.Limit, params.Offset)

	switch caps.Search {
	case SearchGraph:
		where := map[string]any{"agentName_contains": params.Query}
		if params.ChainID != 0 {
			where["chainId"] = params.ChainID
		}
		vars["where"] = where
		var out struct {
			Result struct {
				Agents []Agent `json:"agents"`
				Total  int     `json:"total"`
			} `json:"searchAgentsGraph"`
		}
		document := `query SearchGraph($where: AgentWhereInput, $limit: Int, $offset: Int) { searchAgentsGraph(where: $where, first: $limit, skip: $offset) { agents { ` + agentFields + ` } total } }`
		if err := c.query(ctx, document, vars, &out); err != nil {
			return SearchResult{}, err
		}
		return SearchResult{Agents: out.Result.Agents, Total: out.Result.Total}, nil

	case SearchText:
		vars["query"] = params.Query
		var out struct {
			Agents []Agent `json:"searchAgents"`
		}
		document := `query SearchText($query: String!, $limit: Int, $offset: Int) { searchAgents(query: $query, limit: $limit, offset: $offset) { ` + agentFields + ` } }`
		if err := c.query(ctx, document, vars, &out); err != nil {
			return SearchResult{}, err
		}
		agents := filterChain(out.Agents, params.ChainID)
		return SearchResult{Agents: agents, Total: len(agents)}, nil

	default:
		where := map[string]any{"agentName_contains": params.Query}
		if params.ChainID != 0 {
			where["chainId"] = params.ChainID
		}
		vars["where"] = where
		var out struct {
			Agents []Agent `json:"agents"`
		}
		document := `query SearchList($where: AgentFilter, $limit: Int, $offset: Int) { agents(where: $where, limit: $limit, offset: $offset) { ` + agentFields + ` } }`
		if err := c.query(ctx, document, vars, &out); err != nil {
			return SearchResult{}, err
		}
		return SearchResult{Agents: out.Agents, Total: len(out.Agents)}, nil
	}
}

// GetOwnedAgents lists agents owned by owner. The indexer may store owners
// checksummed or lowercased, so both forms are queried.
func (c *Client) GetOwnedAgents(ctx context.Context, owner string) ([]Agent, error) {
	owner = strings.TrimSpace(owner)
	if !common.IsHexAddress(owner) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner 地址格式无效",
			xerrors.WithMetadata("owner", owner))
	}
	owners := lo.Uniq([]string{owner, strings.ToLower(owner)})
	var out struct {
		Agents []Agent `json:"agents"`
	}
	document := `query OwnedAgents($owners: [String!]) { agents(where: { agentOwner_in: $owners }) { ` + agentFields + ` } }`
	if err := c.query(ctx, document, map[string]any{"owners": owners}, &out); err != nil {
		return nil, err
	}
	return lo.UniqBy(out.Agents, func(a Agent) string {
		return fmt.Sprintf("%d:%s", a.ChainID, a.AgentID)
	}), nil
}

// IndexAgent asks the indexer to (re)index one agent.
func (c *Client) IndexAgent(ctx context.Context, chainID int64, agentID string) (IndexResult, error) {
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return IndexResult{}, err
	}
	if !caps.CanIndex {
		return IndexResult{}, xerrors.New(xerrors.CodeNotConfigured, "discovery 服务不支持 indexAgent")
	}
	var out struct {
		Result IndexResult `json:"indexAgent"`
	}
	document := `mutation IndexAgent($chainId: Int!, $agentId: String!) { indexAgent(chainId: $chainId, agentId: $agentId) { success processed message } }`
	if err := c.query(ctx, document, map[string]any{"chainId": chainID, "agentId": agentID}, &out); err != nil {
		return IndexResult{}, err
	}
	return out.Result, nil
}

// GetAgentMetadata returns the key/value metadata of one agent.
func (c *Client) GetAgentMetadata(ctx context.Context, chainID int64, agentID string) (map[string]string, error) {
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	var out struct {
		Entries []map[string]*string `json:"agentMetadata"`
	}
	document := fmt.Sprintf(`query AgentMetadata($chainId: Int!, $agentId: String!) { agentMetadata(chainId: $chainId, agentId: $agentId) { key %s } }`,
		caps.MetadataValueField)
	if err := c.query(ctx, document, map[string]any{"chainId": chainID, "agentId": agentID}, &out); err != nil {
		return nil, err
	}
	result := make(map[string]string, len(out.Entries))
	for _, entry := range out.Entries {
		key := entry["key"]
		if key == nil {
			continue
		}
		if value := entry[caps.MetadataValueField]; value != nil {
			result[*key] = *value
		}
	}
	return result, nil
}

func pageVariables(limit, offset int) map[string]any {
	vars := map[string]any{}
	if limit > 0 {
		vars["limit"] = limit
	}
	if offset > 0 {
		vars["offset"] = offset
	}
	return vars
}

func filterChain(agents []Agent, chainID int64) []Agent {
	if chainID == 0 {
		return agents
	}
	return lo.Filter(agents, func(a Agent, _ int) bool { return a.ChainID == chainID })
}
