package discovery

import (
	"context"
	"log/slog"

	"github.com/samber/lo"
)

// SearchStrategy is the search entry point the indexer supports.
type SearchStrategy int

const (
	// ListFilter falls back to agents(where: ...) filtering.
	ListFilter SearchStrategy = iota
	// SearchText uses searchAgents(query: ...).
	SearchText
	// SearchGraph uses searchAgentsGraph(where: ...).
	SearchGraph
)

func (s SearchStrategy) String() string {
	switch s {
	case SearchGraph:
		return "graph"
	case SearchText:
		return "text"
	default:
		return "list"
	}
}

// Capabilities describes what the remote schema exposes.
type Capabilities struct {
	Search SearchStrategy
	// MetadataValueField is the field holding metadata values, either
	// "valueText" on newer indexers or "value".
	MetadataValueField string
	// CanIndex reports whether the indexAgent mutation exists.
	CanIndex bool
}

const capabilityQuery = `query Capabilities {
  __schema {
    queryType { fields { name } }
    mutationType { fields { name } }
  }
  metadata: __type(name: "AgentMetadata") { fields { name } }
}`

type fieldRef struct {
	Name string `json:"name"`
}

type namedFields struct {
	Fields []fieldRef `json:"fields"`
}

func (n *namedFields) names() []string {
	if n == nil {
		return nil
	}
	return lo.Map(n.Fields, func(f fieldRef, _ int) string { return f.Name })
}

// Capabilities negotiates the schema on first use. A failed negotiation is
// not cached.
func (c *Client) Capabilities(ctx context.Context) (Capabilities, error) {
	c.capMu.Lock()
	defer c.capMu.Unlock()
	if c.caps != nil {
		return *c.caps, nil
	}

	var out struct {
		Schema struct {
			QueryType    *namedFields `json:"queryType"`
			MutationType *namedFields `json:"mutationType"`
		} `json:"__schema"`
		Metadata *namedFields `json:"metadata"`
	}
	if err := c.query(ctx, capabilityQuery, nil, &out); err != nil {
		return Capabilities{}, err
	}

	queries := out.Schema.QueryType.names()
	caps := Capabilities{Search: ListFilter, MetadataValueField: "value"}
	switch {
	case lo.Contains(queries, "searchAgentsGraph"):
		caps.Search = SearchGraph
	case lo.Contains(queries, "searchAgents"):
		caps.Search = SearchText
	}
	if lo.Contains(out.Metadata.names(), "valueText") {
		caps.MetadataValueField = "valueText"
	}
	caps.CanIndex = lo.Contains(out.Schema.MutationType.names(), "indexAgent")

	c.log.Debug("discovery 能力协商完成",
		slog.String("search", caps.Search.String()),
		slog.String("metadata_field", caps.MetadataValueField),
		slog.Bool("can_index", caps.CanIndex))
	c.caps = &caps
	return caps, nil
}
