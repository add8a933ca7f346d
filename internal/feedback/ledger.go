package feedback

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Record is the audit entry kept for each issued auth.
type Record struct {
	ID               string         `json:"id"`
	ChainID          int64          `json:"chainId"`
	AgentID          string         `json:"agentId"`
	ClientAddress    common.Address `json:"clientAddress"`
	SignerAddress    common.Address `json:"signerAddress"`
	IdentityRegistry common.Address `json:"identityRegistry"`
	IndexLimit       uint64         `json:"indexLimit"`
	Expiry           uint64         `json:"expiry"`
	Signature        string         `json:"signature"`
	IssuedAt         time.Time      `json:"issuedAt"`
}

// Query filters ledger reads. Zero fields match everything.
type Query struct {
	ChainID       int64
	AgentID       string
	ClientAddress common.Address
	Limit         int
}

// Ledger stores issued auths for audit. The registry on chain remains the
// authority on index limits.
type Ledger interface {
	Append(ctx context.Context, record Record) error
	List(ctx context.Context, query Query) ([]Record, error)
}

// Matches reports whether r satisfies q.
func (q Query) Matches(r Record) bool {
	if q.ChainID != 0 && q.ChainID != r.ChainID {
		return false
	}
	if q.AgentID != "" && !strings.EqualFold(q.AgentID, r.AgentID) {
		return false
	}
	if q.ClientAddress != (common.Address{}) && q.ClientAddress != r.ClientAddress {
		return false
	}
	return true
}

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, record Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

// List implements Ledger, newest first.
func (l *MemoryLedger) List(_ context.Context, query Query) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		if query.Matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}
