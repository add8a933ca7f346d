package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentic-trust/internal/errors"
)

// Supported chain IDs.
const (
	ChainSepolia         int64 = 11155111
	ChainBaseSepolia     int64 = 84532
	ChainOptimismSepolia int64 = 11155420
)

// Environment variable names. Each may carry a chain suffix, see ChainEnvVar.
const (
	EnvRPCURL               = "AGENTIC_TRUST_RPC_URL"
	EnvBundlerURL           = "AGENTIC_TRUST_BUNDLER_URL"
	EnvIdentityRegistry     = "AGENTIC_TRUST_IDENTITY_REGISTRY"
	EnvReputationRegistry   = "AGENTIC_TRUST_REPUTATION_REGISTRY"
	EnvENSRegistry          = "AGENTIC_TRUST_ENS_REGISTRY"
	EnvENSResolver          = "AGENTIC_TRUST_ENS_RESOLVER"
	EnvAccountFactory       = "AGENTIC_TRUST_AA_FACTORY"
	EnvHybridImplementation = "AGENTIC_TRUST_HYBRID_IMPLEMENTATION"
	EnvEntryPoint           = "AGENTIC_TRUST_ENTRY_POINT"
)

// Delegation toolkit and EntryPoint v0.7 deployments shared by all supported
// testnets.
var (
	DefaultEntryPoint           = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	DefaultAccountFactory       = common.HexToAddress("0x69Aa2f9fe1572F1B640E1bbc512f5c3a734fc77c")
	DefaultHybridImplementation = common.HexToAddress("0x48dBe696A4D990079e039489bA2053B36E8FFEC4")
)

var chainSuffixes = map[int64]string{
	ChainSepolia:         "SEPOLIA",
	ChainBaseSepolia:     "BASE_SEPOLIA",
	ChainOptimismSepolia: "OPTIMISM_SEPOLIA",
}

var chainNames = map[int64]string{
	ChainSepolia:         "sepolia",
	ChainBaseSepolia:     "base-sepolia",
	ChainOptimismSepolia: "optimism-sepolia",
}

// SupportedChains lists the chain IDs this runtime knows about.
func SupportedChains() []int64 {
	return []int64{ChainSepolia, ChainBaseSepolia, ChainOptimismSepolia}
}

// IsSupportedChain reports whether chainID is one of the known testnets.
func IsSupportedChain(chainID int64) bool {
	_, ok := chainSuffixes[chainID]
	return ok
}

// IsL2 reports whether chainID is one of the known L2 testnets. The answer
// depends only on the chain ID.
func IsL2(chainID int64) bool {
	return chainID == ChainBaseSepolia || chainID == ChainOptimismSepolia
}

// ChainName returns a human readable name for chainID.
func ChainName(chainID int64) string {
	if name, ok := chainNames[chainID]; ok {
		return name
	}
	return strconv.FormatInt(chainID, 10)
}

// ChainConfig is the validated, immutable configuration for one chain.
type ChainConfig struct {
	ChainID              int64
	Name                 string
	RPCURL               string
	BundlerURL           string
	IdentityRegistry     common.Address
	ReputationRegistry   common.Address
	ENSRegistry          common.Address
	ENSResolver          common.Address
	AccountFactory       common.Address
	HybridImplementation common.Address
	EntryPoint           common.Address
}

// HasBundler reports whether a bundler endpoint is configured.
func (c ChainConfig) HasBundler() bool {
	return strings.TrimSpace(c.BundlerURL) != ""
}

// HasENS reports whether a usable ENS registry is configured.
func (c ChainConfig) HasENS() bool {
	return c.ENSRegistry != (common.Address{})
}

// ChainResolver produces ChainConfig values from a Source and optional chain
// definitions. Results are memoised per chain once validated.
type ChainResolver struct {
	src  *Source
	defs ChainDefinitions

	mu       sync.Mutex
	resolved map[int64]ChainConfig
}

// NewChainResolver constructs a resolver. defs may be the zero value.
func NewChainResolver(src *Source, defs ChainDefinitions) *ChainResolver {
	if defs.Chains == nil {
		defs.Chains = map[int64]ChainDefinition{}
	}
	return &ChainResolver{src: src, defs: defs, resolved: make(map[int64]ChainConfig)}
}

// Source exposes the underlying configuration source.
func (r *ChainResolver) Source() *Source {
	return r.src
}

// Resolve returns the configuration for chainID, validating required values
// on first use.
func (r *ChainResolver) Resolve(chainID int64) (ChainConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.resolved[chainID]; ok {
		return cfg, nil
	}
	cfg, err := r.build(chainID)
	if err != nil {
		return ChainConfig{}, err
	}
	r.resolved[chainID] = cfg
	return cfg, nil
}

func (r *ChainResolver) build(chainID int64) (ChainConfig, error) {
	if !IsSupportedChain(chainID) {
		return ChainConfig{}, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("不支持的链 ID %d", chainID),
			xerrors.WithMetadata("chain_id", strconv.FormatInt(chainID, 10)))
	}
	def := r.defs.Chains[chainID]

	rpcURL, err := r.require(EnvRPCURL, chainID, def.RPCURL)
	if err != nil {
		return ChainConfig{}, err
	}
	identity, err := r.requireAddress(EnvIdentityRegistry, chainID, def.IdentityRegistry)
	if err != nil {
		return ChainConfig{}, err
	}

	cfg := ChainConfig{
		ChainID:          chainID,
		Name:             ChainName(chainID),
		RPCURL:           rpcURL,
		BundlerURL:       r.optional(EnvBundlerURL, chainID, def.BundlerURL),
		IdentityRegistry: identity,
	}
	optionalAddresses := []struct {
		env      string
		fallback string
		target   *common.Address
		dflt     common.Address
	}{
		{EnvReputationRegistry, def.ReputationRegistry, &cfg.ReputationRegistry, common.Address{}},
		{EnvENSRegistry, def.ENSRegistry, &cfg.ENSRegistry, common.Address{}},
		{EnvENSResolver, def.ENSResolver, &cfg.ENSResolver, common.Address{}},
		{EnvAccountFactory, def.AccountFactory, &cfg.AccountFactory, DefaultAccountFactory},
		{EnvHybridImplementation, def.HybridImplementation, &cfg.HybridImplementation, DefaultHybridImplementation},
		{EnvEntryPoint, def.EntryPoint, &cfg.EntryPoint, DefaultEntryPoint},
	}
	for _, item := range optionalAddresses {
		addr, err := r.optionalAddress(item.env, chainID, item.fallback, item.dflt)
		if err != nil {
			return ChainConfig{}, err
		}
		*item.target = addr
	}
	return cfg, nil
}

func (r *ChainResolver) require(name string, chainID int64, fallback string) (string, error) {
	if value, ok := ChainEnvVar(r.src, name, chainID); ok {
		return value, nil
	}
	if v := strings.TrimSpace(fallback); v != "" {
		return v, nil
	}
	return RequireChainEnvVar(r.src, name, chainID)
}

func (r *ChainResolver) optional(name string, chainID int64, fallback string) string {
	if value, ok := ChainEnvVar(r.src, name, chainID); ok {
		return value
	}
	return strings.TrimSpace(fallback)
}

func (r *ChainResolver) requireAddress(name string, chainID int64, fallback string) (common.Address, error) {
	raw, err := r.require(name, chainID, fallback)
	if err != nil {
		return common.Address{}, err
	}
	return parseAddress(name, chainID, raw)
}

func (r *ChainResolver) optionalAddress(name string, chainID int64, fallback string, dflt common.Address) (common.Address, error) {
	raw := r.optional(name, chainID, fallback)
	if raw == "" {
		return dflt, nil
	}
	return parseAddress(name, chainID, raw)
}

func parseAddress(name string, chainID int64, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("环境变量 %s 在链 %s 上不是合法地址: %q", name, ChainName(chainID), raw),
			xerrors.WithMetadata("variable", name),
			xerrors.WithMetadata("chain_id", strconv.FormatInt(chainID, 10)))
	}
	return common.HexToAddress(raw), nil
}

// ChainEnvVarName returns the chain-suffixed variable name for chainID.
func ChainEnvVarName(name string, chainID int64) string {
	if suffix, ok := chainSuffixes[chainID]; ok {
		return name + "_" + suffix
	}
	return name
}

// ChainEnvVar looks up name for chainID, preferring the chain-suffixed
// variant and falling back to the bare name. It never fails.
func ChainEnvVar(src *Source, name string, chainID int64) (string, bool) {
	if value, ok := src.Lookup(ChainEnvVarName(name, chainID)); ok {
		return value, true
	}
	return src.Lookup(name)
}

// RequireChainEnvVar is ChainEnvVar for mandatory values: it returns a
// configuration error naming the variables tried and the affected chain.
func RequireChainEnvVar(src *Source, name string, chainID int64) (string, error) {
	if value, ok := ChainEnvVar(src, name, chainID); ok {
		return value, nil
	}
	suffixed := ChainEnvVarName(name, chainID)
	return "", xerrors.New(xerrors.CodeConfiguration,
		fmt.Sprintf("缺少必需的环境变量 %s（或 %s），链 %s (%d)", suffixed, name, ChainName(chainID), chainID),
		xerrors.WithMetadata("variable", suffixed),
		xerrors.WithMetadata("chain_id", strconv.FormatInt(chainID, 10)))
}
