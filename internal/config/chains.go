package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of the optional chains file.
type ChainDefinitions struct {
	Chains map[int64]ChainDefinition `yaml:"chains"`
}

// ChainDefinition carries per-chain defaults. Environment variables take
// precedence over every field here.
type ChainDefinition struct {
	RPCURL               string `yaml:"rpc_url" toml:"rpc_url"`
	BundlerURL           string `yaml:"bundler_url" toml:"bundler_url"`
	IdentityRegistry     string `yaml:"identity_registry" toml:"identity_registry"`
	ReputationRegistry   string `yaml:"reputation_registry" toml:"reputation_registry"`
	ENSRegistry          string `yaml:"ens_registry" toml:"ens_registry"`
	ENSResolver          string `yaml:"ens_resolver" toml:"ens_resolver"`
	AccountFactory       string `yaml:"account_factory" toml:"account_factory"`
	HybridImplementation string `yaml:"hybrid_implementation" toml:"hybrid_implementation"`
	EntryPoint           string `yaml:"entry_point" toml:"entry_point"`
	Description          string `yaml:"description" toml:"description"`
}

// tomlChains mirrors ChainDefinitions; TOML table keys are always strings.
type tomlChains struct {
	Chains map[string]ChainDefinition `toml:"chains"`
}

// LoadChainDefinitions parses the chain metadata file. Files ending in
// .toml are read as TOML, everything else as YAML. An empty path yields an
// empty set.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[int64]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		defs, err = parseTOMLChains(content)
	} else {
		err = yaml.Unmarshal(content, &defs)
	}
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[int64]ChainDefinition{}
	}
	for id := range defs.Chains {
		if _, ok := chainSuffixes[id]; !ok {
			return ChainDefinitions{}, fmt.Errorf("链配置包含不支持的链 ID %d", id)
		}
	}
	return defs, nil
}

func parseTOMLChains(content []byte) (ChainDefinitions, error) {
	var raw tomlChains
	if err := toml.Unmarshal(content, &raw); err != nil {
		return ChainDefinitions{}, err
	}
	defs := ChainDefinitions{Chains: make(map[int64]ChainDefinition, len(raw.Chains))}
	for key, def := range raw.Chains {
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 ID %q 不是整数", key)
		}
		defs.Chains[id] = def
	}
	return defs, nil
}
