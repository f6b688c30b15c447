// Package gosyncconfig loads the node's TOML configuration file, mirroring
// cmd/geth's config.go pattern (tomlSettings, loadConfig) — see
// CPC-Yao-chain's cmd/cpchain/cmd_config.go for the same
// github.com/naoina/toml usage in a geth-derived client, and
// original_source's crates/staged-sync/src/config.rs for the per-stage
// tuning block this adds on top.
package gosyncconfig

import (
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"

	"github.com/sandakersmann/gosync/stages"
)

// tomlSettings mirrors cmd/geth's own tomlSettings value: keys must match
// the Go field names exactly and unknown keys in the file are tolerated
// (MissingField only warns, since operators hand-edit these files and a
// renamed/future field shouldn't hard-fail startup).
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(field[0])) && rt.Kind() == reflect.Struct {
			link = fmt.Sprintf(", see %s", rt.String())
		}
		fmt.Fprintf(os.Stderr, "config: field %q is not defined in %s%s\n", field, rt.Name(), link)
		return nil
	},
}

// HeadersConfig, TotalDifficultyConfig, BodiesConfig, SenderRecoveryConfig
// and ExecutionConfig are re-exported so a config file can set them
// without importing the stages package directly.
type (
	HeadersConfig         = stages.HeadersConfig
	TotalDifficultyConfig = stages.TotalDifficultyConfig
	BodiesConfig          = stages.BodiesConfig
	SenderRecoveryConfig  = stages.SenderRecoveryConfig
	ExecutionConfig       = stages.ExecutionConfig
)

// StageConfig is the per-stage tuning block of SPEC_FULL.md's
// "Supplemented features" #2, modeled directly on original_source's
// crates/staged-sync/src/config.rs (one sub-block per stage, with that
// file's default constants).
type StageConfig struct {
	Headers         HeadersConfig
	TotalDifficulty TotalDifficultyConfig
	Bodies          BodiesConfig
	SenderRecovery  SenderRecoveryConfig
	Execution       ExecutionConfig
}

// DefaultStageConfig collects each stage's own defaults.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		Headers:         stages.DefaultHeadersConfig(),
		TotalDifficulty: stages.DefaultTotalDifficultyConfig(),
		Bodies:          stages.DefaultBodiesConfig(),
		SenderRecovery:  stages.DefaultSenderRecoveryConfig(),
		Execution:       stages.DefaultExecutionConfig(),
	}
}

// NodeConfig is the top-level config file shape for the `node` command
// (spec §6 CLI surface).
type NodeConfig struct {
	Chain   string `toml:",omitempty"` // named chain, e.g. "mainnet", "sepolia"
	DataDir string `toml:",omitempty"`
	Metrics MetricsConfig
	P2P     P2PConfig
	Stages  StageConfig
}

// MetricsConfig gates the Prometheus metrics endpoint bring-up (spec §1
// "ancillary surfaces"); this package only carries the settings, not the
// HTTP server itself.
type MetricsConfig struct {
	Enabled bool
	Addr    string `toml:",omitempty"`
}

// P2PConfig carries the settings external collaborators (peer discovery,
// NAT) need; their internals are spec §1 Non-goals.
type P2PConfig struct {
	MaxPeers int    `toml:",omitempty"`
	NAT      string `toml:",omitempty"`
}

// DefaultNodeConfig seeds every sub-config with its own defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Metrics: MetricsConfig{Enabled: true, Addr: "127.0.0.1:6060"},
		P2P:     P2PConfig{MaxPeers: 50},
		Stages:  DefaultStageConfig(),
	}
}

// LoadNodeConfig reads and merges a TOML file over DefaultNodeConfig, the
// same "start from defaults, overlay the file" shape as cmd/geth's
// loadConfig.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("gosyncconfig: open %s: %w", path, err)
	}
	defer f.Close()
	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("gosyncconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}
