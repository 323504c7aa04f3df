// Package config holds the verifier configuration. Every field that affects a
// verdict is a protocol-level constant: all nodes executing the same chain
// must verify with identical values.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AcquiresMode selects how strictly declared acquires must match the body.
type AcquiresMode string

const (
	// AcquiresStrict requires the declared set to equal the set touched
	// directly or through same-module callees (must-touch).
	AcquiresStrict AcquiresMode = "strict"
	// AcquiresMayTouch requires every touched resource to be declared but
	// tolerates declarations that are never touched.
	AcquiresMayTouch AcquiresMode = "may-touch"
)

// AcquiresPolicy is the versioned acquires strictness.
type AcquiresPolicy struct {
	Mode AcquiresMode `json:"mode"`
	// CountMoveTo also treats move_to as an acquisition.
	CountMoveTo bool `json:"count_move_to"`
	// Transitive folds the acquires of same-module callees into the caller.
	Transitive bool `json:"transitive"`
}

// Config is the verifier configuration.
type Config struct {
	ProtocolVersion uint64 `json:"protocol_version"`

	MaxLoopDepth                  int `json:"max_loop_depth"`
	MaxBasicBlocks                int `json:"max_basic_blocks"`
	MaxFunctionDefinitions        int `json:"max_function_definitions"`
	MaxLocals                     int `json:"max_locals"`
	MaxTypeDepth                  int `json:"max_type_depth"`
	MaxTypeInstantiationDepth     int `json:"max_type_instantiation_depth"`
	MaxFixpointIterationsPerBlock int `json:"max_fixpoint_iterations_per_block"`
	MaxPushSize                   int `json:"max_push_size"`

	Acquires AcquiresPolicy `json:"acquires"`

	// Host-local settings. They never change a verdict and are excluded
	// from the fingerprint.
	Parallelism           int  `json:"parallelism"`
	ReportUnreachableCode bool `json:"report_unreachable_code"`
}

// LatestProtocolVersion is the newest protocol preset.
const LatestProtocolVersion uint64 = 3

// ForProtocol returns the consensus preset for a protocol version.
func ForProtocol(version uint64) (Config, error) {
	c := Config{
		ProtocolVersion:               version,
		MaxLoopDepth:                  5,
		MaxBasicBlocks:                1024,
		MaxFunctionDefinitions:        1000,
		MaxLocals:                     255,
		MaxTypeDepth:                  128,
		MaxTypeInstantiationDepth:     32,
		MaxFixpointIterationsPerBlock: 64,
		MaxPushSize:                   10000,
		Parallelism:                   1,
		ReportUnreachableCode:         true,
	}
	switch version {
	case 1:
		c.Acquires = AcquiresPolicy{Mode: AcquiresStrict, CountMoveTo: false, Transitive: true}
	case 2:
		c.Acquires = AcquiresPolicy{Mode: AcquiresMayTouch, CountMoveTo: false, Transitive: true}
	case 3:
		c.Acquires = AcquiresPolicy{Mode: AcquiresMayTouch, CountMoveTo: false, Transitive: false}
		c.MaxBasicBlocks = 2048
	default:
		return Config{}, fmt.Errorf("unknown protocol version %d", version)
	}
	return c, nil
}

// Default returns the preset of the latest protocol version.
func Default() Config {
	c, err := ForProtocol(LatestProtocolVersion)
	if err != nil {
		panic(err)
	}
	return c
}

// Validate rejects configurations that cannot bound the analysis.
func (c Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"max_loop_depth":                    c.MaxLoopDepth,
		"max_basic_blocks":                  c.MaxBasicBlocks,
		"max_function_definitions":          c.MaxFunctionDefinitions,
		"max_locals":                        c.MaxLocals,
		"max_type_depth":                    c.MaxTypeDepth,
		"max_type_instantiation_depth":      c.MaxTypeInstantiationDepth,
		"max_fixpoint_iterations_per_block": c.MaxFixpointIterationsPerBlock,
		"max_push_size":                     c.MaxPushSize,
	}
	for _, k := range sortedKeys(positive) {
		if positive[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", k, positive[k]))
		}
	}
	if c.MaxLocals > 256 {
		errs = append(errs, fmt.Errorf("max_locals cannot exceed 256, got %d", c.MaxLocals))
	}
	switch c.Acquires.Mode {
	case AcquiresStrict, AcquiresMayTouch:
	default:
		errs = append(errs, fmt.Errorf("unknown acquires mode %q", c.Acquires.Mode))
	}
	if c.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("parallelism cannot be negative"))
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fingerprint hashes the consensus-relevant fields. Two nodes agree on
// verdicts only if their fingerprints match.
func (c Config) Fingerprint() string {
	consensus := c
	consensus.Parallelism = 0
	consensus.ReportUnreachableCode = false
	b, err := json.Marshal(consensus)
	if err != nil {
		panic(err)
	}
	sum := sha3.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}

// Load reads a JSON config file. Fields absent from the file keep the preset
// of the protocol version named in it (or the latest).
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var probe struct {
		ProtocolVersion uint64 `json:"protocol_version"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	version := probe.ProtocolVersion
	if version == 0 {
		version = LatestProtocolVersion
	}
	c, err := ForProtocol(version)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, c.Validate()
}

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "BCVERIFY_"

// ApplyEnv overrides settings from the environment. Besides the host-local
// settings only the protocol preset can be selected; individual consensus
// limits come from the config file.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvPrefix + "PARALLELISM")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPARALLELISM: %w", EnvPrefix, err)
		}
		c.Parallelism = n
	}
	if v := strings.TrimSpace(getenv(EnvPrefix + "REPORT_UNREACHABLE")); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREPORT_UNREACHABLE: %w", EnvPrefix, err)
		}
		c.ReportUnreachableCode = on
	}
	if v := strings.TrimSpace(getenv(EnvPrefix + "PROTOCOL_VERSION")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sPROTOCOL_VERSION: %w", EnvPrefix, err)
		}
		preset, err := ForProtocol(n)
		if err != nil {
			return err
		}
		preset.Parallelism = c.Parallelism
		preset.ReportUnreachableCode = c.ReportUnreachableCode
		*c = preset
	}
	return c.Validate()
}

// Save writes the config as indented JSON.
func (c Config) Save(path string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
