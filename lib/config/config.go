// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/localrpc/lib/attest"
	"github.com/bureau-foundation/localrpc/lib/codec"
	"github.com/bureau-foundation/localrpc/lib/rpc"
	"github.com/bureau-foundation/localrpc/lib/transport"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "LOCALRPC_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config configures a localrpc server or client process.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// ServiceDirectory holds the named service sockets. Empty means
	// transport.DefaultDirectory().
	ServiceDirectory string `yaml:"service_directory"`

	// Queue is "concurrent" or "serial".
	Queue string `yaml:"queue"`

	// MaxConcurrent bounds concurrent handlers. Zero is unbounded.
	MaxConcurrent int `yaml:"max_concurrent"`

	// RateLimit caps inbound messages per connection.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Compression is "none", "lz4" or "zstd".
	Compression string `yaml:"compression"`

	// CompressionThreshold is the smallest body that is compressed.
	// Zero means codec.DefaultCompressionThreshold.
	CompressionThreshold int `yaml:"compression_threshold"`

	// Requirements decide which peers are accepted. A peer is accepted
	// when it satisfies any entry.
	Requirements []RequirementConfig `yaml:"requirements"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields an environment section may replace.
// Unset fields keep the base value.
type Overrides struct {
	ServiceDirectory     string              `yaml:"service_directory,omitempty"`
	Queue                string              `yaml:"queue,omitempty"`
	MaxConcurrent        *int                `yaml:"max_concurrent,omitempty"`
	RateLimit            *RateLimitConfig    `yaml:"rate_limit,omitempty"`
	Compression          string              `yaml:"compression,omitempty"`
	CompressionThreshold *int                `yaml:"compression_threshold,omitempty"`
	Requirements         []RequirementConfig `yaml:"requirements,omitempty"`
	LogLevel             string              `yaml:"log_level,omitempty"`
}

// RateLimitConfig is a token bucket: PerSecond messages sustained,
// Burst at once. A zero PerSecond disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// RequirementConfig is one accepted kind of peer. Every field that is
// set must hold, so
//
//	requirements:
//	  - same_user: true
//	    executable: /usr/lib/localrpc/**
//	  - uid: 0
//
// accepts this user's processes running binaries under
// /usr/lib/localrpc, and anything running as root.
type RequirementConfig struct {
	SameUser   bool    `yaml:"same_user,omitempty"`
	UID        *uint32 `yaml:"uid,omitempty"`
	GID        *uint32 `yaml:"gid,omitempty"`
	Executable string  `yaml:"executable,omitempty"`
	Digest     string  `yaml:"digest,omitempty"`
}

// Default returns the default configuration. The config file is
// decoded on top of it.
func Default() *Config {
	return &Config{
		Environment:  Development,
		Queue:        rpc.QueueConcurrent.String(),
		Compression:  codec.CompressionNone.String(),
		Requirements: []RequirementConfig{{SameUser: true}},
		LogLevel:     "info",
	}
}

// Load loads configuration from the file named by LOCALRPC_CONFIG.
// There is no fallback: if the variable is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your localrpc config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Files ending
// in .json or .jsonc are read as JSON with comments; anything else is
// YAML. Environment sections are applied, then ${VAR} and
// ${VAR:-default} patterns in paths are expanded.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile decodes one configuration file into c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is valid YAML once comments and trailing commas are gone.
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching c.Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: bounded handlers and paced connections.
		if overrides == nil {
			maxConcurrent := 64
			overrides = &Overrides{
				MaxConcurrent: &maxConcurrent,
				RateLimit:     &RateLimitConfig{PerSecond: 1000, Burst: 100},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.ServiceDirectory != "" {
		c.ServiceDirectory = overrides.ServiceDirectory
	}
	if overrides.Queue != "" {
		c.Queue = overrides.Queue
	}
	if overrides.MaxConcurrent != nil {
		c.MaxConcurrent = *overrides.MaxConcurrent
	}
	if overrides.RateLimit != nil {
		c.RateLimit = *overrides.RateLimit
	}
	if overrides.Compression != "" {
		c.Compression = overrides.Compression
	}
	if overrides.CompressionThreshold != nil {
		c.CompressionThreshold = *overrides.CompressionThreshold
	}
	if overrides.Requirements != nil {
		c.Requirements = slices.Clone(overrides.Requirements)
	}
	if overrides.LogLevel != "" {
		c.LogLevel = overrides.LogLevel
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":            os.Getenv("HOME"),
		"XDG_RUNTIME_DIR": os.Getenv("XDG_RUNTIME_DIR"),
	}

	c.ServiceDirectory = expandVars(c.ServiceDirectory, vars)
	for index := range c.Requirements {
		c.Requirements[index].Executable = expandVars(c.Requirements[index].Executable, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.ServiceDirectory != "" && !filepath.IsAbs(c.ServiceDirectory) {
		errs = append(errs, fmt.Errorf("service_directory must be absolute, got %q", c.ServiceDirectory))
	}

	if _, err := rpc.ParseQueueMode(c.Queue); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}

	if c.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent must not be negative"))
	}

	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rate_limit values must not be negative"))
	}

	if _, err := codec.ParseCompression(c.Compression); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}

	if c.CompressionThreshold < 0 {
		errs = append(errs, fmt.Errorf("compression_threshold must not be negative"))
	}

	if len(c.Requirements) == 0 {
		errs = append(errs, fmt.Errorf("requirements is empty; no peer would be accepted"))
	}
	for index, requirement := range c.Requirements {
		if _, err := requirement.build(); err != nil {
			errs = append(errs, fmt.Errorf("requirements[%d]: %w", index, err))
		}
	}

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Directory returns the service directory.
func (c *Config) Directory() transport.Directory {
	if c.ServiceDirectory == "" {
		return transport.DefaultDirectory()
	}
	return transport.Directory{Path: c.ServiceDirectory}
}

// AttestRequirements converts the requirement entries.
func (c *Config) AttestRequirements() (attest.Requirements, error) {
	requirements := make(attest.Requirements, 0, len(c.Requirements))
	for index, entry := range c.Requirements {
		requirement, err := entry.build()
		if err != nil {
			return nil, fmt.Errorf("requirements[%d]: %w", index, err)
		}
		requirements = append(requirements, requirement)
	}
	return requirements, nil
}

func (r RequirementConfig) build() (attest.Requirement, error) {
	var parts []attest.Requirement
	if r.SameUser {
		parts = append(parts, attest.SameUser())
	}
	if r.UID != nil {
		parts = append(parts, attest.UID(*r.UID))
	}
	if r.GID != nil {
		parts = append(parts, attest.GID(*r.GID))
	}
	if r.Executable != "" {
		if !strings.HasPrefix(r.Executable, "/") {
			return nil, fmt.Errorf("executable pattern must be absolute, got %q", r.Executable)
		}
		parts = append(parts, attest.Executable(r.Executable))
	}
	if r.Digest != "" {
		digest, err := attest.ParseHash(r.Digest)
		if err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
		parts = append(parts, attest.Digest(digest))
	}

	switch len(parts) {
	case 0:
		return nil, fmt.Errorf("entry sets no condition")
	case 1:
		return parts[0], nil
	default:
		return attest.AllOf(parts...), nil
	}
}

func (c *Config) compression() (codec.Options, error) {
	compression, err := codec.ParseCompression(c.Compression)
	if err != nil {
		return codec.Options{}, err
	}
	return codec.Options{Compression: compression, Threshold: c.CompressionThreshold}, nil
}

// ServerOptions builds rpc.Options from the configuration. The caller
// supplies the logger; Attestor and Diagnostics are left unset.
func (c *Config) ServerOptions(logger *slog.Logger) (rpc.Options, error) {
	if err := c.Validate(); err != nil {
		return rpc.Options{}, err
	}
	requirements, err := c.AttestRequirements()
	if err != nil {
		return rpc.Options{}, err
	}
	queue, err := rpc.ParseQueueMode(c.Queue)
	if err != nil {
		return rpc.Options{}, err
	}
	compression, err := c.compression()
	if err != nil {
		return rpc.Options{}, err
	}
	return rpc.Options{
		Requirements:  requirements,
		Directory:     c.Directory(),
		Queue:         queue,
		MaxConcurrent: c.MaxConcurrent,
		RateLimit:     rate.Limit(c.RateLimit.PerSecond),
		RateBurst:     c.RateLimit.Burst,
		Compression:   compression,
		Logger:        logger,
	}, nil
}

// ClientOptions builds rpc.ClientOptions. With verifyServer the
// configured requirements are also applied to the server's replies.
func (c *Config) ClientOptions(logger *slog.Logger, verifyServer bool) (rpc.ClientOptions, error) {
	if err := c.Validate(); err != nil {
		return rpc.ClientOptions{}, err
	}
	compression, err := c.compression()
	if err != nil {
		return rpc.ClientOptions{}, err
	}
	options := rpc.ClientOptions{Compression: compression, Logger: logger}
	if verifyServer {
		if options.Requirements, err = c.AttestRequirements(); err != nil {
			return rpc.ClientOptions{}, err
		}
	}
	return options, nil
}
