// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v2"
)

// TraceConfig selects which packet ids get logged and how loudly.
// Exclude wins over Include; an empty Include means all ids.
type TraceConfig struct {
	Include   []int `yaml:"include"`
	Exclude   []int `yaml:"exclude"`
	Verbosity int   `yaml:"verbosity"`
}

// Config carries the tunables of a Server. The zero value is not useful;
// start from DefaultConfig or LoadConfig.
type Config struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`

	MaxPlayers int `yaml:"max-players"`

	// MaxConcurrentConnects caps handshakes in flight; zero or negative
	// means "same as MaxPlayers".
	MaxConcurrentConnects int `yaml:"max-concurrent-connects"`

	// InactivityTimeout is how long a session may stay silent before the
	// cleaner evicts it, in milliseconds.
	InactivityTimeout int `yaml:"inactivity-timeout-ms"`

	// ForceOrderingForAll moves all ReliableOrdered delivery off the
	// receive pool onto the delivery pool, even for sessions that would
	// otherwise deliver inline.
	ForceOrderingForAll bool `yaml:"force-ordering-for-all"`

	// EnableEdu emits a second, EDU-flavored pong per unconnected ping.
	EnableEdu bool `yaml:"enable-edu"`

	// EnableQuery routes 0xFE query packets to the QueryResponder.
	EnableQuery bool `yaml:"enable-query"`

	TracePackets TraceConfig `yaml:"trace-packets"`
}

// DefaultConfig returns the stock configuration: all interfaces, the
// standard Pocket Edition port, 1000 players, 8.5s inactivity timeout.
func DefaultConfig() Config {
	return Config{
		IP:                "0.0.0.0",
		Port:              19132,
		MaxPlayers:        1000,
		InactivityTimeout: 8500,
	}
}

// LoadConfig reads a YAML config file, filling unset fields from
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.MaxConcurrentConnects <= 0 {
		cfg.MaxConcurrentConnects = cfg.MaxPlayers
	}
	return cfg, nil
}

func (c *Config) inactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeout) * time.Millisecond
}

type serverOptions struct {
	logger    logr.Logger
	config    Config
	guid      int64
	motd      MOTDProvider
	admission AdmissionController
	query     QueryResponder
}

// Option customizes a Server at construction time.
type Option func(*serverOptions)

// WithLogger attaches a logger to the server. Without it, logging is
// discarded.
func WithLogger(logger logr.Logger) Option {
	return func(o *serverOptions) { o.logger = logger }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *serverOptions) { o.config = cfg }
}

// WithServerGUID pins the server GUID instead of generating a random one.
func WithServerGUID(guid int64) Option {
	return func(o *serverOptions) { o.guid = guid }
}

// WithMOTDProvider sets the announcement provider consulted per
// unconnected ping.
func WithMOTDProvider(p MOTDProvider) Option {
	return func(o *serverOptions) { o.motd = p }
}

// WithAdmissionController sets the greylist/blacklist collaborator.
func WithAdmissionController(a AdmissionController) Option {
	return func(o *serverOptions) { o.admission = a }
}

// WithQueryResponder sets the responder for 0xFE query packets; it is
// consulted only when Config.EnableQuery is set.
func WithQueryResponder(q QueryResponder) Option {
	return func(o *serverOptions) { o.query = q }
}
