// config.go - Client circuit manager configuration.
// Copyright (C) 2026  Veil Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config implements the configuration for the veil circuit
// manager.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/veilproject/veil/circmgr"
	"github.com/veilproject/veil/guard"
	"github.com/veilproject/veil/pathsel"
	"github.com/veilproject/veil/timeout"
)

const (
	defaultLogLevel = "NOTICE"

	// stateFile is the bolt database holding guard and timeout state,
	// relative to DataDir.
	stateFile = "state.db"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Guards is the entry guard policy configuration.
type Guards struct {
	// PoolSize is the number of guards to maintain in the persisted set.
	PoolSize int

	// FailureThreshold is the number of consecutive failures before a
	// guard is marked unreachable.
	FailureThreshold int

	// RetryBackoffBaseMinutes is the initial unreachable retry backoff.
	RetryBackoffBaseMinutes int

	// RetryBackoffMaxMinutes caps the retry backoff.
	RetryBackoffMaxMinutes int
}

func (gCfg *Guards) toPolicy() guard.Config {
	cfg := guard.DefaultConfig()
	if gCfg.PoolSize > 0 {
		cfg.PoolSize = gCfg.PoolSize
	}
	if gCfg.FailureThreshold > 0 {
		cfg.FailureThreshold = gCfg.FailureThreshold
	}
	if gCfg.RetryBackoffBaseMinutes > 0 {
		cfg.RetryBackoffBase = time.Duration(gCfg.RetryBackoffBaseMinutes) * time.Minute
	}
	if gCfg.RetryBackoffMaxMinutes > 0 {
		cfg.RetryBackoffMax = time.Duration(gCfg.RetryBackoffMaxMinutes) * time.Minute
	}
	return cfg
}

// Timeouts is the adaptive build timeout model configuration.
type Timeouts struct {
	// Quantile is the target quantile of observed latencies in (0, 1).
	Quantile float64

	// MinMilliseconds and MaxSeconds clamp every computed timeout.
	MinMilliseconds int
	MaxSeconds      int

	// WindowSize bounds the per-hop-position sample window.
	WindowSize int

	// MinSamples is the sample count required before the learned model
	// replaces the conservative default.
	MinSamples int
}

func (tCfg *Timeouts) toPolicy() timeout.Config {
	cfg := timeout.DefaultConfig()
	if tCfg.Quantile > 0 && tCfg.Quantile < 1 {
		cfg.Quantile = tCfg.Quantile
	}
	if tCfg.MinMilliseconds > 0 {
		cfg.Min = time.Duration(tCfg.MinMilliseconds) * time.Millisecond
	}
	if tCfg.MaxSeconds > 0 {
		cfg.Max = time.Duration(tCfg.MaxSeconds) * time.Second
	}
	if tCfg.WindowSize > 0 {
		cfg.WindowSize = tCfg.WindowSize
	}
	if tCfg.MinSamples > 0 {
		cfg.MinSamples = tCfg.MinSamples
	}
	return cfg
}

func (tCfg *Timeouts) validate() error {
	if tCfg.Quantile < 0 || tCfg.Quantile >= 1 {
		return fmt.Errorf("config: Timeouts: Quantile %v is invalid", tCfg.Quantile)
	}
	if tCfg.MaxSeconds > 0 && tCfg.MinMilliseconds > 0 &&
		time.Duration(tCfg.MaxSeconds)*time.Second <= time.Duration(tCfg.MinMilliseconds)*time.Millisecond {
		return errors.New("config: Timeouts: Max must exceed Min")
	}
	return nil
}

// Path is the path selection policy configuration.
type Path struct {
	// V4SubnetPrefix and V6SubnetPrefix set the prefix lengths within
	// which two relays may not share a path.
	V4SubnetPrefix int
	V6SubnetPrefix int

	// StrictIsolation refuses to place a relay recently used by another
	// isolation domain on a new path.
	StrictIsolation bool

	// RecentRelayCacheSize bounds the strict-isolation relay cache.
	RecentRelayCacheSize int
}

func (pCfg *Path) toPolicy() pathsel.Config {
	cfg := pathsel.DefaultConfig()
	if pCfg.V4SubnetPrefix > 0 {
		cfg.Subnet.V4PrefixLen = pCfg.V4SubnetPrefix
	}
	if pCfg.V6SubnetPrefix > 0 {
		cfg.Subnet.V6PrefixLen = pCfg.V6SubnetPrefix
	}
	cfg.StrictIsolation = pCfg.StrictIsolation
	if pCfg.RecentRelayCacheSize > 0 {
		cfg.RecentRelayCacheSize = pCfg.RecentRelayCacheSize
	}
	return cfg
}

func (pCfg *Path) validate() error {
	if pCfg.V4SubnetPrefix < 0 || pCfg.V4SubnetPrefix > 32 {
		return fmt.Errorf("config: Path: V4SubnetPrefix %d is invalid", pCfg.V4SubnetPrefix)
	}
	if pCfg.V6SubnetPrefix < 0 || pCfg.V6SubnetPrefix > 128 {
		return fmt.Errorf("config: Path: V6SubnetPrefix %d is invalid", pCfg.V6SubnetPrefix)
	}
	return nil
}

// Pool is the circuit pool policy configuration.
type Pool struct {
	// MaxDirtinessMinutes is how long after first use a circuit is still
	// handed out for new streams.
	MaxDirtinessMinutes int

	// MaxStreamsPerCircuit bounds cumulative streams per circuit.
	MaxStreamsPerCircuit int

	// PreferredReserve is the number of general circuits kept pre-built.
	PreferredReserve int

	// SweepIntervalSeconds is the expiry sweep cadence.
	SweepIntervalSeconds int
}

// Request is the per-request retry policy configuration.
type Request struct {
	// TimeoutSeconds is the overall deadline for one circuit request.
	TimeoutSeconds int

	// MaxRetries is the maximum number of build attempts per request.
	MaxRetries int

	// BaseDelayMilliseconds and MaxDelaySeconds shape the inter-attempt
	// backoff.
	BaseDelayMilliseconds int
	MaxDelaySeconds       int

	// Jitter is the backoff jitter factor in [0, 1].
	Jitter float64
}

// Config is the top level configuration.
type Config struct {
	// DataDir is the absolute path to the client's state directory.
	DataDir string

	Logging  *Logging
	Guards   *Guards
	Timeouts *Timeouts
	Path     *Path
	Pool     *Pool
	Request  *Request
}

// StatePath returns the path of the bolt database holding persisted state.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, stateFile)
}

// ManagerConfig lowers the file configuration into the circuit manager's
// typed policy.
func (c *Config) ManagerConfig() circmgr.Config {
	cfg := circmgr.DefaultConfig()
	if c.Guards != nil {
		cfg.Guard = c.Guards.toPolicy()
	}
	if c.Timeouts != nil {
		cfg.Timeout = c.Timeouts.toPolicy()
	}
	if c.Path != nil {
		cfg.Path = c.Path.toPolicy()
	}
	if c.Pool != nil {
		if c.Pool.MaxDirtinessMinutes > 0 {
			cfg.Pool.MaxDirtiness = time.Duration(c.Pool.MaxDirtinessMinutes) * time.Minute
		}
		if c.Pool.MaxStreamsPerCircuit > 0 {
			cfg.Pool.MaxStreamsPerCircuit = c.Pool.MaxStreamsPerCircuit
		}
		if c.Pool.PreferredReserve >= 0 {
			cfg.Pool.PreferredReserve = c.Pool.PreferredReserve
		}
		if c.Pool.SweepIntervalSeconds > 0 {
			cfg.Pool.SweepInterval = time.Duration(c.Pool.SweepIntervalSeconds) * time.Second
		}
	}
	if c.Request != nil {
		if c.Request.TimeoutSeconds > 0 {
			cfg.Request.Timeout = time.Duration(c.Request.TimeoutSeconds) * time.Second
		}
		if c.Request.MaxRetries > 0 {
			cfg.Request.MaxRetries = c.Request.MaxRetries
		}
		if c.Request.BaseDelayMilliseconds > 0 {
			cfg.Request.BaseDelay = time.Duration(c.Request.BaseDelayMilliseconds) * time.Millisecond
		}
		if c.Request.MaxDelaySeconds > 0 {
			cfg.Request.MaxDelay = time.Duration(c.Request.MaxDelaySeconds) * time.Second
		}
		if c.Request.Jitter > 0 && c.Request.Jitter <= 1 {
			cfg.Request.Jitter = c.Request.Jitter
		}
	}
	return cfg
}

// FixupAndValidate applies defaults to missing sections and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		logging := defaultLogging
		c.Logging = &logging
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Timeouts != nil {
		if err := c.Timeouts.validate(); err != nil {
			return err
		}
	}
	if c.Path != nil {
		if err := c.Path.validate(); err != nil {
			return err
		}
	}

	if c.DataDir == "" {
		return errors.New("config: DataDir is not set")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("config: DataDir '%v' is not an absolute path", c.DataDir)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
