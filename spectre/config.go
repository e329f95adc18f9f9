/*
 * Copyright (c) 2025, Spectre Labs.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package spectre

import (
	"encoding/json"
	std_errors "errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

// ErrInvalidInput marks errors caused by invalid configuration or
// arguments rather than runtime failures. The CLI maps it to exit code 2.
var ErrInvalidInput = std_errors.New("invalid input")

const (
	DefaultListenAddress     = "127.0.0.1:1080"
	DefaultScrapeLimit       = 500
	MaxScrapeLimit           = 10000
	DefaultConnectTimeout    = 8 * time.Second
	DefaultStepTimeout       = 5 * time.Second
	DefaultTotalDeadline     = 20 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultRotatePeriod      = 300 * time.Second
	DefaultRotateBackoffBase = 5 * time.Second
	DefaultRotateBackoffCap  = 60 * time.Second
	DefaultVerifyWorkers     = 100
	DefaultMinPoolSize       = 30
	DefaultStalenessWindow   = 600 * time.Second
)

// Config is the Spectre engine configuration. Duration fields are
// expressed in seconds in the file. Zero values assume defaults when
// Commit is called.
type Config struct {

	// WorkspaceDir is the root for all persisted JSON artifacts.
	WorkspaceDir string `json:"workspace_dir" yaml:"workspace_dir"`

	// ListenAddress is the local SOCKS5 listener address.
	ListenAddress string `json:"listen_address" yaml:"listen_address"`

	// Mode is the chain mode: lite, stealth, high, or phantom.
	Mode string `json:"mode" yaml:"mode"`

	// ScrapeLimit caps the number of proxies collected per scrape.
	ScrapeLimit int `json:"scrape_limit" yaml:"scrape_limit"`

	ConnectTimeoutSeconds    int `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
	StepTimeoutSeconds       int `json:"step_timeout_seconds" yaml:"step_timeout_seconds"`
	TotalDeadlineSeconds     int `json:"total_deadline_seconds" yaml:"total_deadline_seconds"`
	IdleTimeoutSeconds       int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
	RotatePeriodSeconds      int `json:"rotate_period_seconds" yaml:"rotate_period_seconds"`
	RotateBackoffBaseSeconds int `json:"rotate_backoff_base_seconds" yaml:"rotate_backoff_base_seconds"`
	RotateBackoffCapSeconds  int `json:"rotate_backoff_cap_seconds" yaml:"rotate_backoff_cap_seconds"`

	// VerifyWorkers bounds concurrent verification probes.
	VerifyWorkers int `json:"verify_workers" yaml:"verify_workers"`

	// MinPoolSize is the live-proxy floor below which a pool is
	// considered unhealthy.
	MinPoolSize int `json:"min_pool_size" yaml:"min_pool_size"`

	StalenessWindowSeconds int `json:"staleness_window_seconds" yaml:"staleness_window_seconds"`

	// MasterSecret, when non-empty, switches chain hop material from the
	// CSPRNG to HKDF derivation, making chains reconstructible from
	// their persisted topology. Never persisted alongside topologies.
	MasterSecret string `json:"master_secret" yaml:"master_secret"`

	// DNSServers overrides the system resolver configuration for
	// local-resolution modes.
	DNSServers []string `json:"dns_servers" yaml:"dns_servers"`

	LogLevel    string `json:"log_level" yaml:"log_level"`
	LogFilename string `json:"log_filename" yaml:"log_filename"`

	// EmitNotices selects machine-readable JSON line output for
	// human-facing command results.
	EmitNotices bool `json:"emit_notices" yaml:"emit_notices"`

	committed bool
}

// LoadConfig parses a configuration file. JSON is canonical; files named
// *.yaml or *.yml are parsed as YAML. The returned Config is committed.
func LoadConfig(path string) (*Config, error) {

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}

	config := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(contents, config)
	default:
		err = json.Unmarshal(contents, config)
	}
	if err != nil {
		return nil, errors.Tracef("%w: parse config: %v", ErrInvalidInput, err)
	}

	err = config.Commit()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return config, nil
}

// Commit validates the configuration and fills zero values with
// defaults. Must be called before the Config is used.
func (config *Config) Commit() error {

	if config.WorkspaceDir == "" {
		config.WorkspaceDir = "."
	}
	if config.ListenAddress == "" {
		config.ListenAddress = DefaultListenAddress
	}
	if config.Mode == "" {
		config.Mode = string(protocol.ModeStealth)
	}
	if config.ScrapeLimit == 0 {
		config.ScrapeLimit = DefaultScrapeLimit
	}
	if config.VerifyWorkers == 0 {
		config.VerifyWorkers = DefaultVerifyWorkers
	}
	if config.MinPoolSize == 0 {
		config.MinPoolSize = DefaultMinPoolSize
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	_, err := protocol.ParseMode(config.Mode)
	if err != nil {
		return errors.Tracef("%w: unknown mode: %s", ErrInvalidInput, config.Mode)
	}

	if _, _, err := net.SplitHostPort(config.ListenAddress); err != nil {
		return errors.Tracef(
			"%w: invalid listen address: %s", ErrInvalidInput, config.ListenAddress)
	}

	if config.ScrapeLimit < 1 || config.ScrapeLimit > MaxScrapeLimit {
		return errors.Tracef(
			"%w: scrape limit out of range: %d", ErrInvalidInput, config.ScrapeLimit)
	}

	for _, seconds := range []int{
		config.ConnectTimeoutSeconds,
		config.StepTimeoutSeconds,
		config.TotalDeadlineSeconds,
		config.IdleTimeoutSeconds,
		config.RotatePeriodSeconds,
		config.RotateBackoffBaseSeconds,
		config.RotateBackoffCapSeconds,
		config.StalenessWindowSeconds} {
		if seconds < 0 {
			return errors.Tracef("%w: negative timeout", ErrInvalidInput)
		}
	}

	if config.VerifyWorkers < 1 {
		return errors.Tracef(
			"%w: verify workers out of range: %d", ErrInvalidInput, config.VerifyWorkers)
	}

	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return errors.Tracef(
			"%w: unknown log level: %s", ErrInvalidInput, config.LogLevel)
	}

	config.committed = true
	return nil
}

// ChainMode returns the configured mode. Commit must have validated it.
func (config *Config) ChainMode() protocol.Mode {
	mode, _ := protocol.ParseMode(config.Mode)
	return mode
}

func durationOrDefault(seconds int, defaultValue time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func (config *Config) ConnectTimeout() time.Duration {
	return durationOrDefault(config.ConnectTimeoutSeconds, DefaultConnectTimeout)
}

func (config *Config) StepTimeout() time.Duration {
	return durationOrDefault(config.StepTimeoutSeconds, DefaultStepTimeout)
}

func (config *Config) TotalDeadline() time.Duration {
	return durationOrDefault(config.TotalDeadlineSeconds, DefaultTotalDeadline)
}

func (config *Config) IdleTimeout() time.Duration {
	return durationOrDefault(config.IdleTimeoutSeconds, DefaultIdleTimeout)
}

func (config *Config) RotatePeriod() time.Duration {
	return durationOrDefault(config.RotatePeriodSeconds, DefaultRotatePeriod)
}

func (config *Config) RotateBackoffBase() time.Duration {
	return durationOrDefault(config.RotateBackoffBaseSeconds, DefaultRotateBackoffBase)
}

func (config *Config) RotateBackoffCap() time.Duration {
	return durationOrDefault(config.RotateBackoffCapSeconds, DefaultRotateBackoffCap)
}

func (config *Config) StalenessWindow() time.Duration {
	return durationOrDefault(config.StalenessWindowSeconds, DefaultStalenessWindow)
}

// MasterSecretBytes returns the master secret as key material, or nil
// when unset.
func (config *Config) MasterSecretBytes() []byte {
	if config.MasterSecret == "" {
		return nil
	}
	return []byte(config.MasterSecret)
}
