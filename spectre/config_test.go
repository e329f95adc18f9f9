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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	config := &Config{}
	err := config.Commit()
	require.NoError(t, err)

	require.Equal(t, DefaultListenAddress, config.ListenAddress)
	require.Equal(t, "stealth", config.Mode)
	require.Equal(t, DefaultScrapeLimit, config.ScrapeLimit)
	require.Equal(t, DefaultVerifyWorkers, config.VerifyWorkers)
	require.Equal(t, DefaultMinPoolSize, config.MinPoolSize)
	require.Equal(t, DefaultConnectTimeout, config.ConnectTimeout())
	require.Equal(t, DefaultStepTimeout, config.StepTimeout())
	require.Equal(t, DefaultTotalDeadline, config.TotalDeadline())
	require.Equal(t, DefaultIdleTimeout, config.IdleTimeout())
	require.Equal(t, DefaultRotatePeriod, config.RotatePeriod())
	require.Equal(t, DefaultStalenessWindow, config.StalenessWindow())
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		description string
		mutate      func(*Config)
		valid       bool
	}{
		{"valid mode high", func(c *Config) { c.Mode = "high" }, true},
		{"unknown mode", func(c *Config) { c.Mode = "ultra" }, false},
		{"bad listen address", func(c *Config) { c.ListenAddress = "localhost" }, false},
		{"scrape limit too large", func(c *Config) { c.ScrapeLimit = MaxScrapeLimit + 1 }, false},
		{"scrape limit negative", func(c *Config) { c.ScrapeLimit = -1 }, false},
		{"negative timeout", func(c *Config) { c.ConnectTimeoutSeconds = -1 }, false},
		{"negative workers", func(c *Config) { c.VerifyWorkers = -5 }, false},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"explicit timeouts", func(c *Config) {
			c.ConnectTimeoutSeconds = 3
			c.IdleTimeoutSeconds = 30
		}, true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			config := &Config{}
			testCase.mutate(config)
			err := config.Commit()
			if testCase.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.ErrorIs(t, err, ErrInvalidInput)
			}
		})
	}
}

func TestConfigDurationOverride(t *testing.T) {
	config := &Config{
		ConnectTimeoutSeconds: 2,
		RotatePeriodSeconds:   30,
	}
	err := config.Commit()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, config.ConnectTimeout())
	require.Equal(t, 30*time.Second, config.RotatePeriod())
}

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	contents := `{
		"mode": "phantom",
		"listen_address": "127.0.0.1:9050",
		"scrape_limit": 250,
		"master_secret": "s3cret"
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "phantom", config.Mode)
	require.Equal(t, "127.0.0.1:9050", config.ListenAddress)
	require.Equal(t, 250, config.ScrapeLimit)
	require.Equal(t, []byte("s3cret"), config.MasterSecretBytes())
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := "mode: high\nlisten_address: \"127.0.0.1:9051\"\nverify_workers: 8\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "high", config.Mode)
	require.Equal(t, "127.0.0.1:9051", config.ListenAddress)
	require.Equal(t, 8, config.VerifyWorkers)
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
