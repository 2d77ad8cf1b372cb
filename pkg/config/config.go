// Ludus Core
// Copyright (c) 2026 The Ludus Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Ludus Core.
//
// Ludus Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Ludus Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Ludus Core.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the TOML-backed service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/LudusProject/ludus-core/pkg/helpers/syncutil"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	SchemaVersion = 1
	CfgEnv        = "LUDUS_CFG"
	CfgFile       = "config.toml"
)

// Values is the full set of persisted configuration values.
type Values struct {
	Launch       Launch   `toml:"launch,omitempty"`
	Playtime     Playtime `toml:"playtime,omitempty"`
	Service      Service  `toml:"service,omitempty"`
	ConfigSchema int      `toml:"config_schema"`
	DebugLogging bool     `toml:"debug_logging"`
}

// Service holds daemon-level settings.
type Service struct {
	DeviceID string `toml:"device_id,omitempty"`
}

// BaseDefaults are the values written on first run.
var BaseDefaults = Values{
	ConfigSchema: SchemaVersion,
	DebugLogging: false,
	Launch:       LaunchDefaults,
	Playtime:     PlaytimeDefaults,
}

// Instance is a loaded configuration backed by a file on disk.
type Instance struct {
	cfgPath  string
	vals     Values
	defaults Values
	mu       syncutil.RWMutex
}

// NewConfig loads the config from configDir, creating it with defaults if it
// doesn't exist yet. The LUDUS_CFG environment variable overrides the path.
func NewConfig(configDir string, defaults Values) (*Instance, error) {
	cfgPath := os.Getenv(CfgEnv)
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir, CfgFile)
	}

	cfg := Instance{
		cfgPath:  cfgPath,
		vals:     defaults,
		defaults: defaults,
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		log.Info().Msg("saving new default config to disk")

		err := os.MkdirAll(filepath.Dir(cfgPath), 0o750)
		if err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}

		err = cfg.Save()
		if err != nil {
			return nil, err
		}
	}

	err := cfg.Load()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Load reads and validates the config file from disk.
func (c *Instance) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	data, err := os.ReadFile(c.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	newVals := c.defaults
	if err := toml.Unmarshal(data, &newVals); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&newVals); err != nil {
		return fmt.Errorf("invalid config values: %w", err)
	}

	c.vals = newVals
	return nil
}

// Save writes the current values back to disk.
func (c *Instance) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfgPath == "" {
		return errors.New("config path not set")
	}

	c.vals.ConfigSchema = SchemaVersion

	if c.vals.Service.DeviceID == "" {
		newID := uuid.New().String()
		c.vals.Service.DeviceID = newID
		log.Info().Msgf("generated new device id: %s", newID)
	}

	data, err := toml.Marshal(&c.vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Instance) DebugLogging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.DebugLogging
}

func (c *Instance) SetDebugLogging(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vals.DebugLogging = enabled
}

func (c *Instance) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Service.DeviceID
}
