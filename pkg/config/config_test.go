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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigCreatesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := NewConfig(dir, BaseDefaults)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, CfgFile))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 5*time.Second, cfg.ForceStopWindow())
	assert.Equal(t, 500*time.Millisecond, cfg.ForceStopPollInterval())
	assert.Equal(t, 5*time.Second, cfg.ShortSessionThreshold())
	assert.False(t, cfg.DebugLogging())
	assert.Empty(t, cfg.Terminal())
	assert.Empty(t, cfg.KillswitchPath())
}

func TestNewConfigLoadsExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	contents := `
debug_logging = true

[launch]
terminal = "xterm"
killswitch_path = "/dev/input/js0"
heartbeat_ms = 1000
include_processes = ["helper"]
exclude_processes = ["updater", "crashpad"]

[playtime]
short_session_seconds = 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, CfgFile), []byte(contents), 0o600))

	cfg, err := NewConfig(dir, BaseDefaults)
	require.NoError(t, err)

	assert.True(t, cfg.DebugLogging())
	assert.Equal(t, "xterm", cfg.Terminal())
	assert.Equal(t, "/dev/input/js0", cfg.KillswitchPath())
	assert.Equal(t, time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, []string{"helper"}, cfg.IncludeProcesses())
	assert.Equal(t, []string{"updater", "crashpad"}, cfg.ExcludeProcesses())
	assert.Equal(t, 10*time.Second, cfg.ShortSessionThreshold())

	// Values absent from the file keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.ForceStopWindow())
}

func TestNewConfigEnvOverride(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "custom.toml")
	t.Setenv(CfgEnv, cfgPath)

	_, err := NewConfig(t.TempDir(), BaseDefaults)
	require.NoError(t, err)

	_, err = os.Stat(cfgPath)
	require.NoError(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	contents := "[launch]\nheartbeat_ms = 10\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, CfgFile), []byte(contents), 0o600))

	_, err := NewConfig(dir, BaseDefaults)
	require.Error(t, err)
}

func TestSaveGeneratesDeviceID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := NewConfig(dir, BaseDefaults)
	require.NoError(t, err)

	id := cfg.DeviceID()
	assert.NotEmpty(t, id)

	// The ID is stable across reloads.
	reloaded, err := NewConfig(dir, BaseDefaults)
	require.NoError(t, err)
	assert.Equal(t, id, reloaded.DeviceID())
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := NewConfig(dir, BaseDefaults)
	require.NoError(t, err)

	cfg.SetDebugLogging(true)
	require.NoError(t, cfg.Save())

	reloaded, err := NewConfig(dir, BaseDefaults)
	require.NoError(t, err)
	assert.True(t, reloaded.DebugLogging())
}

func TestPrelaunchCommandAccessor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	contents := "[launch]\nprelaunch_command = \"/usr/bin/gamemoded -d\"\nprelaunch_wait = true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, CfgFile), []byte(contents), 0o600))

	cfg, err := NewConfig(dir, BaseDefaults)
	require.NoError(t, err)

	cmd, wait := cfg.PrelaunchCommand()
	assert.Equal(t, "/usr/bin/gamemoded -d", cmd)
	assert.True(t, wait)
}
