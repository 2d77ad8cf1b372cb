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

import "time"

// Launch holds settings for starting and monitoring game processes.
type Launch struct {
	Terminal          string   `toml:"terminal,omitempty"`
	WrapperPath       string   `toml:"wrapper_path,omitempty"`
	KillswitchPath    string   `toml:"killswitch_path,omitempty"`
	PrelaunchCommand  string   `toml:"prelaunch_command,omitempty"`
	PostexitCommand   string   `toml:"postexit_command,omitempty"`
	IncludeProcesses  []string `toml:"include_processes,omitempty,multiline"`
	ExcludeProcesses  []string `toml:"exclude_processes,omitempty,multiline"`
	HeartbeatMs       int      `toml:"heartbeat_ms" validate:"gte=100"`
	ForceStopWindowMs int      `toml:"force_stop_window_ms" validate:"gte=0"`
	ForceStopPollMs   int      `toml:"force_stop_poll_ms" validate:"gte=100"`
	PrelaunchWait     bool     `toml:"prelaunch_wait"`
}

// Playtime holds settings for session time accounting.
type Playtime struct {
	ShortSessionSeconds int `toml:"short_session_seconds" validate:"gte=0"`
}

// LaunchDefaults match the original desktop client's behavior.
var LaunchDefaults = Launch{
	HeartbeatMs:       2000,
	ForceStopWindowMs: 5000,
	ForceStopPollMs:   500,
}

// PlaytimeDefaults are the default playtime accounting settings.
var PlaytimeDefaults = Playtime{
	ShortSessionSeconds: 5,
}

func (c *Instance) HeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.vals.Launch.HeartbeatMs) * time.Millisecond
}

func (c *Instance) ForceStopWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.vals.Launch.ForceStopWindowMs) * time.Millisecond
}

func (c *Instance) ForceStopPollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.vals.Launch.ForceStopPollMs) * time.Millisecond
}

func (c *Instance) Terminal() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.Terminal
}

func (c *Instance) WrapperPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.WrapperPath
}

func (c *Instance) KillswitchPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.KillswitchPath
}

func (c *Instance) PrelaunchCommand() (cmd string, wait bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.PrelaunchCommand, c.vals.Launch.PrelaunchWait
}

func (c *Instance) PostexitCommand() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vals.Launch.PostexitCommand
}

// IncludeProcesses returns a copy of the configured include list.
func (c *Instance) IncludeProcesses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.vals.Launch.IncludeProcesses))
	copy(out, c.vals.Launch.IncludeProcesses)
	return out
}

// ExcludeProcesses returns a copy of the configured exclude list.
func (c *Instance) ExcludeProcesses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.vals.Launch.ExcludeProcesses))
	copy(out, c.vals.Launch.ExcludeProcesses)
	return out
}

func (c *Instance) ShortSessionThreshold() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.vals.Playtime.ShortSessionSeconds) * time.Second
}
