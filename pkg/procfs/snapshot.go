//go:build linux

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

// Package procfs provides point-in-time reads of /proc for process
// correlation. All reads are best-effort: a process exiting between
// enumeration and detail read yields empty fields, never an error.
package procfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ZombieState is the /proc stat state char for zombie processes.
const ZombieState = "Z"

// ProcessInfo is a point-in-time view of one process. Fields may be empty
// if the process exited mid-read.
type ProcessInfo struct {
	Environ map[string]string
	Name    string
	State   string
	Cmdline string
	PID     int
}

// Snapshot reads process information from a proc filesystem.
type Snapshot struct {
	procPath string
}

// Option configures a Snapshot.
type Option func(*Snapshot)

// WithProcPath sets a custom /proc path (for testing).
func WithProcPath(path string) Option {
	return func(s *Snapshot) {
		s.procPath = path
	}
}

// New creates a Snapshot reader.
func New(opts ...Option) *Snapshot {
	s := &Snapshot{procPath: "/proc"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pids returns all PIDs currently visible on the system.
func (s *Snapshot) Pids() ([]int, error) {
	if s.procPath == "/proc" {
		pids32, err := process.Pids()
		if err != nil {
			return nil, fmt.Errorf("enumerate pids: %w", err)
		}
		pids := make([]int, 0, len(pids32))
		for _, pid := range pids32 {
			pids = append(pids, int(pid))
		}
		return pids, nil
	}

	entries, err := os.ReadDir(s.procPath)
	if err != nil {
		return nil, fmt.Errorf("read proc directory: %w", err)
	}

	pids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// ReadProcess reads the details of one PID. A process that has exited
// mid-read comes back with empty fields.
func (s *Snapshot) ReadProcess(pid int) ProcessInfo {
	info := ProcessInfo{PID: pid}

	name, state := s.readStat(pid)
	info.Name = name
	info.State = state

	pidStr := strconv.Itoa(pid)

	cmdlineData, err := os.ReadFile(filepath.Join(s.procPath, pidStr, "cmdline")) //nolint:gosec // G304: procPath is controlled
	if err == nil {
		info.Cmdline = strings.TrimSpace(strings.ReplaceAll(string(cmdlineData), "\x00", " "))
	}

	info.Environ = s.readEnviron(pid)

	return info
}

// readStat parses the process name and state from /proc/<pid>/stat.
// The name is the kernel comm value, parenthesized in field two.
func (s *Snapshot) readStat(pid int) (name, state string) {
	statData, err := os.ReadFile(filepath.Join(s.procPath, strconv.Itoa(pid), "stat")) //nolint:gosec // G304: procPath is controlled
	if err != nil {
		return "", ""
	}

	stat := string(statData)
	open := strings.Index(stat, "(")
	closing := strings.LastIndex(stat, ")")
	if open < 0 || closing < 0 || closing < open {
		return "", ""
	}

	name = stat[open+1 : closing]
	rest := strings.Fields(stat[closing+1:])
	if len(rest) > 0 {
		state = rest[0]
	}
	return name, state
}

// readEnviron parses /proc/<pid>/environ into a map. The file is often
// unreadable for processes owned by other users; that yields an empty map.
func (s *Snapshot) readEnviron(pid int) map[string]string {
	data, err := os.ReadFile(filepath.Join(s.procPath, strconv.Itoa(pid), "environ")) //nolint:gosec // G304: procPath is controlled
	if err != nil {
		return map[string]string{}
	}

	env := make(map[string]string)
	for _, entry := range strings.Split(string(data), "\x00") {
		if entry == "" {
			continue
		}
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		env[key] = value
	}
	return env
}
