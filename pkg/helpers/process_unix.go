//go:build !windows

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

package helpers

import (
	"os"
	"syscall"
)

// IsProcessRunning checks if a process is still running.
// Returns false if the process is nil or has terminated.
func IsProcessRunning(proc *os.Process) bool {
	if proc == nil {
		return false
	}

	// Signal 0 probes for existence without affecting the process
	err := proc.Signal(syscall.Signal(0))
	return err == nil
}

// IsPidAlive checks if a PID refers to a live process.
func IsPidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil
}
