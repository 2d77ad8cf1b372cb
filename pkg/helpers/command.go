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
	"context"
	"os/exec"
)

// CommandExecutor provides an abstraction over exec.Command for testability.
// Display, compositor and screensaver restoration are plain shell-outs with
// no feedback loop, so this is all the surface they need.
type CommandExecutor interface {
	// Run executes a command and waits for it to complete.
	// Returns an error if the command fails to start or exits with non-zero status.
	Run(ctx context.Context, name string, args ...string) error
}

// RealCommandExecutor uses actual exec.Command to execute system commands.
// This is the production implementation used in normal operation.
type RealCommandExecutor struct{}

// Run executes a system command using exec.CommandContext.
//
//nolint:wrapcheck // Wrapping exec errors loses important context
func (*RealCommandExecutor) Run(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// FindExecutable resolves an executable name to an absolute path via PATH.
//
//nolint:wrapcheck // LookPath errors carry the name already
func FindExecutable(name string) (string, error) {
	return exec.LookPath(name)
}
