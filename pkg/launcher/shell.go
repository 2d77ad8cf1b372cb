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

package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/LudusProject/ludus-core/pkg/helpers"
	"github.com/spf13/afero"
)

const wrapperName = "ludus-wrapper"

// findWrapper locates the ludus-wrapper helper binary. An explicit override
// wins, then PATH, then the usual install locations relative to this binary
// and the system prefixes.
func findWrapper(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("%w: %s", ErrWrapperNotFound, override)
		}
		return override, nil
	}

	if path, err := helpers.FindExecutable(wrapperName); err == nil {
		return path, nil
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), wrapperName))
	}
	candidates = append(candidates,
		filepath.Join("/usr/lib/ludus", wrapperName),
		filepath.Join("/usr/local/lib/ludus", wrapperName),
	)

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", ErrWrapperNotFound
}

// writeTerminalScript generates the shell script a terminal emulator runs in
// place of the game command. Exporting the environment inside the script
// keeps it scoped to the command, and exec-ing keeps the terminal window
// attached to the game's lifetime.
func (l *Launcher) writeTerminalScript(command []string) (string, error) {
	var script strings.Builder
	script.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&script, "cd %s\n", shellQuote(l.workingDirOrFallback()))

	keys := make([]string, 0, len(l.env))
	for key := range l.env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&script, "export %s=%s\n", key, shellQuote(l.env[key]))
	}

	quoted := make([]string, 0, len(command))
	for _, arg := range command {
		quoted = append(quoted, shellQuote(arg))
	}
	fmt.Fprintf(&script, "exec %s\n", strings.Join(quoted, " "))

	path := filepath.Join(l.tmpDir, "ludus-run-"+l.runToken+".sh")
	if err := afero.WriteFile(l.fs, path, []byte(script.String()), 0o700); err != nil { //nolint:gosec // G306: script must be executable
		return "", fmt.Errorf("write terminal script: %w", err)
	}
	return path, nil
}

func (l *Launcher) workingDirOrFallback() string {
	if l.workingDir != "" {
		return l.workingDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallbackCwd
	}
	return home
}

// shellQuote single-quotes a string for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
