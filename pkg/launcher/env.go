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
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RunTokenEnv is the environment variable carrying the per-run UUID. Every
// process belonging to a run inherits it, and wrappers must propagate it
// unchanged; it is the only reliable key for matching /proc entries back to
// a run once the process tree reparents.
const RunTokenEnv = "LUDUS_GAME_UUID"

// BuildEnvironment sanitizes caller-supplied environment variables and
// injects a fresh run token. The caller's map is never mutated. The result
// contains only the run's own variables; the OS environment is merged in
// later, immediately before exec, with these keys winning.
func BuildEnvironment(userEnv map[string]any) (env map[string]string, runToken string) {
	runToken = uuid.New().String()

	cleaned := make(map[string]string, len(userEnv)+2)
	for key, value := range userEnv {
		switch {
		case key == "" || strings.Contains(key, "="):
			log.Warn().Msgf("environment variable name %q contains '=' so it can't be used; skipping", key)
		case value == nil:
			log.Warn().Msgf("environment variable %q has nil for its value; skipping", key)
		default:
			str, ok := value.(string)
			if !ok {
				str = fmt.Sprint(value)
				log.Warn().Msgf("environment variable %q value %v is not a string; converting", key, value)
			}
			cleaned[key] = str
		}
	}

	// Indirection scripts run from arbitrary working directories and still
	// need to resolve helper executables.
	if _, ok := cleaned["PATH"]; !ok {
		if hostPath := os.Getenv("PATH"); hostPath != "" {
			cleaned["PATH"] = hostPath
		}
	}

	cleaned[RunTokenEnv] = runToken
	return cleaned, runToken
}

// MergeHostEnvironment overlays the run's environment on the current OS
// environment. Run keys win over inherited ones.
func MergeHostEnvironment(runEnv map[string]string) []string {
	merged := make(map[string]string)
	for _, entry := range os.Environ() {
		if key, value, found := strings.Cut(entry, "="); found {
			merged[key] = value
		}
	}
	for key, value := range runEnv {
		merged[key] = value
	}

	out := make([]string, 0, len(merged))
	for key, value := range merged {
		out = append(out, key+"="+value)
	}
	return out
}
