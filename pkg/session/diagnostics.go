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

package session

import "strings"

// TranslateExitStatus maps known exit code and output combinations to
// actionable messages. This is a best-effort heuristic; no match means no
// special message is shown.
func TranslateExitStatus(returnCode int, stdout string) (message string, ok bool) {
	switch returnCode {
	case 127:
		// ld.so reports missing libraries on this code.
		lines := lookupLines(stdout, "error while loading shared lib")
		if len(lines) > 0 {
			return "Error: Missing shared library.\n\n" + lines[0], true
		}
	case 1:
		if len(lookupLines(stdout, "maybe the wrong wineserver")) > 0 {
			return "Error: A different Wine version is already using the same Wine prefix.", true
		}
	}
	return "", false
}

// lookupLines returns the lines of text containing substr.
func lookupLines(text, substr string) []string {
	var matches []string
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, substr) {
			matches = append(matches, line)
		}
	}
	return matches
}
