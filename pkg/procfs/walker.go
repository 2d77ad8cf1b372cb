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

package procfs

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ChildrenOf returns the direct child PIDs of pid, checking every thread of
// the process. Managed runtimes spawn helpers from worker threads, so a walk
// over the main thread's children alone undercounts.
func (s *Snapshot) ChildrenOf(pid int) []int {
	var children []int
	for _, tid := range s.threadIDs(pid) {
		childrenPath := filepath.Join(s.procPath, strconv.Itoa(pid), "task", tid, "children")
		data, err := os.ReadFile(childrenPath) //nolint:gosec // G304: procPath is controlled
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(data)) {
			child, err := strconv.Atoi(field)
			if err != nil {
				continue
			}
			children = append(children, child)
		}
	}
	return children
}

// DescendantsOf returns the recursive closure of ChildrenOf.
func (s *Snapshot) DescendantsOf(pid int) []int {
	var descendants []int
	for _, child := range s.ChildrenOf(pid) {
		descendants = append(descendants, child)
		descendants = append(descendants, s.DescendantsOf(child)...)
	}
	return descendants
}

// threadIDs lists the thread IDs of a process, empty if it has exited.
func (s *Snapshot) threadIDs(pid int) []string {
	taskDir := filepath.Join(s.procPath, strconv.Itoa(pid), "task")
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil
	}
	tids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			tids = append(tids, entry.Name())
		}
	}
	return tids
}
