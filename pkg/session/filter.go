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

package session

import (
	"strings"

	"github.com/LudusProject/ludus-core/pkg/launcher"
	"github.com/LudusProject/ludus-core/pkg/procfs"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog/log"
)

// commNameLimit is the kernel's process name length. Names from /proc only
// carry this many characters, so configured lists are truncated to match.
const commNameLimit = 15

// systemProcesses are self-managing infrastructure processes that are never
// counted as game processes and never signalled. Letting wine tear its own
// service processes down makes games exit faster.
var systemProcesses = mapset.NewSet(
	"wineserver",
	"services.exe",
	"winedevice.exe",
	"plugplay.exe",
	"explorer.exe",
	"wineconsole",
	"svchost.exe",
	"rpcss.exe",
	"rundll32.exe",
	"mscorsvw.exe",
	"iexplore.exe",
	"start.exe",
	"winedbg.exe",
)

// TruncateProcName cuts a process name to what the kernel reports.
func TruncateProcName(name string) string {
	if len(name) > commNameLimit {
		return name[:commNameLimit]
	}
	return name
}

// Filter computes the authoritative set of PIDs belonging to a run.
type Filter struct {
	snap        *procfs.Snapshot
	unmonitored mapset.Set[string]
}

// NewFilter builds a filter from include/exclude process name lists.
// Excluded and system process names are ignored during liveness checks
// unless explicitly included.
func NewFilter(snap *procfs.Snapshot, includeProcesses, excludeProcesses []string) *Filter {
	return &Filter{
		snap:        snap,
		unmonitored: UnmonitoredNames(includeProcesses, excludeProcesses),
	}
}

// UnmonitoredNames builds the set of process names liveness checks ignore:
// excluded and system processes, minus explicit includes. Shared with the
// wrapper helper, which applies the same rules to its descendants.
func UnmonitoredNames(includeProcesses, excludeProcesses []string) mapset.Set[string] {
	return truncatedSet(excludeProcesses).
		Union(systemProcesses).
		Difference(truncatedSet(includeProcesses))
}

func truncatedSet(names []string) mapset.Set[string] {
	set := mapset.NewSet[string]()
	for _, name := range names {
		if name == "" {
			continue
		}
		set.Add(TruncateProcName(name))
	}
	return set
}

// LiveQuery carries the per-run correlation inputs for a liveness scan.
type LiveQuery struct {
	RunToken      string
	GameDir       string
	PrelaunchPids []int
	OwnedPid      int
	OwnedAlive    bool
}

// ComputeLivePIDs returns the run's live process set. ok is false when the
// set cannot be computed (missing prelaunch baseline, unreadable /proc);
// callers must treat that as "unknown", never as "the game exited".
//
// A process counts as live when its cmdline places it in the game directory
// (or a known compatibility-layer wrapper) AND its environment carries the
// run token. Requiring both avoids over-matching unrelated processes that
// share a directory name and under-matching processes whose environ can't
// be read.
func (f *Filter) ComputeLivePIDs(q LiveQuery) (pids mapset.Set[int], ok bool) {
	if len(q.PrelaunchPids) == 0 {
		log.Error().Msg("no prelaunch PIDs recorded, the run's processes cannot be computed")
		return nil, false
	}

	current, err := f.snap.Pids()
	if err != nil {
		log.Error().Err(err).Msg("failed to enumerate system PIDs")
		return nil, false
	}

	newPids := mapset.NewSet(current...).Difference(mapset.NewSet(q.PrelaunchPids...))

	pathMatched := mapset.NewSet[int]()
	tokenMatched := mapset.NewSet[int]()
	names := make(map[int]string, newPids.Cardinality())

	for pid := range newPids.Iter() {
		info := f.snap.ReadProcess(pid)
		if info.State == procfs.ZombieState {
			continue
		}
		names[pid] = TruncateProcName(info.Name)

		// pressure-vessel processes run outside the game directory but
		// still belong to the run's sandbox.
		if (q.GameDir != "" && strings.Contains(info.Cmdline, q.GameDir)) ||
			strings.Contains(info.Cmdline, "pressure-vessel") {
			pathMatched.Add(pid)
		}
		if info.Environ[launcher.RunTokenEnv] == q.RunToken {
			tokenMatched.Add(pid)
		}
	}

	live := pathMatched.Intersect(tokenMatched)

	if q.OwnedAlive && q.OwnedPid > 0 {
		name := TruncateProcName(f.snap.ReadProcess(q.OwnedPid).Name)
		if name == "" || !f.unmonitored.Contains(name) {
			live.Add(q.OwnedPid)
			names[q.OwnedPid] = name
		}
	}

	for _, pid := range live.ToSlice() {
		if name := names[pid]; name != "" && f.unmonitored.Contains(name) {
			live.Remove(pid)
		}
	}

	return live, true
}
