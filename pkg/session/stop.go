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
	"errors"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Sequencer drives the forced-termination ladder: wait a bounded window for
// processes to die on their own, then SIGKILL the survivors. The window is a
// hard upper bound; callers finalize regardless of whether the kill
// confirmed death.
type Sequencer struct {
	clock        clockwork.Clock
	window       time.Duration
	pollInterval time.Duration
}

// NewSequencer creates a Sequencer. A nil clock selects the real clock.
func NewSequencer(clock clockwork.Clock, window, pollInterval time.Duration) *Sequencer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Sequencer{
		clock:        clock,
		window:       window,
		pollInterval: pollInterval,
	}
}

// DeathWatch polls livePids until the set empties or the window elapses,
// returning the survivors. livePids returning nil means the set is unknown;
// the watch keeps polling in that case rather than declaring victory.
func (s *Sequencer) DeathWatch(livePids func() mapset.Set[int]) mapset.Set[int] {
	polls := int(s.window / s.pollInterval)
	for range polls {
		<-s.clock.After(s.pollInterval)
		pids := livePids()
		if pids != nil && pids.Cardinality() == 0 {
			return pids
		}
	}

	survivors := livePids()
	if survivors == nil {
		return mapset.NewSet[int]()
	}
	return survivors
}

// KillAll sends sig to every PID in the set. Lookup and permission errors
// are logged per PID and never abort the loop.
func KillAll(pids mapset.Set[int], sig unix.Signal) {
	if pids == nil {
		return
	}
	for pid := range pids.Iter() {
		err := unix.Kill(pid, sig)
		switch {
		case err == nil:
			log.Debug().Int("pid", pid).Str("signal", unix.SignalName(sig)).Msg("signalled process")
		case errors.Is(err, unix.ESRCH):
			log.Debug().Int("pid", pid).Msg("process already gone")
		case errors.Is(err, unix.EPERM):
			log.Debug().Int("pid", pid).Msg("permission to signal process denied")
		default:
			log.Warn().Err(err).Int("pid", pid).Msg("failed to signal process")
		}
	}
}
