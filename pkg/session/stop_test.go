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
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

// advanceUntil drives a fake clock forward until done closes.
func advanceUntil(fc *clockwork.FakeClock, step time.Duration, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
			fc.Advance(step)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestDeathWatchAllDie(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	seq := NewSequencer(fc, 5*time.Second, 500*time.Millisecond)

	calls := 0
	livePids := func() mapset.Set[int] {
		calls++
		if calls < 3 {
			return mapset.NewSet(101, 102)
		}
		return mapset.NewSet[int]()
	}

	done := make(chan struct{})
	var survivors mapset.Set[int]
	go func() {
		survivors = seq.DeathWatch(livePids)
		close(done)
	}()
	advanceUntil(fc, 500*time.Millisecond, done)

	assert.Equal(t, 0, survivors.Cardinality())
	assert.Less(t, calls, 10, "watch should end as soon as the set empties")
}

func TestDeathWatchSurvivors(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	seq := NewSequencer(fc, 2*time.Second, 500*time.Millisecond)

	done := make(chan struct{})
	var survivors mapset.Set[int]
	go func() {
		survivors = seq.DeathWatch(func() mapset.Set[int] {
			return mapset.NewSet(777)
		})
		close(done)
	}()
	advanceUntil(fc, 500*time.Millisecond, done)

	assert.ElementsMatch(t, []int{777}, survivors.ToSlice())
}

func TestDeathWatchUnknownNeverDeclaresVictory(t *testing.T) {
	t.Parallel()

	fc := clockwork.NewFakeClock()
	seq := NewSequencer(fc, 2*time.Second, 500*time.Millisecond)

	calls := 0
	done := make(chan struct{})
	var survivors mapset.Set[int]
	go func() {
		survivors = seq.DeathWatch(func() mapset.Set[int] {
			calls++
			return nil
		})
		close(done)
	}()
	advanceUntil(fc, 500*time.Millisecond, done)

	// The watch ran the full window and came back with an empty, non-nil set.
	assert.GreaterOrEqual(t, calls, 4)
	assert.NotNil(t, survivors)
	assert.Equal(t, 0, survivors.Cardinality())
}

func TestNewSequencerDefaults(t *testing.T) {
	t.Parallel()

	seq := NewSequencer(nil, time.Second, 0)
	assert.NotNil(t, seq.clock)
	assert.Equal(t, 500*time.Millisecond, seq.pollInterval)
}

func TestKillAllTolerance(t *testing.T) {
	t.Parallel()

	// Neither a nil set nor unsignalable PIDs may panic or abort.
	KillAll(nil, unix.SIGTERM)
	KillAll(mapset.NewSet(999999999), unix.SIGTERM)
}
