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
	"github.com/LudusProject/ludus-core/pkg/helpers/syncutil"
	"github.com/rs/zerolog/log"
)

// Registry tracks every in-flight run, keyed by run token. It exists so the
// service can answer "what's running" and stop everything on shutdown.
type Registry struct {
	runs map[string]*Monitor
	mu   syncutil.RWMutex
}

// NewRegistry creates an empty run registry.
func NewRegistry() *Registry {
	return &Registry{
		runs: make(map[string]*Monitor),
	}
}

// Add registers a monitor under its run token.
func (r *Registry) Add(m *Monitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[m.RunToken()] = m
}

// Remove forgets the run with the given token.
func (r *Registry) Remove(runToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runToken)
}

// Get returns the monitor for a run token.
func (r *Registry) Get(runToken string) (*Monitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.runs[runToken]
	return m, ok
}

// List returns all registered monitors.
func (r *Registry) List() []*Monitor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Monitor, 0, len(r.runs))
	for _, m := range r.runs {
		out = append(out, m)
	}
	return out
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// StopAll gracefully stops every registered run and waits for each to
// finalize. Used on service shutdown.
func (r *Registry) StopAll() {
	for _, m := range r.List() {
		log.Info().Str("runToken", m.RunToken()).Msg("stopping run on shutdown")
		m.Stop()
		m.Wait()
		r.Remove(m.RunToken())
	}
}
