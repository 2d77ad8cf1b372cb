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

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/LudusProject/ludus-core/pkg/helpers/syncutil"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const playtimeFile = "playtime.toml"

// playtimeStore accumulates per-game session time in a TOML file. It
// satisfies session.PlaytimeSink.
type playtimeStore struct {
	seconds map[string]int64
	path    string
	mu      syncutil.Mutex
}

func newPlaytimeStore(path string) (*playtimeStore, error) {
	store := &playtimeStore{
		path:    path,
		seconds: make(map[string]int64),
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path is under our own cache dir
	switch {
	case os.IsNotExist(err):
		// First run, nothing to load.
	case err != nil:
		return nil, fmt.Errorf("read playtime file: %w", err)
	default:
		if err := toml.Unmarshal(data, &store.seconds); err != nil {
			return nil, fmt.Errorf("parse playtime file: %w", err)
		}
	}
	return store, nil
}

// AddPlaytime records a completed session and persists the file.
func (s *playtimeStore) AddPlaytime(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seconds[name] += int64(d.Seconds())

	data, err := toml.Marshal(s.seconds)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode playtime file")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		log.Warn().Err(err).Msg("failed to create playtime directory")
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		log.Warn().Err(err).Msg("failed to write playtime file")
	}
}
