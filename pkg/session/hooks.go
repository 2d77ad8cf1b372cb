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
	"context"
	"fmt"
	"time"

	"github.com/LudusProject/ludus-core/pkg/helpers"
)

// Restorer undoes an environment change made for a run (resolution switch,
// compositor toggle, screensaver inhibition). Monitors run restorers in
// registration order before emitting the terminal notification, so
// subscribers always observe a fully restored environment.
type Restorer interface {
	Name() string
	Restore(ctx context.Context) error
}

// RestorerFunc adapts a function to the Restorer interface.
type RestorerFunc struct {
	Fn    func(ctx context.Context) error
	Label string
}

func (r RestorerFunc) Name() string { return r.Label }

func (r RestorerFunc) Restore(ctx context.Context) error {
	if r.Fn == nil {
		return nil
	}
	return r.Fn(ctx)
}

// CommandRestorer restores state by shelling out, e.g. xrandr or a
// compositor toggle. These commands have no feedback loop; failure is
// logged by the monitor and restoration continues.
type CommandRestorer struct {
	Executor helpers.CommandExecutor
	Label    string
	Argv     []string
}

func (r CommandRestorer) Name() string { return r.Label }

func (r CommandRestorer) Restore(ctx context.Context) error {
	if len(r.Argv) == 0 {
		return nil
	}
	executor := r.Executor
	if executor == nil {
		executor = &helpers.RealCommandExecutor{}
	}
	if err := executor.Run(ctx, r.Argv[0], r.Argv[1:]...); err != nil {
		return fmt.Errorf("restore %s: %w", r.Label, err)
	}
	return nil
}

// PlaytimeSink accumulates completed session durations. Sessions shorter
// than the configured threshold are reported to the log but not added.
type PlaytimeSink interface {
	AddPlaytime(name string, d time.Duration)
}
