//go:build !windows

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

package helpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsProcessRunning(t *testing.T) {
	t.Parallel()

	assert.False(t, IsProcessRunning(nil))

	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	assert.True(t, IsProcessRunning(self))
}

func TestIsPidAlive(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPidAlive(os.Getpid()))
	// PID max on Linux is well below this.
	assert.False(t, IsPidAlive(1 << 30))
}

func TestFindExecutable(t *testing.T) {
	t.Parallel()

	path, err := FindExecutable("sh")
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	_, err = FindExecutable("no-such-binary-on-any-system")
	require.Error(t, err)
}

func TestRealCommandExecutor(t *testing.T) {
	t.Parallel()

	executor := &RealCommandExecutor{}
	ctx := context.Background()

	require.NoError(t, executor.Run(ctx, "true"))
	require.Error(t, executor.Run(ctx, "false"))
	require.Error(t, executor.Run(ctx, "no-such-binary-on-any-system"))
}

func TestInitLogging(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, InitLogging(dir))

	log.Info().Msg("logging initialized")

	_, err := os.Stat(filepath.Join(dir, LogFile))
	require.NoError(t, err)
}
