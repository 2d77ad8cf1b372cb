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
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LudusProject/ludus-core/pkg/config"
	"github.com/LudusProject/ludus-core/pkg/launcher"
	"github.com/LudusProject/ludus-core/pkg/procfs"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testMonitorEnv bundles the fakes behind one monitor under test.
type testMonitorEnv struct {
	monitor       *Monitor
	cfg           *config.Instance
	clock         *clockwork.FakeClock
	fs            afero.Fs
	notifications chan Notification
	markerPath    string
	wrapperPath   string
}

func newTestMonitor(t *testing.T, cfgToml string, opts ...MonitorOption) *testMonitorEnv {
	t.Helper()

	cfgDir := t.TempDir()
	if cfgToml != "" {
		require.NoError(t, os.WriteFile(filepath.Join(cfgDir, config.CfgFile), []byte(cfgToml), 0o600))
	}
	cfg, err := config.NewConfig(cfgDir, config.BaseDefaults)
	require.NoError(t, err)

	wrapper := filepath.Join(t.TempDir(), "ludus-wrapper")
	require.NoError(t, os.WriteFile(wrapper, []byte("#!/bin/sh\nexit 0\n"), 0o700)) //nolint:gosec // test helper must be executable

	env := &testMonitorEnv{
		cfg:           cfg,
		clock:         clockwork.NewFakeClock(),
		fs:            afero.NewMemMapFs(),
		notifications: make(chan Notification, 8),
		markerPath:    "/state/now-playing.txt",
		wrapperPath:   wrapper,
	}

	procRoot := t.TempDir()
	writeFakeProc(t, procRoot, 1, fakeProc{name: "init", cmdline: "/sbin/init"})

	all := append([]MonitorOption{
		WithClock(env.clock),
		WithSnapshot(procfs.New(procfs.WithProcPath(procRoot))),
		WithFilesystem(env.fs),
		WithNotifications(env.notifications),
		WithMarkerPath(env.markerPath),
		WithTmpDir("/tmp"),
	}, opts...)

	m, err := NewMonitor(cfg, RunSpec{
		Name:        "Test Rally",
		Command:     []string{"/bin/true"},
		Directory:   "/games/rally",
		WrapperPath: wrapper,
	}, all...)
	require.NoError(t, err)
	env.monitor = m
	return env
}

func TestMonitorFinalizeOnce(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	m := env.monitor

	m.finalize(nil)
	m.finalize(nil)

	assert.Equal(t, RunStateStopped, m.State())
	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed after finalize")
	}

	require.Len(t, env.notifications, 1)
	n := <-env.notifications
	assert.Equal(t, NotificationRunStopped, n.Method)
	params, ok := n.Params.(RunStoppedParams)
	require.True(t, ok)
	assert.Equal(t, "Test Rally", params.Name)
	assert.False(t, params.HasReturnCode)
}

func TestMonitorFinalizeError(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	env.monitor.finalize(errors.New("wrapper exploded"))

	require.Len(t, env.notifications, 1)
	n := <-env.notifications
	assert.Equal(t, NotificationRunError, n.Method)
	params, ok := n.Params.(RunErrorParams)
	require.True(t, ok)
	assert.Contains(t, params.Message, "wrapper exploded")
}

func TestMonitorMarkerLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	m := env.monitor

	m.writeMarker()
	data, err := afero.ReadFile(env.fs, env.markerPath)
	require.NoError(t, err)
	assert.Equal(t, "Test Rally", string(data))

	m.removeMarker()
	exists, err := afero.Exists(env.fs, env.markerPath)
	require.NoError(t, err)
	assert.False(t, exists)

	// Removing again must stay quiet.
	m.removeMarker()
}

func TestMonitorFinalizeRemovesMarker(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	env.monitor.writeMarker()
	env.monitor.finalize(nil)

	exists, err := afero.Exists(env.fs, env.markerPath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMonitorRestorersRunInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	restorer := func(label string, fail bool) Restorer {
		return RestorerFunc{
			Label: label,
			Fn: func(context.Context) error {
				order = append(order, label)
				if fail {
					return errors.New("restore failed")
				}
				return nil
			},
		}
	}

	env := newTestMonitor(t, "", WithRestorers(
		restorer("resolution", false),
		restorer("compositor", true),
		restorer("screensaver", false),
	))
	env.monitor.finalize(nil)

	// A failing restorer never blocks the ones after it.
	assert.Equal(t, []string{"resolution", "compositor", "screensaver"}, order)
}

type recordingSink struct {
	names     []string
	durations []time.Duration
}

func (s *recordingSink) AddPlaytime(name string, d time.Duration) {
	s.names = append(s.names, name)
	s.durations = append(s.durations, d)
}

func TestMonitorPlaytimeRecorded(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	env := newTestMonitor(t, "", WithPlaytimeSink(sink))
	m := env.monitor

	m.mu.Lock()
	m.startedAt = env.clock.Now()
	m.state = RunStateRunning
	m.mu.Unlock()

	env.clock.Advance(10 * time.Second)
	m.finalize(nil)

	require.Len(t, sink.durations, 1)
	assert.Equal(t, "Test Rally", sink.names[0])
	assert.Equal(t, 10*time.Second, sink.durations[0])
	assert.Equal(t, 10*time.Second, m.Duration())
}

func TestMonitorShortSessionSkipsPlaytime(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	env := newTestMonitor(t, "", WithPlaytimeSink(sink))
	m := env.monitor

	m.mu.Lock()
	m.startedAt = env.clock.Now()
	m.state = RunStateRunning
	m.mu.Unlock()

	env.clock.Advance(2 * time.Second)
	m.finalize(nil)

	assert.Empty(t, sink.durations)
	// The terminal notification still fires for short sessions.
	require.Len(t, env.notifications, 1)
}

func TestMonitorKillswitchNotArmedWhenMissing(t *testing.T) {
	t.Parallel()

	cfgToml := "[launch]\nkillswitch_path = \"/nonexistent/device\"\n"
	env := newTestMonitor(t, cfgToml)
	m := env.monitor

	m.armKillswitch()
	assert.Empty(t, m.killswitch)
	assert.False(t, m.killswitchEngaged())
	m.disarmKillswitch()
}

func TestMonitorKillswitchEngaged(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	m := env.monitor

	switchPath := filepath.Join(t.TempDir(), "device")
	require.NoError(t, os.WriteFile(switchPath, []byte{}, 0o600))

	m.killswitch = switchPath
	assert.False(t, m.killswitchEngaged())

	require.NoError(t, os.Remove(switchPath))
	assert.True(t, m.killswitchEngaged())
}

func TestMonitorStartTwice(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	m := env.monitor

	m.mu.Lock()
	m.state = RunStateRunning
	m.mu.Unlock()

	require.Error(t, m.Start())
}

func TestMonitorDurationBeforeStart(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	assert.Zero(t, env.monitor.Duration())
}

func TestWaitBlocksUntilFinalizationCompletes(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	restoring := make(chan struct{})
	env := newTestMonitor(t, "", WithRestorers(RestorerFunc{
		Label: "slow",
		Fn: func(context.Context) error {
			close(restoring)
			<-release
			return nil
		},
	}))
	m := env.monitor

	// Finalization arriving from an untracked goroutine, as the owned
	// process's exit callback does.
	go m.finalize(nil)
	<-restoring

	waited := make(chan struct{})
	go func() {
		m.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while finalization was still running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, env.notifications, "terminal notification published before finalization finished")

	close(release)
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after finalization completed")
	}
	require.Len(t, env.notifications, 1)
}

func TestBeatKeepsRunningOnUnknownBaseline(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	m := env.monitor

	m.mu.Lock()
	m.prelaunchPids = nil
	m.state = RunStateRunning
	m.mu.Unlock()

	assert.True(t, m.beat())
	assert.Equal(t, RunStateRunning, m.State())
	assert.Empty(t, env.notifications)
}

func TestBeatDeclaresDeathWhenLiveSetEmpty(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	m := env.monitor

	m.mu.Lock()
	m.prelaunchPids = []int{1}
	m.state = RunStateRunning
	m.startedAt = env.clock.Now()
	m.mu.Unlock()

	assert.False(t, m.beat())
	assert.Equal(t, RunStateStopped, m.State())
	require.Len(t, env.notifications, 1)
	assert.Equal(t, NotificationRunStopped, (<-env.notifications).Method)
}

func TestBeatKillswitchTriggersForceStop(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	m := env.monitor

	switchPath := filepath.Join(t.TempDir(), "device")
	require.NoError(t, os.WriteFile(switchPath, []byte{}, 0o600))
	m.killswitch = switchPath

	m.mu.Lock()
	m.prelaunchPids = []int{1}
	m.state = RunStateRunning
	m.mu.Unlock()

	require.NoError(t, os.Remove(switchPath))
	assert.False(t, m.beat())

	// The forced stop runs on a tracked goroutine; drive its death watch.
	advanceUntil(env.clock, 500*time.Millisecond, m.Done())
	m.Wait()

	assert.Equal(t, RunStateStopped, m.State())
	require.Len(t, env.notifications, 1)
	assert.Equal(t, NotificationRunStopped, (<-env.notifications).Method)
}

func TestHeartbeatReportsLaunchFailure(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	m := env.monitor

	// Spawning fails when the wrapper isn't executable; the heartbeat must
	// notice on its next beat and end the run with an error.
	require.NoError(t, os.Chmod(env.wrapperPath, 0o600))

	require.NoError(t, m.Start())
	advanceUntil(env.clock, env.cfg.HeartbeatInterval(), m.Done())
	m.Wait()

	assert.Equal(t, RunStateStopped, m.State())
	require.Len(t, env.notifications, 2)
	assert.Equal(t, NotificationRunStarted, (<-env.notifications).Method)
	n := <-env.notifications
	assert.Equal(t, NotificationRunError, n.Method)
	params, ok := n.Params.(RunErrorParams)
	require.True(t, ok)
	assert.Contains(t, params.Message, "error launching the game")
}

func TestMonitorRunsCommandToCompletion(t *testing.T) {
	t.Parallel()

	cfg, err := config.NewConfig(t.TempDir(), config.BaseDefaults)
	require.NoError(t, err)

	tmpDir := t.TempDir()
	// The wrapper stand-in reports an exit code through the side file the
	// way the real helper does.
	wrapper := filepath.Join(t.TempDir(), "ludus-wrapper")
	script := "#!/bin/sh\nprintf 7 > \"" + tmpDir + "/ludus-$LUDUS_GAME_UUID\"\nexit 0\n"
	require.NoError(t, os.WriteFile(wrapper, []byte(script), 0o700)) //nolint:gosec // test helper must be executable

	procRoot := t.TempDir()
	writeFakeProc(t, procRoot, 1, fakeProc{name: "init", cmdline: "/sbin/init"})

	notifications := make(chan Notification, 8)
	markerPath := filepath.Join(t.TempDir(), "now-playing.txt")

	m, err := NewMonitor(cfg, RunSpec{
		Name:        "Quick Game",
		Command:     []string{"/bin/true"},
		WrapperPath: wrapper,
	},
		WithSnapshot(procfs.New(procfs.WithProcPath(procRoot))),
		WithNotifications(notifications),
		WithFilesystem(afero.NewOsFs()),
		WithMarkerPath(markerPath),
		WithTmpDir(tmpDir),
	)
	require.NoError(t, err)

	require.NoError(t, m.Start())
	m.Wait()

	assert.Equal(t, RunStateStopped, m.State())

	started := <-notifications
	require.Equal(t, NotificationRunStarted, started.Method)
	startedParams, ok := started.Params.(RunStartedParams)
	require.True(t, ok)
	assert.Positive(t, startedParams.Pid)

	stopped := <-notifications
	require.Equal(t, NotificationRunStopped, stopped.Method)
	stoppedParams, ok := stopped.Params.(RunStoppedParams)
	require.True(t, ok)
	assert.True(t, stoppedParams.HasReturnCode)
	assert.Equal(t, 7, stoppedParams.ReturnCode)
	assert.GreaterOrEqual(t, stoppedParams.Duration, time.Duration(0))

	_, err = os.Stat(markerPath)
	assert.True(t, os.IsNotExist(err), "marker file should be removed after the run")
}

func TestOnlyPrelaunchRunning(t *testing.T) {
	t.Parallel()

	env := newTestMonitor(t, "")
	m := env.monitor

	// No prelaunch helper at all.
	assert.False(t, m.onlyPrelaunchRunning(mapset.NewSet(123)))

	sleeper := filepath.Join(t.TempDir(), "ludus-wrapper")
	require.NoError(t, os.WriteFile(sleeper, []byte("#!/bin/sh\nexec sleep 30\n"), 0o700)) //nolint:gosec // test helper must be executable

	pl, err := launcher.New(launcher.Params{
		Command:     []string{"sleep", "30"},
		WrapperPath: sleeper,
	})
	require.NoError(t, err)
	pl.Start()
	require.NoError(t, pl.Error())
	t.Cleanup(func() { pl.Stop() })
	m.prelaunch = pl

	assert.True(t, m.onlyPrelaunchRunning(mapset.NewSet(pl.OwnedPid())))
	assert.False(t, m.onlyPrelaunchRunning(mapset.NewSet(pl.OwnedPid(), 999)))
	assert.False(t, m.onlyPrelaunchRunning(mapset.NewSet[int]()))
}
