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

// Package session drives the lifecycle of one game run: heartbeat liveness
// checks over the correlated process set, kill-switch handling and the
// staged stop sequence, finishing with exactly one terminal notification.
package session

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/LudusProject/ludus-core/pkg/config"
	"github.com/LudusProject/ludus-core/pkg/helpers"
	"github.com/LudusProject/ludus-core/pkg/helpers/syncutil"
	"github.com/LudusProject/ludus-core/pkg/launcher"
	"github.com/LudusProject/ludus-core/pkg/procfs"
	"github.com/adrg/xdg"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// RunState is the monitor's view of a run. States only advance:
// launching -> running -> stopped.
type RunState string

const (
	RunStateLaunching RunState = "launching"
	RunStateRunning   RunState = "running"
	RunStateStopped   RunState = "stopped"
)

// restoreTimeout bounds the whole restoration pass during finalization.
const restoreTimeout = 10 * time.Second

// RunSpec describes one game run to monitor.
type RunSpec struct {
	Env              map[string]any
	StopHook         func() bool
	ForceStopHook    func() bool
	Name             string
	Directory        string
	WorkingDir       string
	Terminal         string
	WrapperPath      string
	Command          []string
	IncludeProcesses []string
	ExcludeProcesses []string
}

// Monitor owns the lifecycle of a single run. The heartbeat and the owned
// process's exit callback are independent notification sources for the same
// fact; both funnel into the latched finalize path.
type Monitor struct {
	cfg           *config.Instance
	clock         clockwork.Clock
	snap          *procfs.Snapshot
	fs            afero.Fs
	filter        *Filter
	seq           *Sequencer
	launcher      *launcher.Launcher
	prelaunch     *launcher.Launcher
	notifications chan<- Notification
	playtime      PlaytimeSink
	watcher       *fsnotify.Watcher
	done          chan struct{}
	spec          RunSpec
	markerPath    string
	killswitch    string
	tmpDir        string
	state         RunState
	restorers     []Restorer
	prelaunchPids []int
	startedAt     time.Time
	duration      time.Duration
	wg            sync.WaitGroup
	mu            syncutil.Mutex
	finalized     bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock sets the clock (for testing).
func WithClock(clock clockwork.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = clock }
}

// WithSnapshot sets the proc snapshot reader (for testing).
func WithSnapshot(snap *procfs.Snapshot) MonitorOption {
	return func(m *Monitor) { m.snap = snap }
}

// WithNotifications sets the channel terminal and start events publish to.
func WithNotifications(ns chan<- Notification) MonitorOption {
	return func(m *Monitor) { m.notifications = ns }
}

// WithFilesystem sets the filesystem used for marker and side files.
func WithFilesystem(fs afero.Fs) MonitorOption {
	return func(m *Monitor) { m.fs = fs }
}

// WithRestorers registers environment restoration hooks, run in order
// during finalization.
func WithRestorers(restorers ...Restorer) MonitorOption {
	return func(m *Monitor) { m.restorers = append(m.restorers, restorers...) }
}

// WithPlaytimeSink sets the playtime accumulator.
func WithPlaytimeSink(sink PlaytimeSink) MonitorOption {
	return func(m *Monitor) { m.playtime = sink }
}

// WithMarkerPath overrides the now-playing marker file location.
func WithMarkerPath(path string) MonitorOption {
	return func(m *Monitor) { m.markerPath = path }
}

// WithTmpDir overrides the directory for run side files (for testing).
func WithTmpDir(dir string) MonitorOption {
	return func(m *Monitor) { m.tmpDir = dir }
}

// NewMonitor prepares a monitor and its launcher. Fatal launch setup errors
// (missing wrapper, missing terminal) are returned here.
func NewMonitor(cfg *config.Instance, spec RunSpec, opts ...MonitorOption) (*Monitor, error) {
	m := &Monitor{
		cfg:        cfg,
		spec:       spec,
		clock:      clockwork.NewRealClock(),
		snap:       procfs.New(),
		fs:         afero.NewOsFs(),
		markerPath: filepath.Join(xdg.CacheHome, "ludus", "now-playing.txt"),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if spec.WrapperPath == "" {
		spec.WrapperPath = cfg.WrapperPath()
		m.spec.WrapperPath = spec.WrapperPath
	}
	include := append(cfg.IncludeProcesses(), spec.IncludeProcesses...) //nolint:gocritic // merging two configured lists
	exclude := append(cfg.ExcludeProcesses(), spec.ExcludeProcesses...) //nolint:gocritic // merging two configured lists
	m.filter = NewFilter(m.snap, include, exclude)
	m.seq = NewSequencer(m.clock, cfg.ForceStopWindow(), cfg.ForceStopPollInterval())

	l, err := launcher.New(launcher.Params{
		Command:          spec.Command,
		Title:            spec.Name,
		Env:              spec.Env,
		WorkingDir:       spec.WorkingDir,
		Terminal:         spec.Terminal,
		WrapperPath:      spec.WrapperPath,
		IncludeProcesses: include,
		ExcludeProcesses: exclude,
		Fs:               m.fs,
		TmpDir:           m.tmpDir,
	})
	if err != nil {
		return nil, err
	}
	if spec.StopHook != nil {
		l.SetStopFunc(spec.StopHook)
	}
	m.launcher = l

	return m, nil
}

// Launcher exposes the monitored launcher (log sink attachment, state).
func (m *Monitor) Launcher() *launcher.Launcher {
	return m.launcher
}

// RunToken returns the run's correlation UUID.
func (m *Monitor) RunToken() string {
	return m.launcher.RunToken()
}

// State returns the current run state.
func (m *Monitor) State() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Duration returns how long the run has been (or was) running.
func (m *Monitor) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return m.duration
	}
	if m.startedAt.IsZero() {
		return 0
	}
	return m.clock.Since(m.startedAt)
}

// Done is closed when the run has been finalized.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the run is finalized and its goroutines have stopped.
func (m *Monitor) Wait() {
	<-m.done
	m.wg.Wait()
}

// Start records the prelaunch PID baseline, starts the prelaunch helper and
// the game itself, and begins the heartbeat.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.state != "" {
		m.mu.Unlock()
		return errors.New("run already started")
	}
	m.state = RunStateLaunching
	m.mu.Unlock()

	pids, err := m.snap.Pids()
	if err != nil {
		log.Error().Err(err).Msg("no prelaunch PIDs could be obtained, run stop may be ineffective")
		pids = nil
	}
	m.mu.Lock()
	m.prelaunchPids = pids
	m.mu.Unlock()

	if cmdStr, wait := m.cfg.PrelaunchCommand(); cmdStr != "" {
		m.startPrelaunch(cmdStr, wait)
	}

	m.launcher.SetOnExit(m.onOwnedExit)
	m.launcher.Start()

	m.mu.Lock()
	m.startedAt = m.clock.Now()
	m.state = RunStateRunning
	m.mu.Unlock()

	m.writeMarker()
	RunStarted(m.notifications, RunStartedParams{
		Name:     m.spec.Name,
		RunToken: m.RunToken(),
		Pid:      m.launcher.OwnedPid(),
	})

	m.armKillswitch()

	m.wg.Add(1)
	go m.heartbeat()
	return nil
}

// heartbeat drives the periodic liveness check until the run ends.
func (m *Monitor) heartbeat() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.Chan():
			if !m.beat() {
				return
			}
		}
	}
}

// beat is one heartbeat tick. Errors inside a tick must never kill the
// heartbeat, so panics are contained at this boundary.
func (m *Monitor) beat() (keepTicking bool) {
	keepTicking = true
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("panic in heartbeat tick")
		}
	}()

	if err := m.launcher.Error(); err != nil {
		log.Error().Err(err).Str("name", m.spec.Name).Msg("run failed to launch")
		m.finalize(err)
		return false
	}

	if m.killswitchEngaged() {
		log.Warn().Str("path", m.killswitch).Msg("kill-switch no longer present, force quitting the run")
		m.forceStopAsync()
		return false
	}

	live, ok := m.computeLive()
	if !ok {
		// Unknown is not dead: keep the run alive and retry next beat.
		return true
	}

	if m.onlyPrelaunchRunning(live) {
		// The setup helper is still going; the game hasn't started yet.
		return true
	}

	if !m.launcher.IsRunning() && live.Cardinality() == 0 {
		log.Debug().Str("name", m.spec.Name).Msg("run has ended")
		m.finalize(nil)
		return false
	}
	return true
}

// computeLive derives the run's live PID set from a fresh scan.
func (m *Monitor) computeLive() (mapset.Set[int], bool) {
	m.mu.Lock()
	prelaunchPids := m.prelaunchPids
	m.mu.Unlock()

	ownedPid := m.launcher.OwnedPid()
	return m.filter.ComputeLivePIDs(LiveQuery{
		RunToken:      m.RunToken(),
		GameDir:       m.spec.Directory,
		PrelaunchPids: prelaunchPids,
		OwnedPid:      ownedPid,
		OwnedAlive:    m.launcher.IsRunning() && helpers.IsPidAlive(ownedPid),
	})
}

func (m *Monitor) onlyPrelaunchRunning(live mapset.Set[int]) bool {
	if m.prelaunch == nil || !m.prelaunch.IsRunning() {
		return false
	}
	return live.Cardinality() == 1 && live.Contains(m.prelaunch.OwnedPid())
}

// onOwnedExit handles the asynchronous exit of the directly-owned process.
// The game may outlive it (wine trees, terminals), so the run only ends
// here when the correlated set is confirmed empty.
func (m *Monitor) onOwnedExit() {
	live, ok := m.computeLive()
	if !ok {
		log.Warn().Msg("owned process exited but live set is unknown, heartbeat will decide")
		return
	}
	if live.Cardinality() > 0 {
		log.Debug().Int("count", live.Cardinality()).Msg("owned process exited, descendants still running")
		return
	}
	m.finalize(nil)
}

// Stop runs the graceful stop path. The run's stop hook may veto it.
func (m *Monitor) Stop() {
	if m.State() == RunStateStopped {
		log.Debug().Str("name", m.spec.Name).Msg("run already stopped")
		return
	}
	log.Info().Str("name", m.spec.Name).Msg("stopping run")
	if !m.launcher.Stop() {
		// The hook took responsibility for eventual cleanup.
		return
	}
	m.finalize(nil)
}

// ForceStop runs the forced termination path: runner hook, bounded death
// watch, SIGKILL survivors, then finalize no matter what. The UI must never
// hang on a process the OS refuses to report on.
func (m *Monitor) ForceStop() {
	m.mu.Lock()
	finalized := m.finalized
	m.mu.Unlock()
	if finalized {
		return
	}

	if hook := m.spec.ForceStopHook; hook != nil {
		if handled := hook(); handled {
			if live, ok := m.computeLive(); ok && live.Cardinality() == 0 {
				m.finalize(nil)
				return
			}
		}
	}

	survivors := m.seq.DeathWatch(func() mapset.Set[int] {
		live, ok := m.computeLive()
		if !ok {
			return nil
		}
		return live
	})
	if survivors.Cardinality() > 0 {
		log.Warn().Int("count", survivors.Cardinality()).Msg("processes survived the death watch, killing")
		KillAll(survivors, unix.SIGKILL)
	}
	m.finalize(nil)
}

// forceStopAsync runs ForceStop on a tracked goroutine so Wait covers the
// whole forced-stop sequence.
func (m *Monitor) forceStopAsync() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.ForceStop()
	}()
}

// finalize ends the run exactly once: restores the environment, removes the
// marker, accounts playtime and emits the terminal notification last.
func (m *Monitor) finalize(launchErr error) {
	m.mu.Lock()
	if m.finalized {
		m.mu.Unlock()
		return
	}
	m.finalized = true
	m.state = RunStateStopped
	startedAt := m.startedAt
	if !startedAt.IsZero() {
		m.duration = m.clock.Since(startedAt)
	}
	duration := m.duration
	m.mu.Unlock()

	// Done must not be observable until every side effect below has run:
	// Wait is the caller's signal that restoration, playtime and the
	// terminal notification have all settled.
	defer close(m.done)
	m.disarmKillswitch()

	if m.launcher.IsRunning() {
		m.launcher.Stop()
	}
	if m.prelaunch != nil && m.prelaunch.IsRunning() {
		log.Info().Msg("stopping prelaunch helper")
		m.prelaunch.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()
	for _, restorer := range m.restorers {
		if err := restorer.Restore(ctx); err != nil {
			log.Warn().Err(err).Str("restorer", restorer.Name()).Msg("restore failed")
		}
	}
	m.runPostexit(ctx)
	m.removeMarker()

	log.Debug().Str("name", m.spec.Name).
		Msgf("run lasted %d seconds", int(duration.Seconds()))

	threshold := m.cfg.ShortSessionThreshold()
	switch {
	case duration < threshold:
		log.Warn().Str("name", m.spec.Name).Msg("the run was very short, did it crash?")
	case m.playtime != nil:
		m.playtime.AddPlaytime(m.spec.Name, duration)
	}

	if launchErr != nil {
		RunError(m.notifications, RunErrorParams{
			Name:     m.spec.Name,
			RunToken: m.RunToken(),
			Message:  "error launching the game: " + launchErr.Error(),
		})
		return
	}

	code, hasCode := m.launcher.ReturnCode()
	var diagnostic string
	if hasCode {
		diagnostic, _ = TranslateExitStatus(code, m.launcher.Stdout())
	}
	RunStopped(m.notifications, RunStoppedParams{
		Name:          m.spec.Name,
		RunToken:      m.RunToken(),
		Duration:      duration,
		ReturnCode:    code,
		HasReturnCode: hasCode,
		Diagnostic:    diagnostic,
	})
}

// startPrelaunch runs the configured prelaunch command, either blocking
// until completion or monitored in the background.
func (m *Monitor) startPrelaunch(cmdStr string, wait bool) {
	args := strings.Fields(cmdStr)
	if len(args) == 0 {
		return
	}
	if _, err := os.Stat(args[0]); err != nil {
		log.Warn().Str("command", args[0]).Msg("prelaunch command not found")
		return
	}

	if wait {
		log.Info().Str("command", cmdStr).Msg("running prelaunch command, waiting for completion")
		cmd := exec.Command(args[0], args[1:]...) //nolint:gosec // G204: configured by the user
		cmd.Env = launcher.MergeHostEnvironment(m.launcher.Env())
		cmd.Dir = m.spec.Directory
		if err := cmd.Run(); err != nil {
			log.Warn().Err(err).Msg("prelaunch command failed")
		}
		return
	}

	log.Info().Str("command", cmdStr).Msg("prelaunch command launched in the background")
	pl, err := launcher.New(launcher.Params{
		Command:          args,
		Env:              toAnyMap(m.launcher.Env()),
		WorkingDir:       m.spec.Directory,
		IncludeProcesses: []string{filepath.Base(args[0])},
		WrapperPath:      m.spec.WrapperPath,
		Fs:               m.fs,
		TmpDir:           m.tmpDir,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to prepare prelaunch command")
		return
	}
	m.prelaunch = pl
	pl.Start()
}

// runPostexit runs the configured post-exit command before the terminal
// notification fires.
func (m *Monitor) runPostexit(ctx context.Context) {
	cmdStr := m.cfg.PostexitCommand()
	if cmdStr == "" {
		return
	}
	args := strings.Fields(cmdStr)
	if len(args) == 0 {
		return
	}
	if _, err := os.Stat(args[0]); err != nil {
		log.Warn().Str("command", args[0]).Msg("post-exit command not found")
		return
	}
	log.Info().Str("command", cmdStr).Msg("running post-exit command")
	executor := helpers.RealCommandExecutor{}
	if err := executor.Run(ctx, args[0], args[1:]...); err != nil {
		log.Warn().Err(err).Msg("post-exit command failed")
	}
}

// armKillswitch starts watching the configured kill-switch path. A path
// that doesn't exist at launch is never armed, so an unset device can't
// instantly kill the run. The fsnotify watch narrows detection latency;
// the per-beat existence poll is the fallback.
func (m *Monitor) armKillswitch() {
	path := m.cfg.KillswitchPath()
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		log.Warn().Str("path", path).Msg("kill-switch path does not exist, not arming")
		return
	}
	m.killswitch = path

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("kill-switch watcher unavailable, relying on heartbeat poll")
		return
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn().Err(err).Msg("failed to watch kill-switch directory")
		_ = watcher.Close()
		return
	}
	m.watcher = watcher

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == path && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Warn().Str("path", path).Msg("kill-switch removed, force quitting the run")
					m.forceStopAsync()
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("kill-switch watcher error")
			}
		}
	}()
}

func (m *Monitor) disarmKillswitch() {
	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}
}

func (m *Monitor) killswitchEngaged() bool {
	if m.killswitch == "" {
		return false
	}
	_, err := os.Stat(m.killswitch)
	return err != nil
}

func (m *Monitor) writeMarker() {
	if m.markerPath == "" {
		return
	}
	if err := m.fs.MkdirAll(filepath.Dir(m.markerPath), 0o750); err != nil {
		log.Warn().Err(err).Msg("failed to create marker directory")
		return
	}
	if err := afero.WriteFile(m.fs, m.markerPath, []byte(m.spec.Name), 0o600); err != nil {
		log.Warn().Err(err).Msg("failed to write now-playing marker")
	}
}

func (m *Monitor) removeMarker() {
	if m.markerPath == "" {
		return
	}
	if err := m.fs.Remove(m.markerPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to remove now-playing marker")
	}
}

func toAnyMap(env map[string]string) map[string]any {
	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
