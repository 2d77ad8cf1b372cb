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

// Package launcher starts one game command per run and tracks its owned
// process. The owned process is always the ludus-wrapper helper; the real
// game may exec several layers below it, so exit codes travel back through
// a side file keyed by the run token rather than the wrapper's own status.
package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/LudusProject/ludus-core/pkg/helpers"
	"github.com/LudusProject/ludus-core/pkg/helpers/syncutil"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// State is the lifecycle state of a launched command.
// Transitions only move forward: NotStarted -> Running -> Stopped.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
)

const (
	// fallbackCwd is used when the requested working directory can't be created.
	fallbackCwd = "/tmp"
	// outputChunkSize bounds a single drain read.
	outputChunkSize = 256 * 1024
	// returnCodeFilePrefix keys the side file the wrapper writes the real
	// command's exit code to.
	returnCodeFilePrefix = "ludus-"
)

// ErrWrapperNotFound means the ludus-wrapper helper binary could not be
// located. Launching can't proceed without it.
var ErrWrapperNotFound = errors.New("ludus-wrapper helper not found")

// ErrTerminalNotFound means the configured terminal emulator isn't installed.
var ErrTerminalNotFound = errors.New("terminal emulator not found")

// Params configures a Launcher.
type Params struct {
	Fs               afero.Fs
	Env              map[string]any
	Title            string
	WorkingDir       string
	Terminal         string
	WrapperPath      string
	TmpDir           string
	Command          []string
	IncludeProcesses []string
	ExcludeProcesses []string
	LogSink          func(line string)
}

// Launcher executes a command while keeping track of its state.
type Launcher struct {
	fs            afero.Fs
	env           map[string]string
	stopFunc      func() bool
	onExit        func()
	logSink       func(line string)
	cmd           *exec.Cmd
	outputR       *os.File
	launchErr     error
	state         State
	runToken      string
	title         string
	workingDir    string
	tmpDir        string
	stdout        strings.Builder
	wrapperArgv   []string
	returnCode    int
	mu            syncutil.RWMutex
	hasReturnCode bool
	preventOnStop bool
}

// New prepares a Launcher. Fatal setup conditions (missing wrapper helper,
// missing terminal emulator) are reported here; spawn failures are not, they
// surface through Error after Start.
func New(params Params) (*Launcher, error) {
	if len(params.Command) == 0 {
		return nil, errors.New("empty command")
	}

	env, runToken := BuildEnvironment(params.Env)

	fs := params.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	tmpDir := params.TmpDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	title := params.Title
	if title == "" {
		title = params.Command[0]
	}

	wrapperPath, err := findWrapper(params.WrapperPath)
	if err != nil {
		return nil, err
	}

	l := &Launcher{
		state:      StateNotStarted,
		env:        env,
		runToken:   runToken,
		title:      title,
		workingDir: params.WorkingDir,
		fs:         fs,
		tmpDir:     tmpDir,
		stopFunc:   func() bool { return true },
		logSink:    params.LogSink,
	}

	// Argv layout matches what the wrapper expects: title, list lengths,
	// the lists themselves, then the command (or terminal indirection).
	argv := []string{
		wrapperPath,
		title,
		strconv.Itoa(len(params.IncludeProcesses)),
		strconv.Itoa(len(params.ExcludeProcesses)),
	}
	argv = append(argv, params.IncludeProcesses...)
	argv = append(argv, params.ExcludeProcesses...)

	if params.Terminal != "" {
		terminalPath, err := helpers.FindExecutable(params.Terminal)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrTerminalNotFound, params.Terminal)
		}
		scriptPath, err := l.writeTerminalScript(params.Command)
		if err != nil {
			return nil, err
		}
		argv = append(argv, terminalPath, "-e", scriptPath)
	} else {
		argv = append(argv, params.Command...)
	}
	l.wrapperArgv = argv

	return l, nil
}

// SetStopFunc overrides the graceful-stop hook. Returning false from the
// hook vetoes the rest of the stop sequence.
func (l *Launcher) SetStopFunc(f func() bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f != nil {
		l.stopFunc = f
	}
}

// SetOnExit registers a callback fired once when the owned process exits on
// its own. It is not fired when Stop initiated the termination.
func (l *Launcher) SetOnExit(f func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onExit = f
}

// RunToken returns the UUID correlating this run's processes.
func (l *Launcher) RunToken() string {
	return l.runToken
}

// Env returns the run's own environment variables (token included).
func (l *Launcher) Env() map[string]string {
	out := make(map[string]string, len(l.env))
	for k, v := range l.env {
		out[k] = v
	}
	return out
}

// State returns the current lifecycle state.
func (l *Launcher) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsRunning reports whether the owned process is still considered running.
func (l *Launcher) IsRunning() bool {
	return l.State() == StateRunning
}

// Error returns the spawn error recorded by Start, if any.
func (l *Launcher) Error() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.launchErr
}

// OwnedPid returns the PID of the directly-owned process, or 0 before Start.
// This is the wrapper (or terminal), not necessarily the game itself.
func (l *Launcher) OwnedPid() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.cmd == nil || l.cmd.Process == nil {
		return 0
	}
	return l.cmd.Process.Pid
}

// Stdout returns the output captured so far.
func (l *Launcher) Stdout() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stdout.String()
}

// WorkingDir returns the effective working directory after any fallback.
func (l *Launcher) WorkingDir() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.workingDir
}

// Start spawns the wrapped command. Spawn failures are recorded on the
// launcher rather than returned; the lifecycle monitor observes them on its
// next beat.
func (l *Launcher) Start() {
	l.mu.Lock()

	if l.state != StateNotStarted {
		l.mu.Unlock()
		log.Warn().Str("title", l.title).Msg("launcher already started")
		return
	}

	l.ensureWorkingDirLocked()

	cmd := exec.Command(l.wrapperArgv[0], l.wrapperArgv[1:]...) //nolint:gosec // G204: argv is built from resolved config
	cmd.Dir = l.workingDir
	cmd.Env = MergeHostEnvironment(l.env)

	outputR, outputW, err := os.Pipe()
	if err != nil {
		l.launchErr = fmt.Errorf("create output pipe: %w", err)
		l.mu.Unlock()
		return
	}
	// stdout and stderr merge into one stream, as the original client does.
	cmd.Stdout = outputW
	cmd.Stderr = outputW

	if err := cmd.Start(); err != nil {
		_ = outputR.Close()
		_ = outputW.Close()
		l.launchErr = fmt.Errorf("spawn %q: %w", strings.Join(l.wrapperArgv, " "), err)
		log.Error().Err(err).Str("title", l.title).Msg("failed to execute command")
		l.mu.Unlock()
		return
	}

	// Parent must drop its copy of the write end so the drain sees EOF when
	// the child side closes.
	_ = outputW.Close()

	l.cmd = cmd
	l.outputR = outputR
	l.state = StateRunning
	l.mu.Unlock()

	log.Debug().Str("title", l.title).Int("pid", cmd.Process.Pid).Msg("command started")

	go l.drainOutput(outputR)
	go l.waitForExit(cmd)
}

// ensureWorkingDirLocked creates the working directory, downgrading to the
// fallback on failure. Caller holds l.mu.
func (l *Launcher) ensureWorkingDirLocked() {
	if l.workingDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = fallbackCwd
		}
		l.workingDir = home
		return
	}
	if _, err := os.Stat(l.workingDir); err == nil {
		return
	}
	if err := os.MkdirAll(l.workingDir, 0o750); err != nil {
		log.Error().Err(err).Str("dir", l.workingDir).
			Msgf("failed to create working directory, falling back to %s", fallbackCwd)
		l.workingDir = fallbackCwd
	}
}

// waitForExit reaps the owned process and fires the exit callback once.
func (l *Launcher) waitForExit(cmd *exec.Cmd) {
	waitErr := cmd.Wait()

	l.mu.Lock()
	if l.preventOnStop {
		// Stop is driving shutdown; it owns the rest of the sequence.
		l.mu.Unlock()
		return
	}
	l.readReturnCodeLocked()
	l.state = StateStopped
	onExit := l.onExit
	returnCode := l.returnCode
	l.mu.Unlock()

	log.Debug().Err(waitErr).Int("returnCode", returnCode).
		Str("title", l.title).Msg("owned process terminated")

	if onExit != nil {
		onExit()
	}
}

// ReturnCode returns the real command's exit code recovered from the
// wrapper's side file. ok is false when the file never appeared.
func (l *Launcher) ReturnCode() (code int, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasReturnCode {
		l.readReturnCodeLocked()
	}
	return l.returnCode, l.hasReturnCode
}

// readReturnCodeLocked reads and deletes the side file. Caller holds l.mu.
func (l *Launcher) readReturnCodeLocked() {
	if l.hasReturnCode {
		return
	}
	path := filepath.Join(l.tmpDir, returnCodeFilePrefix+l.runToken)

	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		log.Warn().Str("path", path).Msg("no return code file found")
		return
	}
	_ = l.fs.Remove(path)

	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		log.Warn().Str("path", path).Msgf("unparseable return code %q", string(data))
		return
	}
	l.returnCode = code
	l.hasReturnCode = true
}

// drainOutput reads the merged output stream in bounded chunks, decodes
// permissively and dispatches filtered lines to the sinks.
func (l *Launcher) drainOutput(r *os.File) {
	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := strings.ToValidUTF8(string(buf[:n]), string(utf8.RuneError))
			l.dispatchOutput(chunk)
		}
		if err != nil {
			// EOF or closed pipe: the child side hung up.
			_ = r.Close()
			return
		}
	}
}

func (l *Launcher) dispatchOutput(chunk string) {
	if strings.Contains(chunk, "winemenubuilder.exe") {
		return
	}

	var kept strings.Builder
	for _, line := range strings.SplitAfter(chunk, "\n") {
		if line == "" || !keepOutputLine(line) {
			continue
		}
		kept.WriteString(line)
	}
	filtered := kept.String()
	if filtered == "" {
		return
	}

	l.mu.Lock()
	l.stdout.WriteString(filtered)
	sink := l.logSink
	l.mu.Unlock()

	if sink != nil {
		sink(filtered)
	}
	_, _ = os.Stdout.WriteString(filtered)
}

// keepOutputLine filters out known-noisy diagnostics before they reach the
// user-visible log.
func keepOutputLine(line string) bool {
	if strings.Contains(line, "GStreamer-WARNING **") {
		return false
	}
	if strings.Contains(line, "Bad file descriptor") {
		return false
	}
	if strings.Contains(line, "'libgamemodeauto.so.0' from LD_PRELOAD") {
		return false
	}
	if strings.Contains(line, "Unable to read VR Path Registry") {
		return false
	}
	return true
}

// Stop requests a graceful shutdown of the owned process. The stop hook may
// veto the rest of the sequence by returning false, in which case the
// launcher stays Running and the hook owns eventual cleanup.
//
// The terminate signal is sent before the hook runs, matching the desktop
// client's stop order: a veto keeps the bookkeeping open but does not recall
// the signal, and a hook that tears down surrounding services can rely on
// the owned process already exiting.
func (l *Launcher) Stop() bool {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return true
	}
	l.preventOnStop = true
	proc := (*os.Process)(nil)
	if l.cmd != nil {
		proc = l.cmd.Process
	}
	stopFunc := l.stopFunc
	l.mu.Unlock()

	if helpers.IsProcessRunning(proc) {
		// Already-dead is a success condition here, not an error.
		if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Debug().Err(err).Msg("terminate owned process")
		}
	}

	if !stopFunc() {
		log.Warn().Str("title", l.title).Msg("full shutdown prevented by stop hook")
		l.mu.Lock()
		l.preventOnStop = false
		l.mu.Unlock()
		return false
	}

	l.mu.Lock()
	if l.outputR != nil {
		_ = l.outputR.Close()
		l.outputR = nil
	}
	l.readReturnCodeLocked()
	l.state = StateStopped
	l.mu.Unlock()
	return true
}
