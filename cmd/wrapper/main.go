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

// ludus-wrapper sits between the service and the game. It registers as a
// child subreaper so every double-forked descendant reparents to it, runs
// the real command, reports the command's exit code through a side file,
// and only exits once all monitored descendants are gone.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/LudusProject/ludus-core/pkg/launcher"
	"github.com/LudusProject/ludus-core/pkg/procfs"
	"github.com/LudusProject/ludus-core/pkg/session"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sys/unix"
)

func main() {
	os.Exit(run())
}

func run() int {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ludus-wrapper: %s\n", err)
		_, _ = fmt.Fprintln(os.Stderr,
			"usage: ludus-wrapper <title> <nIncl> <nExcl> [includes...] [excludes...] <command> [args...]")
		return 2
	}

	// Orphaned grandchildren reparent to us instead of init, so we can
	// wait on the whole tree. Monitoring still works without it, just
	// less reliably for double-forking games.
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "ludus-wrapper: PR_SET_CHILD_SUBREAPER failed, process watching may fail")
	}

	snap := procfs.New()
	unmonitored := session.UnmonitoredNames(args.includeProcesses, args.excludeProcesses)

	// Forward termination requests to every monitored descendant; the
	// unmonitored ones (wineserver and friends) tear themselves down.
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	go func() {
		for sig := range sigs {
			s, ok := sig.(unix.Signal)
			if !ok {
				continue
			}
			for _, pid := range monitoredDescendants(snap, unmonitored) {
				_ = unix.Kill(pid, s)
			}
		}
	}()

	cmd := exec.Command(args.command[0], args.command[1:]...) //nolint:gosec // G204: argv comes from the launcher
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	returnCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			returnCode = exitErr.ExitCode()
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "ludus-wrapper: %s\n", err)
			returnCode = 127
		}
	}

	writeReturnCode(returnCode)
	reapUntilDone(snap, unmonitored)

	signal.Stop(sigs)
	return returnCode
}

type wrapperArgs struct {
	title            string
	command          []string
	includeProcesses []string
	excludeProcesses []string
}

func parseArgs(argv []string) (wrapperArgs, error) {
	if len(argv) < 3 {
		return wrapperArgs{}, errors.New("not enough arguments")
	}
	includeCount, err := strconv.Atoi(argv[1])
	if err != nil {
		return wrapperArgs{}, fmt.Errorf("bad include count %q", argv[1])
	}
	excludeCount, err := strconv.Atoi(argv[2])
	if err != nil {
		return wrapperArgs{}, fmt.Errorf("bad exclude count %q", argv[2])
	}
	rest := argv[3:]
	if len(rest) < includeCount+excludeCount+1 {
		return wrapperArgs{}, errors.New("not enough arguments for the declared lists")
	}
	return wrapperArgs{
		title:            argv[0],
		includeProcesses: rest[:includeCount],
		excludeProcesses: rest[includeCount : includeCount+excludeCount],
		command:          rest[includeCount+excludeCount:],
	}, nil
}

// monitoredDescendants lists our live descendants whose names the monitoring
// rules care about.
func monitoredDescendants(snap *procfs.Snapshot, unmonitored mapset.Set[string]) []int {
	var monitored []int
	for _, pid := range snap.DescendantsOf(os.Getpid()) {
		info := snap.ReadProcess(pid)
		if info.State == procfs.ZombieState {
			continue
		}
		if unmonitored.Contains(session.TruncateProcName(info.Name)) {
			continue
		}
		monitored = append(monitored, pid)
	}
	return monitored
}

// reapUntilDone waits on reparented descendants until none of the monitored
// ones remain. ECHILD means everything is gone already.
func reapUntilDone(snap *procfs.Snapshot, unmonitored mapset.Set[string]) {
	for {
		if len(monitoredDescendants(snap, unmonitored)) == 0 {
			return
		}
		var status unix.WaitStatus
		_, err := unix.Wait4(-1, &status, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return
		}
	}
}

// writeReturnCode reports the real command's exit code back to the launcher
// through a side file keyed by the run token. The wrapper's own exit status
// is unreliable once terminals or layered runtimes sit in between.
func writeReturnCode(code int) {
	token := os.Getenv(launcher.RunTokenEnv)
	if token == "" {
		return
	}
	path := filepath.Join(os.TempDir(), "ludus-"+token)
	if err := os.WriteFile(path, []byte(strconv.Itoa(code)), 0o600); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ludus-wrapper: failed to write return code file: %s\n", err)
	}
}
