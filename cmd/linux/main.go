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
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/LudusProject/ludus-core/pkg/config"
	"github.com/LudusProject/ludus-core/pkg/helpers"
	"github.com/LudusProject/ludus-core/pkg/session"
	"github.com/adrg/xdg"
	"github.com/rs/zerolog/log"
)

const appName = "ludus"

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "", "display name of the game")
	dir := flag.String("dir", "", "game installation directory used for process matching")
	workingDir := flag.String("cwd", "", "working directory for the launched command")
	terminal := flag.String("terminal", "", "run the command inside this terminal emulator")
	useTerminal := flag.Bool("use-terminal", false, "run the command inside the configured terminal emulator")
	include := flag.String("include", "", "comma-separated process names to monitor despite exclusion")
	exclude := flag.String("exclude", "", "comma-separated process names to ignore during monitoring")
	execCmd := flag.String("exec", "", "command line to run under monitoring (alternative to positional arguments)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] -- <command> [args...]\n\n", appName)
		flag.PrintDefaults()
	}
	flag.Parse()

	command := flag.Args()
	if len(command) == 0 && *execCmd != "" {
		command = strings.Fields(*execCmd)
	}
	if len(command) == 0 {
		flag.Usage()
		return errors.New("no command given")
	}

	if os.Geteuid() == 0 {
		return errors.New("ludus cannot be run as root")
	}

	configDir := filepath.Join(xdg.ConfigHome, appName)
	cacheDir := filepath.Join(xdg.CacheHome, appName)

	if err := helpers.InitLogging(cacheDir); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	cfg, err := config.NewConfig(configDir, config.BaseDefaults)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *debug || cfg.DebugLogging() {
		helpers.SetDebugLogging(true)
	}

	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Panic: %s\n", r)
			log.Fatal().Msgf("panic: %v", r)
		}
	}()

	playtime, err := newPlaytimeStore(filepath.Join(cacheDir, playtimeFile))
	if err != nil {
		log.Warn().Err(err).Msg("playtime store unavailable, sessions will not be recorded")
	}

	notifications := make(chan session.Notification, 8)
	go logNotifications(notifications)

	title := *name
	if title == "" {
		title = filepath.Base(command[0])
	}

	term := *terminal
	if term == "" && *useTerminal {
		term = cfg.Terminal()
	}

	opts := []session.MonitorOption{session.WithNotifications(notifications)}
	if playtime != nil {
		opts = append(opts, session.WithPlaytimeSink(playtime))
	}
	monitor, err := session.NewMonitor(cfg, session.RunSpec{
		Name:             title,
		Command:          command,
		Directory:        *dir,
		WorkingDir:       *workingDir,
		Terminal:         term,
		IncludeProcesses: splitList(*include),
		ExcludeProcesses: splitList(*exclude),
	}, opts...)
	if err != nil {
		return fmt.Errorf("prepare run: %w", err)
	}

	registry := session.NewRegistry()
	registry.Add(monitor)

	if err := monitor.Start(); err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	// First signal asks nicely, second one stops asking.
	go func() {
		<-sigs
		log.Info().Msg("interrupt received, stopping run")
		go monitor.Stop()
		<-sigs
		log.Warn().Msg("second interrupt received, force quitting run")
		go monitor.ForceStop()
	}()

	monitor.Wait()
	registry.Remove(monitor.RunToken())
	signal.Stop(sigs)
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func logNotifications(ns <-chan session.Notification) {
	for n := range ns {
		switch params := n.Params.(type) {
		case session.RunStartedParams:
			log.Info().Int("pid", params.Pid).Msgf("playing %s", params.Name)
		case session.RunStoppedParams:
			if params.Diagnostic != "" {
				_, _ = fmt.Fprintln(os.Stderr, params.Diagnostic)
			}
			log.Info().Int("returnCode", params.ReturnCode).
				Msgf("finished %s after %s", params.Name, params.Duration.Round(time.Second))
		case session.RunErrorParams:
			log.Error().Str("name", params.Name).Msg(params.Message)
		}
	}
}
