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

import "time"

// Notification method names published by run monitors. Each run emits
// started at most once and exactly one of stopped/error as its terminal
// notification, after restoration side effects have completed.
const (
	NotificationRunStarted = "run.started"
	NotificationRunStopped = "run.stopped"
	NotificationRunError   = "run.error"
)

// Notification is a typed event consumed by external collaborators
// (UI, playtime persistence, presence integrations).
type Notification struct {
	Params any
	Method string
}

// RunStartedParams accompanies run.started.
type RunStartedParams struct {
	Name     string `json:"name"`
	RunToken string `json:"runToken"`
	Pid      int    `json:"pid"`
}

// RunStoppedParams accompanies run.stopped.
type RunStoppedParams struct {
	Name          string        `json:"name"`
	RunToken      string        `json:"runToken"`
	Diagnostic    string        `json:"diagnostic,omitempty"`
	Duration      time.Duration `json:"duration"`
	ReturnCode    int           `json:"returnCode"`
	HasReturnCode bool          `json:"hasReturnCode"`
}

// RunErrorParams accompanies run.error.
type RunErrorParams struct {
	Name     string `json:"name"`
	RunToken string `json:"runToken"`
	Message  string `json:"message"`
}

// RunStarted publishes a run.started notification.
func RunStarted(ns chan<- Notification, payload RunStartedParams) {
	if ns == nil {
		return
	}
	ns <- Notification{
		Method: NotificationRunStarted,
		Params: payload,
	}
}

// RunStopped publishes the terminal run.stopped notification.
func RunStopped(ns chan<- Notification, payload RunStoppedParams) {
	if ns == nil {
		return
	}
	ns <- Notification{
		Method: NotificationRunStopped,
		Params: payload,
	}
}

// RunError publishes the terminal run.error notification.
func RunError(ns chan<- Notification, payload RunErrorParams) {
	if ns == nil {
		return
	}
	ns <- Notification{
		Method: NotificationRunError,
		Params: payload,
	}
}
