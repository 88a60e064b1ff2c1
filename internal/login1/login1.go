/*
SPDX-FileCopyrightText: Copyright systemctl-mqtt contributors
SPDX-License-Identifier: Apache-2.0

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package login1 is the typed proxy over org.freedesktop.login1.Manager:
// inhibitor acquisition, scheduled shutdown, suspend, session locking, and
// the PrepareForShutdown signal stream.
package login1

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/go-logr/logr"

	"github.com/fphammerle/systemctl-mqtt/internal/dbusconn"
)

const (
	service          = "org.freedesktop.login1"
	objectPath       = dbus.ObjectPath("/org/freedesktop/login1")
	managerInterface = "org.freedesktop.login1.Manager"
)

// Interface is the narrow capability surface the supervisor and the
// shutdown inhibitor depend on, so tests can substitute a fake in the
// same shape the teacher's hand-written emulator does for its proxy.
type Interface interface {
	Inhibit(ctx context.Context, what, who, why, mode string) (dbus.UnixFD, error)
	ScheduleShutdown(ctx context.Context, kind string, whenUsec uint64) error
	Suspend(ctx context.Context, interactive bool) error
	LockSessions(ctx context.Context) error
	PrepareForShutdown(ctx context.Context) (<-chan bool, func(), error)
}

// Manager is the real D-Bus-backed Interface implementation.
type Manager struct {
	conn *dbusconn.Conn
	log  logr.Logger
}

// New wraps conn as a login1 proxy.
func New(conn *dbusconn.Conn, log logr.Logger) *Manager {
	return &Manager{conn: conn, log: log.WithName("login1")}
}

// polkitActionID names the polkit action id that InteractiveAuthorizationRequired
// is reported against for each operation, so the authorization-error hint in
// spec.md §4.2/§7 can name it.
var polkitActionID = map[string]string{
	"Inhibit":          "org.freedesktop.login1.inhibit-block-shutdown",
	"ScheduleShutdown": "org.freedesktop.login1.power-off",
	"Suspend":          "org.freedesktop.login1.suspend",
	"LockSessions":     "org.freedesktop.login1.lock-sessions",
}

func (m *Manager) hintAuthorization(method string, err error) {
	if !dbusconn.IsInteractiveAuthorizationRequired(err) {
		return
	}
	actionID := polkitActionID[method]
	m.log.Info("polkit authorization required; add a rule granting this uid yes for the action to allow it without interactive confirmation",
		"hint", "polkit", "action", actionID)
}

// Inhibit acquires a "shutdown" delay inhibitor and returns the raw fd.
// C4 takes ownership of the returned descriptor.
func (m *Manager) Inhibit(ctx context.Context, what, who, why, mode string) (dbus.UnixFD, error) {
	call := m.conn.Call(ctx, service, objectPath, managerInterface+".Inhibit", what, who, why, mode)
	if call.Err != nil {
		m.hintAuthorization("Inhibit", call.Err)
		return 0, fmt.Errorf("login1.Inhibit: %w", call.Err)
	}
	var fd dbus.UnixFD
	if err := call.Store(&fd); err != nil {
		return 0, fmt.Errorf("login1.Inhibit: decode reply: %w", err)
	}
	return fd, nil
}

// ScheduleShutdown schedules kind (only "poweroff" is used) for whenUsec,
// microseconds since the Unix epoch.
func (m *Manager) ScheduleShutdown(ctx context.Context, kind string, whenUsec uint64) error {
	call := m.conn.Call(ctx, service, objectPath, managerInterface+".ScheduleShutdown", kind, whenUsec)
	if call.Err != nil {
		m.hintAuthorization("ScheduleShutdown", call.Err)
		return fmt.Errorf("login1.ScheduleShutdown: %w", call.Err)
	}
	return nil
}

// Suspend suspends the host.
func (m *Manager) Suspend(ctx context.Context, interactive bool) error {
	call := m.conn.Call(ctx, service, objectPath, managerInterface+".Suspend", interactive)
	if call.Err != nil {
		m.hintAuthorization("Suspend", call.Err)
		return fmt.Errorf("login1.Suspend: %w", call.Err)
	}
	return nil
}

// LockSessions locks all of the user's sessions.
func (m *Manager) LockSessions(ctx context.Context) error {
	call := m.conn.Call(ctx, service, objectPath, managerInterface+".LockSessions")
	if call.Err != nil {
		m.hintAuthorization("LockSessions", call.Err)
		return fmt.Errorf("login1.LockSessions: %w", call.Err)
	}
	return nil
}

// PrepareForShutdown subscribes to the PrepareForShutdown(b) signal and
// returns a channel of its boolean argument plus a cleanup function that
// removes the underlying match rule.
func (m *Manager) PrepareForShutdown(ctx context.Context) (<-chan bool, func(), error) {
	sigs, cleanup, err := m.conn.Subscribe(objectPath, managerInterface, "PrepareForShutdown")
	if err != nil {
		return nil, nil, fmt.Errorf("login1.PrepareForShutdown: subscribe: %w", err)
	}

	out := make(chan bool)
	go func() {
		defer close(out)
		for {
			select {
			case sig, ok := <-sigs:
				if !ok {
					return
				}
				if len(sig.Body) != 1 {
					m.log.Info("dropping malformed PrepareForShutdown signal", "bodyLen", len(sig.Body))
					continue
				}
				active, ok := sig.Body[0].(bool)
				if !ok {
					m.log.Info("dropping malformed PrepareForShutdown signal", "bodyType", fmt.Sprintf("%T", sig.Body[0]))
					continue
				}
				select {
				case out <- active:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cleanup, nil
}

var _ Interface = (*Manager)(nil)
