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

// Package systemd1 is the typed proxy over org.freedesktop.systemd1.Manager
// and per-unit ActiveState watching via PropertiesChanged.
package systemd1

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/go-logr/logr"

	"github.com/fphammerle/systemctl-mqtt/internal/dbusconn"
)

const (
	service          = "org.freedesktop.systemd1"
	objectPath       = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerInterface = "org.freedesktop.systemd1.Manager"
	unitInterface    = "org.freedesktop.systemd1.Unit"
	propsInterface   = "org.freedesktop.DBus.Properties"
	replaceMode      = "replace"
)

// Interface is the narrow capability surface the action registry and unit
// monitor depend on.
type Interface interface {
	StartUnit(ctx context.Context, name string) error
	StopUnit(ctx context.Context, name string) error
	RestartUnit(ctx context.Context, name string) error
	ActiveState(ctx context.Context, name string) (string, error)
	WatchActiveState(ctx context.Context, name string) (<-chan string, func(), error)
}

// Manager is the real D-Bus-backed Interface implementation. It caches
// resolved unit object paths across calls.
type Manager struct {
	conn *dbusconn.Conn
	log  logr.Logger

	mu    sync.Mutex
	paths map[string]dbus.ObjectPath
}

// New wraps conn as a systemd1 proxy.
func New(conn *dbusconn.Conn, log logr.Logger) *Manager {
	return &Manager{conn: conn, log: log.WithName("systemd1"), paths: make(map[string]dbus.ObjectPath)}
}

func (m *Manager) callUnitMethod(ctx context.Context, method, name string) error {
	call := m.conn.Call(ctx, service, objectPath, managerInterface+"."+method, name, replaceMode)
	if call.Err != nil {
		return fmt.Errorf("systemd1.%s(%s): %w", method, name, call.Err)
	}
	return nil
}

// StartUnit starts name with mode "replace".
func (m *Manager) StartUnit(ctx context.Context, name string) error {
	return m.callUnitMethod(ctx, "StartUnit", name)
}

// StopUnit stops name with mode "replace".
func (m *Manager) StopUnit(ctx context.Context, name string) error {
	return m.callUnitMethod(ctx, "StopUnit", name)
}

// RestartUnit restarts name with mode "replace".
func (m *Manager) RestartUnit(ctx context.Context, name string) error {
	return m.callUnitMethod(ctx, "RestartUnit", name)
}

// unitPath resolves and caches the object path for a unit name.
func (m *Manager) unitPath(ctx context.Context, name string) (dbus.ObjectPath, error) {
	m.mu.Lock()
	if p, ok := m.paths[name]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	call := m.conn.Call(ctx, service, objectPath, managerInterface+".GetUnit", name)
	if call.Err != nil {
		return "", fmt.Errorf("systemd1.GetUnit(%s): %w", name, call.Err)
	}
	var path dbus.ObjectPath
	if err := call.Store(&path); err != nil {
		return "", fmt.Errorf("systemd1.GetUnit(%s): decode reply: %w", name, err)
	}

	m.mu.Lock()
	m.paths[name] = path
	m.mu.Unlock()
	return path, nil
}

// ActiveState returns the current ActiveState property of the named unit.
func (m *Manager) ActiveState(ctx context.Context, name string) (string, error) {
	path, err := m.unitPath(ctx, name)
	if err != nil {
		return "", err
	}
	call := m.conn.Call(ctx, service, path, propsInterface+".Get", unitInterface, "ActiveState")
	if call.Err != nil {
		return "", fmt.Errorf("systemd1.Get(%s, ActiveState): %w", name, call.Err)
	}
	var variant dbus.Variant
	if err := call.Store(&variant); err != nil {
		return "", fmt.Errorf("systemd1.Get(%s, ActiveState): decode reply: %w", name, err)
	}
	state, ok := variant.Value().(string)
	if !ok {
		return "", fmt.Errorf("systemd1.Get(%s, ActiveState): unexpected variant type %T", name, variant.Value())
	}
	return state, nil
}

// WatchActiveState yields the unit's current ActiveState immediately, then
// one value per subsequent PropertiesChanged signal that carries a new
// ActiveState, deduplicating consecutive equal values.
func (m *Manager) WatchActiveState(ctx context.Context, name string) (<-chan string, func(), error) {
	path, err := m.unitPath(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	initial, err := m.ActiveState(ctx, name)
	if err != nil {
		return nil, nil, err
	}

	sigs, cleanup, err := m.conn.Subscribe(path, propsInterface, "PropertiesChanged")
	if err != nil {
		return nil, nil, fmt.Errorf("systemd1.WatchActiveState(%s): subscribe: %w", name, err)
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		last := initial
		select {
		case out <- initial:
		case <-ctx.Done():
			return
		}
		for {
			select {
			case sig, ok := <-sigs:
				if !ok {
					return
				}
				state, changed := decodeActiveState(sig.Body)
				if !changed || state == last {
					continue
				}
				last = state
				select {
				case out <- state:
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

// decodeActiveState extracts ActiveState from a PropertiesChanged signal
// body shaped (interface string, changed map[string]dbus.Variant, invalidated []string).
// It reports changed=false when the signal is for a different interface or
// carries no ActiveState entry.
func decodeActiveState(body []interface{}) (state string, changed bool) {
	if len(body) != 3 {
		return "", false
	}
	iface, ok := body[0].(string)
	if !ok || iface != unitInterface {
		return "", false
	}
	changedProps, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false
	}
	variant, ok := changedProps["ActiveState"]
	if !ok {
		return "", false
	}
	state, ok = variant.Value().(string)
	return state, ok
}

var _ Interface = (*Manager)(nil)
