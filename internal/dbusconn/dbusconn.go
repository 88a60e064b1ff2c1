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

// Package dbusconn is the bus transport: one system-bus connection shared
// by the login1 and systemd1 proxies, a serial-keyed call API (delegated to
// godbus, which already tracks in-flight calls and replies), and a signal
// demultiplexer that routes incoming signals to subscribers by
// (path, interface, member).
package dbusconn

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/fphammerle/systemctl-mqtt/internal/metrics"
)

// ErrInteractiveAuthorizationRequired is the remote error name login1
// returns when the calling uid needs polkit's interactive confirmation.
// Proxies match on this to emit a one-shot actionable hint instead of
// retrying or tearing down the bridge.
const ErrInteractiveAuthorizationRequired = "org.freedesktop.DBus.Error.InteractiveAuthorizationRequired"

type signalKey struct {
	path   dbus.ObjectPath
	iface  string
	member string
}

// Conn wraps a private system-bus connection authenticated with EXTERNAL,
// and fans incoming signals out to subscribers by (path, interface,
// member). It never talks to the session bus: spec scope is system-level
// power and unit actions only.
type Conn struct {
	raw *dbus.Conn

	mu   sync.Mutex
	subs map[signalKey][]chan *dbus.Signal
	sigs chan *dbus.Signal
	done chan struct{}
}

// Dial opens and authenticates a new private system-bus connection.
func Dial() (*Conn, error) {
	raw, err := DialRaw()
	if err != nil {
		return nil, err
	}
	c := &Conn{
		raw:  raw,
		subs: make(map[signalKey][]chan *dbus.Signal),
		sigs: make(chan *dbus.Signal, 64),
		done: make(chan struct{}),
	}
	raw.Signal(c.sigs)
	go c.demux()
	return c, nil
}

// DialRaw authenticates a fresh private system-bus connection without
// wrapping it in a Conn. Dial uses it for the one connection that the
// login1 and systemd1 proxies share.
func DialRaw() (*dbus.Conn, error) {
	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return nil, fmt.Errorf("open system bus socket: %w", err)
	}
	methods := []dbus.Auth{
		dbus.AuthExternal(strconv.Itoa(os.Getuid())),
	}
	if err := conn.Auth(methods); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("authenticate to system bus: %w", err)
	}
	if err := conn.Hello(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send Hello to system bus: %w", err)
	}
	return conn, nil
}

func (c *Conn) demux() {
	for {
		select {
		case sig, ok := <-c.sigs:
			if !ok {
				return
			}
			c.dispatch(sig)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) dispatch(sig *dbus.Signal) {
	iface, member := splitMember(sig.Name)
	key := signalKey{path: sig.Path, iface: iface, member: member}

	c.mu.Lock()
	targets := append([]chan *dbus.Signal(nil), c.subs[key]...)
	c.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- sig:
		default:
			// Slow consumer: drop rather than stall the shared demultiplexer.
		}
	}
}

func splitMember(fullName string) (iface, member string) {
	for i := len(fullName) - 1; i >= 0; i-- {
		if fullName[i] == '.' {
			return fullName[:i], fullName[i+1:]
		}
	}
	return "", fullName
}

// Call issues a method call on dest/path and blocks until ctx is done or a
// reply (or error) arrives. Remote error names are surfaced verbatim via
// call.Err so proxies can match ErrInteractiveAuthorizationRequired.
func (c *Conn) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...interface{}) *dbus.Call {
	start := time.Now()
	call := c.raw.Object(dest, path).CallWithContext(ctx, method, 0, args...)
	metrics.DBusCallDuration.WithLabelValues(shortMethodName(method)).Observe(time.Since(start).Seconds())
	return call
}

// shortMethodName strips the interface prefix off a fully-qualified D-Bus
// method name (e.g. "org.freedesktop.login1.Manager.Inhibit" ->
// "Inhibit"), keeping the dbus_call_duration_seconds method label
// low-cardinality and interface-agnostic.
func shortMethodName(method string) string {
	if i := strings.LastIndexByte(method, '.'); i >= 0 {
		return method[i+1:]
	}
	return method
}

// Subscribe installs a match rule for (path, interface, member) and
// returns a channel of matching signals. Calling the returned
// cleanup function removes this subscriber and, once it was the last one
// for that key, removes the match rule itself.
func (c *Conn) Subscribe(path dbus.ObjectPath, iface, member string) (<-chan *dbus.Signal, func(), error) {
	if err := c.raw.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	); err != nil {
		return nil, nil, fmt.Errorf("add match signal %s.%s at %s: %w", iface, member, path, err)
	}

	key := signalKey{path: path, iface: iface, member: member}
	ch := make(chan *dbus.Signal, 8)

	c.mu.Lock()
	c.subs[key] = append(c.subs[key], ch)
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		remaining := c.subs[key][:0]
		for _, existing := range c.subs[key] {
			if existing != ch {
				remaining = append(remaining, existing)
			}
		}
		if len(remaining) == 0 {
			delete(c.subs, key)
		} else {
			c.subs[key] = remaining
		}
		last := len(remaining) == 0
		c.mu.Unlock()

		close(ch)
		if last {
			_ = c.raw.RemoveMatchSignal(
				dbus.WithMatchObjectPath(path),
				dbus.WithMatchInterface(iface),
				dbus.WithMatchMember(member),
			)
		}
	}
	return ch, cleanup, nil
}

// Close cancels the demultiplexer and closes the underlying socket. There
// is no bus-reconnect loop (spec.md §4.1). A transport-level failure of
// this connection is not reported to the supervisor: the demultiplexer
// stops delivering signals and later calls return errors, but the
// supervisor keeps running.
func (c *Conn) Close() error {
	close(c.done)
	return c.raw.Close()
}

// IsInteractiveAuthorizationRequired reports whether err is the remote
// D-Bus error login1 returns when polkit needs interactive confirmation.
func IsInteractiveAuthorizationRequired(err error) bool {
	dbusErr, ok := err.(dbus.Error)
	if !ok {
		return false
	}
	return dbusErr.Name == ErrInteractiveAuthorizationRequired
}
