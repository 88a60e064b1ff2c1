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

// Package unitmonitor runs one task per monitored systemd unit, publishing
// ActiveState on session-connect and on every subsequent change, with
// dedup against the last value successfully published on the current MQTT
// session (reset on reconnect, not on the underlying D-Bus watch).
package unitmonitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/fphammerle/systemctl-mqtt/internal/metrics"
	"github.com/fphammerle/systemctl-mqtt/internal/systemd1"
)

// Publisher is the capability the monitor needs from the MQTT session.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// Monitor watches one unit's ActiveState and republishes it.
type Monitor struct {
	unit     string
	hostname string
	svc      systemd1.Interface
	pub      Publisher
	log      logr.Logger

	mu            sync.Mutex
	currentState  string
	hasCurrent    bool
	lastPublished string
	hasPublished  bool
}

// New constructs a Monitor for unit.
func New(unit, hostname string, svc systemd1.Interface, pub Publisher, log logr.Logger) *Monitor {
	return &Monitor{unit: unit, hostname: hostname, svc: svc, pub: pub, log: log.WithName("unitmonitor").WithValues("unit", unit)}
}

// Topic is systemctl/<hostname>/unit/system/<unit>/active-state.
func (m *Monitor) Topic() string {
	return fmt.Sprintf("systemctl/%s/unit/system/%s/active-state", m.hostname, m.unit)
}

// Run watches the unit's ActiveState until ctx is cancelled or the
// underlying stream closes, publishing every value that differs from the
// last one successfully published on the current MQTT session.
func (m *Monitor) Run(ctx context.Context) error {
	stream, cleanup, err := m.svc.WatchActiveState(ctx, m.unit)
	if err != nil {
		return fmt.Errorf("unitmonitor(%s): %w", m.unit, err)
	}
	defer cleanup()

	for {
		select {
		case state, ok := <-stream:
			if !ok {
				return nil
			}
			m.mu.Lock()
			m.currentState = state
			m.hasCurrent = true
			m.mu.Unlock()
			m.publishIfChanged(state)
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Monitor) publishIfChanged(state string) {
	m.mu.Lock()
	if m.hasPublished && m.lastPublished == state {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.pub.Publish(m.Topic(), []byte(state), 1, true); err != nil {
		m.log.Info("publishing active-state failed", "error", err)
		return
	}
	metrics.UnitActiveStateChangesTotal.WithLabelValues(m.unit).Inc()

	m.mu.Lock()
	m.lastPublished = state
	m.hasPublished = true
	m.mu.Unlock()
}

// ResetSessionDedup forgets the last-published value; called by the
// supervisor on every reconnect after the first connect, before
// PublishCurrent.
func (m *Monitor) ResetSessionDedup() {
	m.mu.Lock()
	m.hasPublished = false
	m.mu.Unlock()
}

// PublishCurrent republishes the most recently observed ActiveState, used
// to satisfy the "re-emit current ActiveState for every monitored unit"
// step after a reconnect. A no-op if no state has been observed yet (the
// first Run iteration will publish it once WatchActiveState delivers it).
func (m *Monitor) PublishCurrent() {
	m.mu.Lock()
	state := m.currentState
	has := m.hasCurrent
	m.mu.Unlock()
	if !has {
		return
	}
	m.publishIfChanged(state)
}
