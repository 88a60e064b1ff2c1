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

// Package action is the registry mapping MQTT topic suffixes under
// systemctl/<hostname>/ to D-Bus handlers: it template-expands the
// hostname into full topics at boot and dispatches inbound messages.
package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/fphammerle/systemctl-mqtt/internal/config"
	"github.com/fphammerle/systemctl-mqtt/internal/login1"
	"github.com/fphammerle/systemctl-mqtt/internal/systemd1"
)

// PayloadPolicy constrains what an inbound payload must look like for a
// binding's handler to run.
type PayloadPolicy int

const (
	Ignored PayloadPolicy = iota
	LiteralTrue
	LiteralFalse
)

// Accepts reports whether payload satisfies the policy.
func (p PayloadPolicy) Accepts(payload []byte) bool {
	switch p {
	case Ignored:
		return true
	case LiteralTrue:
		return string(payload) == "true"
	case LiteralFalse:
		return string(payload) == "false"
	default:
		return false
	}
}

// Handler runs a bound action. It never returns a fatal error: D-Bus
// failures are the Remote-action/Authorization error kinds; the proxies
// return them (login1 also logs a polkit hint), and Dispatch logs them
// and carries on.
type Handler func(ctx context.Context) error

// Binding is one registry entry: a topic suffix, its payload policy, and
// the handler to invoke on a matching inbound message.
type Binding struct {
	Suffix  string
	Payload PayloadPolicy
	Handler Handler
}

// Registry is the static, boot-populated topic-suffix → binding map.
type Registry struct {
	hostname string
	bindings map[string]Binding
	log      logr.Logger
}

// New constructs an empty Registry rooted at systemctl/<hostname>/.
func New(hostname string, log logr.Logger) *Registry {
	return &Registry{hostname: hostname, bindings: make(map[string]Binding), log: log.WithName("action")}
}

// Register adds a binding for suffix. Re-registering the same suffix
// overwrites the previous binding (used to replace per-unit bindings is
// never expected in practice; boot-time registration is one-shot).
func (r *Registry) Register(b Binding) {
	r.bindings[b.Suffix] = b
}

// Topic returns the fully-qualified topic for suffix.
func (r *Registry) Topic(suffix string) string {
	return fmt.Sprintf("systemctl/%s/%s", r.hostname, suffix)
}

// Topics returns every fully-qualified topic to subscribe at connect time.
func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.bindings))
	for suffix := range r.bindings {
		topics = append(topics, r.Topic(suffix))
	}
	return topics
}

// Dispatch routes an inbound message by its full topic. Unknown suffixes
// under the registry's prefix are warn-logged and dropped; topics outside
// the prefix cannot occur since only registered topics are subscribed.
func (r *Registry) Dispatch(ctx context.Context, topic string, payload []byte) {
	prefix := fmt.Sprintf("systemctl/%s/", r.hostname)
	suffix := strings.TrimPrefix(topic, prefix)
	if suffix == topic {
		r.log.Info("dropping message for topic outside our prefix", "topic", topic)
		return
	}

	b, ok := r.bindings[suffix]
	if !ok {
		r.log.Info("dropping message for unknown topic", "topic", topic)
		return
	}
	if !b.Payload.Accepts(payload) {
		r.log.Info("dropping message with payload not matching policy", "topic", topic)
		return
	}
	if err := b.Handler(ctx); err != nil {
		r.log.Error(err, "action handler failed", "topic", topic)
	}
}

// Build populates a Registry with the fixed binding set of spec.md §4.6:
// poweroff, suspend, lock-all-sessions, and start/stop/restart for every
// controlled unit.
func Build(cfg *config.Config, loginMgr login1.Interface, svcMgr systemd1.Interface, log logr.Logger) *Registry {
	r := New(cfg.Hostname, log)

	r.Register(Binding{
		Suffix:  "poweroff",
		Payload: Ignored,
		Handler: func(ctx context.Context) error {
			whenUsec := ScheduleShutdownWhenUsec(time.Now(), cfg.PoweroffDelay)
			return loginMgr.ScheduleShutdown(ctx, "poweroff", whenUsec)
		},
	})
	r.Register(Binding{
		Suffix:  "suspend",
		Payload: Ignored,
		Handler: func(ctx context.Context) error {
			return loginMgr.Suspend(ctx, false)
		},
	})
	r.Register(Binding{
		Suffix:  "lock-all-sessions",
		Payload: Ignored,
		Handler: func(ctx context.Context) error {
			return loginMgr.LockSessions(ctx)
		},
	})

	for _, unit := range cfg.ControlledSystemUnits {
		unit := unit // capture per loop iteration
		r.Register(Binding{
			Suffix:  fmt.Sprintf("unit/system/%s/start", unit),
			Payload: Ignored,
			Handler: func(ctx context.Context) error { return svcMgr.StartUnit(ctx, unit) },
		})
		r.Register(Binding{
			Suffix:  fmt.Sprintf("unit/system/%s/stop", unit),
			Payload: Ignored,
			Handler: func(ctx context.Context) error { return svcMgr.StopUnit(ctx, unit) },
		})
		r.Register(Binding{
			Suffix:  fmt.Sprintf("unit/system/%s/restart", unit),
			Payload: Ignored,
			Handler: func(ctx context.Context) error { return svcMgr.RestartUnit(ctx, unit) },
		})
	}
	return r
}

// ScheduleShutdownWhenUsec computes the ScheduleShutdown "when" argument:
// floor((receivedAt + delay) in microseconds since the Unix epoch).
func ScheduleShutdownWhenUsec(receivedAt time.Time, delay time.Duration) uint64 {
	return uint64(receivedAt.Add(delay).UnixMicro())
}
