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

// Package supervisor owns the lifetimes of every other component: it
// drives the boot sequence, wires D-Bus signals to MQTT publications and
// MQTT messages to D-Bus actions, and tears everything down in reverse
// order on cancellation.
package supervisor

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/fphammerle/systemctl-mqtt/internal/action"
	"github.com/fphammerle/systemctl-mqtt/internal/config"
	"github.com/fphammerle/systemctl-mqtt/internal/discovery"
	"github.com/fphammerle/systemctl-mqtt/internal/inhibitor"
	"github.com/fphammerle/systemctl-mqtt/internal/login1"
	"github.com/fphammerle/systemctl-mqtt/internal/mqttsession"
	"github.com/fphammerle/systemctl-mqtt/internal/systemd1"
	"github.com/fphammerle/systemctl-mqtt/internal/unitmonitor"
)

// ProgramName identifies this process to login1 (the Inhibit "who"
// argument) and in the MQTT client id.
const ProgramName = "systemctl-mqtt"

// BusCloser is the capability to tear down the underlying bus connection.
// The real *dbusconn.Conn satisfies it; tests pass a no-op.
type BusCloser interface {
	Close() error
}

// Supervisor wires C1-C8 together per their constructed Interfaces and
// drives the boot/run/teardown sequence.
type Supervisor struct {
	cfg         *config.Config
	log         logr.Logger
	loginMgr    login1.Interface
	svcMgr      systemd1.Interface
	bus         BusCloser
	programName string
}

// New constructs a Supervisor from already-dialed proxies. Callers own
// opening the bus connection and constructing loginMgr/svcMgr from it (or,
// in tests, substituting fakes); bus may be nil when no real connection
// backs loginMgr/svcMgr.
func New(cfg *config.Config, loginMgr login1.Interface, svcMgr systemd1.Interface, bus BusCloser, log logr.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, log: log.WithName("supervisor"), loginMgr: loginMgr, svcMgr: svcMgr, bus: bus, programName: ProgramName}
}

func preparingForShutdownTopic(hostname string) string {
	return fmt.Sprintf("systemctl/%s/preparing-for-shutdown", hostname)
}

// session is the narrow surface runLoop needs from the MQTT session,
// satisfied by *mqttsession.Session in production and by a fake in tests
// so the boot/reconnect/shutdown ordering can be exercised without a
// broker.
type session interface {
	Run(ctx context.Context) error
	Connected() <-chan struct{}
	Publish(topic string, payload []byte, qos byte, retain bool) error
	Close()
}

// Run executes the boot sequence of spec.md §4.9, then multiplexes
// reconnects, shutdown signals, and cancellation until ctx is done, in
// which case it tears down in reverse order and returns.
func (sup *Supervisor) Run(ctx context.Context) error {
	registry := action.Build(sup.cfg, sup.loginMgr, sup.svcMgr, sup.log)

	inh := inhibitor.New(sup.loginMgr, sup.programName, sup.log)
	if err := inh.Acquire(ctx); err != nil {
		sup.log.Info("acquiring shutdown inhibitor failed, continuing without it", "error", err)
	} else {
		go inh.Run(ctx)
	}

	prepStream, prepCleanup, err := sup.loginMgr.PrepareForShutdown(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: subscribe PrepareForShutdown: %w", err)
	}
	defer prepCleanup()

	sess := mqttsession.New(sup.cfg, sup.programName, registry.Topics(), registry, nil, sup.log)
	discoveryPub := discovery.NewPublisher(sup.cfg, sess)

	monitors := make([]*unitmonitor.Monitor, 0, len(sup.cfg.MonitoredSystemUnits))
	for _, unit := range sup.cfg.MonitoredSystemUnits {
		monitors = append(monitors, unitmonitor.New(unit, sup.cfg.Hostname, sup.svcMgr, sess, sup.log))
	}

	err = sup.runLoop(ctx, sess, discoveryPub, monitors, inh, prepStream)
	if sup.bus != nil {
		if closeErr := sup.bus.Close(); closeErr != nil {
			sup.log.Info("closing bus connection failed", "error", closeErr)
		}
	}
	return err
}

// runLoop drives boot, reconnect republication, PrepareForShutdown
// handling, and teardown. It is the unit under test for the ordering
// invariants: Session wiring is injected so tests can substitute a fake.
func (sup *Supervisor) runLoop(ctx context.Context, sess session, discoveryPub *discovery.Publisher, monitors []*unitmonitor.Monitor, inh *inhibitor.Inhibitor, prepStream <-chan bool) error {
	monitorCtx, monitorCancel := context.WithCancel(ctx)
	defer monitorCancel()
	monitorErrCh := make(chan error, len(monitors))
	for _, m := range monitors {
		m := m
		go func() { monitorErrCh <- m.Run(monitorCtx) }()
	}

	sessionErrCh := make(chan error, 1)
	go func() { sessionErrCh <- sess.Run(ctx) }()

	firstConnect := true
	for {
		select {
		case <-ctx.Done():
			sessionErr := <-sessionErrCh
			if err := discoveryPub.Retract(); err != nil {
				sup.log.Info("discovery retract failed", "error", err)
			}
			sess.Close()
			inh.ReleaseForTeardown()
			return sessionErr

		case _, ok := <-sess.Connected():
			if !ok {
				continue
			}
			if !firstConnect {
				for _, m := range monitors {
					m.ResetSessionDedup()
				}
			}
			firstConnect = false
			if err := discoveryPub.Publish(); err != nil {
				sup.log.Info("discovery publish failed", "error", err)
			}
			for _, m := range monitors {
				m.PublishCurrent()
			}

		case active, ok := <-prepStream:
			if !ok {
				continue
			}
			payload := []byte("false")
			if active {
				payload = []byte("true")
			}
			if err := sess.Publish(preparingForShutdownTopic(sup.cfg.Hostname), payload, 1, false); err != nil {
				sup.log.Info("publishing preparing-for-shutdown failed", "error", err)
			}
			if active {
				inh.ReleaseForShutdown()
			}

		case err := <-sessionErrCh:
			return err
		}
	}
}
