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

// Package mqttsession is the MQTT session: an explicit connect/reconnect
// loop (library auto-reconnect disabled) with TLS, credentials, birth/will,
// a fixed subscription set, and QoS-aware publish.
package mqttsession

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"

	"github.com/fphammerle/systemctl-mqtt/internal/config"
	"github.com/fphammerle/systemctl-mqtt/internal/metrics"
)

// State is one of the MQTT session's lifecycle states.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

const (
	backoffInitial   = time.Second
	backoffMax       = 32 * time.Second
	backoffJitter    = 0.2
	connectTimeout   = 30 * time.Second
	publishTimeout   = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// Dispatcher routes an inbound message to its registered action. It is the
// action.Registry's Dispatch method, accepted here as an interface so this
// package doesn't import action (avoiding a dependency cycle with code that
// builds the registry from the session).
type Dispatcher interface {
	Dispatch(ctx context.Context, topic string, payload []byte)
}

// Session owns one logical MQTT connection across reconnects.
type Session struct {
	cfg         *config.Config
	programName string
	topics      []string
	dispatcher  Dispatcher
	log         logr.Logger
	onReconnect func()

	mu    sync.Mutex
	state State
	client mqtt.Client
	runCtx context.Context

	connectedCh chan struct{}
}

// New constructs a Session. topics are the fully-qualified MQTT topics to
// subscribe at QoS 1 on every (re)connect; onReconnect, if non-nil, is
// called synchronously after the subscribe attempt (whether or not it
// succeeded) and before this (re)connect
// is announced on Connected(), so callers needing a reset-before-first-signal
// (e.g. the unit monitor's session-scoped dedup) can hook in deterministically.
func New(cfg *config.Config, programName string, topics []string, dispatcher Dispatcher, onReconnect func(), log logr.Logger) *Session {
	return &Session{
		cfg:         cfg,
		programName: programName,
		topics:      topics,
		dispatcher:  dispatcher,
		onReconnect: onReconnect,
		log:         log.WithName("mqttsession"),
		connectedCh: make(chan struct{}, 1),
	}
}

// StatusTopic is systemctl/<hostname>/status, the will/birth topic.
func (s *Session) StatusTopic() string {
	return fmt.Sprintf("systemctl/%s/status", s.cfg.Hostname)
}

// Connected is signalled once after every successful (re)connect, once
// birth and subscribe have both completed — so a receive here satisfies
// the birth-before-subscribe-before-discovery ordering guarantee for
// whatever the supervisor does next (discovery publish, unit re-emission).
func (s *Session) Connected() <-chan struct{} {
	return s.connectedCh
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func jittered(d time.Duration) time.Duration {
	delta := float64(d) * backoffJitter
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

type backoff struct {
	cur time.Duration
}

func newBackoff() *backoff { return &backoff{cur: backoffInitial} }

func (b *backoff) next() time.Duration {
	d := jittered(b.cur)
	if b.cur < backoffMax {
		b.cur *= 2
		if b.cur > backoffMax {
			b.cur = backoffMax
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (b *backoff) reset() { b.cur = backoffInitial }

func scheme(disableTLS bool) string {
	if disableTLS {
		return "tcp"
	}
	return "ssl"
}

func (s *Session) buildOpts() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme(s.cfg.MQTTDisableTLS), s.cfg.MQTTHost, s.cfg.MQTTPort))
	opts.SetClientID(fmt.Sprintf("%s-%s-%d", s.programName, s.cfg.Hostname, os.Getpid()))
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(s.StatusTopic(), "offline", 1, true)
	if s.cfg.MQTTUsername != "" {
		opts.SetUsername(s.cfg.MQTTUsername)
		opts.SetPassword(string(s.cfg.MQTTPassword))
	}
	if !s.cfg.MQTTDisableTLS {
		opts.SetTLSConfig(&tls.Config{ServerName: s.cfg.MQTTHost})
	}
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		s.dispatcher.Dispatch(s.runCtx, msg.Topic(), msg.Payload())
	})
	return opts
}

// connectOnce dials, authenticates, and waits for CONNACK. The returned
// lost channel is closed the first time the connection drops, whether
// detected by paho's keepalive/read loop or by the caller tearing the
// client down.
func (s *Session) connectOnce() (mqtt.Client, <-chan struct{}, error) {
	lost := make(chan struct{})
	var once sync.Once
	closeLost := func() { once.Do(func() { close(lost) }) }

	opts := s.buildOpts()
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Info("mqtt connection lost", "error", err)
		closeLost()
	})
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, nil, fmt.Errorf("connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, nil, err
	}
	return client, lost, nil
}

// Run drives the connect/reconnect loop until ctx is cancelled. On
// cancellation it publishes "offline" as a regular (non-will) publish and
// returns; the caller is responsible for the remaining teardown order
// (discovery retract, then Close).
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	bo := newBackoff()

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.setState(Connecting)

		client, lost, err := s.connectOnce()
		if err != nil {
			s.log.Info("mqtt connect failed, retrying with backoff", "error", err)
			if !s.sleep(ctx, bo.next()) {
				return nil
			}
			continue
		}
		bo.reset()
		metrics.MQTTReconnectsTotal.Inc()

		s.mu.Lock()
		s.client = client
		s.state = Connected
		s.mu.Unlock()

		if err := s.publishBirth(); err != nil {
			s.log.Info("birth publish failed", "error", err)
		}
		if err := s.subscribeAll(client); err != nil {
			s.log.Info("subscribe failed", "error", err)
		}
		if s.onReconnect != nil {
			s.onReconnect()
		}
		select {
		case s.connectedCh <- struct{}{}:
		default:
		}

		select {
		case <-ctx.Done():
			s.setState(Draining)
			if err := s.publish(s.StatusTopic(), []byte("offline"), 1, true); err != nil {
				s.log.Info("offline publish on drain failed", "error", err)
			}
			return nil
		case <-lost:
			// Broker-side disconnect: loop back into Connecting with backoff.
		}
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) publishBirth() error {
	return s.publish(s.StatusTopic(), []byte("online"), 1, true)
}

func (s *Session) subscribeAll(client mqtt.Client) error {
	if len(s.topics) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(s.topics))
	for _, t := range s.topics {
		filters[t] = 1
	}
	token := client.SubscribeMultiple(filters, nil)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timed out")
	}
	return token.Error()
}

func (s *Session) publish(topic string, payload []byte, qos byte, retain bool) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		metrics.MQTTPublishesTotal.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("mqttsession: not connected")
	}
	token := client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		metrics.MQTTPublishesTotal.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("mqttsession: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		metrics.MQTTPublishesTotal.WithLabelValues(topic, "error").Inc()
		return err
	}
	metrics.MQTTPublishesTotal.WithLabelValues(topic, "ok").Inc()
	return nil
}

// Publish sends payload to topic at qos with the given retain flag. It
// returns an error (MQTT-transient, contained by the caller) when not
// currently connected.
func (s *Session) Publish(topic string, payload []byte, qos byte, retain bool) error {
	switch s.State() {
	case Connected, Draining:
		// Draining is allowed: the transport is still live until Close, and
		// the supervisor's teardown sequence (offline, then discovery
		// retract) publishes after Run has already moved to Draining.
	default:
		return fmt.Errorf("mqttsession: publish to %s while not connected", topic)
	}
	return s.publish(topic, payload, qos, retain)
}

// Close disconnects cleanly. Called by the supervisor after Run has
// returned from a drain and any final publishes (discovery retract) are
// done.
func (s *Session) Close() {
	s.mu.Lock()
	client := s.client
	s.state = Disconnected
	s.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiesce)
	}
}
