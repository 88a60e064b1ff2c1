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

package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/godbus/dbus/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fphammerle/systemctl-mqtt/internal/config"
	"github.com/fphammerle/systemctl-mqtt/internal/discovery"
	"github.com/fphammerle/systemctl-mqtt/internal/inhibitor"
	"github.com/fphammerle/systemctl-mqtt/internal/login1"
	"github.com/fphammerle/systemctl-mqtt/internal/systemd1"
	"github.com/fphammerle/systemctl-mqtt/internal/unitmonitor"
)

// publishedMsg records one Publish call observed by fakeSession.
type publishedMsg struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// fakeSession is a hand-written double for the session interface,
// substituted for *mqttsession.Session so runLoop's ordering invariants
// can be exercised without a broker.
type fakeSession struct {
	mu          sync.Mutex
	connectedCh chan struct{}
	runReturn   chan error
	publishes   []publishedMsg
	events      []string
	publishErr  error
}

func newFakeSession() *fakeSession {
	return &fakeSession{connectedCh: make(chan struct{}, 8), runReturn: make(chan error, 1)}
}

func (f *fakeSession) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-f.runReturn:
		return err
	}
}

func (f *fakeSession) Connected() <-chan struct{} { return f.connectedCh }

func (f *fakeSession) signalConnected() { f.connectedCh <- struct{}{} }

func (f *fakeSession) Publish(topic string, payload []byte, qos byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, publishedMsg{topic, payload, qos, retain})
	f.events = append(f.events, "publish:"+topic)
	return f.publishErr
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "close")
}

func (f *fakeSession) snapshot() ([]publishedMsg, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pubs := append([]publishedMsg(nil), f.publishes...)
	evts := append([]string(nil), f.events...)
	return pubs, evts
}

var _ session = (*fakeSession)(nil)

var errTestSessionFailed = errors.New("fake session: run failed")

func testConfig() *config.Config {
	return &config.Config{
		Hostname:              "h1",
		DiscoveryPrefix:       "homeassistant",
		DiscoveryObjectID:     "h1",
		MonitoredSystemUnits:  []string{"ssh.service"},
		ControlledSystemUnits: []string{"foo.service"},
		PoweroffDelay:         4 * time.Second,
	}
}

var _ = Describe("Supervisor.runLoop", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		sess       *fakeSession
		svcFake    *systemd1.Fake
		loginFake  *login1.Fake
		sup        *Supervisor
		monitors   []*unitmonitor.Monitor
		discPub    *discovery.Publisher
		inh        *inhibitor.Inhibitor
		prepStream chan bool
		runErrCh   chan error
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		sess = newFakeSession()
		svcFake = systemd1.NewFake()
		svcFake.SeedActiveState("ssh.service", "activating")
		loginFake = login1.NewFake()
		r, w, err := os.Pipe()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			_ = r.Close()
			_ = w.Close()
		})
		loginFake.InhibitFD = dbus.UnixFD(r.Fd())
		cfg := testConfig()

		sup = New(cfg, loginFake, svcFake, nil, logr.Discard())
		inh = inhibitor.New(loginFake, ProgramName, logr.Discard())
		Expect(inh.Acquire(ctx)).To(Succeed())

		discPub = discovery.NewPublisher(cfg, sess)
		monitors = []*unitmonitor.Monitor{
			unitmonitor.New("ssh.service", cfg.Hostname, svcFake, sess, logr.Discard()),
		}
		prepStream = make(chan bool, 4)

		runErrCh = make(chan error, 1)
		go func() { runErrCh <- sup.runLoop(ctx, sess, discPub, monitors, inh, prepStream) }()
	})

	AfterEach(func() {
		cancel()
		select {
		case <-runErrCh:
		case <-time.After(100 * time.Millisecond):
		}
	})

	It("publishes discovery and the unit's current state only after Connected fires", func() {
		Consistently(func() []publishedMsg { pubs, _ := sess.snapshot(); return pubs }).Should(BeEmpty())

		sess.signalConnected()

		Eventually(func() []publishedMsg { pubs, _ := sess.snapshot(); return pubs }).Should(ContainElement(
			WithTransform(func(m publishedMsg) string { return m.topic }, Equal(discovery.Topic(testConfig()))),
		))
		Eventually(func() []publishedMsg { pubs, _ := sess.snapshot(); return pubs }).Should(ContainElement(
			WithTransform(func(m publishedMsg) string { return m.topic }, Equal("systemctl/h1/unit/system/ssh.service/active-state")),
		))
	})

	It("re-emits the unit's current ActiveState on every reconnect", func() {
		sess.signalConnected()
		Eventually(func() []publishedMsg { pubs, _ := sess.snapshot(); return pubs }).ShouldNot(BeEmpty())

		svcFake.Transition("ssh.service", "active")
		Eventually(func() []publishedMsg { pubs, _ := sess.snapshot(); return pubs }).Should(ContainElement(
			WithTransform(func(m publishedMsg) []byte { return m.payload }, Equal([]byte("active"))),
		))

		countBefore := func() int { pubs, _ := sess.snapshot(); return len(pubs) }()

		sess.signalConnected()
		Eventually(func() int { pubs, _ := sess.snapshot(); return len(pubs) }).Should(BeNumerically(">", countBefore))

		pubs, _ := sess.snapshot()
		var unitPublishes []publishedMsg
		for _, p := range pubs {
			if p.topic == "systemctl/h1/unit/system/ssh.service/active-state" {
				unitPublishes = append(unitPublishes, p)
			}
		}
		Expect(len(unitPublishes)).To(BeNumerically(">=", 2))
		Expect(unitPublishes[len(unitPublishes)-1].payload).To(Equal([]byte("active")))
	})

	It("publishes preparing-for-shutdown and releases the inhibitor when PrepareForShutdown(true) fires", func() {
		Expect(inh.State()).To(Equal(inhibitor.Held))

		prepStream <- true

		Eventually(func() []publishedMsg { pubs, _ := sess.snapshot(); return pubs }).Should(ContainElement(
			publishedMsg{topic: "systemctl/h1/preparing-for-shutdown", payload: []byte("true"), qos: 1, retain: false},
		))
		Eventually(inh.State).Should(Equal(inhibitor.Released))
	})

	It("tears down in order: retract discovery, then close the session, then release the inhibitor", func() {
		sess.signalConnected()
		Eventually(func() []publishedMsg { pubs, _ := sess.snapshot(); return pubs }).ShouldNot(BeEmpty())

		cancel()
		Eventually(runErrCh).Should(Receive())

		_, events := sess.snapshot()
		Expect(events).ToNot(BeEmpty())
		Expect(events[len(events)-1]).To(Equal("close"))

		closeIdx := -1
		retractIdx := -1
		for i, e := range events {
			if e == "close" {
				closeIdx = i
			}
			if e == "publish:"+discovery.Topic(testConfig()) {
				retractIdx = i // last match wins: the retract publish, not the boot-time one
			}
		}
		Expect(retractIdx).To(BeNumerically(">=", 0))
		Expect(closeIdx).To(BeNumerically(">", retractIdx))
		Expect(inh.State()).To(Equal(inhibitor.Released))
	})

	It("returns the session's error immediately when Run fails", func() {
		boom := errTestSessionFailed
		sess.runReturn <- boom
		Eventually(runErrCh).Should(Receive(Equal(boom)))
	})
})
