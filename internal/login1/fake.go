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

package login1

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Fake is a hand-written Interface double, in the shape of the teacher's
// emulator.go substitute for a generated mock. It records calls and lets
// tests script errors and PrepareForShutdown transitions.
type Fake struct {
	mu sync.Mutex

	InhibitFD    dbus.UnixFD
	InhibitErr   error
	ScheduleErr  error
	SuspendErr   error
	LockErr      error
	Inhibited    int
	Schedules    []ScheduleCall
	SuspendCalls int
	LockCalls    int

	prepareCh chan bool
}

// ScheduleCall records one ScheduleShutdown invocation.
type ScheduleCall struct {
	Kind     string
	WhenUsec uint64
}

// NewFake constructs a ready-to-use Fake with an open PrepareForShutdown
// stream that tests drive via Emit.
func NewFake() *Fake {
	return &Fake{prepareCh: make(chan bool, 8)}
}

func (f *Fake) Inhibit(_ context.Context, _, _, _, _ string) (dbus.UnixFD, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InhibitErr != nil {
		return 0, f.InhibitErr
	}
	f.Inhibited++
	return f.InhibitFD, nil
}

func (f *Fake) ScheduleShutdown(_ context.Context, kind string, whenUsec uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ScheduleErr != nil {
		return f.ScheduleErr
	}
	f.Schedules = append(f.Schedules, ScheduleCall{Kind: kind, WhenUsec: whenUsec})
	return nil
}

func (f *Fake) Suspend(_ context.Context, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SuspendErr != nil {
		return f.SuspendErr
	}
	f.SuspendCalls++
	return nil
}

func (f *Fake) LockSessions(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LockErr != nil {
		return f.LockErr
	}
	f.LockCalls++
	return nil
}

func (f *Fake) PrepareForShutdown(ctx context.Context) (<-chan bool, func(), error) {
	out := make(chan bool)
	go func() {
		defer close(out)
		for {
			select {
			case v, ok := <-f.prepareCh:
				if !ok {
					return
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() {}, nil
}

// Emit pushes a PrepareForShutdown(active) signal to every subscriber.
func (f *Fake) Emit(active bool) {
	f.prepareCh <- active
}

var _ Interface = (*Fake)(nil)
