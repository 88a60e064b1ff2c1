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

package systemd1

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a hand-written Interface double modelled on login1.Fake: it
// records unit method calls and lets tests drive ActiveState transitions
// per unit.
type Fake struct {
	mu sync.Mutex

	StartCalls   []string
	StopCalls    []string
	RestartCalls []string
	UnitErr      map[string]error

	states  map[string]chan string
	current map[string]string
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{
		UnitErr: make(map[string]error),
		states:  make(map[string]chan string),
		current: make(map[string]string),
	}
}

func (f *Fake) SeedActiveState(name, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[name] = state
}

func (f *Fake) StartUnit(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCalls = append(f.StartCalls, name)
	return f.UnitErr[name]
}

func (f *Fake) StopUnit(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StopCalls = append(f.StopCalls, name)
	return f.UnitErr[name]
}

func (f *Fake) RestartUnit(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RestartCalls = append(f.RestartCalls, name)
	return f.UnitErr[name]
}

func (f *Fake) ActiveState(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.current[name]
	if !ok {
		return "", fmt.Errorf("systemd1.Fake: unknown unit %s", name)
	}
	return state, nil
}

func (f *Fake) WatchActiveState(ctx context.Context, name string) (<-chan string, func(), error) {
	f.mu.Lock()
	initial, ok := f.current[name]
	if !ok {
		f.mu.Unlock()
		return nil, nil, fmt.Errorf("systemd1.Fake: unknown unit %s", name)
	}
	feed := make(chan string, 16)
	f.states[name] = feed
	f.mu.Unlock()

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
			case state, ok := <-feed:
				if !ok {
					return
				}
				if state == last {
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
	cleanup := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if ch, ok := f.states[name]; ok {
			close(ch)
			delete(f.states, name)
		}
	}
	return out, cleanup, nil
}

// Transition pushes a new ActiveState for name to any active watcher.
func (f *Fake) Transition(name, state string) {
	f.mu.Lock()
	f.current[name] = state
	ch := f.states[name]
	f.mu.Unlock()
	if ch != nil {
		ch <- state
	}
}

var _ Interface = (*Fake)(nil)
