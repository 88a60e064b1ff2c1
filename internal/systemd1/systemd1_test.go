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
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeActiveStateIgnoresOtherInterfaces(t *testing.T) {
	state, changed := decodeActiveState([]interface{}{
		"org.freedesktop.systemd1.Service",
		map[string]dbus.Variant{"ActiveState": dbus.MakeVariant("active")},
		[]string{},
	})
	assert.False(t, changed)
	assert.Empty(t, state)
}

func TestDecodeActiveStateExtractsValue(t *testing.T) {
	state, changed := decodeActiveState([]interface{}{
		unitInterface,
		map[string]dbus.Variant{"ActiveState": dbus.MakeVariant("failed")},
		[]string{},
	})
	assert.True(t, changed)
	assert.Equal(t, "failed", state)
}

func TestDecodeActiveStateWithoutActiveStateKey(t *testing.T) {
	_, changed := decodeActiveState([]interface{}{
		unitInterface,
		map[string]dbus.Variant{"SubState": dbus.MakeVariant("running")},
		[]string{},
	})
	assert.False(t, changed)
}

func TestFakeWatchActiveStateDedupsConsecutiveEqualValues(t *testing.T) {
	fake := NewFake()
	fake.SeedActiveState("ssh.service", "activating")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, cleanup, err := fake.WatchActiveState(ctx, "ssh.service")
	require.NoError(t, err)
	defer cleanup()

	fake.Transition("ssh.service", "active")
	fake.Transition("ssh.service", "active") // duplicate, must be suppressed
	fake.Transition("ssh.service", "failed")

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case v := <-stream:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d values: %v", i, got)
		}
	}
	assert.Equal(t, []string{"activating", "active", "failed"}, got)
}

func TestFakeRestartUnitRecordsCall(t *testing.T) {
	fake := NewFake()
	require.NoError(t, fake.RestartUnit(context.Background(), "foo.service"))
	assert.Equal(t, []string{"foo.service"}, fake.RestartCalls)
}
