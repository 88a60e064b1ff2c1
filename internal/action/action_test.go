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

package action

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fphammerle/systemctl-mqtt/internal/config"
	"github.com/fphammerle/systemctl-mqtt/internal/login1"
	"github.com/fphammerle/systemctl-mqtt/internal/systemd1"
)

func TestScheduleShutdownWhenUsec(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := ScheduleShutdownWhenUsec(t0, 4*time.Second)
	want := uint64(t0.Add(4 * time.Second).UnixMicro())
	assert.Equal(t, want, got)
}

func TestDispatchPoweroffCallsScheduleShutdown(t *testing.T) {
	cfg := &config.Config{Hostname: "h1", PoweroffDelay: 4 * time.Second, ControlledSystemUnits: nil}
	fakeLogin := login1.NewFake()
	fakeSvc := systemd1.NewFake()
	r := Build(cfg, fakeLogin, fakeSvc, logr.Discard())

	r.Dispatch(context.Background(), "systemctl/h1/poweroff", nil)

	require.Len(t, fakeLogin.Schedules, 1)
	assert.Equal(t, "poweroff", fakeLogin.Schedules[0].Kind)
}

func TestDispatchRestartOnlyForControlledUnit(t *testing.T) {
	cfg := &config.Config{Hostname: "h1", ControlledSystemUnits: []string{"foo.service"}}
	fakeLogin := login1.NewFake()
	fakeSvc := systemd1.NewFake()
	r := Build(cfg, fakeLogin, fakeSvc, logr.Discard())

	r.Dispatch(context.Background(), "systemctl/h1/unit/system/foo.service/restart", nil)
	assert.Equal(t, []string{"foo.service"}, fakeSvc.RestartCalls)

	r.Dispatch(context.Background(), "systemctl/h1/unit/system/bar.service/restart", nil)
	assert.Equal(t, []string{"foo.service"}, fakeSvc.RestartCalls, "bar.service is not controlled, must not be called")
}

func TestDispatchUnknownTopicIsDropped(t *testing.T) {
	cfg := &config.Config{Hostname: "h1"}
	r := Build(cfg, login1.NewFake(), systemd1.NewFake(), logr.Discard())

	// Must not panic even though no binding exists.
	r.Dispatch(context.Background(), "systemctl/h1/nonsense", nil)
}

func TestTopicsAreFullyQualified(t *testing.T) {
	cfg := &config.Config{Hostname: "h1"}
	r := Build(cfg, login1.NewFake(), systemd1.NewFake(), logr.Discard())

	topics := r.Topics()
	assert.Contains(t, topics, "systemctl/h1/poweroff")
	assert.Contains(t, topics, "systemctl/h1/suspend")
	assert.Contains(t, topics, "systemctl/h1/lock-all-sessions")
}
