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

package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fphammerle/systemctl-mqtt/internal/config"
)

type recordingClient struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
	calls   int
}

func (c *recordingClient) Publish(topic string, payload []byte, qos byte, retain bool) error {
	c.topic = topic
	c.payload = payload
	c.qos = qos
	c.retain = retain
	c.calls++
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Hostname:              "h1",
		DiscoveryPrefix:       "homeassistant",
		DiscoveryObjectID:     "h1",
		MonitoredSystemUnits:  []string{"ssh.service"},
		ControlledSystemUnits: []string{"foo.service"},
	}
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "homeassistant/device/h1/config", Topic(testConfig()))
}

func TestBuildIncludesFixedAndPerUnitComponents(t *testing.T) {
	doc := Build(testConfig())

	assert.Equal(t, []string{"h1"}, doc.Device.Identifiers)
	assert.Equal(t, []Availability{{Topic: "systemctl/h1/status"}}, doc.Availability)

	poweroff := doc.Components["logind_poweroff"]
	assert.Equal(t, "button", poweroff.Platform)
	assert.Equal(t, "systemctl/h1/poweroff", poweroff.CommandTopic)
	assert.Equal(t, "h1_logind_poweroff", poweroff.UniqueID)

	sensor := doc.Components["unit_system_ssh_service_active_state"]
	assert.Equal(t, "sensor", sensor.Platform)
	assert.Equal(t, "systemctl/h1/unit/system/ssh.service/active-state", sensor.StateTopic)

	restart := doc.Components["unit_system_foo_service_restart"]
	assert.Equal(t, "button", restart.Platform)
	assert.Equal(t, "systemctl/h1/unit/system/foo.service/restart", restart.CommandTopic)
}

func TestBuildObjectIDOverrideAppliesToUniqueIDs(t *testing.T) {
	cfg := testConfig()
	cfg.DiscoveryObjectID = "custom_id"
	doc := Build(cfg)
	assert.Equal(t, "custom_id_logind_poweroff", doc.Components["logind_poweroff"].UniqueID)
}

func TestPublisherPublishMarshalsAsJSON(t *testing.T) {
	client := &recordingClient{}
	pub := NewPublisher(testConfig(), client)

	require.NoError(t, pub.Publish())
	assert.Equal(t, "homeassistant/device/h1/config", client.topic)
	assert.Equal(t, byte(0), client.qos)
	assert.False(t, client.retain)
	assert.Contains(t, string(client.payload), `"logind_poweroff"`)
}

func TestPublisherRetractSendsEmptyPayload(t *testing.T) {
	client := &recordingClient{}
	pub := NewPublisher(testConfig(), client)

	require.NoError(t, pub.Retract())
	assert.Equal(t, "homeassistant/device/h1/config", client.topic)
	assert.Empty(t, client.payload)
}
