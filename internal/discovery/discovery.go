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

// Package discovery builds and publishes the Home-Assistant-style
// auto-discovery document describing every exposed capability as a single
// device with multiple entity components, and retracts it on clean
// shutdown.
package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/fphammerle/systemctl-mqtt/internal/config"
	"github.com/fphammerle/systemctl-mqtt/internal/hostid"
)

// Device identifies the single device every component belongs to.
type Device struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
}

// Availability points at the shared status topic used to mark the whole
// device online/offline.
type Availability struct {
	Topic string `json:"topic"`
}

// Component is one entity in the discovery document: a button, a
// binary_sensor, or a sensor, depending on which fields are set.
type Component struct {
	Platform     string `json:"platform"`
	UniqueID     string `json:"unique_id"`
	CommandTopic string `json:"command_topic,omitempty"`
	StateTopic   string `json:"state_topic,omitempty"`
	PayloadOn    string `json:"payload_on,omitempty"`
	PayloadOff   string `json:"payload_off,omitempty"`
}

// Document is the full discovery payload published to
// <prefix>/device/<object-id>/config.
type Document struct {
	Availability []Availability       `json:"availability"`
	Device       Device               `json:"device"`
	Components   map[string]Component `json:"components"`
}

// Topic returns the discovery topic for cfg's prefix and object id.
func Topic(cfg *config.Config) string {
	return fmt.Sprintf("%s/device/%s/config", cfg.DiscoveryPrefix, cfg.DiscoveryObjectID)
}

// Build assembles the discovery document for cfg: login1 buttons/sensor,
// plus one sensor per monitored unit and one restart button per
// controlled unit.
func Build(cfg *config.Config) *Document {
	objectID := cfg.DiscoveryObjectID
	base := fmt.Sprintf("systemctl/%s", cfg.Hostname)

	doc := &Document{
		Availability: []Availability{{Topic: base + "/status"}},
		Device:       Device{Identifiers: []string{cfg.Hostname}, Name: cfg.Hostname},
		Components:   make(map[string]Component),
	}

	doc.Components["logind_poweroff"] = Component{
		Platform: "button", UniqueID: objectID + "_logind_poweroff", CommandTopic: base + "/poweroff",
	}
	doc.Components["logind_suspend"] = Component{
		Platform: "button", UniqueID: objectID + "_logind_suspend", CommandTopic: base + "/suspend",
	}
	doc.Components["logind_lock_all_sessions"] = Component{
		Platform: "button", UniqueID: objectID + "_logind_lock_all_sessions", CommandTopic: base + "/lock-all-sessions",
	}
	doc.Components["logind_preparing_for_shutdown"] = Component{
		Platform: "binary_sensor", UniqueID: objectID + "_logind_preparing_for_shutdown",
		StateTopic: base + "/preparing-for-shutdown", PayloadOn: "true", PayloadOff: "false",
	}

	for _, unit := range cfg.MonitoredSystemUnits {
		key := fmt.Sprintf("unit_system_%s_active_state", hostid.ObjectID(unit))
		doc.Components[key] = Component{
			Platform: "sensor", UniqueID: objectID + "_" + key,
			StateTopic: fmt.Sprintf("%s/unit/system/%s/active-state", base, unit),
		}
	}
	for _, unit := range cfg.ControlledSystemUnits {
		key := fmt.Sprintf("unit_system_%s_restart", hostid.ObjectID(unit))
		doc.Components[key] = Component{
			Platform: "button", UniqueID: objectID + "_" + key,
			CommandTopic: fmt.Sprintf("%s/unit/system/%s/restart", base, unit),
		}
	}
	return doc
}

// Client is the capability the discovery publisher needs from the MQTT
// session.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// Publisher publishes and retracts the discovery document (component C8).
type Publisher struct {
	cfg *config.Config
	pub Client
}

// NewPublisher constructs the discovery publisher for cfg, writing
// through pub.
func NewPublisher(cfg *config.Config, pub Client) *Publisher {
	return &Publisher{cfg: cfg, pub: pub}
}

// Publish marshals and sends the current discovery document, QoS 0, not
// retained.
func (p *Publisher) Publish() error {
	body, err := json.Marshal(Build(p.cfg))
	if err != nil {
		return fmt.Errorf("discovery: marshal document: %w", err)
	}
	return p.pub.Publish(Topic(p.cfg), body, 0, false)
}

// Retract publishes an empty payload to the discovery topic, removing the
// device from a home-automation controller that supports retraction.
func (p *Publisher) Retract() error {
	return p.pub.Publish(Topic(p.cfg), nil, 0, false)
}
