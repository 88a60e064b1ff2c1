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

// Package config parses and validates the bridge's CLI surface into an
// immutable record. Nothing downstream of Load re-reads flags, files, or
// the environment.
package config

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fphammerle/systemctl-mqtt/internal/hostid"
)

// Config is the validated, immutable-after-boot configuration record
// consumed by the supervisor and every component it wires.
type Config struct {
	MQTTHost              string
	MQTTPort              uint16
	MQTTDisableTLS        bool
	MQTTUsername          string
	MQTTPassword          []byte
	DiscoveryPrefix       string
	DiscoveryObjectID     string
	PoweroffDelay         time.Duration
	MonitoredSystemUnits  []string
	ControlledSystemUnits []string
	LogLevel              string
	LogFormat             string
	MetricsListenAddress  string
	Hostname              string
}

// stringSliceFlag implements flag.Value to collect a repeatable flag
// (--monitor-system-unit / --control-system-unit) into a slice, the same
// shape as a custom flag.Value for a single repeated value.
type stringSliceFlag struct {
	values *[]string
}

func (f stringSliceFlag) String() string {
	if f.values == nil {
		return ""
	}
	return strings.Join(*f.values, ",")
}

func (f stringSliceFlag) Set(value string) error {
	if value == "" {
		return fmt.Errorf("unit name must not be empty")
	}
	*f.values = append(*f.values, value)
	return nil
}

// rawFlags holds destinations for flag.FlagSet before Load post-processes
// them (password-file reading, hostname derivation, duration conversion).
type rawFlags struct {
	mqttHost              string
	mqttPort              uint
	mqttDisableTLS        bool
	mqttUsername          string
	mqttPassword          string
	mqttPasswordFile      string
	discoveryPrefix       string
	discoveryObjectID     string
	poweroffDelaySeconds  float64
	monitoredSystemUnits  []string
	controlledSystemUnits []string
	logLevel              string
	logFormat             string
	metricsListenAddress  string
}

// FlagSet returns a flag.FlagSet bound to raw, ready for (*flag.FlagSet).Parse.
// Parse os.Args[1:] with it, then pass raw to Load to obtain a validated
// Config.
func FlagSet(name string) (*flag.FlagSet, *rawFlags) {
	raw := &rawFlags{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&raw.mqttHost, "mqtt-host", "localhost", "MQTT broker hostname")
	fs.UintVar(&raw.mqttPort, "mqtt-port", 8883, "MQTT broker port")
	fs.BoolVar(&raw.mqttDisableTLS, "mqtt-disable-tls", false, "disable TLS for the MQTT connection")
	fs.StringVar(&raw.mqttUsername, "mqtt-username", "", "MQTT username")
	fs.StringVar(&raw.mqttPassword, "mqtt-password", "", "MQTT password (mutually exclusive with --mqtt-password-file)")
	fs.StringVar(&raw.mqttPasswordFile, "mqtt-password-file", "", "path to a file containing the MQTT password")
	fs.StringVar(&raw.discoveryPrefix, "homeassistant-discovery-prefix", "homeassistant", "MQTT discovery topic prefix")
	fs.StringVar(&raw.discoveryObjectID, "homeassistant-discovery-object-id", "", "discovery object id (defaults to the hostname)")
	fs.Float64Var(&raw.poweroffDelaySeconds, "poweroff-delay-seconds", 4, "delay between a poweroff request and ScheduleShutdown")
	fs.Var(stringSliceFlag{values: &raw.monitoredSystemUnits}, "monitor-system-unit", "system unit to monitor (repeatable)")
	fs.Var(stringSliceFlag{values: &raw.controlledSystemUnits}, "control-system-unit", "system unit that may be started/stopped/restarted (repeatable)")
	fs.StringVar(&raw.logLevel, "log-level", "info", "log level: debug, info, warning, error, critical")
	fs.StringVar(&raw.logFormat, "log-format", "console", "log format: console or json")
	fs.StringVar(&raw.metricsListenAddress, "metrics-listen-address", "", "optional address to serve Prometheus metrics on")

	return fs, raw
}

// Load post-processes parsed raw flags into a validated Config: it derives
// the hostname, derives the discovery object id (from the hostname unless
// --homeassistant-discovery-object-id is given), reads --mqtt-password-file
// exactly once, and converts the poweroff delay to a time.Duration.
func Load(raw *rawFlags) (*Config, error) {
	hostname, err := hostid.Local()
	if err != nil {
		return nil, fmt.Errorf("derive hostname: %w", err)
	}

	objectID := raw.discoveryObjectID
	if objectID == "" {
		objectID = hostid.ObjectID(hostname)
	} else {
		objectID = hostid.ObjectID(objectID)
	}

	password := []byte(raw.mqttPassword)
	if raw.mqttPasswordFile != "" {
		contents, err := os.ReadFile(raw.mqttPasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read --mqtt-password-file %s: %w", raw.mqttPasswordFile, err)
		}
		password = bytes.TrimSuffix(contents, []byte("\n"))
	}

	cfg := &Config{
		MQTTHost:              raw.mqttHost,
		MQTTPort:              uint16(raw.mqttPort),
		MQTTDisableTLS:        raw.mqttDisableTLS,
		MQTTUsername:          raw.mqttUsername,
		MQTTPassword:          password,
		DiscoveryPrefix:       raw.discoveryPrefix,
		DiscoveryObjectID:     objectID,
		PoweroffDelay:         time.Duration(raw.poweroffDelaySeconds * float64(time.Second)),
		MonitoredSystemUnits:  raw.monitoredSystemUnits,
		ControlledSystemUnits: raw.controlledSystemUnits,
		LogLevel:              raw.logLevel,
		LogFormat:             raw.logFormat,
		MetricsListenAddress:  raw.metricsListenAddress,
		Hostname:              hostname,
	}
	if err := cfg.Validate(raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the Configuration-error-kind checks: non-negative
// delay, a usable hostname, mutually exclusive password sources, and no
// unit listed under both --monitor-system-unit and --control-system-unit.
func (c *Config) Validate(raw *rawFlags) error {
	if c.PoweroffDelay < 0 {
		return fmt.Errorf("config: --poweroff-delay-seconds must not be negative")
	}
	if c.Hostname == "" {
		return fmt.Errorf("config: hostname sanitized to empty string")
	}
	if raw != nil && raw.mqttPassword != "" && raw.mqttPasswordFile != "" {
		return fmt.Errorf("config: --mqtt-password and --mqtt-password-file are mutually exclusive")
	}
	switch c.LogLevel {
	case "debug", "info", "warning", "error", "critical":
	default:
		return fmt.Errorf("config: invalid --log-level %q", c.LogLevel)
	}
	for _, u := range c.MonitoredSystemUnits {
		if c.IsControlledUnit(u) {
			return fmt.Errorf("config: unit %q must not be listed in both --monitor-system-unit and --control-system-unit", u)
		}
	}
	return nil
}

// IsControlledUnit reports whether name is in the controlled-unit set:
// only units listed with --control-system-unit may be started, stopped,
// or restarted.
func (c *Config) IsControlledUnit(name string) bool {
	for _, u := range c.ControlledSystemUnits {
		if u == name {
			return true
		}
	}
	return false
}
