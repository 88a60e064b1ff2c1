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

// Package metrics registers the bridge's Prometheus collectors. The
// registry always exists; nothing serves it over HTTP unless
// --metrics-listen-address is set.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	DBusCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "systemctl_mqtt_dbus_call_duration_seconds",
			Help:    "Duration of D-Bus method calls to login1/systemd1.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method"},
	)
	MQTTReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "systemctl_mqtt_mqtt_reconnects_total",
			Help: "Number of times the MQTT session has (re)connected, including the first connect.",
		},
	)
	MQTTPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "systemctl_mqtt_mqtt_publishes_total",
			Help: "Number of MQTT publishes attempted, by topic and result.",
		},
		[]string{"topic", "result"},
	)
	UnitActiveStateChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "systemctl_mqtt_unit_active_state_changes_total",
			Help: "Number of distinct ActiveState values published per monitored unit.",
		},
		[]string{"unit"},
	)
)

// Registry collects every collector above. Registry() is called once at
// boot by main, which wires it to an optional HTTP listener.
var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(DBusCallDuration, MQTTReconnectsTotal, MQTTPublishesTotal, UnitActiveStateChangesTotal)
}

// Registry returns the package's Prometheus registry.
func Registry() *prometheus.Registry {
	return registry
}
