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

// Package hostid derives the process-wide hostname used to root every MQTT
// topic, and the sanitized object id used by the auto-discovery publisher.
package hostid

import (
	"fmt"
	"os"
	"strings"
)

// Local reads the system hostname once, lower-cased and with every rune
// outside [a-z0-9-] replaced by '-' (a DNS-label-safe form). Callers must capture the result at
// startup and never re-read it — spec topics are rooted at this value for
// the life of the process.
func Local() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("read hostname: %w", err)
	}
	sanitized := sanitize(name, '-')
	if sanitized == "" {
		return "", fmt.Errorf("hostname %q has no usable characters", name)
	}
	return sanitized, nil
}

// ObjectID maps s onto the auto-discovery object-id charset: lower-cased,
// with every rune outside [a-z0-9_] replaced by '_'. Applying it twice is a
// no-op (invariant 7 in spec.md §8).
func ObjectID(s string) string {
	return sanitize(s, '_')
}

func sanitize(s string, replacement rune) string {
	lower := strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == replacement {
			b.WriteRune(r)
			continue
		}
		b.WriteRune(replacement)
	}
	return b.String()
}
