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

package hostid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already valid", "h1", "h1"},
		{"uppercase folded", "H1-Server", "h1_server"},
		{"dots and spaces replaced", "my host.example", "my_host_example"},
		{"idempotent", "already_sane_123", "already_sane_123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ObjectID(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, ObjectID(got), "ObjectID must be idempotent")
		})
	}
}

func TestLocal(t *testing.T) {
	name, err := Local()
	assert.NoError(t, err)
	assert.NotEmpty(t, name)
	assert.Equal(t, name, sanitize(name, '-'), "Local must already be DNS-label-safe")
}
