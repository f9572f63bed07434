// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package header_test

import (
	"testing"

	"gvisor.dev/defrag/pkg/tcpip/header"
)

func TestIPVersion(t *testing.T) {
	v4 := header.IPv4(make([]byte, header.IPv4MinimumSize))
	v4.Encode(&header.IPv4Fields{})
	v6 := header.IPv6(make([]byte, header.IPv6MinimumSize))
	v6.Encode(&header.IPv6Fields{})

	tests := []struct {
		name string
		b    []byte
		want int
	}{
		{name: "ipv4", b: v4, want: header.IPv4Version},
		{name: "ipv6", b: v6, want: header.IPv6Version},
		{name: "other", b: []byte{(header.IPv4Version + header.IPv6Version) << 4}, want: header.IPv4Version + header.IPv6Version},
		{name: "empty", b: nil, want: -1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := header.IPVersion(test.b); got != test.want {
				t.Errorf("IPVersion(%x) = %d, want %d", test.b, got, test.want)
			}
		})
	}
}
