// Copyright 2018 The gVisor Authors.
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

// Package cmd holds the subcommands of the defrag tool.
package cmd

import (
	"errors"
	"fmt"

	"gvisor.dev/defrag/pkg/tcpip/header"
	"gvisor.dev/defrag/pkg/tcpip/network/fragmentation"
	"gvisor.dev/defrag/pkg/tcpip/network/ipv4"
	"gvisor.dev/defrag/pkg/tcpip/network/ipv6"
)

// errUnknownVersion is returned for packets that are neither IPv4 nor IPv6.
var errUnknownVersion = errors.New("unknown IP version")

// datagram is a parsed IPv4 or IPv6 packet.
type datagram interface {
	fragmentation.Datagram

	// Bytes returns the whole packet.
	Bytes() []byte
}

// parseDatagram parses b according to its IP version.
func parseDatagram(b []byte) (datagram, error) {
	switch v := header.IPVersion(b); v {
	case header.IPv4Version:
		d, err := ipv4.Parse(b)
		if err != nil {
			return nil, err
		}
		return d, nil
	case header.IPv6Version:
		d, err := ipv6.Parse(b)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %d", errUnknownVersion, v)
	}
}
