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

package fragmentation

import (
	"gvisor.dev/defrag/pkg/tcpip"
)

// headerSource is the part of a Datagram a stream snapshots when the fragment
// at offset zero arrives.
type headerSource interface {
	// Header returns the header bytes that precede the fragmentable part.
	// The stream copies them; the slice is not retained.
	Header() []byte

	// TransportProtocol returns the protocol carried by the fragmentable
	// part.
	TransportProtocol() tcpip.TransportProtocolNumber
}

// Datagram is a parsed network datagram. It is produced by a header parser
// and is rewritten in place by Fragmentation.Process when it completes a
// reassembly.
type Datagram interface {
	headerSource

	// ID returns the fragmentation identifier.
	ID() uint32

	// SourceAddress returns the source address.
	SourceAddress() tcpip.Address

	// DestinationAddress returns the destination address.
	DestinationAddress() tcpip.Address

	// More returns the more fragments flag.
	More() bool

	// FragmentOffset returns the fragment offset in 8-byte units.
	FragmentOffset() uint16

	// Payload returns the fragmentable part carried by this datagram.
	Payload() []byte

	// Reassemble turns the datagram into an unfragmented one carrying
	// payload, with its header rebuilt from first.
	Reassemble(first HeaderSnapshot, payload []byte) error
}

// HeaderSnapshot is a copy of the header of the fragment at offset zero, taken
// when that fragment arrives. It shares no memory with the datagram it was
// taken from.
type HeaderSnapshot struct {
	// Protocol is the transport protocol (IPv4 protocol or IPv6 next
	// header) of the fragmentable part.
	Protocol tcpip.TransportProtocolNumber

	// Raw is the network header as returned by Datagram.Header.
	Raw []byte
}
