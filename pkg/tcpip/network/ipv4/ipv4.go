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

// Package ipv4 adapts raw IPv4 packets to the fragmentation package and
// splits oversized packets into fragments.
package ipv4

import (
	"errors"
	"fmt"

	"gvisor.dev/defrag/pkg/tcpip"
	"gvisor.dev/defrag/pkg/tcpip/header"
	"gvisor.dev/defrag/pkg/tcpip/network/fragmentation"
)

// ProtocolNumber is the ipv4 protocol number.
const ProtocolNumber = header.IPv4ProtocolNumber

var (
	// ErrMalformed is returned for packets that do not hold a valid IPv4
	// header.
	ErrMalformed = errors.New("malformed IPv4 packet")

	// ErrTooLarge is returned when a reassembled datagram would not fit in
	// the 16-bit total length field.
	ErrTooLarge = errors.New("IPv4 datagram too large")

	// ErrDontFragment is returned by Fragment for packets that have the
	// don't fragment flag set.
	ErrDontFragment = errors.New("don't fragment flag set")

	// ErrMTUTooSmall is returned by Fragment when the MTU leaves no room for
	// payload after the header.
	ErrMTUTooSmall = errors.New("MTU too small")
)

var _ fragmentation.Datagram = (*Datagram)(nil)

// Datagram is an IPv4 packet that can be fed to a fragmentation.Fragmentation.
type Datagram struct {
	pkt header.IPv4
}

// Parse validates b and returns it as a Datagram. Bytes past the total length
// of the packet, such as link-layer padding, are dropped. b is not copied.
func Parse(b []byte) (*Datagram, error) {
	h := header.IPv4(b)
	if !h.IsValid(len(b)) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	return &Datagram{pkt: h[:h.TotalLength()]}, nil
}

// Bytes returns the packet, including its header.
func (d *Datagram) Bytes() []byte {
	return d.pkt
}

// IPv4 returns the header view of the packet.
func (d *Datagram) IPv4() header.IPv4 {
	return d.pkt
}

// ID implements fragmentation.Datagram.ID.
func (d *Datagram) ID() uint32 {
	return uint32(d.pkt.ID())
}

// SourceAddress implements fragmentation.Datagram.SourceAddress.
func (d *Datagram) SourceAddress() tcpip.Address {
	return d.pkt.SourceAddress()
}

// DestinationAddress implements fragmentation.Datagram.DestinationAddress.
func (d *Datagram) DestinationAddress() tcpip.Address {
	return d.pkt.DestinationAddress()
}

// More implements fragmentation.Datagram.More.
func (d *Datagram) More() bool {
	return d.pkt.More()
}

// FragmentOffset implements fragmentation.Datagram.FragmentOffset.
func (d *Datagram) FragmentOffset() uint16 {
	return d.pkt.FragmentOffset()
}

// TransportProtocol implements fragmentation.Datagram.TransportProtocol.
func (d *Datagram) TransportProtocol() tcpip.TransportProtocolNumber {
	return d.pkt.TransportProtocol()
}

// Header implements fragmentation.Datagram.Header. It returns the IPv4 header
// including options.
func (d *Datagram) Header() []byte {
	return d.pkt[:d.pkt.HeaderLength()]
}

// Payload implements fragmentation.Datagram.Payload.
func (d *Datagram) Payload() []byte {
	return d.pkt.Payload()
}

// Reassemble implements fragmentation.Datagram.Reassemble. The header of the
// first fragment is kept with the total length updated, the more fragments
// flag and the offset cleared and the checksum recomputed.
func (d *Datagram) Reassemble(first fragmentation.HeaderSnapshot, payload []byte) error {
	hdrLen := len(first.Raw)
	if hdrLen < header.IPv4MinimumSize {
		return fmt.Errorf("%w: first fragment header is %d bytes", ErrMalformed, hdrLen)
	}
	total := hdrLen + len(payload)
	if total > 0xffff {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, total)
	}

	pkt := header.IPv4(make([]byte, total))
	copy(pkt, first.Raw)
	copy(pkt[hdrLen:], payload)
	pkt.SetTotalLength(uint16(total))
	pkt.SetFlagsFragmentOffset(pkt.Flags()&^header.IPv4FlagMoreFragments, 0)
	pkt.SetChecksum(0)
	pkt.SetChecksum(^pkt.CalculateChecksum())
	d.pkt = pkt
	return nil
}

// Fragment splits pkt into fragments whose total length does not exceed mtu.
// mtu includes the IP header and options, which are copied into every
// fragment. A packet that already fits is returned as the only element.
// Fragmenting a fragment is supported; offsets are relative to the original
// datagram and the last piece keeps the original more fragments flag.
func Fragment(pkt []byte, mtu int) ([][]byte, error) {
	d, err := Parse(pkt)
	if err != nil {
		return nil, err
	}
	ip := d.pkt
	if len(ip) <= mtu {
		return [][]byte{append([]byte(nil), ip...)}, nil
	}
	flags := ip.Flags()
	if flags&header.IPv4FlagDontFragment != 0 {
		return nil, fmt.Errorf("%w: %d bytes with MTU %d", ErrDontFragment, len(ip), mtu)
	}

	// Update mtu to take into account the header, which will exist in all
	// fragments anyway.
	hdrLen := int(ip.HeaderLength())
	innerMTU := mtu - hdrLen

	// Round the MTU down to align to 8 bytes. Then calculate the number of
	// fragments. Calculate fragment sizes as in RFC791.
	innerMTU &^= 7
	if innerMTU <= 0 {
		return nil, fmt.Errorf("%w: %d with a %d byte header", ErrMTUTooSmall, mtu, hdrLen)
	}
	payload := ip.Payload()
	n := (len(payload) + innerMTU - 1) / innerMTU

	offset := int(ip.FragmentOffset()) * header.IPv4FragmentOffsetUnit
	frags := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		chunk := payload
		if len(chunk) > innerMTU {
			chunk = chunk[:innerMTU]
		}
		payload = payload[len(chunk):]

		h := header.IPv4(make([]byte, hdrLen+len(chunk)))
		copy(h, ip[:hdrLen])
		copy(h[hdrLen:], chunk)
		h.SetTotalLength(uint16(len(h)))
		if i != n-1 {
			h.SetFlagsFragmentOffset(flags|header.IPv4FlagMoreFragments, uint16(offset))
		} else {
			h.SetFlagsFragmentOffset(flags, uint16(offset))
		}
		h.SetChecksum(0)
		h.SetChecksum(^h.CalculateChecksum())
		offset += len(chunk)
		frags = append(frags, h)
	}
	return frags, nil
}
