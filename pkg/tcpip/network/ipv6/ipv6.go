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

// Package ipv6 adapts raw IPv6 packets to the fragmentation package and
// splits oversized packets into fragments.
//
// The unfragmentable part of a packet is the fixed header followed by any
// hop-by-hop, routing and destination options headers. A fragment header, if
// present, must come right after it.
package ipv6

import (
	"errors"
	"fmt"

	"gvisor.dev/defrag/pkg/tcpip"
	"gvisor.dev/defrag/pkg/tcpip/header"
	"gvisor.dev/defrag/pkg/tcpip/network/fragmentation"
)

// ProtocolNumber is the ipv6 protocol number.
const ProtocolNumber = header.IPv6ProtocolNumber

var (
	// ErrMalformed is returned for packets whose fixed header or extension
	// header chain is invalid.
	ErrMalformed = errors.New("malformed IPv6 packet")

	// ErrTooLarge is returned when a reassembled datagram would not fit in
	// the 16-bit payload length field.
	ErrTooLarge = errors.New("IPv6 datagram too large")

	// ErrAlreadyFragmented is returned by Fragment for packets that carry a
	// fragment header.
	ErrAlreadyFragmented = errors.New("packet already carries a fragment header")

	// ErrMTUTooSmall is returned by Fragment when the MTU leaves no room for
	// payload after the headers.
	ErrMTUTooSmall = errors.New("MTU too small")
)

var _ fragmentation.Datagram = (*Datagram)(nil)

// Datagram is an IPv6 packet that can be fed to a fragmentation.Fragmentation.
type Datagram struct {
	pkt header.IPv6

	// unfragLen is the length of the unfragmentable part, which is also the
	// offset of the fragment header when there is one.
	unfragLen int

	// frag is the fragment header, or nil.
	frag header.IPv6Fragment
}

// walkUnfragmentable returns the length of the unfragmentable part of pkt,
// the offset of the next header field that closes it and its value.
func walkUnfragmentable(pkt []byte) (length, nextHdrOff int, next uint8, err error) {
	nextHdrOff = 6
	next = pkt[nextHdrOff]
	off := header.IPv6MinimumSize
	for header.IsIPv6ChainedExtHdr(next) {
		l := header.IPv6ExtHdrLength(pkt[off:])
		if l < 0 || off+l > len(pkt) {
			return 0, 0, 0, fmt.Errorf("%w: truncated extension header %d at offset %d", ErrMalformed, next, off)
		}
		nextHdrOff = off
		next = pkt[off]
		off += l
	}
	return off, nextHdrOff, next, nil
}

// Parse validates b and returns it as a Datagram. Bytes past the payload
// length, such as link-layer padding, are dropped. b is not copied.
func Parse(b []byte) (*Datagram, error) {
	h := header.IPv6(b)
	if !h.IsValid(len(b)) {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	h = h[:header.IPv6MinimumSize+int(h.PayloadLength())]
	unfragLen, _, next, err := walkUnfragmentable(h)
	if err != nil {
		return nil, err
	}
	d := &Datagram{pkt: h, unfragLen: unfragLen}
	if next == header.IPv6FragmentHeader {
		frag := header.IPv6Fragment(h[unfragLen:])
		if !frag.IsValid() {
			return nil, fmt.Errorf("%w: truncated fragment header", ErrMalformed)
		}
		d.frag = frag
	}
	return d, nil
}

// Bytes returns the packet, including its headers.
func (d *Datagram) Bytes() []byte {
	return d.pkt
}

// IPv6 returns the fixed header view of the packet.
func (d *Datagram) IPv6() header.IPv6 {
	return d.pkt
}

// IsFragment reports whether the packet carries a fragment header.
func (d *Datagram) IsFragment() bool {
	return d.frag != nil
}

// ID implements fragmentation.Datagram.ID. It is zero for packets without a
// fragment header.
func (d *Datagram) ID() uint32 {
	if d.frag == nil {
		return 0
	}
	return d.frag.ID()
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
	return d.frag != nil && d.frag.More()
}

// FragmentOffset implements fragmentation.Datagram.FragmentOffset.
func (d *Datagram) FragmentOffset() uint16 {
	if d.frag == nil {
		return 0
	}
	return d.frag.FragmentOffset()
}

// TransportProtocol implements fragmentation.Datagram.TransportProtocol. For
// fragments it is the next header of the fragmentable part.
func (d *Datagram) TransportProtocol() tcpip.TransportProtocolNumber {
	if d.frag == nil {
		_, _, next, _ := walkUnfragmentable(d.pkt)
		return tcpip.TransportProtocolNumber(next)
	}
	return d.frag.TransportProtocol()
}

// Header implements fragmentation.Datagram.Header. It returns the
// unfragmentable part of the packet.
func (d *Datagram) Header() []byte {
	return d.pkt[:d.unfragLen]
}

// Payload implements fragmentation.Datagram.Payload. For fragments it is the
// data following the fragment header.
func (d *Datagram) Payload() []byte {
	if d.frag == nil {
		return d.pkt[d.unfragLen:]
	}
	return d.frag.Payload()
}

// Reassemble implements fragmentation.Datagram.Reassemble. The unfragmentable
// part of the first fragment is kept, the fragment header is dropped and the
// next header field that pointed at it is patched to the protocol of the
// fragmentable part.
func (d *Datagram) Reassemble(first fragmentation.HeaderSnapshot, payload []byte) error {
	if len(first.Raw) < header.IPv6MinimumSize {
		return fmt.Errorf("%w: first fragment header is %d bytes", ErrMalformed, len(first.Raw))
	}
	unfragLen, nextHdrOff, next, err := walkUnfragmentable(first.Raw)
	if err != nil {
		return err
	}
	if unfragLen != len(first.Raw) || next != header.IPv6FragmentHeader {
		return fmt.Errorf("%w: first fragment header does not end with a fragment header", ErrMalformed)
	}
	payloadLen := unfragLen - header.IPv6MinimumSize + len(payload)
	if payloadLen > 0xffff {
		return fmt.Errorf("%w: %d byte payload", ErrTooLarge, payloadLen)
	}

	pkt := header.IPv6(make([]byte, header.IPv6MinimumSize+payloadLen))
	copy(pkt, first.Raw)
	copy(pkt[unfragLen:], payload)
	pkt[nextHdrOff] = uint8(first.Protocol)
	pkt.SetPayloadLength(uint16(payloadLen))
	d.pkt = pkt
	d.unfragLen = unfragLen
	d.frag = nil
	return nil
}

// Fragment splits pkt into fragments with identification id whose size does
// not exceed mtu. The unfragmentable part is repeated in every fragment and
// followed by a fragment header. A packet that already fits is returned as the
// only element.
func Fragment(pkt []byte, mtu int, id uint32) ([][]byte, error) {
	d, err := Parse(pkt)
	if err != nil {
		return nil, err
	}
	if len(d.pkt) <= mtu {
		return [][]byte{append([]byte(nil), d.pkt...)}, nil
	}
	if d.frag != nil {
		return nil, ErrAlreadyFragmented
	}
	unfragLen, nextHdrOff, next, err := walkUnfragmentable(d.pkt)
	if err != nil {
		return nil, err
	}

	innerMTU := (mtu - unfragLen - header.IPv6FragmentHeaderSize) &^ 7
	if innerMTU <= 0 {
		return nil, fmt.Errorf("%w: %d with a %d byte header", ErrMTUTooSmall, mtu, unfragLen)
	}
	payload := d.pkt[unfragLen:]
	n := (len(payload) + innerMTU - 1) / innerMTU

	frags := make([][]byte, 0, n)
	for i, offset := 0, 0; i < n; i++ {
		chunk := payload
		if len(chunk) > innerMTU {
			chunk = chunk[:innerMTU]
		}
		payload = payload[len(chunk):]

		hdrLen := unfragLen + header.IPv6FragmentHeaderSize
		h := header.IPv6(make([]byte, hdrLen+len(chunk)))
		copy(h, d.pkt[:unfragLen])
		h[nextHdrOff] = header.IPv6FragmentHeader
		h.SetPayloadLength(uint16(len(h) - header.IPv6MinimumSize))
		header.IPv6Fragment(h[unfragLen:]).Encode(&header.IPv6FragmentFields{
			NextHeader:     next,
			FragmentOffset: uint16(offset / fragmentation.FragmentOffsetUnit),
			M:              i != n-1,
			Identification: id,
		})
		copy(h[hdrLen:], chunk)
		offset += len(chunk)
		frags = append(frags, h)
	}
	return frags, nil
}
