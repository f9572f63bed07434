// Copyright 2020 The gVisor Authors.
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

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/defrag/pkg/tcpip"
	"gvisor.dev/defrag/pkg/tcpip/header"
)

const (
	addr1 = tcpip.Address("\x0a\x00\x00\x01")
	addr2 = tcpip.Address("\x0a\x00\x00\x02")
)

func TestIPv4EncodeDecode(t *testing.T) {
	tests := []struct {
		name       string
		fields     header.IPv4Fields
		wantMore   bool
		wantOffset uint16
	}{
		{
			name: "unfragmented",
			fields: header.IPv4Fields{
				TotalLength: header.IPv4MinimumSize + 8,
				ID:          0x1234,
				Flags:       header.IPv4FlagDontFragment,
				TTL:         64,
				Protocol:    17,
				SrcAddr:     addr1,
				DstAddr:     addr2,
			},
		},
		{
			name: "first fragment",
			fields: header.IPv4Fields{
				TotalLength: header.IPv4MinimumSize + 16,
				ID:          7,
				Flags:       header.IPv4FlagMoreFragments,
				TTL:         1,
				Protocol:    6,
				SrcAddr:     addr2,
				DstAddr:     addr1,
			},
			wantMore: true,
		},
		{
			name: "last fragment with options",
			fields: header.IPv4Fields{
				TotalLength:    header.IPv4MinimumSize + 4 + 3,
				ID:             0xffff,
				FragmentOffset: 8 * 100,
				TTL:            255,
				Protocol:       1,
				SrcAddr:        addr1,
				DstAddr:        addr2,
				Options:        []byte{1, 1, 1, 0},
			},
			wantOffset: 100,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := header.IPv4(make([]byte, test.fields.TotalLength))
			b.Encode(&test.fields)
			b.SetChecksum(^b.CalculateChecksum())

			if !b.IsValid(len(b)) {
				t.Fatalf("IsValid(%d) = false for %x", len(b), []byte(b))
			}
			if !b.IsChecksumValid() {
				t.Errorf("IsChecksumValid() = false")
			}
			got := header.IPv4Fields{
				TotalLength:    b.TotalLength(),
				ID:             b.ID(),
				Flags:          b.Flags(),
				FragmentOffset: b.FragmentOffset() * header.IPv4FragmentOffsetUnit,
				TTL:            b.TTL(),
				Protocol:       b.Protocol(),
				SrcAddr:        b.SourceAddress(),
				DstAddr:        b.DestinationAddress(),
			}
			if opts := b.Options(); len(opts) != 0 {
				got.Options = opts
			}
			want := test.fields
			if diff := cmp.Diff(want, got, cmp.FilterPath(func(p cmp.Path) bool {
				return p.Last().String() == ".Checksum"
			}, cmp.Ignore())); diff != "" {
				t.Errorf("decoded fields mismatch (-want +got):\n%s", diff)
			}
			if got := b.More(); got != test.wantMore {
				t.Errorf("More() = %t, want %t", got, test.wantMore)
			}
			if got := b.FragmentOffset(); got != test.wantOffset {
				t.Errorf("FragmentOffset() = %d, want %d", got, test.wantOffset)
			}
			if got, want := len(b.Payload()), int(b.PayloadLength()); got != want {
				t.Errorf("len(Payload()) = %d, want %d", got, want)
			}
		})
	}
}

func TestIPv4IsValid(t *testing.T) {
	valid := func() header.IPv4 {
		b := header.IPv4(make([]byte, header.IPv4MinimumSize+4))
		b.Encode(&header.IPv4Fields{TotalLength: header.IPv4MinimumSize + 4, SrcAddr: addr1, DstAddr: addr2})
		return b
	}
	tests := []struct {
		name   string
		mutate func(header.IPv4) header.IPv4
		want   bool
	}{
		{
			name:   "valid",
			mutate: func(b header.IPv4) header.IPv4 { return b },
			want:   true,
		},
		{
			name:   "too short",
			mutate: func(b header.IPv4) header.IPv4 { return b[:header.IPv4MinimumSize-1] },
		},
		{
			name: "total length past buffer",
			mutate: func(b header.IPv4) header.IPv4 {
				b.SetTotalLength(uint16(len(b) + 1))
				return b
			},
		},
		{
			name: "header length below minimum",
			mutate: func(b header.IPv4) header.IPv4 {
				b.SetHeaderLength(header.IPv4MinimumSize - 4)
				return b
			},
		},
		{
			name: "wrong version",
			mutate: func(b header.IPv4) header.IPv4 {
				b[0] = header.IPv6Version<<4 | b[0]&0xf
				return b
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := test.mutate(valid())
			if got := b.IsValid(len(b)); got != test.want {
				t.Errorf("IsValid(%d) = %t, want %t", len(b), got, test.want)
			}
		})
	}
}

func TestIPv6FragmentEncode(t *testing.T) {
	tests := []header.IPv6FragmentFields{
		{NextHeader: 17, FragmentOffset: 0, M: true, Identification: 1},
		{NextHeader: 6, FragmentOffset: 8191, M: false, Identification: 0xdeadbeef},
		{NextHeader: 58, FragmentOffset: 185, M: true, Identification: 42},
	}
	for _, want := range tests {
		b := header.IPv6Fragment(make([]byte, header.IPv6FragmentHeaderSize))
		b.Encode(&want)
		if !b.IsValid() {
			t.Fatalf("IsValid() = false for %x", []byte(b))
		}
		got := header.IPv6FragmentFields{
			NextHeader:     b.NextHeader(),
			FragmentOffset: b.FragmentOffset(),
			M:              b.More(),
			Identification: b.ID(),
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("fragment header mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestIPv6ExtHdrLength(t *testing.T) {
	if got := header.IPv6ExtHdrLength([]byte{0}); got != -1 {
		t.Errorf("IPv6ExtHdrLength(short) = %d, want -1", got)
	}
	if got := header.IPv6ExtHdrLength([]byte{17, 2}); got != 24 {
		t.Errorf("IPv6ExtHdrLength({17, 2}) = %d, want 24", got)
	}
}
