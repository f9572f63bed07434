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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/defrag/pkg/log"
	"gvisor.dev/defrag/pkg/tcpip"
	"gvisor.dev/defrag/pkg/tcpip/header"
	"gvisor.dev/defrag/pkg/tcpip/network/fragmentation"
	"gvisor.dev/defrag/tools/defrag/trace"
)

func ipv4Packet(rng *rand.Rand, id uint16, payloadLen int) []byte {
	pkt := header.IPv4(make([]byte, header.IPv4MinimumSize+payloadLen))
	pkt.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(pkt)),
		ID:          id,
		TTL:         64,
		Protocol:    17,
		SrcAddr:     tcpip.Address("\x0a\x00\x00\x01"),
		DstAddr:     tcpip.Address("\x0a\x00\x00\x02"),
	})
	rng.Read(pkt[header.IPv4MinimumSize:])
	pkt.SetChecksum(^pkt.CalculateChecksum())
	return pkt
}

func ipv6Packet(rng *rand.Rand, payloadLen int) []byte {
	pkt := header.IPv6(make([]byte, header.IPv6MinimumSize+payloadLen))
	pkt.Encode(&header.IPv6Fields{
		PayloadLength: uint16(payloadLen),
		NextHeader:    17,
		HopLimit:      64,
		SrcAddr:       tcpip.Address("\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01"),
		DstAddr:       tcpip.Address("\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02"),
	})
	rng.Read(pkt[header.IPv6MinimumSize:])
	return pkt
}

func testOptions(t *testing.T, stats *fragmentation.Stats) fragmentation.Options {
	return fragmentation.Options{
		Stats:  stats,
		Logger: &log.BasicLogger{Level: log.Debug, Emitter: &log.TestEmitter{TestLogger: t}},
	}
}

func TestFragmentAndReplay(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	in := []trace.Packet{
		{Timestamp: 0, Data: ipv4Packet(rng, 1, 3000)},
		{Timestamp: time.Millisecond, Data: ipv4Packet(rng, 2, 100)},
		{Timestamp: 2 * time.Millisecond, Data: ipv6Packet(rng, 4000)},
	}

	c := &Fragment{mtu: 1280, ipv6ID: 7, reverse: true}
	frags, err := c.fragment(in)
	if err != nil {
		t.Fatalf("fragment failed: %v", err)
	}
	// 3 IPv4 fragments, the small packet, 4 IPv6 fragments.
	if got, want := len(frags), 8; got != want {
		t.Fatalf("got %d packets, want %d", got, want)
	}
	for _, p := range frags {
		if len(p.Data) > c.mtu {
			t.Errorf("packet of %d bytes exceeds the MTU", len(p.Data))
		}
	}

	stats := &fragmentation.Stats{}
	var lines bytes.Buffer
	out, err := replay(context.Background(), testOptions(t, stats), frags, &lines)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("replayed packets mismatch (-want +got):\n%s", diff)
	}
	if got := strings.Count(lines.String(), "\n"); got != len(frags) {
		t.Errorf("replay printed %d lines, want %d:\n%s", got, len(frags), lines.String())
	}
	if got := stats.Reassembled.Value(); got != 2 {
		t.Errorf("Reassembled = %d, want 2", got)
	}
	if got := stats.NotFragmented.Value(); got != 1 {
		t.Errorf("NotFragmented = %d, want 1", got)
	}
}

func TestReplayMalformed(t *testing.T) {
	stats := &fragmentation.Stats{}
	var lines bytes.Buffer
	pkts := []trace.Packet{
		{Timestamp: 5 * time.Microsecond, Data: []byte{0x45, 0x00}},
		{Timestamp: 6 * time.Microsecond, Data: []byte{0x10}},
	}
	out, err := replay(context.Background(), testOptions(t, stats), pkts, &lines)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("replay returned %d packets, want 0", len(out))
	}
	want := []string{"5 malformed: ", "6 malformed: unknown IP version: 1"}
	got := strings.Split(strings.TrimSuffix(lines.String(), "\n"), "\n")
	if len(got) != len(want) {
		t.Fatalf("replay printed %q, want %d lines", got, len(want))
	}
	for i := range want {
		if !strings.HasPrefix(got[i], want[i]) {
			t.Errorf("line %d = %q, want prefix %q", i, got[i], want[i])
		}
	}
	if got := stats.PacketsReceived.Value(); got != 0 {
		t.Errorf("PacketsReceived = %d, want 0", got)
	}
}

func TestReplayCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rng := rand.New(rand.NewSource(2))
	pkts := []trace.Packet{{Data: ipv4Packet(rng, 1, 10)}}
	if _, err := replay(ctx, testOptions(t, nil), pkts, &bytes.Buffer{}); !errors.Is(err, context.Canceled) {
		t.Errorf("replay() = %v, want %v", err, context.Canceled)
	}
}

func TestFragmentUnknownVersion(t *testing.T) {
	c := &Fragment{mtu: 100}
	if _, err := c.fragment([]trace.Packet{{Data: []byte{0x20}}}); !errors.Is(err, errUnknownVersion) {
		t.Errorf("fragment() = %v, want %v", err, errUnknownVersion)
	}
}

func TestWriteStats(t *testing.T) {
	stats := (&fragmentation.Stats{}).FillIn()
	stats.Reassembled.IncrementBy(3)
	var buf bytes.Buffer
	writeStats(&buf, stats)
	if !strings.Contains(buf.String(), "Reassembled: 3\n") {
		t.Errorf("writeStats output lacks the reassembled counter:\n%s", buf.String())
	}
}
