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
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/defrag/pkg/tcpip"
)

// fakeHeader is a headerSource with a fixed header.
type fakeHeader struct {
	hdr   []byte
	proto tcpip.TransportProtocolNumber
}

func (h fakeHeader) Header() []byte { return h.hdr }
func (h fakeHeader) TransportProtocol() tcpip.TransportProtocolNumber { return h.proto }

type addParams struct {
	now     time.Duration
	offset  int
	more    bool
	payload string
	hdr     string
}

func (p addParams) add(s *stream) addResult {
	return s.addFragment(p.now, p.offset, p.more, []byte(p.payload), fakeHeader{hdr: []byte(p.hdr), proto: 17})
}

func TestStreamReconstruct(t *testing.T) {
	tests := []struct {
		name         string
		params       []addParams
		wantComplete bool
		wantPayload  string
		wantHeader   string
		wantErr      error
	}{
		{
			name: "two pieces in order",
			params: []addParams{
				{offset: 0, more: true, payload: "ABCD", hdr: "first"},
				{offset: 4, more: false, payload: "EFGH", hdr: "last"},
			},
			wantComplete: true,
			wantPayload:  "ABCDEFGH",
			wantHeader:   "first",
		},
		{
			name: "two pieces reversed",
			params: []addParams{
				{offset: 4, more: false, payload: "EFGH", hdr: "last"},
				{offset: 0, more: true, payload: "ABCD", hdr: "first"},
			},
			wantComplete: true,
			wantPayload:  "ABCDEFGH",
			wantHeader:   "first",
		},
		{
			name: "missing end",
			params: []addParams{
				{offset: 0, more: true, payload: "ABCD"},
				{offset: 4, more: true, payload: "EFGH"},
			},
		},
		{
			name: "missing start",
			params: []addParams{
				{offset: 4, more: false, payload: "EFGH"},
			},
		},
		{
			name: "missing middle",
			params: []addParams{
				{offset: 0, more: true, payload: "AB"},
				{offset: 4, more: false, payload: "EF"},
			},
		},
		{
			name: "duplicate offset, newest wins",
			params: []addParams{
				{offset: 0, more: true, payload: "abcd", hdr: "old"},
				{offset: 4, more: false, payload: "EFGH"},
				{offset: 0, more: true, payload: "ABCD", hdr: "new"},
			},
			wantComplete: true,
			wantPayload:  "ABCDEFGH",
			wantHeader:   "new",
		},
		{
			name: "single empty final fragment",
			params: []addParams{
				{offset: 0, more: false, payload: "", hdr: "h"},
			},
			wantComplete: true,
			wantPayload:  "",
			wantHeader:   "h",
		},
		{
			name: "size check passes over a gap",
			params: []addParams{
				{offset: 0, more: true, payload: "ABCDEFGH"},
				// Replacing with a shorter payload leaves receivedSize at 8.
				{offset: 0, more: true, payload: "ABCD"},
				{offset: 8, more: false, payload: "IJKLMNOP"},
			},
			wantComplete: true,
			wantErr:      ErrFragmentGap,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newStream(DefaultTimeout, OverlapNone)
			for _, p := range test.params {
				p.add(s)
			}
			if got := s.isComplete(); got != test.wantComplete {
				t.Fatalf("isComplete() = %t, want %t", got, test.wantComplete)
			}
			if !test.wantComplete {
				return
			}
			payload, first, err := s.reconstruct()
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("reconstruct() error = %v, want %v", err, test.wantErr)
			}
			if err != nil {
				if payload != nil {
					t.Errorf("reconstruct() payload = %q on error, want nil", payload)
				}
				return
			}
			if payload == nil {
				t.Fatalf("reconstruct() payload = nil, want non-nil")
			}
			if diff := cmp.Diff(test.wantPayload, string(payload)); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
			want := HeaderSnapshot{Protocol: 17, Raw: []byte(test.wantHeader)}
			if diff := cmp.Diff(want, first); diff != "" {
				t.Errorf("header snapshot mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStreamAccounting(t *testing.T) {
	s := newStream(DefaultTimeout, OverlapNone)
	addParams{offset: 8, more: true, payload: "12345678"}.add(s)
	addParams{offset: 8, more: true, payload: "1234"}.add(s)
	addParams{offset: 16, more: false, payload: "abc"}.add(s)

	if got, want := s.receivedSize, 11; got != want {
		t.Errorf("receivedSize = %d, want %d", got, want)
	}
	if got, want := s.totalSize, 19; got != want {
		t.Errorf("totalSize = %d, want %d", got, want)
	}
	if !s.endReceived {
		t.Errorf("endReceived = false, want true")
	}
	if got, want := s.fragments.Len(), 2; got != want {
		t.Errorf("fragments.Len() = %d, want %d", got, want)
	}
}

func TestStreamSnapshotIsCopied(t *testing.T) {
	s := newStream(DefaultTimeout, OverlapNone)
	hdr := []byte("header")
	payload := []byte("ABCDEFGH")
	s.addFragment(0, 0, false, payload, fakeHeader{hdr: hdr, proto: 6})

	// Scribble over the caller's buffers; the stream must not see it.
	copy(hdr, "XXXXXX")
	copy(payload, "XXXXXXXX")

	got, first, err := s.reconstruct()
	if err != nil {
		t.Fatalf("reconstruct() failed: %v", err)
	}
	if string(got) != "ABCDEFGH" {
		t.Errorf("payload = %q, want %q", got, "ABCDEFGH")
	}
	if string(first.Raw) != "header" || first.Protocol != 6 {
		t.Errorf("snapshot = %+v, want header/6", first)
	}
}

func TestStreamTimeout(t *testing.T) {
	tests := []struct {
		name         string
		gap          time.Duration
		wantTimedOut bool
	}{
		{name: "within timeout", gap: time.Second},
		{name: "exactly timeout", gap: DefaultTimeout},
		{name: "past timeout", gap: DefaultTimeout + time.Microsecond, wantTimedOut: true},
		{name: "far past timeout", gap: 3 * time.Second, wantTimedOut: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newStream(DefaultTimeout, OverlapNone)
			addParams{now: 0, offset: 0, more: true, payload: "ABCDEFGH", hdr: "h"}.add(s)
			res := addParams{now: test.gap, offset: 8, more: false, payload: "IJKLMNOP"}.add(s)
			if res.timedOut != test.wantTimedOut {
				t.Fatalf("timedOut = %t, want %t", res.timedOut, test.wantTimedOut)
			}
			if got := s.isComplete(); got == test.wantTimedOut {
				t.Errorf("isComplete() = %t, want %t", got, !test.wantTimedOut)
			}
			if s.lastUpdate != test.gap {
				t.Errorf("lastUpdate = %v, want %v", s.lastUpdate, test.gap)
			}
			if test.wantTimedOut && s.first.Raw != nil {
				t.Errorf("header snapshot survived the reset: %q", s.first.Raw)
			}
		})
	}
}

func TestStreamOverlapPolicy(t *testing.T) {
	tests := []struct {
		name          string
		policy        OverlapPolicy
		second        string
		wantPayload   string
		wantDiscarded bool
	}{
		{name: "none, same size", policy: OverlapNone, second: "abcdefgh", wantPayload: "abcdefgh"},
		{name: "first wins", policy: OverlapFirstWins, second: "abcdefgh", wantPayload: "ABCDEFGH", wantDiscarded: true},
		{name: "prefer larger, tie", policy: OverlapPreferLarger, second: "abcdefgh", wantPayload: "abcdefgh"},
		{name: "prefer larger, shorter", policy: OverlapPreferLarger, second: "abcd", wantPayload: "ABCDEFGH", wantDiscarded: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newStream(DefaultTimeout, test.policy)
			addParams{offset: 0, more: true, payload: "ABCDEFGH"}.add(s)
			res := addParams{offset: 0, more: true, payload: test.second}.add(s)
			if res.discarded != test.wantDiscarded {
				t.Errorf("discarded = %t, want %t", res.discarded, test.wantDiscarded)
			}
			addParams{offset: 8, more: false, payload: "IJKLMNOP"}.add(s)
			payload, _, err := s.reconstruct()
			if err != nil {
				t.Fatalf("reconstruct() failed: %v", err)
			}
			if got, want := string(payload), test.wantPayload+"IJKLMNOP"; got != want {
				t.Errorf("payload = %q, want %q", got, want)
			}
		})
	}
}
