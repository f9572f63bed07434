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
	"fmt"
	"time"

	"github.com/google/btree"
)

// btreeDegree is the degree of the per-stream fragment tree. Streams rarely
// hold more than a few dozen fragments, so a small degree keeps nodes compact.
const btreeDegree = 8

// fragment is one stored piece of a datagram. data is owned by the stream.
type fragment struct {
	offset int
	data   []byte
}

func fragmentLess(a, b fragment) bool {
	return a.offset < b.offset
}

// stream accumulates the fragments of one datagram.
type stream struct {
	// fragments is keyed by byte offset; offsets are unique.
	fragments *btree.BTreeG[fragment]

	// receivedSize is the sum of the payload lengths of the stored
	// fragments. Replacing a fragment at an existing offset does not change
	// it.
	receivedSize int

	// totalSize is the end of the fragment that arrived with the more
	// fragments flag clear. Only meaningful when endReceived is set.
	totalSize int

	endReceived bool

	// lastUpdate is the timestamp of the most recent fragment.
	lastUpdate time.Duration

	// first holds the header of the fragment at offset zero.
	first HeaderSnapshot

	timeout time.Duration
	overlap OverlapPolicy
}

func newStream(timeout time.Duration, overlap OverlapPolicy) *stream {
	return &stream{
		fragments: btree.NewG(btreeDegree, fragmentLess),
		timeout:   timeout,
		overlap:   overlap,
	}
}

// reset discards all accumulated state.
func (s *stream) reset() {
	s.fragments.Clear(false)
	s.receivedSize = 0
	s.totalSize = 0
	s.endReceived = false
	s.first = HeaderSnapshot{}
}

// addResult describes what addFragment did with a fragment.
type addResult struct {
	// timedOut is set when the stream was stale and was reset before the
	// fragment was stored.
	timedOut bool

	// discarded is set when the overlap policy kept the fragment already
	// stored at the same offset.
	discarded bool
}

// addFragment stores the fragment at byte offset with the given payload. The
// payload is copied. src is consulted for the header snapshot when offset is
// zero.
func (s *stream) addFragment(now time.Duration, offset int, more bool, payload []byte, src headerSource) addResult {
	var res addResult
	if s.fragments.Len() > 0 && now-s.lastUpdate > s.timeout {
		s.reset()
		res.timedOut = true
	}
	s.lastUpdate = now

	frag := fragment{offset: offset, data: append([]byte(nil), payload...)}
	if old, ok := s.fragments.Get(frag); ok {
		if !s.overlap.replaces(old, frag) {
			res.discarded = true
			return res
		}
		s.fragments.ReplaceOrInsert(frag)
	} else {
		s.fragments.ReplaceOrInsert(frag)
		s.receivedSize += len(frag.data)
	}

	if !more {
		s.totalSize = offset + len(frag.data)
		s.endReceived = true
	}

	if offset == 0 {
		s.first = HeaderSnapshot{
			Protocol: src.TransportProtocol(),
			Raw:      append([]byte(nil), src.Header()...),
		}
	}
	return res
}

// isComplete reports whether the size accounting says every byte has
// arrived. It does not prove contiguity; reconstruct does.
func (s *stream) isComplete() bool {
	if !s.endReceived || s.receivedSize != s.totalSize {
		return false
	}
	first, ok := s.fragments.Min()
	return ok && first.offset == 0
}

// reconstruct stitches the stored fragments into one buffer of totalSize
// bytes. It returns ErrFragmentGap if the fragments are not contiguous.
func (s *stream) reconstruct() ([]byte, HeaderSnapshot, error) {
	buf := make([]byte, 0, s.totalSize)
	expected := 0
	var err error
	s.fragments.Ascend(func(f fragment) bool {
		if f.offset != expected {
			err = fmt.Errorf("%w: expected offset %d, got %d", ErrFragmentGap, expected, f.offset)
			return false
		}
		expected += len(f.data)
		buf = append(buf, f.data...)
		return true
	})
	if err != nil {
		return nil, HeaderSnapshot{}, err
	}
	if expected != s.totalSize {
		return nil, HeaderSnapshot{}, fmt.Errorf("%w: stitched %d bytes, want %d", ErrFragmentGap, expected, s.totalSize)
	}
	return buf, s.first, nil
}
