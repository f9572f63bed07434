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

// Package fragmentation implements IP fragment reassembly.
//
// A Fragmentation is fed one datagram at a time together with the time it was
// captured. Fragments are grouped by identifier and address pair into streams;
// once a stream holds every byte of the original payload the datagram that
// completed it is rewritten in place into the unfragmented original.
//
// All time-based behavior is driven by the timestamps passed to Process. The
// wall clock is never read, so replaying the same input always produces the
// same output.
package fragmentation

import (
	"errors"
	"fmt"
	"time"

	"gvisor.dev/defrag/pkg/log"
	"gvisor.dev/defrag/pkg/tcpip"
)

const (
	// DefaultTimeout is how long a stream may go without receiving a
	// fragment before its state is discarded.
	DefaultTimeout = 2 * time.Second

	// DefaultMaxStreams is the number of streams above which Process
	// sweeps the table for timed out streams.
	DefaultMaxStreams = 100

	// FragmentOffsetUnit is the unit, in bytes, of the fragment offset
	// carried on the wire.
	FragmentOffsetUnit = 8
)

// ErrFragmentGap is returned by Process when a stream's size accounting said
// it was complete but its fragments do not cover the payload contiguously.
// The stream has been discarded.
var ErrFragmentGap = errors.New("fragments are not contiguous")

// Status is the outcome of processing one datagram.
type Status int

const (
	// NotFragmented means the datagram was not a fragment and was left
	// untouched.
	NotFragmented Status = iota

	// Fragmented means the datagram was a fragment and its reassembly is
	// not complete. If Process also returned an error, the reassembly has
	// failed and was discarded.
	Fragmented

	// Reassembled means the datagram completed a reassembly and now holds
	// the full original payload.
	Reassembled
)

func (s Status) String() string {
	switch s {
	case NotFragmented:
		return "not-fragmented"
	case Fragmented:
		return "fragmented"
	case Reassembled:
		return "reassembled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// FragmentID identifies a reassembly: the fragmentation identifier and the
// pair of endpoint addresses. Low and High hold the two addresses in
// lexicographic order, so the direction of the datagram does not matter.
type FragmentID struct {
	ID   uint32
	Low  tcpip.Address
	High tcpip.Address
}

// NewFragmentID returns the FragmentID for identifier id exchanged between
// addresses a and b.
func NewFragmentID(id uint32, a, b tcpip.Address) FragmentID {
	if b < a {
		a, b = b, a
	}
	return FragmentID{ID: id, Low: a, High: b}
}

func (id FragmentID) String() string {
	return fmt.Sprintf("%d/%s-%s", id.ID, id.Low, id.High)
}

// Options configures a Fragmentation. Zero values select the defaults.
type Options struct {
	// Timeout is how long a stream may go without receiving a fragment.
	Timeout time.Duration

	// MaxStreams is the stream count above which a sweep is triggered.
	MaxStreams int

	// Overlap selects which fragment wins when two share an offset.
	Overlap OverlapPolicy

	// Stats receives the counters. If nil, a private set is allocated.
	Stats *Stats

	// Logger receives diagnostics. If nil, the global logger is used.
	Logger log.Logger
}

// Fragmentation is the reassembly table. It is not safe for concurrent use;
// callers feeding it from several sources must serialize calls to Process.
type Fragmentation struct {
	timeout    time.Duration
	maxStreams int
	overlap    OverlapPolicy
	stats      *Stats
	logger     log.Logger

	streams map[FragmentID]*stream
}

// NewFragmentation creates a new Fragmentation.
func NewFragmentation(opts Options) *Fragmentation {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxStreams <= 0 {
		opts.MaxStreams = DefaultMaxStreams
	}
	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	return &Fragmentation{
		timeout:    opts.Timeout,
		maxStreams: opts.MaxStreams,
		overlap:    opts.Overlap,
		stats:      opts.Stats.FillIn(),
		logger:     opts.Logger,
		streams:    make(map[FragmentID]*stream),
	}
}

// Stats returns the counters of f.
func (f *Fragmentation) Stats() *Stats {
	return f.stats
}

// Len returns the number of streams currently tracked.
func (f *Fragmentation) Len() int {
	return len(f.streams)
}

// Process feeds d, captured at time now, to the table.
//
// A datagram that is not a fragment is returned as NotFragmented and left
// untouched. A fragment that does not complete its stream yields Fragmented.
// A fragment that completes its stream is rewritten in place into the
// reassembled datagram and Reassembled is returned. If the completed stream
// turns out to be corrupt it is discarded and Process returns Fragmented
// together with an error wrapping ErrFragmentGap.
func (f *Fragmentation) Process(now time.Duration, d Datagram) (Status, error) {
	f.stats.PacketsReceived.Increment()

	more, offset := d.More(), d.FragmentOffset()
	if !more && offset == 0 {
		f.stats.NotFragmented.Increment()
		return NotFragmented, nil
	}
	f.stats.FragmentsReceived.Increment()

	id := NewFragmentID(d.ID(), d.SourceAddress(), d.DestinationAddress())
	if len(f.streams) > f.maxStreams {
		f.sweep(now)
	}

	s, ok := f.streams[id]
	if !ok {
		s = newStream(f.timeout, f.overlap)
		f.streams[id] = s
	}
	res := s.addFragment(now, int(offset)*FragmentOffsetUnit, more, d.Payload(), d)
	if res.timedOut {
		f.stats.Timeouts.Increment()
		if f.logger.IsLogging(log.Debug) {
			f.logger.Debugf("fragmentation: stream %s timed out, restarting", id)
		}
	}
	if res.discarded {
		f.stats.OverlapDiscarded.Increment()
	}

	if !s.isComplete() {
		return Fragmented, nil
	}

	payload, first, err := s.reconstruct()
	delete(f.streams, id)
	if err != nil {
		f.stats.ReassemblyErrors.Increment()
		f.logger.Warningf("fragmentation: discarding stream %s: %v", id, err)
		return Fragmented, fmt.Errorf("stream %s: %w", id, err)
	}
	if err := d.Reassemble(first, payload); err != nil {
		f.stats.ReassemblyErrors.Increment()
		f.logger.Warningf("fragmentation: rebuilding datagram for stream %s: %v", id, err)
		return Fragmented, fmt.Errorf("stream %s: rebuilding datagram: %w", id, err)
	}
	f.stats.Reassembled.Increment()
	return Reassembled, nil
}

// sweep removes every stream that has not received a fragment within the
// timeout.
func (f *Fragmentation) sweep(now time.Duration) {
	evicted := 0
	for id, s := range f.streams {
		if now-s.lastUpdate > f.timeout {
			delete(f.streams, id)
			evicted++
		}
	}
	f.stats.Evicted.IncrementBy(uint64(evicted))
	if evicted > 0 && f.logger.IsLogging(log.Debug) {
		f.logger.Debugf("fragmentation: evicted %d stale streams, %d remain", evicted, len(f.streams))
	}
}
