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
	"reflect"

	"gvisor.dev/defrag/pkg/tcpip"
)

// Stats holds the counters kept by a Fragmentation.
type Stats struct {
	// PacketsReceived is the number of datagrams passed to Process.
	PacketsReceived *tcpip.StatCounter

	// NotFragmented is the number of datagrams passed through untouched.
	NotFragmented *tcpip.StatCounter

	// FragmentsReceived is the number of fragments fed to a stream.
	FragmentsReceived *tcpip.StatCounter

	// Reassembled is the number of datagrams successfully rebuilt.
	Reassembled *tcpip.StatCounter

	// ReassemblyErrors is the number of streams that passed the size check
	// but could not be stitched or rebuilt. Their state is discarded.
	ReassemblyErrors *tcpip.StatCounter

	// Timeouts is the number of streams reset in place because a fragment
	// arrived after the timeout elapsed.
	Timeouts *tcpip.StatCounter

	// Evicted is the number of streams removed by the capacity sweep.
	Evicted *tcpip.StatCounter

	// OverlapDiscarded is the number of fragments dropped by the overlap
	// policy in favour of one already stored at the same offset.
	OverlapDiscarded *tcpip.StatCounter
}

// FillIn allocates any nil counters and returns s.
func (s *Stats) FillIn() *Stats {
	tcpip.FillIn(s)
	return s
}

// Each calls fn with the name and value of every counter, in declaration
// order. s must have been filled in.
func (s *Stats) Each(fn func(name string, value uint64)) {
	v := reflect.ValueOf(s).Elem()
	for i := 0; i < v.NumField(); i++ {
		fn(v.Type().Field(i).Name, v.Field(i).Interface().(*tcpip.StatCounter).Value())
	}
}
