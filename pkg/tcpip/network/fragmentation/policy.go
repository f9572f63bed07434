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
)

// OverlapPolicy selects which fragment is kept when two fragments of the same
// datagram arrive at the same offset.
type OverlapPolicy int

const (
	// OverlapNone keeps the newest arrival.
	OverlapNone OverlapPolicy = iota

	// OverlapFirstWins keeps the fragment that arrived first.
	OverlapFirstWins

	// OverlapPreferLarger keeps the longer payload. Ties go to the newest
	// arrival.
	OverlapPreferLarger
)

var overlapNames = map[OverlapPolicy]string{
	OverlapNone:         "none",
	OverlapFirstWins:    "first-wins",
	OverlapPreferLarger: "prefer-larger",
}

// replaces reports whether incoming should replace stored.
func (p OverlapPolicy) replaces(stored, incoming fragment) bool {
	switch p {
	case OverlapFirstWins:
		return false
	case OverlapPreferLarger:
		return len(incoming.data) >= len(stored.data)
	default:
		return true
	}
}

// String implements fmt.Stringer.
func (p OverlapPolicy) String() string {
	if name, ok := overlapNames[p]; ok {
		return name
	}
	return fmt.Sprintf("OverlapPolicy(%d)", int(p))
}

// Set implements flag.Value.
func (p *OverlapPolicy) Set(v string) error {
	for policy, name := range overlapNames {
		if name == v {
			*p = policy
			return nil
		}
	}
	return fmt.Errorf("invalid overlap policy %q", v)
}

// Get implements flag.Getter.
func (p *OverlapPolicy) Get() any {
	return *p
}

// MarshalText implements encoding.TextMarshaler.
func (p OverlapPolicy) MarshalText() ([]byte, error) {
	if _, ok := overlapNames[p]; !ok {
		return nil, fmt.Errorf("invalid overlap policy %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *OverlapPolicy) UnmarshalText(text []byte) error {
	return p.Set(string(text))
}
