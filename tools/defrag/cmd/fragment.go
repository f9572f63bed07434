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
	"context"
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/google/subcommands"
	"gvisor.dev/defrag/pkg/log"
	"gvisor.dev/defrag/pkg/tcpip/header"
	"gvisor.dev/defrag/pkg/tcpip/network/ipv4"
	"gvisor.dev/defrag/pkg/tcpip/network/ipv6"
	"gvisor.dev/defrag/tools/defrag/trace"
)

// Fragment implements subcommands.Command for the "fragment" command.
type Fragment struct {
	mtu     int
	ipv6ID  uint
	reverse bool
}

// Name implements subcommands.Command.Name.
func (*Fragment) Name() string {
	return "fragment"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Fragment) Synopsis() string {
	return "split the packets of a trace into fragments"
}

// Usage implements subcommands.Command.Usage.
func (*Fragment) Usage() string {
	return `fragment [flags] <in> <out> - split every packet of <in> larger than the MTU.

Fragments keep the timestamp of the packet they were cut from.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Fragment) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.mtu, "mtu", 1500, "maximum size of an output packet, including the IP header.")
	f.UintVar(&c.ipv6ID, "ipv6-id", 1, "identification of the first fragmented IPv6 packet; incremented for each one.")
	f.BoolVar(&c.reverse, "reverse", false, "emit the fragments of each packet last to first.")
}

// Execute implements subcommands.Command.Execute.
func (c *Fragment) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := c.execute(f.Arg(0), f.Arg(1)); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *Fragment) execute(in, out string) error {
	pkts, err := trace.ReadFile(in)
	if err != nil {
		return err
	}
	frags, err := c.fragment(pkts)
	if err != nil {
		return err
	}
	if err := trace.WriteFile(out, frags); err != nil {
		return err
	}
	log.Infof("wrote %d packets from %d", len(frags), len(pkts))
	return nil
}

// fragment splits every packet of pkts to fit c.mtu.
func (c *Fragment) fragment(pkts []trace.Packet) ([]trace.Packet, error) {
	id := uint32(c.ipv6ID)
	var out []trace.Packet
	for i, p := range pkts {
		var (
			pieces [][]byte
			err    error
		)
		switch v := header.IPVersion(p.Data); v {
		case header.IPv4Version:
			pieces, err = ipv4.Fragment(p.Data, c.mtu)
		case header.IPv6Version:
			pieces, err = ipv6.Fragment(p.Data, c.mtu, id)
			if len(pieces) > 1 {
				id++
			}
		default:
			err = fmt.Errorf("%w: %d", errUnknownVersion, v)
		}
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		if c.reverse {
			slices.Reverse(pieces)
		}
		for _, b := range pieces {
			out = append(out, trace.Packet{Timestamp: p.Timestamp, Data: b})
		}
	}
	return out, nil
}
