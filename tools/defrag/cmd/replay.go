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
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/defrag/pkg/log"
	"gvisor.dev/defrag/pkg/tcpip/network/fragmentation"
	"gvisor.dev/defrag/tools/defrag/config"
	"gvisor.dev/defrag/tools/defrag/trace"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	out   string
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "reassemble the fragments found in packet traces"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [flags] <trace>... - feed the packets of the traces, merged by timestamp, to the reassembler.

Prints one line per packet with the outcome, then the counters. Traces are
text files (<timestamp-us> <hex>, one packet per line) or *.pcap captures.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	config.RegisterFlags(f)
	f.StringVar(&r.out, "out", "", "write a trace where fragments are replaced by the reassembled datagrams.")
	f.BoolVar(&r.quiet, "quiet", false, "only print the counters.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := r.execute(ctx, f); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (r *Replay) execute(ctx context.Context, f *flag.FlagSet) error {
	conf, err := config.NewFromFlags(f)
	if err != nil {
		return err
	}
	closeLog, err := conf.SetupLogging(r.Name())
	if err != nil {
		return err
	}
	defer closeLog()

	traces, err := trace.ReadFiles(ctx, f.Args())
	if err != nil {
		return err
	}
	pkts := trace.Merge(traces)
	log.Infof("replaying %d packets from %d traces", len(pkts), len(traces))

	w := bufio.NewWriter(os.Stdout)
	var lines io.Writer = w
	if r.quiet {
		lines = io.Discard
	}
	stats := &fragmentation.Stats{}
	out, err := replay(ctx, conf.FragmentationOptions(stats), pkts, lines)
	if err != nil {
		return err
	}
	writeStats(w, stats)
	if err := w.Flush(); err != nil {
		return err
	}

	if r.out != "" {
		if err := trace.WriteFile(r.out, out); err != nil {
			return err
		}
		log.Infof("wrote %d packets to %s", len(out), r.out)
	}
	return nil
}

// replay feeds pkts, in order, to a new Fragmentation and writes the outcome
// of each to w. It returns the packets that were not fragments along with the
// reassembled datagrams, each at the timestamp it was completed.
func replay(ctx context.Context, opts fragmentation.Options, pkts []trace.Packet, w io.Writer) ([]trace.Packet, error) {
	f := fragmentation.NewFragmentation(opts)
	var out []trace.Packet
	for i, p := range pkts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		us := p.Timestamp.Microseconds()
		d, err := parseDatagram(p.Data)
		if err != nil {
			log.Warningf("packet %d at %dus: %v", i, us, err)
			fmt.Fprintf(w, "%d malformed: %v\n", us, err)
			continue
		}

		// Reassembly rewrites d, so the key is taken first.
		id := fragmentation.NewFragmentID(d.ID(), d.SourceAddress(), d.DestinationAddress())
		status, err := f.Process(p.Timestamp, d)
		switch {
		case err != nil:
			fmt.Fprintf(w, "%d %s %s error: %v\n", us, status, id, err)
		case status == fragmentation.Fragmented:
			fmt.Fprintf(w, "%d %s %s offset %d\n", us, status, id, int(d.FragmentOffset())*fragmentation.FragmentOffsetUnit)
		case status == fragmentation.Reassembled:
			fmt.Fprintf(w, "%d %s %s %d bytes\n", us, status, id, len(d.Bytes()))
		default:
			fmt.Fprintf(w, "%d %s %s -> %s %d bytes\n", us, status, d.SourceAddress(), d.DestinationAddress(), len(d.Bytes()))
		}
		if err == nil && status != fragmentation.Fragmented {
			out = append(out, trace.Packet{Timestamp: p.Timestamp, Data: d.Bytes()})
		}
	}
	if f.Len() > 0 {
		log.Infof("%d reassemblies left incomplete", f.Len())
	}
	return out, nil
}

func writeStats(w io.Writer, stats *fragmentation.Stats) {
	stats.Each(func(name string, value uint64) {
		fmt.Fprintf(w, "%s: %d\n", name, value)
	})
}
