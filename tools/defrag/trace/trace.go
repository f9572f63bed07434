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

// Package trace reads and writes packet traces for the defrag tool.
//
// Two formats are supported. The text format holds one packet per line: a
// timestamp in microseconds, whitespace, and the packet bytes in hex, starting
// at the IP header. Blank lines and lines starting with '#' are ignored. Files
// named *.pcap are read and written as pcap captures.
package trace

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxLineSize bounds a text trace line: a timestamp and a 64KiB packet in
// hex.
const maxLineSize = 32 + 2*65536

// ErrSyntax is returned for text trace lines that cannot be parsed.
var ErrSyntax = errors.New("invalid trace line")

// Packet is one captured IP packet.
type Packet struct {
	// Timestamp is the capture time.
	Timestamp time.Duration

	// Data holds the packet starting at the IP header.
	Data []byte
}

// IsPcap reports whether path names a pcap capture.
func IsPcap(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pcap")
}

// ReadText parses a text trace. name is used in error messages.
func ReadText(r io.Reader, name string) ([]Packet, error) {
	var pkts []Packet
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		pkt, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		pkts = append(pkts, pkt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return pkts, nil
}

func parseLine(line string) (Packet, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Packet{}, fmt.Errorf("%w: want 2 fields, got %d", ErrSyntax, len(fields))
	}
	us, err := strconv.ParseUint(fields[0], 10, 63)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: timestamp: %v", ErrSyntax, err)
	}
	data, err := hex.DecodeString(fields[1])
	if err != nil {
		return Packet{}, fmt.Errorf("%w: packet: %v", ErrSyntax, err)
	}
	return Packet{Timestamp: time.Duration(us) * time.Microsecond, Data: data}, nil
}

// WriteText writes pkts in the text format.
func WriteText(w io.Writer, pkts []Packet) error {
	bw := bufio.NewWriter(w)
	for _, p := range pkts {
		if _, err := fmt.Fprintf(bw, "%d %x\n", p.Timestamp.Microseconds(), p.Data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadFile reads the trace at path, choosing the format from its name.
func ReadFile(path string) ([]Packet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if IsPcap(path) {
		return ReadPcap(f, path)
	}
	return ReadText(f, path)
}

// WriteFile writes pkts to path, choosing the format from its name.
func WriteFile(path string, pkts []Packet) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if IsPcap(path) {
		err = WritePcap(f, pkts)
	} else {
		err = WriteText(f, pkts)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadFiles reads the traces at paths concurrently. The result holds one
// trace per path, in order.
func ReadFiles(ctx context.Context, paths []string) ([][]Packet, error) {
	traces := make([][]Packet, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			pkts, err := ReadFile(path)
			if err != nil {
				return err
			}
			traces[i] = pkts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return traces, nil
}

// Merge interleaves traces by timestamp. Packets with equal timestamps keep
// the order of their traces, then their order within a trace.
func Merge(traces [][]Packet) []Packet {
	var merged []Packet
	for _, t := range traces {
		merged = append(merged, t...)
	}
	slices.SortStableFunc(merged, func(a, b Packet) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return 0
		}
	})
	return merged
}
