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

package trace

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"gvisor.dev/defrag/pkg/log"
)

// snapLen is the snapshot length written to pcap file headers.
const snapLen = 65536

// ReadPcap reads a pcap capture. Link-layer framing is stripped; frames that
// do not carry IPv4 or IPv6 are skipped. name is used in error messages.
func ReadPcap(r io.Reader, name string) ([]Packet, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	linkType := pr.LinkType()

	var pkts []Packet
	for frame := 1; ; frame++ {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return pkts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: frame %d: %w", name, frame, err)
		}

		packet := gopacket.NewPacket(data, linkType, gopacket.Lazy)
		nl := packet.NetworkLayer()
		switch nl.(type) {
		case *layers.IPv4, *layers.IPv6:
		default:
			log.Debugf("%s: frame %d: skipping non-IP frame", name, frame)
			continue
		}
		ip := make([]byte, 0, len(nl.LayerContents())+len(nl.LayerPayload()))
		ip = append(ip, nl.LayerContents()...)
		ip = append(ip, nl.LayerPayload()...)
		pkts = append(pkts, Packet{
			Timestamp: time.Duration(ci.Timestamp.UnixNano()),
			Data:      ip,
		})
	}
}

// WritePcap writes pkts as a pcap capture of raw IP packets.
func WritePcap(w io.Writer, pkts []Packet) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return err
	}
	for _, p := range pkts {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(0, int64(p.Timestamp)),
			CaptureLength: len(p.Data),
			Length:        len(p.Data),
		}
		if err := pw.WritePacket(ci, p.Data); err != nil {
			return err
		}
	}
	return nil
}
