package network

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/face.relay/internal/monitoring"
)

// ReplayPacket is one UDP payload extracted from a capture.
type ReplayPacket struct {
	Payload   []byte
	Timestamp time.Time
	SrcPort   uint16
	DstPort   uint16
}

// ReplayOptions controls capture replay.
type ReplayOptions struct {
	// Port keeps only datagrams sent to this UDP port; 0 keeps all.
	Port int
	// Realtime sleeps between packets to reproduce the captured timing.
	Realtime bool
	// Speed scales realtime playback; 0 means 1.0.
	Speed float64
}

// ReplaySummary describes a finished replay.
type ReplaySummary struct {
	Frames   int           // capture records read
	Payloads int           // UDP payloads handed to the callback
	Skipped  int           // records that were not matching UDP datagrams
	Span     time.Duration // capture time between first and last payload
}

type packetDataSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// ReadPCAPFile replays tracking datagrams from a pcap or pcapng file.
func ReadPCAPFile(ctx context.Context, path string, opts ReplayOptions, handle func(ReplayPacket) error) (ReplaySummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplaySummary{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReadPCAP(ctx, f, opts, handle)
}

// ReadPCAP replays UDP payloads from a capture stream, calling handle for
// each in capture order. An error from handle stops the replay.
func ReadPCAP(ctx context.Context, r io.Reader, opts ReplayOptions, handle func(ReplayPacket) error) (ReplaySummary, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return ReplaySummary{}, fmt.Errorf("failed to read capture header: %w", err)
	}

	var src packetDataSource
	if bytes.Equal(magic, pcapngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return ReplaySummary{}, fmt.Errorf("failed to open capture: %w", err)
	}

	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}

	var (
		summary     ReplaySummary
		first, prev time.Time
		wallStart   = time.Now()
	)
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("failed to read capture record %d: %w", summary.Frames+1, err)
		}
		summary.Frames++

		pkt := gopacket.NewPacket(data, src.LinkType(), gopacket.NoCopy)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			summary.Skipped++
			continue
		}
		if opts.Port != 0 && int(udp.DstPort) != opts.Port {
			summary.Skipped++
			continue
		}

		if first.IsZero() {
			first = ci.Timestamp
		}
		if opts.Realtime && !prev.IsZero() {
			due := wallStart.Add(time.Duration(float64(ci.Timestamp.Sub(first)) / speed))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return summary, ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		prev = ci.Timestamp

		payload := make([]byte, len(udp.Payload))
		copy(payload, udp.Payload)
		if err := handle(ReplayPacket{
			Payload:   payload,
			Timestamp: ci.Timestamp,
			SrcPort:   uint16(udp.SrcPort),
			DstPort:   uint16(udp.DstPort),
		}); err != nil {
			return summary, err
		}
		summary.Payloads++
		summary.Span = ci.Timestamp.Sub(first)

		if summary.Payloads%10000 == 0 {
			monitoring.Logf("[face/replay] progress: %d datagrams replayed", summary.Payloads)
		}
	}

	monitoring.Logf("[face/replay] complete: %d records, %d datagrams, %d skipped, %v of capture",
		summary.Frames, summary.Payloads, summary.Skipped, summary.Span)
	return summary, nil
}
