// Command pcap-replay replays captured tracking datagrams. By default it
// feeds them through a local decoder and prints the final state and mapped
// channels; with -send it resends them to a live receiver.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/face.relay/internal/config"
	"github.com/banshee-data/face.relay/internal/face"
	"github.com/banshee-data/face.relay/internal/face/codec"
	"github.com/banshee-data/face.relay/internal/face/network"
	"github.com/banshee-data/face.relay/internal/monitoring"
)

var (
	pcapFile   = flag.String("pcap", "", "Path to a pcap or pcapng capture (required)")
	udpPort    = flag.Int("port", config.DefaultListenPort, "UDP destination port to replay (0 replays every UDP datagram)")
	sendAddr   = flag.String("send", "", "Resend datagrams to this receiver address instead of decoding locally")
	realtime   = flag.Bool("realtime", false, "Preserve capture timing")
	speed      = flag.Float64("speed", 1, "Playback speed multiplier with -realtime")
	configPath = flag.String("config", "", "Receiver configuration used to map the final state")
	quiet      = flag.Bool("quiet", false, "Suppress per-datagram warnings")
)

// channelOut is one mapped channel in the report.
type channelOut struct {
	Channel string  `json:"channel"`
	Value   float32 `json:"value"`
}

// report is printed after a local replay.
type report struct {
	Frames    int                   `json:"frames"`
	Payloads  int                   `json:"payloads"`
	Skipped   int                   `json:"skipped"`
	SpanSecs  float64               `json:"span_secs"`
	Packets   network.StatsSnapshot `json:"packets"`
	Snapshot  face.Snapshot         `json:"snapshot"`
	Channels  []channelOut          `json:"channels"`
	Rotation  []float64             `json:"rotation,omitempty"` // w, x, y, z
	Unmapped  []string              `json:"unmapped,omitempty"`
}

// replayLocal decodes every datagram into a fresh state and maps the result.
func replayLocal(ctx context.Context, r io.Reader, opts network.ReplayOptions, cfg *config.FaceConfig) (*report, error) {
	l := network.NewListener(network.Config{LogInterval: cfg.GetLogInterval()})
	summary, err := network.ReadPCAP(ctx, r, opts, func(p network.ReplayPacket) error {
		if err := l.Ingest(p.Payload); err != nil && !errors.Is(err, codec.ErrMalformed) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	mapper, resolveErrs, err := cfg.BuildMapper()
	if err != nil {
		return nil, err
	}
	snap := l.State().Snapshot()
	sample := mapper.Sample(snap)

	rep := &report{
		Frames:   summary.Frames,
		Payloads: summary.Payloads,
		Skipped:  summary.Skipped,
		SpanSecs: summary.Span.Seconds(),
		Packets:  l.Stats().Snapshot(),
		Snapshot: snap,
		Channels: make([]channelOut, 0, len(sample.Channels)),
	}
	for _, id := range sample.ChannelIDs() {
		rep.Channels = append(rep.Channels, channelOut{Channel: id.String(), Value: sample.Channels[id]})
	}
	if sample.HasRotation {
		q := sample.Rotation
		rep.Rotation = []float64{q.Real, q.Imag, q.Jmag, q.Kmag}
	}
	for _, err := range resolveErrs {
		rep.Unmapped = append(rep.Unmapped, err.Error())
	}
	return rep, nil
}

// replaySend writes every datagram to conn.
func replaySend(ctx context.Context, r io.Reader, opts network.ReplayOptions, conn net.Conn) (network.ReplaySummary, error) {
	return network.ReadPCAP(ctx, r, opts, func(p network.ReplayPacket) error {
		if _, err := conn.Write(p.Payload); err != nil {
			return fmt.Errorf("failed to send datagram: %w", err)
		}
		return nil
	})
}

func main() {
	flag.Parse()
	if *pcapFile == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *quiet {
		monitoring.SetLogger(nil)
	}

	cfg := config.EmptyFaceConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("failed to load configuration: %v", err)
		}
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	opts := network.ReplayOptions{Port: *udpPort, Realtime: *realtime, Speed: *speed}

	if *sendAddr != "" {
		conn, err := net.Dial("udp", *sendAddr)
		if err != nil {
			log.Fatalf("failed to dial %s: %v", *sendAddr, err)
		}
		defer conn.Close()
		summary, err := replaySend(ctx, f, opts, conn)
		if err != nil {
			log.Printf("replay stopped: %v", err)
		}
		log.Printf("sent %d datagrams from %d capture records to %s", summary.Payloads, summary.Frames, *sendAddr)
		return
	}

	rep, err := replayLocal(ctx, f, opts, cfg)
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		log.Fatalf("failed to write report: %v", err)
	}
}
