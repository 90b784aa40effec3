// Command face-sender emits facial tracking datagrams for testing a
// receiver: a synthetic moving face by default, or one literal payload with
// -once -json.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/face.relay/internal/face"
	"github.com/banshee-data/face.relay/internal/face/codec"
	"github.com/banshee-data/face.relay/internal/face/monitor"
	"github.com/banshee-data/face.relay/internal/httputil"
	"github.com/banshee-data/face.relay/internal/version"
)

var (
	addr        = flag.String("addr", "127.0.0.1:5065", "Receiver UDP address")
	rate        = flag.Float64("rate", 100, "Datagrams per second")
	duration    = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	partial     = flag.Bool("partial", false, "Only send parameters that changed")
	once        = flag.Bool("once", false, "Send a single datagram and exit")
	payload     = flag.String("json", "", "Literal JSON payload for -once (default: one synthetic frame)")
	verify      = flag.String("verify", "", "Receiver monitor base URL; after -once, print its snapshot")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// sender paces synthetic frames onto a connection.
type sender struct {
	conn    net.Conn
	partial bool
	prev    *face.Snapshot
	sent    int
}

func (s *sender) send(t float64) error {
	cur := synthetic(t)
	f := frameFor(cur, s.prev, s.partial)
	s.prev = &cur
	if f.Empty() {
		return nil
	}
	b, err := codec.Encode(f)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("failed to send datagram: %w", err)
	}
	s.sent++
	return nil
}

// loop sends one frame per interval until ctx is done.
func (s *sender) loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	for {
		if err := s.send(time.Since(start).Seconds()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// oncePayload returns the literal payload, checked with the receiver's
// decoder, or one complete synthetic frame.
func oncePayload(literal string) ([]byte, error) {
	if literal == "" {
		return codec.EncodeSnapshot(synthetic(0))
	}
	if _, err := codec.Decode([]byte(literal)); err != nil {
		log.Printf("Warning: payload will be rejected by the receiver: %v", err)
	}
	return []byte(literal), nil
}

func verifySnapshot(ctx context.Context, baseURL string) (*monitor.SnapshotResponse, error) {
	var resp monitor.SnapshotResponse
	if err := httputil.GetJSON(ctx, http.DefaultClient, baseURL+"/api/face/snapshot", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("face-sender"))
		return
	}
	if *rate <= 0 {
		log.Fatal("-rate must be positive")
	}

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *addr, err)
	}
	defer conn.Close()

	if *once {
		b, err := oncePayload(*payload)
		if err != nil {
			log.Fatalf("failed to build payload: %v", err)
		}
		if _, err := conn.Write(b); err != nil {
			log.Fatalf("failed to send datagram: %v", err)
		}
		log.Printf("sent %d bytes to %s: %s", len(b), *addr, b)

		if *verify != "" {
			// give the receiver a moment to merge
			time.Sleep(100 * time.Millisecond)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			snap, err := verifySnapshot(ctx, *verify)
			if err != nil {
				log.Printf("verify failed: %v", err)
				cancel()
				os.Exit(1)
			}
			fmt.Printf("receiver version=%d %+v\n", snap.Version, snap.Snapshot)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	interval := time.Duration(float64(time.Second) / *rate)
	s := &sender{conn: conn, partial: *partial}
	log.Printf("sending to %s every %v (partial=%v)", *addr, interval, *partial)
	if err := s.loop(ctx, interval); err != nil {
		log.Printf("sender stopped: %v", err)
	}
	log.Printf("sent %d datagrams", s.sent)
}
