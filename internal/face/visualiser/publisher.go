// Package visualiser streams every sampled record to remote viewers over
// gRPC, so an avatar running on another machine (or a plotting tool) can
// follow the same channel values as the local sinks.
package visualiser

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/face.relay/internal/face/sampler"
	"github.com/banshee-data/face.relay/internal/monitoring"
)

// Config holds configuration for the stream server.
type Config struct {
	// ListenAddr is the TCP address Start listens on.
	ListenAddr string

	// MaxClients is the maximum number of concurrent streams.
	MaxClients int

	// ClientQueue is the number of records buffered per client before
	// records are dropped for that client.
	ClientQueue int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  "localhost:50061",
		MaxClients:  5,
		ClientQueue: 32,
	}
}

// Publisher is a sampler.Observer that fans records out to connected gRPC
// streams. Observe never blocks the tick.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	recordCh  chan *structpb.Struct
	clients   map[uuid.UUID]*clientStream
	clientsMu sync.RWMutex

	records       atomic.Uint64
	droppedRecs   atomic.Uint64
	encodeErrors  atomic.Uint64
	clientCount   atomic.Int32
	lastStatsTime time.Time
	lastRecords   uint64
	lastStatsMu   sync.Mutex

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// clientStream is one connected viewer.
type clientStream struct {
	id       uuid.UUID
	name     string
	every    uint64
	received uint64
	ch       chan *structpb.Struct
}

// NewPublisher creates a stopped Publisher.
func NewPublisher(cfg Config) *Publisher {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = DefaultConfig().ClientQueue
	}
	return &Publisher{
		config:   cfg,
		recordCh: make(chan *structpb.Struct, 128),
		clients:  make(map[uuid.UUID]*clientStream),
		stopCh:   make(chan struct{}),
	}
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}
	return p.Serve(lis)
}

// Serve registers the stream service and serves lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterFaceStreamServer(p.server, p)

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[gRPC] face stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() && !errors.Is(err, grpc.ErrServerStopped) {
			monitoring.Logf("[gRPC] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends all streams and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)

	if p.server != nil {
		p.server.GracefulStop()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.wg.Wait()
	monitoring.Logf("[gRPC] face stream stopped")
}

// Observe implements sampler.Observer. The record is encoded on the calling
// goroutine and queued; when the queue is full it is dropped.
func (p *Publisher) Observe(rec sampler.Record) {
	if !p.running.Load() || p.clientCount.Load() == 0 {
		return
	}

	msg, err := RecordToStruct(rec)
	if err != nil {
		p.encodeErrors.Add(1)
		return
	}

	select {
	case p.recordCh <- msg:
		p.logPeriodicStats(p.records.Add(1))
	default:
		p.droppedRecs.Add(1)
	}
}

// logPeriodicStats logs throughput every minute.
func (p *Publisher) logPeriodicStats(count uint64) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastRecords = count
		return
	}
	if elapsed := now.Sub(p.lastStatsTime); elapsed >= time.Minute {
		rate := float64(count-p.lastRecords) / elapsed.Seconds()
		monitoring.Logf("[gRPC] stats: %.1f records/s, dropped=%d, clients=%d",
			rate, p.droppedRecs.Load(), p.clientCount.Load())
		p.lastStatsTime = now
		p.lastRecords = count
	}
}

// broadcastLoop distributes records to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case msg := <-p.recordCh:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				c.received++
				if c.every > 1 && c.received%c.every != 1 {
					continue
				}
				select {
				case c.ch <- msg:
				default:
					// Slow client: drop for this client only.
					p.droppedRecs.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// Stream implements FaceStreamServer. The request may carry "client" (a
// name for the logs) and "every" (send one record in n).
func (p *Publisher) Stream(req *structpb.Struct, stream grpc.ServerStream) error {
	name, every := parseRequest(req)

	c, err := p.addClient(name, every)
	if err != nil {
		return err
	}
	defer p.removeClient(c.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case msg := <-c.ch:
			if err := stream.SendMsg(msg); err != nil {
				monitoring.Logf("[gRPC] send to %s failed: %v", c.id, err)
				return err
			}
		}
	}
}

func parseRequest(req *structpb.Struct) (name string, every uint64) {
	every = 1
	if req == nil {
		return "", every
	}
	fields := req.GetFields()
	if v, ok := fields["client"]; ok {
		name = v.GetStringValue()
	}
	if v, ok := fields["every"]; ok && v.GetNumberValue() >= 1 {
		every = uint64(v.GetNumberValue())
	}
	return name, every
}

// addClient registers a new streaming client.
func (p *Publisher) addClient(name string, every uint64) (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "face stream has %d clients already", len(p.clients))
	}
	c := &clientStream{
		id:    uuid.New(),
		name:  name,
		every: every,
		ch:    make(chan *structpb.Struct, p.config.ClientQueue),
	}
	p.clients[c.id] = c
	n := p.clientCount.Add(1)
	monitoring.Logf("[gRPC] client connected: %s %q (total: %d)", c.id, name, n)
	return c, nil
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id uuid.UUID) {
	p.clientsMu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		monitoring.Logf("[gRPC] client disconnected: %s (remaining: %d)", id, n)
	}
}

// ClientCount returns the number of connected streams.
func (p *Publisher) ClientCount() int {
	return int(p.clientCount.Load())
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Records      uint64 `json:"records"`
	Dropped      uint64 `json:"dropped"`
	EncodeErrors uint64 `json:"encode_errors"`
	Clients      int32  `json:"clients"`
	Running      bool   `json:"running"`
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Records:      p.records.Load(),
		Dropped:      p.droppedRecs.Load(),
		EncodeErrors: p.encodeErrors.Load(),
		Clients:      p.clientCount.Load(),
		Running:      p.running.Load(),
	}
}
