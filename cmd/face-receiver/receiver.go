package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/face.relay/internal/config"
	"github.com/banshee-data/face.relay/internal/face/mapping"
	"github.com/banshee-data/face.relay/internal/face/monitor"
	"github.com/banshee-data/face.relay/internal/face/network"
	"github.com/banshee-data/face.relay/internal/face/sampler"
	"github.com/banshee-data/face.relay/internal/face/visualiser"
	"github.com/banshee-data/face.relay/internal/servo"
)

// receiver is the wired pipeline: listener -> state -> sampler -> sinks.
type receiver struct {
	cfg       *config.FaceConfig
	listener  *network.Listener
	forwarder *network.PacketForwarder
	sampler   *sampler.Sampler
	router    *mapping.Router
	publisher *visualiser.Publisher
	servo     *servo.Sink
	web       *monitor.WebServer
}

// buildReceiver creates every component the configuration enables. Nothing
// is started yet.
func buildReceiver(cfg *config.FaceConfig, openServo servo.Opener) (*receiver, error) {
	r := &receiver{cfg: cfg}
	logInterval := cfg.GetLogInterval()

	if addr := cfg.GetForwardAddr(); addr != "" {
		fwd, err := network.NewPacketForwarder(addr, nil, logInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to create forwarder: %w", err)
		}
		r.forwarder = fwd
	}

	r.listener = network.NewListener(network.Config{
		BindAddress:      cfg.GetBindAddress(),
		RcvBuf:           cfg.GetRcvBuf(),
		MaxDatagramBytes: cfg.GetMaxDatagramBytes(),
		StopTimeout:      cfg.GetStopTimeout(),
		LogInterval:      logInterval,
		Forwarder:        r.forwarder,
	})

	mapper, resolveErrs, err := cfg.BuildMapper()
	if err != nil {
		r.close()
		return nil, err
	}
	mapping.LogResolution(mapper.Bindings(), resolveErrs)

	r.router = mapping.NewRouter(logInterval)
	if cfg.GetLogSink() {
		for _, target := range sinkTargets(cfg, mapper) {
			r.router.Attach(target, mapping.NewLogSink(target, logInterval))
		}
	}
	if path := cfg.GetSerialPort(); path != "" {
		sink, err := servo.Open(openServo, path, cfg.GetSerialOptions(), cfg.GetServoSinkConfig())
		if err != nil {
			r.close()
			return nil, err
		}
		r.servo = sink
		targets := cfg.SerialTargets
		if len(targets) == 0 {
			targets = sinkTargets(cfg, mapper)
		}
		var channels []mapping.ChannelID
		for _, rb := range mapper.Bindings() {
			channels = append(channels, rb.ID)
		}
		bases := sink.Attach(r.router, targets, channels)
		for _, target := range targets {
			log.Printf("servo output on %s: target %q from S%d", path, target, bases[target])
		}
	}

	r.sampler, err = sampler.New(sampler.Config{
		Source:      r.listener.State(),
		Mapper:      mapper,
		Output:      r.router,
		RateHz:      cfg.GetSampleRateHz(),
		HistorySize: cfg.GetHistorySize(),
		LogInterval: logInterval,
	})
	if err != nil {
		r.close()
		return nil, err
	}

	if addr := cfg.GetGRPCListen(); addr != "" {
		pc := visualiser.DefaultConfig()
		pc.ListenAddr = addr
		r.publisher = visualiser.NewPublisher(pc)
		r.sampler.AddObserver(r.publisher)
	}

	if addr := cfg.GetHTTPListen(); addr != "" {
		r.web = monitor.NewWebServer(monitor.WebServerConfig{
			Address:  addr,
			Listener: r.listener,
			Sampler:  r.sampler,
			Router:   r.router,
			Stream:   r.publisher,
		})
	}
	return r, nil
}

// sinkTargets lists every target the mapper writes, plus the head target.
func sinkTargets(cfg *config.FaceConfig, m *mapping.Mapper) []string {
	var targets []string
	seen := make(map[string]bool)
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	for _, rb := range m.Bindings() {
		add(rb.ID.Target)
	}
	add(cfg.GetHeadTarget())
	return targets
}

// run starts the pipeline and blocks until ctx is cancelled.
func (r *receiver) run(ctx context.Context) error {
	defer r.close()

	if err := r.listener.Start(r.cfg.GetListenPort()); err != nil {
		return err
	}
	defer r.listener.Stop()

	if r.publisher != nil {
		if err := r.publisher.Start(); err != nil {
			return fmt.Errorf("failed to start stream server: %w", err)
		}
		defer r.publisher.Stop()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.sampler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- fmt.Errorf("sampler: %w", err)
		}
	}()

	if r.web != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.web.Start(ctx); err != nil {
				errc <- fmt.Errorf("monitor: %w", err)
			}
		}()
	}

	if r.servo != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.servo.Monitor(ctx, r.cfg.GetLogInterval()); err != nil {
				log.Printf("servo monitor ended: %v", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	cancel()

	// A servo port read only returns once the port is closed.
	if r.servo != nil {
		if err := r.servo.Close(); err != nil {
			log.Printf("failed to close servo port: %v", err)
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Print("timed out waiting for workers to stop")
	}
	return runErr
}

func (r *receiver) close() {
	if r.forwarder != nil {
		if err := r.forwarder.Close(); err != nil {
			log.Printf("failed to close forwarder: %v", err)
		}
	}
	if r.servo != nil {
		if err := r.servo.Close(); err != nil {
			log.Printf("failed to close servo port: %v", err)
		}
	}
}
