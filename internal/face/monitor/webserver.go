// Package monitor serves the receiver's HTTP status surface: JSON views of
// the shared state, the latest mapped channels and the counters, plus
// debug charts under /debug/ for local inspection.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/face.relay/internal/face/mapping"
	"github.com/banshee-data/face.relay/internal/face/network"
	"github.com/banshee-data/face.relay/internal/face/sampler"
	"github.com/banshee-data/face.relay/internal/face/visualiser"
	"github.com/banshee-data/face.relay/internal/monitoring"
	"github.com/banshee-data/face.relay/internal/version"
)

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address  string
	Listener *network.Listener
	Sampler  *sampler.Sampler
	Router   *mapping.Router       // optional: sink error count
	Stream   *visualiser.Publisher // optional: stream stats
}

// WebServer handles the HTTP interface for monitoring the receiver.
type WebServer struct {
	address  string
	listener *network.Listener
	sampler  *sampler.Sampler
	router   *mapping.Router
	stream   *visualiser.Publisher
	started  time.Time
	server   *http.Server
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:  config.Address,
		listener: config.Listener,
		sampler:  config.Sampler,
		router:   config.Router,
		stream:   config.Stream,
		started:  time.Now(),
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Handler returns the server's routes.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully. It
// returns an error only if the server could not start.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[monitor] HTTP server listening on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[monitor] HTTP server force close error: %v", err)
		}
	}
	monitoring.Logf("[monitor] HTTP server stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/face/snapshot", ws.handleSnapshot)
	mux.HandleFunc("/api/face/channels", ws.handleChannels)
	mux.HandleFunc("/api/face/stats", ws.handleStats)
	mux.HandleFunc("/api/face/version", ws.handleVersion)

	ws.attachDebugRoutes(mux)
	return mux
}

// attachDebugRoutes registers the /debug/ pages. tsweb restricts them to
// loopback and tailnet callers.
func (ws *WebServer) attachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KV("Version", version.Version)
	if ws.listener != nil {
		debug.KV("Listener", ws.listener.ID().String())
		debug.KVFunc("Datagrams", func() any { return ws.listener.Stats().Snapshot().Packets })
		debug.KVFunc("Malformed", func() any { return ws.listener.Stats().Snapshot().Malformed })
	}
	if ws.sampler != nil {
		debug.KVFunc("Ticks", func() any { return ws.sampler.Ticks() })
	}
	if ws.stream != nil {
		debug.KVFunc("Stream clients", func() any { return ws.stream.ClientCount() })
	}

	debug.HandleFunc("face-chart", "recent channel values (interactive)", ws.handleChart)
	debug.HandleFunc("face-plot.png", "recent channel values (PNG)", ws.handlePlot)
}
