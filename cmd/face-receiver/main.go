// Command face-receiver listens for facial tracking datagrams and drives the
// configured outputs: a gRPC stream, a servo controller and the HTTP
// monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/face.relay/internal/config"
	"github.com/banshee-data/face.relay/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON configuration file (default: built-in defaults)")
	listenPort  = flag.Int("port", config.DefaultListenPort, "UDP port to listen for tracking datagrams")
	bindAddr    = flag.String("bind", "", "UDP bind address (default: listen on all interfaces)")
	sampleRate  = flag.Float64("rate", config.DefaultSampleRateHz, "Sampling rate in Hz")
	httpListen  = flag.String("http", "", "HTTP monitor listen address (empty disables)")
	grpcListen  = flag.String("grpc", "", "gRPC stream listen address (empty disables)")
	forwardAddr = flag.String("forward", "", "Mirror every received datagram to this host:port")
	serialPort  = flag.String("serial", "", "Servo controller serial port (empty disables)")
	logSink     = flag.Bool("log-sink", false, "Log mapped channel values")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads the configuration file, if any, and applies the flags
// that were set explicitly on the command line.
func loadConfig(fs *flag.FlagSet, path string) (*config.FaceConfig, error) {
	cfg := config.EmptyFaceConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) { applyFlag(cfg, f) })
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlag copies one command-line flag into cfg.
func applyFlag(cfg *config.FaceConfig, f *flag.Flag) {
	getter, ok := f.Value.(flag.Getter)
	if !ok {
		return
	}
	v := getter.Get()
	switch f.Name {
	case "port":
		p := v.(int)
		cfg.ListenPort = &p
	case "bind":
		s := v.(string)
		cfg.BindAddress = &s
	case "rate":
		r := v.(float64)
		cfg.SampleRateHz = &r
	case "http":
		s := v.(string)
		cfg.HTTPListen = &s
	case "grpc":
		s := v.(string)
		cfg.GRPCListen = &s
	case "forward":
		s := v.(string)
		cfg.ForwardAddr = &s
	case "serial":
		s := v.(string)
		cfg.SerialPort = &s
	case "log-sink":
		b := v.(bool)
		cfg.LogSink = &b
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("face-receiver"))
		return
	}

	cfg, err := loadConfig(flag.CommandLine, *configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	r, err := buildReceiver(cfg, nil)
	if err != nil {
		log.Fatalf("failed to set up receiver: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("%s starting", version.String("face-receiver"))
	if err := r.run(ctx); err != nil {
		log.Printf("receiver stopped with error: %v", err)
		stop()
		os.Exit(1)
	}
	log.Print("graceful shutdown complete")
}
