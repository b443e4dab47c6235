// Command vecdns runs the sharded authoritative DNS server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/vecdns/vecdns/internal/api"
	"github.com/vecdns/vecdns/internal/config"
	"github.com/vecdns/vecdns/internal/logging"
	"github.com/vecdns/vecdns/internal/metrics"
	"github.com/vecdns/vecdns/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values. Flags override environment
// variables, which override the config file and defaults.
type cliFlags struct {
	configPath string
	udpPort    int
	tcpPort    int
	threads    int
	jsonLogs   bool
	debug      bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file (or VECDNS_CONFIG)")
	flag.IntVar(&f.udpPort, "udp-port", 0, "Override udp.listener_port")
	flag.IntVar(&f.tcpPort, "tcp-port", 0, "Override tcp.listener_port")
	flag.IntVar(&f.threads, "threads", 0, "Override process.thread_count")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Structured JSON process logs")
	flag.BoolVar(&f.debug, "debug", false, "Debug level process logs")
	flag.Parse()
	return f
}

func run() error {
	f := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(f.configPath))
	if err != nil {
		return err
	}
	applyOverrides(cfg, f)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})

	instanceID := uuid.NewString()
	logger.Info("vecdns starting", "instance", instanceID, "shards", cfg.Process.ThreadCount)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	counters := &metrics.Counters{}
	sv := server.NewSupervisor(cfg, logger, counters)

	svErrCh := make(chan error, 1)
	go func() { svErrCh <- sv.Run(ctx) }()

	apiErrCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer := api.New(cfg, logger, counters, instanceID)
		go func() { apiErrCh <- apiServer.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		// Shutdown requested; wait for the supervisor to finish.
		return <-svErrCh
	case err := <-svErrCh:
		cancel()
		return err
	case err := <-apiErrCh:
		cancel()
		return err
	}
}

func applyOverrides(cfg *config.Config, f cliFlags) {
	if f.udpPort > 0 {
		cfg.UDP.ListenerPort = f.udpPort
	}
	if f.tcpPort > 0 {
		cfg.TCP.ListenerPort = f.tcpPort
	}
	if f.threads > 0 {
		cfg.Process.ThreadCount = f.threads
		if masks, err := config.ParseThreadMasks(cfg.Process.ThreadMasks, f.threads); err == nil {
			cfg.ThreadMaskCPUs = masks
		}
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
}
