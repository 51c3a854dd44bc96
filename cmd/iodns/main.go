// Command iodns is a DNS forwarder that tunnels client queries to a
// remote ioserver over an encrypted handshake session (spec §1).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ot "github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dnsrona/iodns/internal/config"
	"github.com/dnsrona/iodns/internal/listener"
	"github.com/dnsrona/iodns/internal/logging"
	"github.com/dnsrona/iodns/internal/metrics"
	"github.com/dnsrona/iodns/internal/privdrop"
	"github.com/dnsrona/iodns/internal/session"
	"github.com/dnsrona/iodns/internal/wire"
)

// Exit codes, spec §6.
const (
	exitOK              = 0
	exitUsage           = 1
	exitResolveFailed   = 2
	exitAllocationError = 3
	exitListenFailed    = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.StringP("config", "c", "", "path to the iodns YAML configuration file")
	showHelp := pflag.BoolP("help", "h", false, "print usage and exit")
	pflag.Parse()

	if *showHelp {
		pflag.Usage()
		return exitOK
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "iodns: -c/--config is required")
		pflag.Usage()
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iodns: %v\n", err)
		return exitUsage
	}

	logger, err := logging.New(cfg.Dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iodns: building logger: %v\n", err)
		return exitUsage
	}
	defer logger.Sync()

	reg, err := cfg.BuildRegistry()
	if err != nil {
		logger.Error("resolving server addresses failed", zap.Error(err))
		return exitResolveFailed
	}

	upstream := wire.Upstream{Host: cfg.Upstream.Address, Port: cfg.Upstream.Port}
	m := metrics.New(prometheus.DefaultRegisterer)
	fwd := session.NewForwarder(reg, upstream, logger, m, ot.NoopTracer{})

	l := listener.New(fwd, logger)
	listenAddr := config.JoinHostPort(cfg.Listen.Address, cfg.Listen.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Listen(ctx, listenAddr); err != nil {
		logger.Error("binding listen address failed", zap.Error(err), zap.String("addr", listenAddr))
		return exitListenFailed
	}

	if cfg.User != "" || cfg.Group != "" {
		if err := privdrop.To(cfg.User, cfg.Group); err != nil {
			logger.Error("dropping privileges failed", zap.Error(err))
			return exitListenFailed
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		l.Serve(ctx)
		close(done)
	}()

	logger.Info("iodns listening", zap.String("addr", listenAddr))

	<-sigCh
	logger.Info("shutting down")
	cancel()
	_ = l.Stop()
	<-done

	return exitOK
}
