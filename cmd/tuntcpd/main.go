// Command tuntcpd runs the tun-backed TCP stack as a standalone daemon: it
// opens a tun device, binds one port, and echoes back everything a peer
// sends it. It exists for manual interop testing against a real kernel TCP
// stack on the other end of the tun link, not as a production service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/fenwick-systems/tuntcp/iface"
	"github.com/fenwick-systems/tuntcp/manager"
	"github.com/fenwick-systems/tuntcp/pump"
	"github.com/fenwick-systems/tuntcp/tun"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tuntcpd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		devName     = pflag.String("tun", "tun0", "tun device name to open or create")
		port        = pflag.Uint16("port", 7, "local TCP port to bind and echo on")
		metricsLn   = pflag.String("metrics-addr", ":9273", "address to serve /metrics on")
		verbose     = pflag.Bool("verbose", false, "enable debug-level logging")
		veryVerbose = pflag.Bool("trace", false, "enable per-segment trace logging")
	)
	pflag.Parse()

	level := slog.LevelInfo
	switch {
	case *veryVerbose:
		level = slog.LevelDebug - 2 // matches internal.LevelTrace without importing an internal package from main
	case *verbose:
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	dev, err := tun.Open(tun.Config{Name: *devName})
	if err != nil {
		return fmt.Errorf("open tun device: %w", err)
	}
	defer dev.Close()
	log.Info("tun device opened", slog.String("name", dev.Name()))

	mgr := manager.New(manager.NewMetrics(prometheus.DefaultRegisterer), log)
	p := pump.New(dev, mgr, nil, log)

	go p.Run()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: *metricsLn, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", slog.String("err", err.Error()))
		}
	}()
	log.Info("metrics server listening", slog.String("addr", *metricsLn))

	ifc := iface.New(mgr, dev)
	l, err := ifc.Bind(*port)
	if err != nil {
		return fmt.Errorf("bind port %d: %w", *port, err)
	}
	log.Info("listening", slog.Uint64("port", uint64(*port)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go serveEcho(ctx, log, l)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-p.Done():
		if err := p.Err(); err != nil {
			return fmt.Errorf("pump stopped: %w", err)
		}
	}
	return nil
}

// serveEcho accepts connections on l and echoes back whatever each one
// sends, until ctx is cancelled. One goroutine per connection, matching
// the façade's blocking helpers rather than hand-rolled polling.
func serveEcho(ctx context.Context, log *slog.Logger, l *iface.Listener) {
	for {
		s, err := l.Accept(ctx)
		if err != nil {
			return
		}
		go echoConn(ctx, log, s)
	}
}

func echoConn(ctx context.Context, log *slog.Logger, s *iface.Stream) {
	buf := make([]byte, 2048)
	for {
		n, err := s.ReadBlocking(ctx, buf)
		if err != nil {
			return
		}
		if _, err := s.Write(buf[:n]); err != nil {
			log.Debug("echo: write failed", slog.String("err", err.Error()))
			return
		}
	}
}
