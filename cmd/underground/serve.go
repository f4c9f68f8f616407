package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/casualjim/underground/broker"
	"github.com/casualjim/underground/channel"
	"github.com/casualjim/underground/pkg/natsx"
	"github.com/casualjim/underground/pkg/slogx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
)

const shutdownTimeout = 5 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run a broker for WebSocket and NATS clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "HTTP listen address",
				Value:   ":8080",
				Sources: cli.EnvVars("UNDERGROUND_ADDR"),
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "WebSocket endpoint",
				Value: "/underground",
			},
			&cli.StringFlag{
				Name:  "metrics-path",
				Usage: "Prometheus endpoint; empty disables it",
				Value: "/metrics",
			},
			natsFlag(),
			originFlag(),
			&cli.BoolFlag{
				Name:  "diagnostics",
				Usage: "send a log message to every client for each relayed message",
			},
			&cli.BoolFlag{
				Name:  "evict-closed",
				Usage: "forget clients whose connection dropped without a disconnect",
			},
		},
		Action: serve,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := slog.Default()
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	b := broker.New(
		broker.WithLogger(logger),
		broker.WithMetrics(broker.NewMetrics(reg)),
		broker.Diagnostics(cmd.Bool("diagnostics")),
		broker.EvictClosed(cmd.Bool("evict-closed")),
	)
	b.Start(ctx)
	defer func() {
		cancel()
		<-b.Done()
	}()

	ws := channel.NewWebSocketListener(logger)
	defer ws.Close()
	go acceptFrom(ctx, b, ws, "websocket")

	if url := cmd.String("nats"); url != "" {
		nc, err := natsx.Connect(url)
		if err != nil {
			return err
		}
		defer nc.Close()

		nl, err := channel.NewNATSListener(nc, cmd.String("origin"), logger)
		if err != nil {
			return err
		}
		defer nl.Close()
		go acceptFrom(ctx, b, nl, "nats")
		slog.Info("accepting nats clients", slog.String("subject", channel.BrokerSubject(cmd.String("origin"))))
	}

	ln, err := net.Listen("tcp", cmd.String("addr"))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(cmd.String("path"), ws)
	if path := cmd.String("metrics-path"); path != "" {
		mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errs := make(chan error, 1)
	go func() { errs <- srv.Serve(ln) }()
	slog.Info("broker listening", slog.String("addr", ln.Addr().String()), slog.String("path", cmd.String("path")))

	select {
	case <-ctx.Done():
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", slogx.Error(err))
	}
	slog.Info("broker stopped")
	return nil
}

func acceptFrom(ctx context.Context, b *broker.Broker, l channel.Listener, name string) {
	if err := b.Accept(ctx, l); err != nil {
		slog.Error("listener failed", slog.String("listener", name), slogx.Error(err))
	}
}
