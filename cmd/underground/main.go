// Command underground runs a standalone broker and offers a few client
// commands to publish to, tail and inspect it.
//
//	underground serve --addr :8080 --nats nats://localhost:4222
//	underground tail chat
//	underground publish chat hello 42 '{"from":"cli"}'
//	underground count
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

var (
	log   zerolog.Logger
	logMu sync.Mutex
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log = zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slog.LevelInfo}),
	))
}

// setupLogging points zerolog and the default slog logger at w, filtering
// below level.
func setupLogging(w io.Writer, level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logMu.Lock()
	defer logMu.Unlock()
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}
	log = zerolog.New(output).Level(lvl).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: slogLevel(lvl)}),
	))
	return nil
}

func slogLevel(lvl zerolog.Level) slog.Level {
	switch {
	case lvl <= zerolog.DebugLevel:
		return slog.LevelDebug
	case lvl == zerolog.InfoLevel:
		return slog.LevelInfo
	case lvl == zerolog.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "underground",
		Usage:     "topic pub/sub between the contexts of one origin",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "trace, debug, info, warn or error",
				Value:   "info",
				Sources: cli.EnvVars("UNDERGROUND_LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, setupLogging(stderr, cmd.String("log-level"))
		},
		Commands: []*cli.Command{
			serveCommand(),
			sendCommand("publish", "send to every context, the sender included", false),
			sendCommand("broadcast", "send to every context except the sender", true),
			tailCommand(),
			countCommand(),
			schemaCommand(),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).Run(ctx, os.Args); err != nil {
		log.Error().Err(err).Msg("underground failed")
		stop()
		os.Exit(1)
	}
}
