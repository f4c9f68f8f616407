package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/casualjim/underground"
	"github.com/casualjim/underground/channel"
	"github.com/casualjim/underground/envelope"
	"github.com/casualjim/underground/pkg/jsonx"
	"github.com/casualjim/underground/pkg/natsx"
	"github.com/fatih/color"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/k0kubun/pp/v3"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"
)

var errMissingTopic = errors.New("missing topic")

func natsFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "nats",
		Usage:   "NATS server URL; when set NATS is used instead of WebSocket",
		Sources: cli.EnvVars("NATS_URL"),
	}
}

func originFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "origin",
		Usage:   "NATS subject prefix shared by the broker and its clients",
		Value:   "underground",
		Sources: cli.EnvVars("UNDERGROUND_ORIGIN"),
	}
}

func clientFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Usage:   "WebSocket URL of the broker",
			Value:   "ws://localhost:8080/underground",
			Sources: cli.EnvVars("UNDERGROUND_URL"),
		},
		natsFlag(),
		originFlag(),
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "how long to wait for the broker",
			Value: 5 * time.Second,
		},
	}, extra...)
}

// session is one attached transport plus whatever backs its dialer.
type session struct {
	transport *underground.Transport
	timeout   time.Duration
	failed    chan error
	nc        *nats.Conn
}

func openSession(ctx context.Context, cmd *cli.Command, options ...opts.Option[underground.Transport]) (*session, error) {
	s := &session{
		timeout: cmd.Duration("timeout"),
		failed:  make(chan error, 1),
	}

	var dial channel.Dialer
	if url := cmd.String("nats"); url != "" {
		nc, err := natsx.Connect(url)
		if err != nil {
			return nil, err
		}
		s.nc = nc
		dial = channel.NATSDialer(nc, cmd.String("origin"), slog.Default())
	} else {
		dial = channel.WebSocketDialer(cmd.String("url"), slog.Default())
	}

	checked := func(ctx context.Context) (channel.Channel, error) {
		ch, err := dial(ctx)
		if err != nil {
			s.failed <- err
		}
		return ch, err
	}
	s.transport = underground.New(ctx, checked, options...)
	return s, nil
}

// close disconnects and waits for queued envelopes to be flushed.
func (s *session) close() error {
	defer func() {
		if s.nc != nil {
			_ = s.nc.Drain()
		}
	}()

	_ = s.transport.Close()
	select {
	case <-s.transport.Done():
	case <-time.After(s.timeout):
		return errors.New("timed out disconnecting from the broker")
	}
	select {
	case err := <-s.failed:
		return err
	default:
		return nil
	}
}

func parseArgs(words []string) []any {
	args := make([]any, len(words))
	for i, w := range words {
		args[i] = jsonx.Parse(w)
	}
	return args
}

func sendCommand(name, usage string, broadcast bool) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<topic> [args...]",
		Flags:     clientFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			topic := cmd.Args().First()
			if topic == "" {
				return errMissingTopic
			}
			args := parseArgs(cmd.Args().Tail())

			s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			if broadcast {
				s.transport.Broadcast(topic, args...)
			} else {
				s.transport.Publish(topic, args...)
			}
			return s.close()
		},
	}
}

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "print every message on the given topics until interrupted",
		ArgsUsage: "<topic> [topics...]",
		Flags: clientFlags(&cli.BoolFlag{
			Name:  "raw",
			Usage: "dump arguments with their Go types",
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			topics := cmd.Args().Slice()
			if len(topics) == 0 {
				return errMissingTopic
			}
			w := cmd.Root().Writer
			raw := cmd.Bool("raw")

			s, err := openSession(ctx, cmd, underground.WithSink(func(message string) {
				fmt.Fprintf(w, "%s %s\n", color.YellowString("log"), message)
			}))
			if err != nil {
				return err
			}
			for _, topic := range topics {
				s.transport.SubscribeFunc(topic, func(_ context.Context, args ...any) error {
					return printMessage(w, topic, args, raw)
				})
			}

			select {
			case <-ctx.Done():
			case err := <-s.failed:
				_ = s.close()
				return err
			}
			return s.close()
		},
	}
}

func printMessage(w io.Writer, topic string, args []any, raw bool) error {
	if raw {
		fmt.Fprint(w, color.CyanString(topic), " ")
		_, err := pp.Fprintln(w, args)
		return err
	}
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s %s\n", color.CyanString(topic), data)
	return err
}

func countCommand() *cli.Command {
	return &cli.Command{
		Name:  "count",
		Usage: "print how many contexts are connected, this one included",
		Flags: clientFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}

			reply := make(chan int, 1)
			s.transport.ClientCount(func(n int) { reply <- n })

			select {
			case n := <-reply:
				fmt.Fprintln(cmd.Root().Writer, n)
				return s.close()
			case err := <-s.failed:
				_ = s.close()
				return err
			case <-time.After(s.timeout):
				_ = s.close()
				return errors.New("no reply from the broker")
			case <-ctx.Done():
				_ = s.close()
				return ctx.Err()
			}
		},
	}
}

func schemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "print the JSON schema of wire envelopes",
		Action: func(_ context.Context, cmd *cli.Command) error {
			data, err := json.MarshalIndent(envelope.Schema(), "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.Root().Writer, string(data))
			return err
		},
	}
}
