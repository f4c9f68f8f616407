package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/casualjim/underground/channel"
	"github.com/casualjim/underground/envelope"
	"github.com/casualjim/underground/internal/mailbox"
	"github.com/casualjim/underground/pkg/slogx"
	"github.com/fogfish/opts"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// WithLogger sets the logger used for the broker's own diagnostics.
	WithLogger = opts.ForName[Broker, *slog.Logger]("logger")
	// Diagnostics makes the broker emit a log envelope to every connection
	// for each relayed message and for each failing channel.
	Diagnostics = opts.ForName[Broker, bool]("diagnostics")
	// EvictClosed removes a connection as soon as its channel reports closed,
	// instead of waiting for an explicit disconnect.
	EvictClosed = opts.ForName[Broker, bool]("evictClosed")
	// WithMetrics records connection and relay counters.
	WithMetrics = opts.ForName[Broker, *Metrics]("metrics")
)

// Broker is the relay shared by every context of one origin. All of its state
// is owned by a single event loop; Serve and Accept only feed that loop.
type Broker struct {
	logger      *slog.Logger
	diagnostics bool
	evictClosed bool
	metrics     *Metrics

	inbox   *mailbox.Mailbox[inbound]
	conns   *orderedmap.OrderedMap[envelope.ClientID, channel.Channel]
	started sync.Once
	done    chan struct{}
}

// inbound is one unit of work for the event loop.
type inbound struct {
	ch     channel.Channel
	env    envelope.Envelope
	closed bool
	err    error
}

// New creates a broker. It does nothing until Run or Start is called, but
// channels may be attached beforehand.
func New(options ...opts.Option[Broker]) *Broker {
	b := &Broker{
		logger: slog.Default(),
		inbox:  mailbox.New[inbound](),
		conns:  orderedmap.New[envelope.ClientID, channel.Channel](),
		done:   make(chan struct{}),
	}
	if err := opts.Apply(b, options); err != nil {
		panic(err)
	}
	b.logger = b.logger.With(slogx.LoggerName("broker"))
	return b
}

// Start runs the event loop in the background until ctx is done.
func (b *Broker) Start(ctx context.Context) {
	if b.claim() {
		go b.loop(ctx)
	}
}

// Run processes envelopes until ctx is done, then closes every connection.
// A broker runs once; Run returns an error if it was already started.
func (b *Broker) Run(ctx context.Context) error {
	if !b.claim() {
		return errors.New("broker: already running")
	}
	b.loop(ctx)
	return nil
}

func (b *Broker) claim() bool {
	first := false
	b.started.Do(func() { first = true })
	return first
}

func (b *Broker) loop(ctx context.Context) {
	defer close(b.done)
	defer b.shutdown()

	for {
		in, err := b.inbox.Take(ctx)
		if err != nil {
			return
		}
		b.handle(in)
	}
}

// Done is closed after the event loop has exited.
func (b *Broker) Done() <-chan struct{} { return b.done }

// Serve attaches ch to the broker. Envelopes received on ch are processed in
// the order they arrive. Serve returns immediately.
func (b *Broker) Serve(ctx context.Context, ch channel.Channel) {
	go b.readPump(ctx, ch)
}

// Accept attaches every channel l hands out until ctx is done or l is closed.
func (b *Broker) Accept(ctx context.Context, l channel.Listener) error {
	for {
		ch, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		b.Serve(ctx, ch)
	}
}

func (b *Broker) readPump(ctx context.Context, ch channel.Channel) {
	for {
		env, err := ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			in := inbound{ch: ch, closed: true}
			if !errors.Is(err, channel.ErrClosed) {
				in.err = err
			}
			b.inbox.Put(in)
			return
		}
		if !b.inbox.Put(inbound{ch: ch, env: env}) {
			return
		}
	}
}

func (b *Broker) handle(in inbound) {
	if in.closed {
		b.metrics.envelope("closed")
		b.onChannelClosed(in.ch, in.err)
		return
	}

	env := in.env
	switch {
	case env.IsControl():
		switch env.Command {
		case envelope.Connect:
			if id, ok := env.PayloadClientID(); ok {
				b.metrics.envelope(string(env.Command))
				b.onConnect(in.ch, id)
				return
			}
		case envelope.Disconnect:
			if id, ok := env.PayloadClientID(); ok {
				b.metrics.envelope(string(env.Command))
				b.onDisconnect(in.ch, id)
				return
			}
		case envelope.ClientCountRequest:
			b.metrics.envelope(string(env.Command))
			b.onClientCountRequest(in.ch)
			return
		}
	case env.IsTopic():
		b.metrics.envelope("topic")
		b.onPublish(env)
		return
	}
	b.metrics.envelope("ignored")
}

// onConnect registers id. A second connect for the same id replaces the
// earlier channel.
func (b *Broker) onConnect(ch channel.Channel, id envelope.ClientID) {
	b.conns.Set(id, ch)
	b.metrics.clients(b.conns.Len())
	b.logger.Debug("client connected", slogx.ClientID(id), slog.Int("clients", b.conns.Len()))
}

func (b *Broker) onDisconnect(_ channel.Channel, id envelope.ClientID) {
	if _, ok := b.conns.Delete(id); ok {
		b.metrics.clients(b.conns.Len())
		b.logger.Debug("client disconnected", slogx.ClientID(id), slog.Int("clients", b.conns.Len()))
	}
}

func (b *Broker) onClientCountRequest(ch channel.Channel) {
	b.send(ch, envelope.Control(envelope.ClientCountReply, b.conns.Len()))
}

// onPublish relays env unchanged to every connection, skipping the sender of
// a broadcast.
func (b *Broker) onPublish(env envelope.Envelope) {
	if b.diagnostics {
		b.onLog(fmt.Sprintf("Publish (%s) to %d subscribers", env.Topic, b.conns.Len()))
	}

	for pair := b.conns.Oldest(); pair != nil; pair = pair.Next() {
		if env.ExcludeSender && pair.Key == env.SenderID {
			continue
		}
		b.send(pair.Value, env)
		b.metrics.relayed()
	}
}

// onLog delivers message to every connection as a log envelope.
func (b *Broker) onLog(message string) {
	env := envelope.Control(envelope.Log, message)
	for pair := b.conns.Oldest(); pair != nil; pair = pair.Next() {
		b.send(pair.Value, env)
	}
}

func (b *Broker) onChannelClosed(ch channel.Channel, cause error) {
	if cause != nil {
		b.logger.Debug("channel failed", slogx.Error(cause))
		if b.diagnostics {
			b.onLog(fmt.Sprintf("Error (%v)", cause))
		}
	}
	if !b.evictClosed {
		return
	}

	var stale []envelope.ClientID
	for pair := b.conns.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value == ch {
			stale = append(stale, pair.Key)
		}
	}
	for _, id := range stale {
		b.conns.Delete(id)
		b.metrics.clients(b.conns.Len())
		b.logger.Debug("evicted closed client", slogx.ClientID(id), slog.Int("clients", b.conns.Len()))
	}
}

// send is fire and forget: a failing connection is logged and skipped.
func (b *Broker) send(ch channel.Channel, env envelope.Envelope) {
	if err := ch.Send(env); err != nil {
		b.metrics.sendFailed()
		b.logger.Debug("send failed", slogx.Error(err))
	}
}

func (b *Broker) shutdown() {
	b.inbox.Close()
	for pair := b.conns.Oldest(); pair != nil; pair = pair.Next() {
		_ = pair.Value.Close()
	}
}
