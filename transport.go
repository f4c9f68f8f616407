package underground

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/casualjim/underground/channel"
	"github.com/casualjim/underground/envelope"
	"github.com/casualjim/underground/internal/mailbox"
	"github.com/casualjim/underground/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/google/uuid"
)

// Sink receives free text diagnostics: log messages relayed by the broker and
// reports of failing handlers.
type Sink func(message string)

var (
	// WithLogger sets the logger for the transport's own debug output. The
	// default sink writes to it as well.
	WithLogger = opts.ForName[Transport, *slog.Logger]("logger")
	// WithSink replaces the diagnostic sink.
	WithSink = opts.ForName[Transport, Sink]("sink")
	// WithClientID fixes the client id instead of generating one on connect.
	WithClientID = opts.ForName[Transport, envelope.ClientID]("clientID")
)

var errNoDialer = errors.New("underground: no dialer configured")

// Transport is the publish/subscribe facade for one context. It attaches to
// the broker lazily, on the first Publish, Broadcast, Subscribe or
// ClientCount, and stays attached until Close is called or the context passed
// to New is done.
//
// None of the methods block: they queue work on the transport's event loop,
// which also runs every handler and callback. Handlers therefore run one at a
// time and must not block for long.
type Transport struct {
	ctx      context.Context
	dial     channel.Dialer
	logger   *slog.Logger
	sink     Sink
	clientID envelope.ClientID

	initOnce  sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	ops       *mailbox.Mailbox[func()]
	done      chan struct{}

	// owned by the event loop
	ch          channel.Channel
	subscribers map[string][]*subscription
	pending     map[envelope.Command]func(int)
	stopHook    func() bool
}

// New creates a transport for the context whose lifetime is ctx. dial is only
// called when the transport first needs the broker.
func New(ctx context.Context, dial channel.Dialer, options ...opts.Option[Transport]) *Transport {
	t := &Transport{
		ctx:         ctx,
		dial:        dial,
		logger:      slog.Default(),
		ops:         mailbox.New[func()](),
		done:        make(chan struct{}),
		subscribers: make(map[string][]*subscription),
		pending:     make(map[envelope.Command]func(int)),
	}
	if err := opts.Apply(t, options); err != nil {
		panic(err)
	}
	t.logger = t.logger.With(slogx.LoggerName("underground"))
	if t.sink == nil {
		t.sink = func(message string) {
			t.logger.Info(message, slogx.ClientID(t.clientID))
		}
	}
	return t
}

// ID returns the client id. It is empty until the transport has connected.
func (t *Transport) ID() envelope.ClientID {
	if !t.started.Load() {
		return ""
	}
	return t.clientID
}

// Publish sends args on topic to every context, this one included. The local
// handlers see the message only after it has come back from the broker.
func (t *Transport) Publish(topic string, args ...any) {
	t.ensure()
	t.enqueue(func() {
		t.send(envelope.Publish(t.clientID, topic, args...))
	})
}

// Broadcast sends args on topic to every context except this one.
func (t *Transport) Broadcast(topic string, args ...any) {
	t.ensure()
	t.enqueue(func() {
		t.send(envelope.Broadcast(t.clientID, topic, args...))
	})
}

// Subscribe appends h to the handlers of topic. Handlers run in registration
// order. Subscribing the same handler twice registers it twice.
func (t *Transport) Subscribe(topic string, h Handler) Subscription {
	t.ensure()
	sub := &subscription{
		id:        uuid.Must(uuid.NewV7()).String(),
		topic:     topic,
		handler:   h,
		transport: t,
	}
	t.enqueue(func() {
		t.subscribers[topic] = append(t.subscribers[topic], sub)
	})
	return sub
}

// SubscribeFunc is Subscribe for a plain function.
func (t *Transport) SubscribeFunc(topic string, fn func(ctx context.Context, args ...any) error) Subscription {
	return t.Subscribe(topic, HandlerFunc(fn))
}

// Unsubscribe removes the given subscriptions from topic and keeps the rest.
// Without subscriptions it drops every handler of topic. Unsubscribe does not
// attach to the broker.
func (t *Transport) Unsubscribe(topic string, subs ...Subscription) {
	if !t.started.Load() {
		return
	}
	t.enqueue(func() {
		t.unsubscribe(topic, subs)
	})
}

// ClientCount asks the broker how many contexts are connected. callback runs
// once, on the event loop, when the reply arrives. Only the latest request is
// remembered: a second call before the reply replaces the first callback.
func (t *Transport) ClientCount(callback func(int)) {
	if callback == nil {
		return
	}
	t.ensure()
	t.enqueue(func() {
		t.pending[envelope.ClientCountReply] = callback
		t.send(envelope.Control(envelope.ClientCountRequest, nil))
	})
}

// Close sends disconnect and releases the channel once every operation queued
// before it has run. It does not wait; use Done for that. Close must be used
// at most once per context, later operations are dropped.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.initOnce.Do(func() {
			// never attached: nothing to tear down
			t.ops.Close()
			close(t.done)
		})
		t.ops.Put(t.teardown)
		t.ops.Close()
	})
	return nil
}

// Done is closed once the transport has been torn down.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) ensure() {
	t.initOnce.Do(func() {
		if t.clientID == "" {
			t.clientID = envelope.NewClientID()
		}
		t.started.Store(true)
		t.ops.Put(t.connect)
		go t.run()
	})
}

func (t *Transport) enqueue(op func()) {
	if !t.ops.Put(op) {
		t.logger.Debug("transport closed, dropping operation")
	}
}

func (t *Transport) run() {
	defer close(t.done)

	for {
		op, err := t.ops.Take(context.Background())
		if err != nil {
			return
		}
		op()
	}
}

func (t *Transport) connect() {
	if t.dial == nil {
		t.logger.Error("failed to attach to broker", slogx.Error(errNoDialer))
		return
	}
	ch, err := t.dial(t.ctx)
	if err != nil {
		t.logger.Error("failed to attach to broker", slogx.Error(err), slogx.ClientID(t.clientID))
		return
	}

	t.ch = ch
	go t.receive(ch)
	t.send(envelope.Control(envelope.Connect, t.clientID))
	t.stopHook = context.AfterFunc(t.ctx, func() { _ = t.Close() })
	t.logger.Debug("attached to broker", slogx.ClientID(t.clientID))
}

func (t *Transport) teardown() {
	if t.stopHook != nil {
		t.stopHook()
	}
	if t.ch == nil {
		return
	}
	t.send(envelope.Control(envelope.Disconnect, t.clientID))
	if err := t.ch.Close(); err != nil {
		t.logger.Debug("failed to close channel", slogx.Error(err))
	}
	t.logger.Debug("detached from broker", slogx.ClientID(t.clientID))
}

func (t *Transport) receive(ch channel.Channel) {
	for {
		env, err := ch.Receive(context.Background())
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) {
				t.logger.Debug("receive failed", slogx.Error(err))
			}
			return
		}
		if !t.ops.Put(func() { t.dispatch(env) }) {
			return
		}
	}
}

// send is fire and forget.
func (t *Transport) send(env envelope.Envelope) {
	if t.ch == nil {
		t.logger.Debug("not attached, dropping envelope", slogx.Topic(env.Topic), slog.String("command", string(env.Command)))
		return
	}
	if err := t.ch.Send(env); err != nil {
		t.logger.Debug("send failed", slogx.Error(err))
	}
}

func (t *Transport) dispatch(env envelope.Envelope) {
	switch {
	case env.IsControl():
		if env.Command == envelope.Log {
			msg, ok := env.PayloadString()
			if !ok {
				msg = fmt.Sprint(env.Payload)
			}
			t.sink(msg)
			return
		}

		callback, ok := t.pending[env.Command]
		if !ok {
			return
		}
		delete(t.pending, env.Command)
		n, ok := env.PayloadInt()
		if !ok {
			t.logger.Debug("reply without a count", slog.String("command", string(env.Command)))
			return
		}
		t.invokeCallback(env.Command, callback, n)

	case env.IsTopic():
		for _, sub := range t.subscribers[env.Topic] {
			t.invoke(sub, env)
		}
	}
}

func (t *Transport) invoke(sub *subscription, env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			t.sink(fmt.Sprintf("handler for %q panicked: %v", env.Topic, r))
		}
	}()
	if err := sub.handler.HandleMessage(t.ctx, env.Args...); err != nil {
		t.sink(fmt.Sprintf("handler for %q failed: %v", env.Topic, err))
	}
}

func (t *Transport) invokeCallback(cmd envelope.Command, callback func(int), n int) {
	defer func() {
		if r := recover(); r != nil {
			t.sink(fmt.Sprintf("%s callback panicked: %v", cmd, r))
		}
	}()
	callback(n)
}

func (t *Transport) unsubscribe(topic string, subs []Subscription) {
	current, ok := t.subscribers[topic]
	if !ok {
		return
	}
	if len(subs) == 0 {
		delete(t.subscribers, topic)
		return
	}

	kept := make([]*subscription, 0, len(current))
	for _, sub := range current {
		if !slices.ContainsFunc(subs, func(s Subscription) bool { return s == Subscription(sub) }) {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(t.subscribers, topic)
		return
	}
	t.subscribers[topic] = kept
}
