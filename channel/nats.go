package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/underground/envelope"
	"github.com/casualjim/underground/pkg/slogx"
	"github.com/nats-io/nats.go"
)

const (
	// HeaderPeer carries the inbox subject of the dialing side.
	HeaderPeer = "Underground-Peer"
	// HeaderClose marks the goodbye frame sent when a dialed channel closes.
	HeaderClose = "Underground-Close"
)

// BrokerSubject is the subject a NATS listener for prefix subscribes to.
func BrokerSubject(prefix string) string {
	return prefix + ".broker"
}

type natsClient struct {
	nc      *nats.Conn
	subject string
	inbox   string
	sub     *nats.Subscription
	in      queue
	closed  atomic.Bool
	logger  *slog.Logger
	once    sync.Once
}

// DialNATS opens a channel to the NATS listener serving prefix. Replies come
// back on a private inbox, so any number of contexts can share one connection.
func DialNATS(nc *nats.Conn, prefix string, logger *slog.Logger) (Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &natsClient{
		nc:      nc,
		subject: BrokerSubject(prefix),
		inbox:   nc.NewInbox(),
		in:      newQueue(),
		logger:  logger.With(slogx.LoggerName("nats")),
	}

	sub, err := nc.Subscribe(c.inbox, func(msg *nats.Msg) {
		env, err := envelope.Unmarshal(msg.Data)
		if err != nil {
			c.logger.Debug("dropping undecodable frame", slogx.Error(err), slogx.ByteString("frame", msg.Data))
			return
		}
		_ = c.in.put(env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.inbox, err)
	}
	c.sub = sub
	return c, nil
}

// NATSDialer returns a Dialer for DialNATS.
func NATSDialer(nc *nats.Conn, prefix string, logger *slog.Logger) Dialer {
	return func(context.Context) (Channel, error) {
		return DialNATS(nc, prefix, logger)
	}
}

func (c *natsClient) Send(env envelope.Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(c.subject)
	msg.Header.Set(HeaderPeer, c.inbox)
	msg.Data = data
	return c.nc.PublishMsg(msg)
}

func (c *natsClient) Receive(ctx context.Context) (envelope.Envelope, error) {
	return c.in.take(ctx)
}

func (c *natsClient) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)

		bye := nats.NewMsg(c.subject)
		bye.Header.Set(HeaderPeer, c.inbox)
		bye.Header.Set(HeaderClose, "1")
		if perr := c.nc.PublishMsg(bye); perr != nil {
			c.logger.Debug("failed to send goodbye", slogx.Error(perr))
		}

		err = c.sub.Unsubscribe()
		c.in.close()
	})
	return err
}

// NATSListener accepts channels dialed with DialNATS. Every distinct peer inbox
// seen on the broker subject becomes one channel.
type NATSListener struct {
	nc       *nats.Conn
	sub      *nats.Subscription
	peers    *haxmap.Map[string, *natsPeer]
	accepted acceptQueue
	logger   *slog.Logger
}

// NewNATSListener subscribes to BrokerSubject(prefix).
func NewNATSListener(nc *nats.Conn, prefix string, logger *slog.Logger) (*NATSListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &NATSListener{
		nc:       nc,
		peers:    haxmap.New[string, *natsPeer](),
		accepted: newAcceptQueue(),
		logger:   logger.With(slogx.LoggerName("nats")),
	}

	sub, err := nc.Subscribe(BrokerSubject(prefix), l.route)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", BrokerSubject(prefix), err)
	}
	l.sub = sub
	return l, nil
}

// route runs on the subscription's delivery goroutine, one message at a time.
func (l *NATSListener) route(msg *nats.Msg) {
	inbox := msg.Header.Get(HeaderPeer)
	if inbox == "" {
		l.logger.Debug("dropping frame without peer header")
		return
	}

	if msg.Header.Get(HeaderClose) != "" {
		if peer, ok := l.peers.Get(inbox); ok {
			_ = peer.Close()
		}
		return
	}

	peer, loaded := l.peers.GetOrCompute(inbox, func() *natsPeer {
		return &natsPeer{
			nc:     l.nc,
			inbox:  inbox,
			in:     newQueue(),
			onDone: func() { l.peers.Del(inbox) },
		}
	})
	if !loaded && !l.accepted.mb.Put(peer) {
		l.peers.Del(inbox)
		return
	}

	env, err := envelope.Unmarshal(msg.Data)
	if err != nil {
		l.logger.Debug("dropping undecodable frame", slogx.Error(err), slog.String("peer", inbox))
		return
	}
	_ = peer.in.put(env)
}

func (l *NATSListener) Accept(ctx context.Context) (Channel, error) {
	return l.accepted.accept(ctx)
}

// Close unsubscribes and closes every peer channel.
func (l *NATSListener) Close() error {
	err := l.sub.Unsubscribe()
	l.accepted.mb.Close()
	l.peers.ForEach(func(_ string, peer *natsPeer) bool {
		_ = peer.Close()
		return true
	})
	return err
}

type natsPeer struct {
	nc     *nats.Conn
	inbox  string
	in     queue
	closed atomic.Bool
	onDone func()
	once   sync.Once
}

func (p *natsPeer) Send(env envelope.Envelope) error {
	if p.closed.Load() {
		return ErrClosed
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.inbox, data)
}

func (p *natsPeer) Receive(ctx context.Context) (envelope.Envelope, error) {
	return p.in.take(ctx)
}

func (p *natsPeer) Close() error {
	p.once.Do(func() {
		p.closed.Store(true)
		p.in.close()
		if p.onDone != nil {
			p.onDone()
		}
	})
	return nil
}
