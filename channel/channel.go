package channel

import (
	"context"
	"errors"

	"github.com/casualjim/underground/envelope"
	"github.com/casualjim/underground/internal/mailbox"
)

// ErrClosed is returned once a channel, or its peer, has been closed and every
// envelope queued before that has been received.
var ErrClosed = errors.New("channel: closed")

// Channel is one end of an ordered, asynchronous, bidirectional link between
// exactly two endpoints.
type Channel interface {
	// Send queues env for delivery to the peer and returns without waiting for
	// it. A nil error only means the channel accepted the envelope.
	Send(env envelope.Envelope) error
	// Receive blocks until the next envelope from the peer arrives.
	Receive(ctx context.Context) (envelope.Envelope, error)
	// Close releases the channel. Further sends fail with ErrClosed.
	Close() error
}

// Listener hands out the broker side of newly attached channels.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Close() error
}

// Dialer opens the context side of a channel to a broker.
type Dialer func(ctx context.Context) (Channel, error)

// queue adapts a mailbox to channel semantics.
type queue struct {
	mb *mailbox.Mailbox[envelope.Envelope]
}

func newQueue() queue {
	return queue{mb: mailbox.New[envelope.Envelope]()}
}

func (q queue) put(env envelope.Envelope) error {
	if !q.mb.Put(env) {
		return ErrClosed
	}
	return nil
}

func (q queue) take(ctx context.Context) (envelope.Envelope, error) {
	env, err := q.mb.Take(ctx)
	if errors.Is(err, mailbox.ErrClosed) {
		return env, ErrClosed
	}
	return env, err
}

func (q queue) close() { q.mb.Close() }

// acceptQueue backs Listener implementations.
type acceptQueue struct {
	mb *mailbox.Mailbox[Channel]
}

func newAcceptQueue() acceptQueue {
	return acceptQueue{mb: mailbox.New[Channel]()}
}

func (q acceptQueue) accept(ctx context.Context) (Channel, error) {
	ch, err := q.mb.Take(ctx)
	if errors.Is(err, mailbox.ErrClosed) {
		return nil, ErrClosed
	}
	return ch, err
}
