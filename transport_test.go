package underground

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/underground/channel"
	"github.com/casualjim/underground/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer stands in for the broker on the far end of a pipe.
type peer struct {
	remote channel.Channel
	dials  atomic.Int32
}

func newPeer(t *testing.T) (*peer, channel.Dialer) {
	t.Helper()
	local, remote := channel.Pipe()
	p := &peer{remote: remote}
	t.Cleanup(func() { _ = remote.Close() })
	return p, func(context.Context) (channel.Channel, error) {
		p.dials.Add(1)
		return local, nil
	}
}

func (p *peer) expect(t *testing.T) envelope.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := p.remote.Receive(ctx)
	require.NoError(t, err)
	return env
}

func (p *peer) expectConnect(t *testing.T) envelope.ClientID {
	t.Helper()
	env := p.expect(t)
	require.Equal(t, envelope.Connect, env.Command)
	id, ok := env.PayloadClientID()
	require.True(t, ok)
	return id
}

func (p *peer) deliver(t *testing.T, env envelope.Envelope) {
	t.Helper()
	require.NoError(t, p.remote.Send(env))
}

// recorder collects handler invocations in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
	args  [][]any
}

func (r *recorder) handler(name string) HandlerFunc {
	return func(_ context.Context, args ...any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		r.args = append(r.args, args)
		return nil
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) waitFor(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.snapshot()
}

type sinkRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (s *sinkRecorder) sink(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
}

func (s *sinkRecorder) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func newTransport(t *testing.T, dial channel.Dialer) *Transport {
	t.Helper()
	tr := New(context.Background(), dial)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestLazyConnect(t *testing.T) {
	p, dial := newPeer(t)
	tr := newTransport(t, dial)

	tr.Unsubscribe("nothing")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), p.dials.Load())
	assert.Empty(t, tr.ID())

	tr.SubscribeFunc("topic", func(context.Context, ...any) error { return nil })
	id := p.expectConnect(t)
	assert.Equal(t, tr.ID(), id)
	assert.Equal(t, int32(1), p.dials.Load())

	// further operations reuse the channel
	tr.Publish("topic")
	tr.Broadcast("topic")
	tr.ClientCount(func(int) {})
	for range 3 {
		p.expect(t)
	}
	assert.Equal(t, int32(1), p.dials.Load())
}

func TestWithClientID(t *testing.T) {
	p, dial := newPeer(t)
	tr := New(context.Background(), dial, WithClientID("fixed"))
	t.Cleanup(func() { _ = tr.Close() })

	tr.Publish("topic")
	assert.Equal(t, envelope.ClientID("fixed"), p.expectConnect(t))
	assert.Equal(t, envelope.ClientID("fixed"), tr.ID())
}

func TestPublishAndBroadcastEnvelopes(t *testing.T) {
	p, dial := newPeer(t)
	tr := newTransport(t, dial)

	tr.Publish("chat", "hi", 2)
	id := p.expectConnect(t)
	assert.Equal(t, envelope.Envelope{Topic: "chat", Args: []any{"hi", 2}, SenderID: id}, p.expect(t))

	tr.Broadcast("ping", 42)
	assert.Equal(t, envelope.Envelope{Topic: "ping", Args: []any{42}, SenderID: id, ExcludeSender: true}, p.expect(t))
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	p, dial := newPeer(t)
	tr := newTransport(t, dial)
	rec := &recorder{}

	tr.Subscribe("t", rec.handler("h1"))
	tr.Subscribe("t", rec.handler("h2"))
	tr.Subscribe("other", rec.handler("other"))
	p.expectConnect(t)

	p.deliver(t, envelope.Publish("someone", "t", "x", 1))
	assert.Equal(t, []string{"h1", "h2"}, rec.waitFor(t, 2))

	rec.mu.Lock()
	assert.Equal(t, [][]any{{"x", 1}, {"x", 1}}, rec.args)
	rec.mu.Unlock()
}

func TestSameHandlerTwiceRunsTwice(t *testing.T) {
	p, dial := newPeer(t)
	tr := newTransport(t, dial)
	rec := &recorder{}
	h := rec.handler("h")

	tr.Subscribe("t", h)
	tr.Subscribe("t", h)
	p.expectConnect(t)

	p.deliver(t, envelope.Publish("someone", "t"))
	assert.Equal(t, []string{"h", "h"}, rec.waitFor(t, 2))
}

func TestUnknownTopicIsDropped(t *testing.T) {
	p, dial := newPeer(t)
	tr := newTransport(t, dial)
	rec := &recorder{}

	tr.Subscribe("known", rec.handler("known"))
	p.expectConnect(t)

	p.deliver(t, envelope.Publish("someone", "unknown"))
	p.deliver(t, envelope.Publish("someone", "known"))
	assert.Equal(t, []string{"known"}, rec.waitFor(t, 1))
}

func TestUnsubscribe(t *testing.T) {
	t.Run("removes only the given subscription", func(t *testing.T) {
		p, dial := newPeer(t)
		tr := newTransport(t, dial)
		rec := &recorder{}

		s1 := tr.Subscribe("t", rec.handler("h1"))
		tr.Subscribe("t", rec.handler("h2"))
		p.expectConnect(t)
		tr.Unsubscribe("t", s1)

		p.deliver(t, envelope.Publish("someone", "t"))
		assert.Equal(t, []string{"h2"}, rec.waitFor(t, 1))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []string{"h2"}, rec.snapshot())
	})

	t.Run("without subscriptions removes every handler", func(t *testing.T) {
		p, dial := newPeer(t)
		tr := newTransport(t, dial)
		rec := &recorder{}

		tr.Subscribe("t", rec.handler("h1"))
		tr.Subscribe("t", rec.handler("h2"))
		tr.Subscribe("u", rec.handler("u"))
		p.expectConnect(t)
		tr.Unsubscribe("t")

		p.deliver(t, envelope.Publish("someone", "t"))
		p.deliver(t, envelope.Publish("someone", "u"))
		assert.Equal(t, []string{"u"}, rec.waitFor(t, 1))
	})

	t.Run("subscription handle", func(t *testing.T) {
		p, dial := newPeer(t)
		tr := newTransport(t, dial)
		rec := &recorder{}

		tr.Subscribe("t", rec.handler("h1"))
		s2 := tr.Subscribe("t", rec.handler("h2"))
		tr.Subscribe("t", rec.handler("h3"))
		assert.Equal(t, "t", s2.Topic())
		assert.NotEmpty(t, s2.ID())
		p.expectConnect(t)
		s2.Unsubscribe()

		p.deliver(t, envelope.Publish("someone", "t"))
		assert.Equal(t, []string{"h1", "h3"}, rec.waitFor(t, 2))
	})

	t.Run("unknown topic or subscription is a no-op", func(t *testing.T) {
		p, dial := newPeer(t)
		tr := newTransport(t, dial)
		other := newTransport(t, func(context.Context) (channel.Channel, error) {
			return nil, errors.New("unused")
		})
		rec := &recorder{}

		tr.Subscribe("t", rec.handler("h1"))
		foreign := other.Subscribe("t", rec.handler("foreign"))
		p.expectConnect(t)
		tr.Unsubscribe("missing")
		tr.Unsubscribe("t", foreign)

		p.deliver(t, envelope.Publish("someone", "t"))
		assert.Equal(t, []string{"h1"}, rec.waitFor(t, 1))
	})
}

func TestClientCount(t *testing.T) {
	t.Run("invokes the callback with the reply", func(t *testing.T) {
		p, dial := newPeer(t)
		tr := newTransport(t, dial)
		got := make(chan int, 1)

		tr.ClientCount(func(n int) { got <- n })
		p.expectConnect(t)
		assert.Equal(t, envelope.Control(envelope.ClientCountRequest, nil), p.expect(t))
		p.deliver(t, envelope.Control(envelope.ClientCountReply, 3))

		select {
		case n := <-got:
			assert.Equal(t, 3, n)
		case <-time.After(2 * time.Second):
			t.Fatal("callback not invoked")
		}
	})

	t.Run("a later request replaces the pending callback", func(t *testing.T) {
		p, dial := newPeer(t)
		tr := newTransport(t, dial)
		var mu sync.Mutex
		var first, second []int

		tr.ClientCount(func(n int) { mu.Lock(); first = append(first, n); mu.Unlock() })
		tr.ClientCount(func(n int) { mu.Lock(); second = append(second, n); mu.Unlock() })
		p.expectConnect(t)
		p.expect(t)
		p.expect(t)

		p.deliver(t, envelope.Control(envelope.ClientCountReply, 3))
		p.deliver(t, envelope.Control(envelope.ClientCountReply, 4))
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(second) == 1
		}, 2*time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		assert.Empty(t, first)
		assert.Equal(t, []int{3}, second)
	})

	t.Run("the callback may ask again", func(t *testing.T) {
		p, dial := newPeer(t)
		tr := newTransport(t, dial)
		got := make(chan int, 2)

		tr.ClientCount(func(n int) {
			got <- n
			tr.ClientCount(func(n int) { got <- n * 10 })
		})
		p.expectConnect(t)
		p.expect(t)
		p.deliver(t, envelope.Control(envelope.ClientCountReply, 1))
		assert.Equal(t, envelope.ClientCountRequest, p.expect(t).Command)
		p.deliver(t, envelope.Control(envelope.ClientCountReply, 2))

		assert.Equal(t, 1, <-got)
		assert.Equal(t, 20, <-got)
	})

	t.Run("unsolicited reply is ignored", func(t *testing.T) {
		p, dial := newPeer(t)
		s := &sinkRecorder{}
		tr := New(context.Background(), dial, WithSink(s.sink))
		t.Cleanup(func() { _ = tr.Close() })

		tr.Publish("warmup")
		p.expectConnect(t)
		p.expect(t)
		p.deliver(t, envelope.Control(envelope.ClientCountReply, 5))
		p.deliver(t, envelope.Control(envelope.Log, "after"))

		require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"after"}, s.snapshot())
	})
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	p, dial := newPeer(t)
	s := &sinkRecorder{}
	tr := New(context.Background(), dial, WithSink(s.sink))
	t.Cleanup(func() { _ = tr.Close() })
	rec := &recorder{}

	tr.SubscribeFunc("t", func(context.Context, ...any) error { panic("boom") })
	tr.SubscribeFunc("t", func(context.Context, ...any) error { return errors.New("nope") })
	tr.Subscribe("t", rec.handler("survivor"))
	p.expectConnect(t)

	p.deliver(t, envelope.Publish("someone", "t"))
	assert.Equal(t, []string{"survivor"}, rec.waitFor(t, 1))

	messages := s.snapshot()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "boom")
	assert.Contains(t, messages[1], "nope")

	// the transport keeps working
	p.deliver(t, envelope.Publish("someone", "t"))
	assert.Len(t, rec.waitFor(t, 2), 2)
}

func TestLogGoesToSink(t *testing.T) {
	p, dial := newPeer(t)
	s := &sinkRecorder{}
	tr := New(context.Background(), dial, WithSink(s.sink))
	t.Cleanup(func() { _ = tr.Close() })

	tr.Publish("warmup")
	p.expectConnect(t)
	p.deliver(t, envelope.Control(envelope.Log, "Publish (warmup) to 1 subscribers"))

	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Publish (warmup) to 1 subscribers"}, s.snapshot())
}

func TestCloseSendsDisconnect(t *testing.T) {
	p, dial := newPeer(t)
	tr := New(context.Background(), dial)

	tr.Publish("last words")
	id := p.expectConnect(t)
	require.NoError(t, tr.Close())

	// queued work is flushed before disconnect
	assert.Equal(t, "last words", p.expect(t).Topic)
	assert.Equal(t, envelope.Control(envelope.Disconnect, id), p.expect(t))

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.remote.Receive(ctx)
	assert.ErrorIs(t, err, channel.ErrClosed)

	// later operations are dropped without reconnecting
	tr.Publish("too late")
	assert.NoError(t, tr.Close())
	assert.Equal(t, int32(1), p.dials.Load())
}

func TestContextCancelDisconnects(t *testing.T) {
	p, dial := newPeer(t)
	ctx, cancel := context.WithCancel(context.Background())
	tr := New(ctx, dial)

	tr.Publish("hello")
	id := p.expectConnect(t)
	p.expect(t)

	cancel()
	assert.Equal(t, envelope.Control(envelope.Disconnect, id), p.expect(t))
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop")
	}
}

func TestCloseBeforeUse(t *testing.T) {
	p, dial := newPeer(t)
	tr := New(context.Background(), dial)

	require.NoError(t, tr.Close())
	select {
	case <-tr.Done():
	default:
		t.Fatal("done not closed")
	}

	tr.Publish("ignored")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), p.dials.Load())
}

func TestDialFailure(t *testing.T) {
	var dials atomic.Int32
	tr := New(context.Background(), func(context.Context) (channel.Channel, error) {
		dials.Add(1)
		return nil, errors.New("no broker here")
	})

	got := make(chan int, 1)
	tr.ClientCount(func(n int) { got <- n })
	tr.Publish("topic", 1)
	tr.SubscribeFunc("topic", func(context.Context, ...any) error { return nil })

	require.Eventually(t, func() bool { return dials.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Close())
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop")
	}
	assert.Empty(t, got)
	assert.Equal(t, int32(1), dials.Load())
}

func TestNilDialer(t *testing.T) {
	tr := New(context.Background(), nil)
	tr.Publish("topic")
	require.NoError(t, tr.Close())
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not stop")
	}
}
