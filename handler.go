package underground

import "context"

// Handler reacts to the arguments of a topic message. A returned error is
// reported to the transport's sink and does not stop the remaining handlers.
type Handler interface {
	HandleMessage(ctx context.Context, args ...any) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args ...any) error

func (f HandlerFunc) HandleMessage(ctx context.Context, args ...any) error {
	return f(ctx, args...)
}

// Subscription identifies one registration made with Subscribe.
type Subscription interface {
	ID() string
	Topic() string
	// Unsubscribe removes this registration only.
	Unsubscribe()
}

type subscription struct {
	id        string
	topic     string
	handler   Handler
	transport *Transport
}

func (s *subscription) ID() string    { return s.id }
func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() {
	s.transport.Unsubscribe(s.topic, s)
}
