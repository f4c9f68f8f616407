package channel

import (
	"context"
	"sync"

	"github.com/casualjim/underground/envelope"
)

// Pipe returns the two ends of an in-memory channel. Envelopes cross it as Go
// values, so arguments keep their exact types; receivers must not mutate them.
func Pipe() (Channel, Channel) {
	aToB := newQueue()
	bToA := newQueue()
	return &pipeEnd{in: bToA, out: aToB}, &pipeEnd{in: aToB, out: bToA}
}

type pipeEnd struct {
	in        queue
	out       queue
	closeOnce sync.Once
}

func (p *pipeEnd) Send(env envelope.Envelope) error {
	return p.out.put(env)
}

func (p *pipeEnd) Receive(ctx context.Context) (envelope.Envelope, error) {
	return p.in.take(ctx)
}

// Close stops both directions. Envelopes already sent by either side remain
// receivable until drained.
func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() {
		p.out.close()
		p.in.close()
	})
	return nil
}
