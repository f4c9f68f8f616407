package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/underground/channel"
	"github.com/fogfish/opts"
)

// Registry spawns at most one in-process broker per origin and hands out
// dialers that attach to it. It stands in for the "spawn or attach to the
// shared process" step: the first dial for an origin starts its broker, later
// dials reuse it.
type Registry struct {
	ctx     context.Context
	cancel  context.CancelFunc
	options []opts.Option[Broker]
	brokers *haxmap.Map[string, *instance]
}

type instance struct {
	once   sync.Once
	broker *Broker
}

// NewRegistry creates a registry whose brokers live until ctx is done or
// Close is called. options are applied to every broker it spawns.
func NewRegistry(ctx context.Context, options ...opts.Option[Broker]) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:     ctx,
		cancel:  cancel,
		options: options,
		brokers: haxmap.New[string, *instance](),
	}
}

// Broker returns the origin's broker, starting it if needed. It returns nil
// once the registry is closed and the origin never got a broker.
func (r *Registry) Broker(origin string) *Broker {
	inst, _ := r.brokers.GetOrCompute(origin, func() *instance {
		return &instance{}
	})
	inst.once.Do(func() {
		if r.ctx.Err() != nil {
			return
		}
		inst.broker = New(r.options...)
		inst.broker.Start(r.ctx)
	})
	return inst.broker
}

// Dialer returns a dialer that connects to the origin's broker through an
// in-memory pipe.
func (r *Registry) Dialer(origin string) channel.Dialer {
	return func(ctx context.Context) (channel.Channel, error) {
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}
		b := r.Broker(origin)
		if b == nil {
			return nil, fmt.Errorf("dial %s: registry closed: %w", origin, context.Canceled)
		}
		local, remote := channel.Pipe()
		b.Serve(r.ctx, remote)
		return local, nil
	}
}

// Origins lists the origins that have a broker.
func (r *Registry) Origins() []string {
	var origins []string
	r.brokers.ForEach(func(origin string, _ *instance) bool {
		origins = append(origins, origin)
		return true
	})
	return origins
}

// Close stops every broker and waits for their loops to exit.
func (r *Registry) Close() error {
	r.cancel()
	r.brokers.ForEach(func(_ string, inst *instance) bool {
		inst.once.Do(func() {})
		if inst.broker != nil {
			<-inst.broker.Done()
		}
		return true
	})
	return nil
}
