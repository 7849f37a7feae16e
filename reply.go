package flowrpc

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/flowrpc/wire"
	"github.com/outofforest/proton"
)

// Reply is the single-use slot the response to the request is delivered to.
type Reply struct {
	id       wire.EndpointID
	m        proton.Marshaller
	loopback *LoopbackHandler

	once sync.Once
	done chan struct{}
	msg  any
	err  error
}

func newReply(id wire.EndpointID, m proton.Marshaller, loopback *LoopbackHandler) *Reply {
	return &Reply{
		id:       id,
		m:        m,
		loopback: loopback,
		done:     make(chan struct{}),
	}
}

// ID returns the ephemeral endpoint the reply is expected on.
func (r *Reply) ID() wire.EndpointID {
	return r.id
}

// Done is closed once the reply is resolved, failed or canceled.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome. It must be called after Done is closed.
func (r *Reply) Result() (any, error) {
	return r.msg, r.err
}

// Wait waits for the reply. If ctx is done first the endpoint is released.
func (r *Reply) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		r.fail(errors.WithStack(ctx.Err()))
	}
	return r.Result()
}

// Cancel releases the endpoint. Response arriving later is dropped.
func (r *Reply) Cancel() {
	r.fail(errors.WithStack(context.Canceled))
}

func (r *Reply) marshaller() proton.Marshaller {
	return r.m
}

func (r *Reply) deliver(_ context.Context, msg any, _ Sender) error {
	r.complete(msg, nil)
	return nil
}

func (r *Reply) fail(err error) {
	if r.complete(nil, err) {
		r.loopback.release(r)
	}
}

func (r *Reply) complete(msg any, err error) bool {
	var completed bool
	r.once.Do(func() {
		r.msg = msg
		r.err = err
		close(r.done)
		completed = true
	})
	return completed
}
