package flowrpc

import (
	"context"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/outofforest/flowrpc/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/proton"
)

// Outbound is the message addressed to an endpoint.
type Outbound struct {
	Destination wire.EndpointID
	Marshaller  proton.Marshaller
	Message     any
}

// Sender sends messages to the peer.
type Sender interface {
	Send(ctx context.Context, msg Outbound) error
}

// Handler handles messages delivered to the well-known endpoint.
// Returned message, if not nil, is sent back over the connection the request arrived on.
// Returned error is logged and counted on this side only, the requester receives nothing
// and learns about the failure through its own RequestTimeout or context deadline.
type Handler interface {
	Marshaller() proton.Marshaller
	Handle(ctx context.Context, msg any) (*Outbound, error)
}

// DecodeFunc reads the body of inbound message using marshaller.
// Nil marshaller means the body must be discarded.
type DecodeFunc func(m proton.Marshaller) (any, error)

type endpoint interface {
	marshaller() proton.Marshaller
	deliver(ctx context.Context, msg any, replyTo Sender) error
}

type handlerEndpoint struct {
	handler Handler
}

func (e handlerEndpoint) marshaller() proton.Marshaller {
	return e.handler.Marshaller()
}

func (e handlerEndpoint) deliver(ctx context.Context, msg any, replyTo Sender) error {
	reply, err := e.handler.Handle(ctx, msg)
	if err != nil || reply == nil {
		return err
	}
	return replyTo.Send(ctx, *reply)
}

// LoopbackHandler is the process-local table of endpoints messages are dispatched to.
type LoopbackHandler struct {
	peerID    wire.PeerID
	endpoints *xsync.MapOf[wire.EndpointID, endpoint]

	dispatched    *metrics.Counter
	unknown       *metrics.Counter
	handlerErrors *metrics.Counter
}

// NewLoopbackHandler creates loopback handler.
func NewLoopbackHandler(config LoopbackConfig) (*LoopbackHandler, error) {
	id, err := peerID()
	if err != nil {
		return nil, err
	}

	set := config.Metrics
	if set == nil {
		set = metrics.NewSet()
	}

	return &LoopbackHandler{
		peerID:        id,
		endpoints:     xsync.NewMapOf[wire.EndpointID, endpoint](),
		dispatched:    set.GetOrCreateCounter("flowrpc_dispatched_total"),
		unknown:       set.GetOrCreateCounter("flowrpc_unknown_endpoint_total"),
		handlerErrors: set.GetOrCreateCounter("flowrpc_handler_errors_total"),
	}, nil
}

// PeerID returns the identity of this process announced to peers.
func (lh *LoopbackHandler) PeerID() wire.PeerID {
	return lh.peerID
}

// RegisterWellKnownEndpoint binds handler to the well-known token.
// Bindings are immutable, registering the same token twice fails.
func (lh *LoopbackHandler) RegisterWellKnownEndpoint(token wire.Token, handler Handler) error {
	if !token.Valid() {
		return errors.Wrapf(ErrInvalidEndpoint, "token %s", token)
	}
	if handler == nil {
		return errors.Errorf("nil handler for token %s", token)
	}

	if _, loaded := lh.endpoints.LoadOrStore(wire.WellKnown(token), handlerEndpoint{handler: handler}); loaded {
		return errors.Wrapf(ErrEndpointRegistered, "token %s", token)
	}
	return nil
}

// AllocateReplyEndpoint registers fresh ephemeral endpoint. The first message delivered to it
// resolves the returned reply and removes the registration.
func (lh *LoopbackHandler) AllocateReplyEndpoint(m proton.Marshaller) (wire.EndpointID, *Reply, error) {
	for {
		id, err := wire.NewEphemeral()
		if err != nil {
			return wire.EndpointID{}, nil, err
		}

		r := newReply(id, m, lh)
		if _, loaded := lh.endpoints.LoadOrStore(id, r); !loaded {
			return id, r, nil
		}
	}
}

// Dispatch delivers inbound message addressed to destination. Messages to unknown endpoints are
// discarded. Returned error means the body could not be read and the stream is broken.
func (lh *LoopbackHandler) Dispatch(
	ctx context.Context,
	destination wire.EndpointID,
	decode DecodeFunc,
	replyTo Sender,
) error {
	var ep endpoint
	var exists bool
	switch destination.Kind() {
	case wire.KindWellKnown:
		ep, exists = lh.endpoints.Load(destination)
	case wire.KindEphemeral:
		ep, exists = lh.endpoints.LoadAndDelete(destination)
	}

	if !exists {
		lh.unknown.Inc()
		logger.Get(ctx).Debug("Message to unknown endpoint dropped", zap.Stringer("endpoint", destination))

		_, err := decode(nil)
		return err
	}

	msg, err := decode(ep.marshaller())
	if err != nil {
		return err
	}

	lh.dispatched.Inc()
	if err := ep.deliver(ctx, msg, replyTo); err != nil {
		lh.handlerErrors.Inc()
		logger.Get(ctx).Error("Handling message failed", zap.Stringer("endpoint", destination), zap.Error(err))
	}
	return nil
}

func (lh *LoopbackHandler) release(r *Reply) {
	lh.endpoints.Compute(r.id, func(old endpoint, loaded bool) (endpoint, bool) {
		return old, !loaded || old == endpoint(r)
	})
}
