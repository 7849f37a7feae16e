package ping

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/flowrpc"
	"github.com/outofforest/flowrpc/wire"
	"github.com/outofforest/proton"
)

var _ flowrpc.Handler = Handler{}

// Handler answers ping requests.
type Handler struct {
	m wire.Marshaller
}

// NewHandler creates ping handler to be registered under wire.PingPacket.
func NewHandler() Handler {
	return Handler{m: wire.NewMarshaller()}
}

// Marshaller returns marshaller of ping messages.
func (h Handler) Marshaller() proton.Marshaller {
	return h.m
}

// Handle replies to the ping request.
func (h Handler) Handle(_ context.Context, msg any) (*flowrpc.Outbound, error) {
	req, ok := msg.(*wire.PingRequest)
	if !ok {
		return nil, errors.Wrapf(flowrpc.ErrUnexpectedMessage, "ping request expected, got %T", msg)
	}
	if req.Reply.Kind() != wire.KindEphemeral {
		return nil, errors.Wrapf(flowrpc.ErrInvalidEndpoint, "reply endpoint %s", req.Reply)
	}

	return &flowrpc.Outbound{
		Destination: req.Reply,
		Marshaller:  h.m,
		Message:     &wire.PingResponse{},
	}, nil
}

// Ping checks that the peer at address is alive and returns the round-trip time.
func Ping(ctx context.Context, address string, keeper *flowrpc.ConnectionKeeper) (time.Duration, error) {
	start := time.Now()

	resp, err := keeper.Request(ctx, address, wire.WellKnown(wire.PingPacket), wire.NewMarshaller(),
		func(reply wire.EndpointID) any {
			return &wire.PingRequest{Reply: reply}
		})
	if err != nil {
		return 0, err
	}
	if _, ok := resp.(*wire.PingResponse); !ok {
		return 0, errors.Wrapf(flowrpc.ErrUnexpectedMessage, "ping response expected, got %T", resp)
	}

	return time.Since(start), nil
}
