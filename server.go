package flowrpc

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/resonance"
)

// Serve accepts connections on ls and dispatches their messages to the loopback handler.
// Replies are sent back over the connection the request arrived on. Inbound connections are not pooled.
func (k *ConnectionKeeper) Serve(ctx context.Context, ls net.Listener) error {
	address := ls.Addr().String()

	return resonance.RunServer(ctx, ls, k.resonanceConfig(),
		func(ctx context.Context, rc *resonance.Connection) error {
			k.accepted.Inc()

			c := newConnection(address, false, k.loopback, k.config)
			err := c.serve(ctx, rc)
			c.terminate(err)

			if ctx.Err() == nil {
				logger.Get(ctx).Debug("Inbound connection closed",
					zap.String("listener", address),
					zap.Error(err))
			}
			return nil
		})
}
