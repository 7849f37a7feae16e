package flowrpc

import (
	"context"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/outofforest/flowrpc/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/proton"
	"github.com/outofforest/resonance"
)

// ConnectionKeeper is the pool of connections keyed by the address of the peer.
type ConnectionKeeper struct {
	config   KeeperConfig
	loopback *LoopbackHandler
	conns    *xsync.MapOf[string, *Connection]

	started atomic.Bool
	startCh chan *Connection
	done    chan struct{}

	created  *metrics.Counter
	failed   *metrics.Counter
	accepted *metrics.Counter
}

// NewConnectionKeeper creates connection keeper. Connections are served once Run is called.
func NewConnectionKeeper(config KeeperConfig, loopback *LoopbackHandler) *ConnectionKeeper {
	config = config.withDefaults()
	return &ConnectionKeeper{
		config:   config,
		loopback: loopback,
		conns:    xsync.NewMapOf[string, *Connection](),
		startCh:  make(chan *Connection),
		done:     make(chan struct{}),
		created:  config.Metrics.GetOrCreateCounter("flowrpc_connections_created_total"),
		failed:   config.Metrics.GetOrCreateCounter("flowrpc_connections_failed_total"),
		accepted: config.Metrics.GetOrCreateCounter("flowrpc_connections_accepted_total"),
	}
}

// Loopback returns the loopback handler inbound messages are dispatched to.
func (k *ConnectionKeeper) Loopback() *LoopbackHandler {
	return k.loopback
}

// Run runs connections of the pool until ctx is canceled.
func (k *ConnectionKeeper) Run(ctx context.Context) error {
	if !k.started.CompareAndSwap(false, true) {
		return errors.New("connection keeper is already running")
	}

	defer func() {
		close(k.done)
		k.conns.Range(func(address string, c *Connection) bool {
			k.evict(address, c)
			c.terminate(errors.WithStack(ErrKeeperClosed))
			return true
		})
	}()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("connections", parallel.Fail, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case c := <-k.startCh:
					spawn("connection", parallel.Continue, func(ctx context.Context) error {
						k.runConnection(ctx, c)
						return nil
					})
				}
			}
		})

		return nil
	})
}

// GetOrCreate returns the connection to address, creating it on first use.
// Concurrent callers asking for the same address share one connection.
func (k *ConnectionKeeper) GetOrCreate(ctx context.Context, address string) (*Connection, error) {
	for {
		select {
		case <-k.done:
			return nil, errors.WithStack(ErrKeeperClosed)
		default:
		}

		c, loaded := k.conns.LoadOrCompute(address, func() *Connection {
			return newConnection(address, address == k.config.SelfAddress && address != "", k.loopback, k.config)
		})
		if !loaded {
			k.created.Inc()
			if err := k.start(ctx, c); err != nil {
				k.evict(address, c)
				c.terminate(err)
				return nil, err
			}
		}

		select {
		case <-c.ready:
		case <-c.closed:
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		}

		select {
		case <-c.closed:
			if c.established() {
				// Stale entry, the connection died after it had been established.
				k.evict(address, c)
				continue
			}
			return nil, c.err
		default:
			return c, nil
		}
	}
}

// Request sends request to the peer at address and waits for the reply.
func (k *ConnectionKeeper) Request(
	ctx context.Context,
	address string,
	destination wire.EndpointID,
	m proton.Marshaller,
	build func(reply wire.EndpointID) any,
) (any, error) {
	c, err := k.GetOrCreate(ctx, address)
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, destination, m, build)
}

func (k *ConnectionKeeper) start(ctx context.Context, c *Connection) error {
	select {
	case k.startCh <- c:
		return nil
	case <-k.done:
		return errors.WithStack(ErrKeeperClosed)
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (k *ConnectionKeeper) runConnection(ctx context.Context, c *Connection) {
	log := logger.Get(ctx).With(zap.String("address", c.address))

	var err error
	if c.local {
		err = c.serveLocal(ctx)
	} else {
		err = resonance.RunClient(ctx, c.address, k.resonanceConfig(), c.serve)
	}

	k.evict(c.address, c)

	switch {
	case !c.established():
		k.failed.Inc()
		err = newCauseError(ErrConnectionEstablishment, err, "address %s", c.address)
		log.Error("Connection establishment failed", zap.Error(err))
	case ctx.Err() != nil, errors.Is(err, ErrConnectionClosed):
		log.Debug("Connection closed")
	default:
		log.Warn("Connection lost", zap.Error(err))
	}

	c.terminate(err)
}

func (k *ConnectionKeeper) evict(address string, c *Connection) {
	k.conns.Compute(address, func(old *Connection, loaded bool) (*Connection, bool) {
		return old, !loaded || old == c
	})
}

func (k *ConnectionKeeper) resonanceConfig() resonance.Config {
	return resonance.Config{
		MaxMessageSize: k.config.MaxMessageSize,
	}
}
