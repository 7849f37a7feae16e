package flowrpc

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/outofforest/flowrpc/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/proton"
	"github.com/outofforest/resonance"
)

// frameOverhead is reserved in every frame for the message ID and size prefixes.
const frameOverhead = 2 * binary.MaxVarintLen64

// Connection multiplexes requests and responses exchanged with a single peer.
type Connection struct {
	address        string
	local          bool
	loopback       *LoopbackHandler
	requestTimeout time.Duration
	maxMessageSize uint64

	sendCh  chan Outbound
	pending *xsync.MapOf[wire.EndpointID, *Reply]

	peerID    wire.PeerID
	ready     chan struct{}
	closeCh   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
	err       error
}

func newConnection(address string, local bool, loopback *LoopbackHandler, config KeeperConfig) *Connection {
	return &Connection{
		address:        address,
		local:          local,
		loopback:       loopback,
		requestTimeout: config.RequestTimeout,
		maxMessageSize: config.MaxMessageSize,
		sendCh:         make(chan Outbound, config.QueueSize),
		pending:        xsync.NewMapOf[wire.EndpointID, *Reply](),
		ready:          make(chan struct{}),
		closeCh:        make(chan struct{}),
		closed:         make(chan struct{}),
	}
}

// Address returns the address of the peer.
func (c *Connection) Address() string {
	return c.address
}

// PeerID returns the identity announced by the peer. It is zero until the connection is established.
func (c *Connection) PeerID() wire.PeerID {
	if !c.established() {
		return wire.PeerID{}
	}
	return c.peerID
}

// Done is closed when connection terminates.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns the reason of termination. It is nil while connection is alive.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.err
	default:
		return nil
	}
}

// Pending returns the number of requests waiting for the reply.
func (c *Connection) Pending() int {
	return c.pending.Size()
}

// Close terminates the connection.
func (c *Connection) Close() {
	c.stopOnce.Do(func() {
		close(c.closeCh)
	})
}

// Send enqueues message for transmission. Messages sent by one goroutine are transmitted in order.
// Message exceeding the maximum message size is rejected here and the connection stays usable.
func (c *Connection) Send(ctx context.Context, msg Outbound) error {
	select {
	case <-c.closed:
		return errors.Wrapf(ErrConnectionClosed, "address %s", c.address)
	default:
	}

	if err := c.checkSize(msg); err != nil {
		return err
	}

	select {
	case c.sendCh <- msg:
		return nil
	case <-c.closed:
		return errors.Wrapf(ErrConnectionClosed, "address %s", c.address)
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Request sends message built by build to destination and waits for the reply.
// build receives the ephemeral endpoint the reply must be addressed to.
func (c *Connection) Request(
	ctx context.Context,
	destination wire.EndpointID,
	m proton.Marshaller,
	build func(reply wire.EndpointID) any,
) (any, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	id, reply, err := c.loopback.AllocateReplyEndpoint(m)
	if err != nil {
		return nil, err
	}

	c.pending.Store(id, reply)
	defer c.pending.Delete(id)

	select {
	case <-c.closed:
		reply.fail(c.lostError())
		return reply.Result()
	default:
	}

	if err := c.Send(ctx, Outbound{
		Destination: destination,
		Marshaller:  m,
		Message:     build(id),
	}); err != nil {
		reply.fail(err)
		return nil, err
	}

	msg, err := reply.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, errors.Wrapf(ErrRequestTimeout, "request to %s at %s", destination, c.address)
	}
	return msg, err
}

func (c *Connection) checkSize(msg Outbound) error {
	if msg.Marshaller == nil {
		return errors.Errorf("no marshaller for message %T", msg.Message)
	}
	size, err := msg.Marshaller.Size(msg.Message)
	if err != nil {
		return errors.WithStack(err)
	}
	if size > c.maxMessageSize || c.maxMessageSize-size < frameOverhead {
		return errors.Wrapf(ErrMessageTooLarge, "message %T of %d bytes to %s, limit %d",
			msg.Message, size, msg.Destination, c.maxMessageSize)
	}
	return nil
}

func (c *Connection) established() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func (c *Connection) lostError() error {
	return newCauseError(ErrConnectionLost, c.err, "address %s", c.address)
}

func (c *Connection) terminate(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = errors.WithStack(ErrConnectionClosed)
		}
		c.err = err
		close(c.closed)
	})

	lostErr := c.lostError()
	c.pending.Range(func(_ wire.EndpointID, r *Reply) bool {
		r.fail(lostErr)
		return true
	})
}

func (c *Connection) handshake(rc *resonance.Connection, m wire.Marshaller) error {
	if err := rc.SendProton(&wire.Hello{
		PeerID:  c.loopback.PeerID(),
		Version: wire.ProtocolVersion,
	}, m); err != nil {
		return err
	}

	msg, err := rc.ReceiveProton(m)
	if err != nil {
		return err
	}

	helloMsg, ok := msg.(*wire.Hello)
	if !ok {
		return errors.Wrapf(ErrUnexpectedMessage, "hello message expected, got %T", msg)
	}
	if helloMsg.Version != wire.ProtocolVersion {
		return errors.Wrapf(ErrIncompatibleProtocol, "local version %d, peer version %d",
			wire.ProtocolVersion, helloMsg.Version)
	}

	c.peerID = helloMsg.PeerID
	close(c.ready)
	return nil
}

func (c *Connection) serve(ctx context.Context, rc *resonance.Connection) error {
	m := wire.NewMarshaller()

	if err := c.handshake(rc, m); err != nil {
		rc.Close()
		return err
	}

	logger.Get(ctx).Debug("Connection established",
		zap.String("address", c.address),
		zap.String("peer", shortPeerID(c.peerID)))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			decode := func(m proton.Marshaller) (any, error) {
				if m == nil {
					_, err := rc.ReceiveRawBytes()
					return nil, err
				}
				return rc.ReceiveProton(m)
			}

			for {
				msg, err := rc.ReceiveProton(m)
				if err != nil {
					return err
				}

				headerMsg, ok := msg.(*wire.Header)
				if !ok {
					return errors.Wrapf(ErrUnexpectedMessage, "header message expected, got %T", msg)
				}

				if err := c.loopback.Dispatch(ctx, headerMsg.Destination, decode, c); err != nil {
					return err
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer rc.Close()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case toSend := <-c.sendCh:
					if err := rc.SendProton(&wire.Header{Destination: toSend.Destination}, m); err != nil {
						return err
					}
					if err := rc.SendProton(toSend.Message, toSend.Marshaller); err != nil {
						return err
					}
				}
			}
		})
		spawn("closer", parallel.Fail, c.waitClose)

		return nil
	})
}

// serveLocal delivers messages straight to the loopback handler, without serialization.
func (c *Connection) serveLocal(ctx context.Context) error {
	c.peerID = c.loopback.PeerID()
	close(c.ready)

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-c.closeCh:
			return errors.WithStack(ErrConnectionClosed)
		case toSend := <-c.sendCh:
			if err := c.deliverLocal(ctx, toSend); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) deliverLocal(ctx context.Context, msg Outbound) error {
	return c.loopback.Dispatch(ctx, msg.Destination, func(proton.Marshaller) (any, error) {
		return msg.Message, nil
	}, localSender{c: c})
}

func (c *Connection) waitClose(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-c.closeCh:
		return errors.WithStack(ErrConnectionClosed)
	}
}

// localSender delivers replies synchronously on the goroutine draining sendCh.
type localSender struct {
	c *Connection
}

func (s localSender) Send(ctx context.Context, msg Outbound) error {
	return s.c.deliverLocal(ctx, msg)
}
