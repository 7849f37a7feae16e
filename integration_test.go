package flowrpc_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/flowrpc"
	"github.com/outofforest/flowrpc/endpoints/networktest"
	"github.com/outofforest/flowrpc/endpoints/ping"
	"github.com/outofforest/flowrpc/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/proton"
	"github.com/outofforest/qa"
	"github.com/outofforest/resonance"
)

const maxMsgSize = 64 * 1024

type env struct {
	Keeper   *flowrpc.ConnectionKeeper
	Loopback *flowrpc.LoopbackHandler
	Metrics  *metrics.Set
	Address  string
}

func newLoopback(requireT *require.Assertions, set *metrics.Set, handlers map[wire.Token]flowrpc.Handler) *flowrpc.LoopbackHandler {
	loopback, err := flowrpc.NewLoopbackHandler(flowrpc.LoopbackConfig{Metrics: set})
	requireT.NoError(err)

	for token, h := range handlers {
		requireT.NoError(loopback.RegisterWellKnownEndpoint(token, h))
	}
	return loopback
}

func defaultHandlers() map[wire.Token]flowrpc.Handler {
	return map[wire.Token]flowrpc.Handler{
		wire.PingPacket:         ping.NewHandler(),
		wire.ReservedForTesting: networktest.NewHandler(),
	}
}

// startPeer runs keeper serving on a fresh listener.
func startPeer(
	t *testing.T,
	group *parallel.Group,
	config flowrpc.KeeperConfig,
	handlers map[wire.Token]flowrpc.Handler,
) env {
	requireT := require.New(t)

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	set := metrics.NewSet()
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = maxMsgSize
	}
	config.Metrics = set

	loopback := newLoopback(requireT, set, handlers)
	keeper := flowrpc.NewConnectionKeeper(config, loopback)

	group.Spawn("keeper", parallel.Fail, keeper.Run)
	group.Spawn("server", parallel.Fail, func(ctx context.Context) error {
		return keeper.Serve(ctx, ls)
	})

	return env{
		Keeper:   keeper,
		Loopback: loopback,
		Metrics:  set,
		Address:  ls.Addr().String(),
	}
}

func counter(set *metrics.Set, name string) uint64 {
	return set.GetOrCreateCounter(name).Get()
}

func TestGetOrCreateReturnsSameConnection(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := startPeer(t, group, flowrpc.KeeperConfig{}, defaultHandlers())

	c1, err := e.Keeper.GetOrCreate(ctx, e.Address)
	requireT.NoError(err)
	c2, err := e.Keeper.GetOrCreate(ctx, e.Address)
	requireT.NoError(err)

	requireT.Same(c1, c2)
	requireT.Equal(e.Address, c1.Address())
	requireT.Equal(e.Loopback.PeerID(), c1.PeerID())
	requireT.Equal(uint64(1), counter(e.Metrics, "flowrpc_connections_created_total"))
}

func TestConcurrentGetOrCreateCreatesOneConnection(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := startPeer(t, group, flowrpc.KeeperConfig{}, defaultHandlers())

	const callers = 50

	var wg sync.WaitGroup
	conns := make([]*flowrpc.Connection, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			conns[i], errs[i] = e.Keeper.GetOrCreate(ctx, e.Address)
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		requireT.NoError(errs[i])
		requireT.Same(conns[0], conns[i])
	}
	requireT.Equal(uint64(1), counter(e.Metrics, "flowrpc_connections_created_total"))
}

func TestEstablishmentFailureIsEvicted(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)
	address := ls.Addr().String()
	requireT.NoError(ls.Close())

	set := metrics.NewSet()
	keeper := flowrpc.NewConnectionKeeper(flowrpc.KeeperConfig{Metrics: set},
		newLoopback(requireT, set, nil))
	group.Spawn("keeper", parallel.Fail, keeper.Run)

	for range 2 {
		_, err := keeper.GetOrCreate(ctx, address)
		requireT.ErrorIs(err, flowrpc.ErrConnectionEstablishment)
	}
	requireT.Equal(uint64(2), counter(set, "flowrpc_connections_created_total"))
	requireT.Equal(uint64(2), counter(set, "flowrpc_connections_failed_total"))

	_, err = ping.Ping(ctx, address, keeper)
	requireT.ErrorIs(err, flowrpc.ErrConnectionEstablishment)
}

func TestClosedConnectionIsReplaced(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := startPeer(t, group, flowrpc.KeeperConfig{}, defaultHandlers())

	c1, err := e.Keeper.GetOrCreate(ctx, e.Address)
	requireT.NoError(err)

	c1.Close()
	<-c1.Done()
	requireT.ErrorIs(c1.Err(), flowrpc.ErrConnectionClosed)
	requireT.ErrorIs(c1.Send(ctx, flowrpc.Outbound{}), flowrpc.ErrConnectionClosed)

	c2, err := e.Keeper.GetOrCreate(ctx, e.Address)
	requireT.NoError(err)
	requireT.NotSame(c1, c2)

	_, err = ping.Ping(ctx, e.Address, e.Keeper)
	requireT.NoError(err)
}

func TestEndToEnd(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := startPeer(t, group, flowrpc.KeeperConfig{RequestTimeout: 10 * time.Second}, defaultHandlers())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rtt, err := ping.Ping(pingCtx, e.Address, e.Keeper)
	requireT.NoError(err)
	requireT.Positive(rtt)

	stats, err := networktest.Run(ctx, e.Address, e.Keeper, 100, 100)
	requireT.NoError(err)
	requireT.Equal(uint64(100), stats.Iterations)
	requireT.Equal(uint64(100), stats.Succeeded)
	requireT.Zero(stats.Failed)
	requireT.Zero(stats.Mismatched)
	requireT.Zero(counter(e.Metrics, "flowrpc_unknown_endpoint_total"))
	requireT.Equal(uint64(1), counter(e.Metrics, "flowrpc_connections_created_total"))
	requireT.Equal(uint64(1), counter(e.Metrics, "flowrpc_connections_accepted_total"))
}

func TestTwoPeers(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	server := startPeer(t, group, flowrpc.KeeperConfig{}, defaultHandlers())
	client := startPeer(t, group, flowrpc.KeeperConfig{}, nil)

	_, err := ping.Ping(ctx, server.Address, client.Keeper)
	requireT.NoError(err)

	_, err = networktest.Run(ctx, server.Address, client.Keeper, 1000, 20)
	requireT.NoError(err)

	// Client registers no handlers so server's requests are dropped.
	reqCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	_, err = server.Keeper.Request(reqCtx, client.Address, wire.WellKnown(wire.PingPacket), wire.NewMarshaller(),
		func(reply wire.EndpointID) any {
			return &wire.PingRequest{Reply: reply}
		})
	requireT.ErrorIs(err, flowrpc.ErrRequestTimeout)
	requireT.Equal(uint64(1), counter(client.Metrics, "flowrpc_unknown_endpoint_total"))
}

func TestSelfAddressIsServedInProcess(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	const self = "self:1"

	set := metrics.NewSet()
	keeper := flowrpc.NewConnectionKeeper(flowrpc.KeeperConfig{
		SelfAddress: self,
		Metrics:     set,
	}, newLoopback(requireT, set, defaultHandlers()))
	group.Spawn("keeper", parallel.Fail, keeper.Run)

	c, err := keeper.GetOrCreate(ctx, self)
	requireT.NoError(err)
	requireT.Equal(keeper.Loopback().PeerID(), c.PeerID())

	_, err = ping.Ping(ctx, self, keeper)
	requireT.NoError(err)

	stats, err := networktest.Run(ctx, self, keeper, 100, 100)
	requireT.NoError(err)
	requireT.Equal(uint64(100), stats.Succeeded)
	requireT.Zero(counter(set, "flowrpc_connections_failed_total"))
}

// gateHandler holds the reply to the request with sequence 0 until it is released.
type gateHandler struct {
	received chan uint64
	release  chan struct{}
}

func (h gateHandler) Marshaller() proton.Marshaller {
	return wire.NewMarshaller()
}

func (h gateHandler) Handle(ctx context.Context, msg any) (*flowrpc.Outbound, error) {
	req := msg.(*wire.NetworkTestRequest)

	select {
	case h.received <- req.Sequence:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if req.Sequence == 0 {
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &flowrpc.Outbound{
		Destination: req.Reply,
		Marshaller:  wire.NewMarshaller(),
		Message:     &wire.NetworkTestResponse{Sequence: req.Sequence},
	}, nil
}

func request(ctx context.Context, c *flowrpc.Connection, seq uint64) (any, error) {
	return c.Request(ctx, wire.WellKnown(wire.ReservedForTesting), wire.NewMarshaller(),
		func(reply wire.EndpointID) any {
			return &wire.NetworkTestRequest{Reply: reply, Sequence: seq}
		})
}

func TestLateResponseToTimedOutRequestIsDropped(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	h := gateHandler{
		received: make(chan uint64, 2),
		release:  make(chan struct{}),
	}
	server := startPeer(t, group, flowrpc.KeeperConfig{}, map[wire.Token]flowrpc.Handler{
		wire.ReservedForTesting: h,
	})
	client := startPeer(t, group, flowrpc.KeeperConfig{RequestTimeout: 200 * time.Millisecond}, nil)

	c, err := client.Keeper.GetOrCreate(ctx, server.Address)
	requireT.NoError(err)

	_, err = request(ctx, c, 0)
	requireT.ErrorIs(err, flowrpc.ErrRequestTimeout)
	requireT.Zero(c.Pending())
	requireT.Equal(uint64(0), <-h.received)

	type result struct {
		msg any
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		msg, err := request(ctx, c, 1)
		resultCh <- result{msg: msg, err: err}
	}()

	close(h.release)
	requireT.Equal(uint64(1), <-h.received)

	res := <-resultCh
	requireT.NoError(res.err)
	resp, ok := res.msg.(*wire.NetworkTestResponse)
	requireT.True(ok)
	requireT.Equal(uint64(1), resp.Sequence)
	requireT.Equal(uint64(1), counter(client.Metrics, "flowrpc_unknown_endpoint_total"))
}

func TestConnectionLossFailsPendingRound(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	clientGroup := qa.NewGroup(ctx, t)
	serverGroup := qa.NewGroup(ctx, t)

	defer func() {
		clientGroup.Exit(nil)
		requireT.NoError(clientGroup.Wait())
	}()

	h := gateHandler{
		received: make(chan uint64, 1),
		release:  make(chan struct{}),
	}
	server := startPeer(t, serverGroup, flowrpc.KeeperConfig{}, map[wire.Token]flowrpc.Handler{
		wire.ReservedForTesting: h,
	})
	client := startPeer(t, clientGroup, flowrpc.KeeperConfig{}, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := networktest.Run(ctx, server.Address, client.Keeper, 100, 1)
		errCh <- err
	}()

	requireT.Equal(uint64(0), <-h.received)

	serverGroup.Exit(nil)
	requireT.NoError(serverGroup.Wait())

	select {
	case err := <-errCh:
		requireT.ErrorIs(err, flowrpc.ErrConnectionLost)
	case <-time.After(10 * time.Second):
		requireT.Fail("network test did not fail after connection loss")
	}
}

func TestIncompatibleProtocolVersion(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	group.Spawn("server", parallel.Fail, func(ctx context.Context) error {
		return resonance.RunServer(ctx, ls, resonance.Config{MaxMessageSize: maxMsgSize},
			func(ctx context.Context, c *resonance.Connection) error {
				m := wire.NewMarshaller()
				if err := c.SendProton(&wire.Hello{Version: wire.ProtocolVersion + 1}, m); err != nil {
					return nil
				}
				_, _ = c.ReceiveProton(m)
				<-ctx.Done()
				return nil
			})
	})

	client := startPeer(t, group, flowrpc.KeeperConfig{}, nil)

	_, err = client.Keeper.GetOrCreate(ctx, ls.Addr().String())
	requireT.ErrorIs(err, flowrpc.ErrConnectionEstablishment)
	requireT.ErrorIs(err, flowrpc.ErrIncompatibleProtocol)
}

func TestNetworkTestPayloadSizesOverNetwork(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := startPeer(t, group, flowrpc.KeeperConfig{MaxMessageSize: 2 * networktest.MaxReplySize}, defaultHandlers())

	for _, payloadSize := range []uint64{0, 1, 100, 4096, networktest.MaxReplySize} {
		stats, err := networktest.Run(ctx, e.Address, e.Keeper, payloadSize, 1)
		requireT.NoError(err, "payload size %d", payloadSize)
		requireT.Equal(uint64(1), stats.Succeeded)
	}

	_, err := networktest.Run(ctx, e.Address, e.Keeper, networktest.MaxReplySize+1, 1)
	requireT.ErrorIs(err, networktest.ErrPayloadTooLarge)

	requireT.Equal(uint64(1), counter(e.Metrics, "flowrpc_connections_created_total"))
	requireT.Zero(counter(e.Metrics, "flowrpc_handler_errors_total"))
}

func TestTooLargeMessageDoesNotBreakConnection(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := startPeer(t, group, flowrpc.KeeperConfig{}, defaultHandlers())

	c, err := e.Keeper.GetOrCreate(ctx, e.Address)
	requireT.NoError(err)

	stats, err := networktest.Run(ctx, e.Address, e.Keeper, 2*maxMsgSize, 3)
	requireT.ErrorIs(err, flowrpc.ErrMessageTooLarge)
	requireT.NotErrorIs(err, flowrpc.ErrConnectionLost)
	requireT.Equal(uint64(3), stats.Failed)

	requireT.NoError(c.Err())
	_, err = ping.Ping(ctx, e.Address, e.Keeper)
	requireT.NoError(err)

	c2, err := e.Keeper.GetOrCreate(ctx, e.Address)
	requireT.NoError(err)
	requireT.Same(c, c2)
	requireT.Equal(uint64(1), counter(e.Metrics, "flowrpc_connections_created_total"))
}

// sequenceRecorder records sequence numbers of network test requests in arrival order.
type sequenceRecorder struct {
	received chan uint64
}

func (h sequenceRecorder) Marshaller() proton.Marshaller {
	return wire.NewMarshaller()
}

func (h sequenceRecorder) Handle(_ context.Context, msg any) (*flowrpc.Outbound, error) {
	h.received <- msg.(*wire.NetworkTestRequest).Sequence
	return nil, nil
}

func TestSendOrderIsPreserved(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	const count = 1000

	h := sequenceRecorder{received: make(chan uint64, count)}
	server := startPeer(t, group, flowrpc.KeeperConfig{}, map[wire.Token]flowrpc.Handler{
		wire.ReservedForTesting: h,
	})
	client := startPeer(t, group, flowrpc.KeeperConfig{}, nil)

	c, err := client.Keeper.GetOrCreate(ctx, server.Address)
	requireT.NoError(err)

	m := wire.NewMarshaller()
	for i := range uint64(count) {
		requireT.NoError(c.Send(ctx, flowrpc.Outbound{
			Destination: wire.WellKnown(wire.ReservedForTesting),
			Marshaller:  m,
			Message: &wire.NetworkTestRequest{
				Sequence: i,
				Payload:  []byte{byte(i)},
			},
		}))
	}

	for i := range uint64(count) {
		requireT.Equal(i, <-h.received)
	}
}
