// Package networktest implements the throughput and correctness test run against the
// wire.ReservedForTesting endpoint.
//
// Every round sends a request carrying a filler payload and expects the reply to echo the
// sequence number of the request, the xxhash64 checksum of the payload and a reply payload of
// the requested size. Rounds are pipelined: up to the configured parallelism of them are in
// flight at once, each matched to its reply by its own ephemeral endpoint. A failed round does
// not stop the remaining ones; all failures are reported together once every round has run.
package networktest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/outofforest/flowrpc"
	"github.com/outofforest/flowrpc/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/proton"
)

const (
	// MaxReplySize is the largest reply payload the handler agrees to produce.
	MaxReplySize = 512 * 1024

	defaultParallelism = 10
	maxReportedErrors  = 10
)

var (
	// ErrMismatch is reported when reply does not correspond to the request.
	ErrMismatch = errors.New("reply does not match request")

	// ErrPayloadTooLarge is returned when the payload size exceeds MaxReplySize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

var _ flowrpc.Handler = Handler{}

// Handler answers network test requests.
type Handler struct {
	m wire.Marshaller
}

// NewHandler creates network test handler to be registered under wire.ReservedForTesting.
func NewHandler() Handler {
	return Handler{m: wire.NewMarshaller()}
}

// Marshaller returns marshaller of network test messages.
func (h Handler) Marshaller() proton.Marshaller {
	return h.m
}

// Handle replies to the network test request.
func (h Handler) Handle(_ context.Context, msg any) (*flowrpc.Outbound, error) {
	req, ok := msg.(*wire.NetworkTestRequest)
	if !ok {
		return nil, errors.Wrapf(flowrpc.ErrUnexpectedMessage, "network test request expected, got %T", msg)
	}
	if req.Reply.Kind() != wire.KindEphemeral {
		return nil, errors.Wrapf(flowrpc.ErrInvalidEndpoint, "reply endpoint %s", req.Reply)
	}
	if req.ReplySize > MaxReplySize {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "requested reply size %d, limit %d", req.ReplySize, MaxReplySize)
	}

	return &flowrpc.Outbound{
		Destination: req.Reply,
		Marshaller:  h.m,
		Message: &wire.NetworkTestResponse{
			Sequence: req.Sequence,
			Checksum: xxhash.Sum64(req.Payload),
			Payload:  filler(req.ReplySize),
		},
	}, nil
}

// Stats summarizes the test.
type Stats struct {
	Iterations uint64
	Succeeded  uint64
	Failed     uint64
	Mismatched uint64

	MinLatency  time.Duration
	MaxLatency  time.Duration
	MeanLatency time.Duration
	Elapsed     time.Duration
}

type config struct {
	parallelism int
	metrics     *metrics.Set
}

// Option configures the test.
type Option func(c *config)

// WithParallelism sets the maximum number of rounds in flight.
func WithParallelism(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.parallelism = n
		}
	}
}

// WithMetrics sets the metric set round latencies are recorded in.
func WithMetrics(set *metrics.Set) Option {
	return func(c *config) {
		c.metrics = set
	}
}

// Run runs iterations rounds of the network test, each carrying payloadSize bytes both ways,
// against the peer at address. Payload size above MaxReplySize is rejected before anything is
// sent, rounds not fitting into the maximum message size of the connection fail one by one
// with flowrpc.ErrMessageTooLarge.
func Run(
	ctx context.Context,
	address string,
	keeper *flowrpc.ConnectionKeeper,
	payloadSize, iterations uint64,
	opts ...Option,
) (Stats, error) {
	cfg := config{
		parallelism: defaultParallelism,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.NewSet()
	}
	if payloadSize > MaxReplySize {
		return Stats{}, errors.Wrapf(ErrPayloadTooLarge, "payload size %d, limit %d", payloadSize, MaxReplySize)
	}
	if iterations == 0 {
		return Stats{}, nil
	}

	r := &recorder{
		histogram: cfg.metrics.GetOrCreateHistogram("flowrpc_networktest_round_duration_seconds"),
	}

	payload := filler(payloadSize)
	checksum := xxhash.Sum64(payload)
	m := wire.NewMarshaller()

	workers := uint64(cfg.parallelism)
	if workers > iterations {
		workers = iterations
	}

	var next atomic.Uint64
	start := time.Now()
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for range workers {
			spawn("worker", parallel.Continue, func(ctx context.Context) error {
				for {
					seq := next.Add(1) - 1
					if seq >= iterations {
						return nil
					}
					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}

					roundStart := time.Now()
					resp, err := keeper.Request(ctx, address, wire.WellKnown(wire.ReservedForTesting), m,
						func(reply wire.EndpointID) any {
							return &wire.NetworkTestRequest{
								Reply:      reply,
								Sequence:   seq,
								Iterations: iterations,
								ReplySize:  payloadSize,
								Payload:    payload,
							}
						})
					if err == nil {
						err = verify(resp, seq, checksum, payloadSize)
					}
					r.record(seq, time.Since(roundStart), err)
				}
			})
		}
		return nil
	})

	stats := r.stats(time.Since(start))
	if err != nil {
		return stats, err
	}
	if stats.Failed > 0 {
		return stats, multierr.Append(
			errors.Errorf("%d of %d rounds failed", stats.Failed, stats.Iterations),
			r.errs,
		)
	}
	return stats, nil
}

func verify(resp any, seq, checksum, payloadSize uint64) error {
	msg, ok := resp.(*wire.NetworkTestResponse)
	if !ok {
		return errors.Wrapf(flowrpc.ErrUnexpectedMessage, "network test response expected, got %T", resp)
	}
	if msg.Sequence != seq {
		return errors.Wrapf(ErrMismatch, "sequence %d received, %d expected", msg.Sequence, seq)
	}
	if msg.Checksum != checksum {
		return errors.Wrapf(ErrMismatch, "checksum %x received, %x expected", msg.Checksum, checksum)
	}
	if uint64(len(msg.Payload)) != payloadSize {
		return errors.Wrapf(ErrMismatch, "payload of %d bytes received, %d expected", len(msg.Payload), payloadSize)
	}
	return nil
}

type recorder struct {
	histogram *metrics.Histogram

	mu    sync.Mutex
	s     Stats
	total time.Duration
	errs  error
}

func (r *recorder) record(seq uint64, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.s.Iterations++
	if err != nil {
		r.s.Failed++
		if errors.Is(err, ErrMismatch) {
			r.s.Mismatched++
		}
		if r.s.Failed <= maxReportedErrors {
			r.errs = multierr.Append(r.errs, errors.Wrapf(err, "round %d", seq))
		}
		return
	}

	r.histogram.Update(latency.Seconds())
	r.s.Succeeded++
	r.total += latency
	if r.s.MinLatency == 0 || latency < r.s.MinLatency {
		r.s.MinLatency = latency
	}
	if latency > r.s.MaxLatency {
		r.s.MaxLatency = latency
	}
}

func (r *recorder) stats(elapsed time.Duration) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.s
	s.Elapsed = elapsed
	if s.Succeeded > 0 {
		s.MeanLatency = r.total / time.Duration(s.Succeeded)
	}
	return s
}

func filler(size uint64) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
