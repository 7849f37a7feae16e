package flowrpc

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
)

const (
	defaultMaxMessageSize = 1024 * 1024
	defaultQueueSize      = 100
)

// LoopbackConfig is the config of loopback handler.
type LoopbackConfig struct {
	// Metrics is the set dispatch counters are registered in. New set is created if nil.
	Metrics *metrics.Set
}

// KeeperConfig is the config of connection keeper.
type KeeperConfig struct {
	// SelfAddress is the address of this process. Requests sent to it are delivered in-process.
	// Empty value means the keeper only opens outbound connections.
	SelfAddress string

	// MaxMessageSize is the maximum size of a single message on the wire.
	MaxMessageSize uint64

	// RequestTimeout limits the time request waits for the reply. Zero means no limit, then
	// a request the peer fails to answer (e.g. because its handler returned an error) waits
	// until the caller's context is done.
	RequestTimeout time.Duration

	// QueueSize is the capacity of the outbound queue of each connection.
	QueueSize int

	// Metrics is the set connection counters are registered in. New set is created if nil.
	Metrics *metrics.Set
}

func (c KeeperConfig) withDefaults() KeeperConfig {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewSet()
	}
	return c
}
