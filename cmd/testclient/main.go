package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/outofforest/flowrpc"
	"github.com/outofforest/flowrpc/endpoints/networktest"
	"github.com/outofforest/flowrpc/endpoints/ping"
	"github.com/outofforest/flowrpc/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

type config struct {
	Address        string
	Listen         string
	PayloadSize    uint64
	Iterations     uint64
	Parallelism    int
	Timeout        time.Duration
	MaxMessageSize uint64
	PrintMetrics   bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logger.New(logger.DefaultConfig)
	ctx = logger.WithLogger(ctx, log)

	if err := newCommand().ExecuteContext(ctx); err != nil {
		log.Error("Test client failed", zap.Error(err))
		cancel()
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testclient",
		Short: "Pings the peer and runs the network test against it",
		Long: `Pings the peer and runs the network test against it.
Flags may be set with environment variables prefixed with FLOWRPC_ (e.g. FLOWRPC_PAYLOAD_SIZE=1024),
also read from .env and .env.local files.`,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), config{
				Address:        viper.GetString("address"),
				Listen:         viper.GetString("listen"),
				PayloadSize:    viper.GetUint64("payload-size"),
				Iterations:     viper.GetUint64("iterations"),
				Parallelism:    viper.GetInt("parallelism"),
				Timeout:        viper.GetDuration("timeout"),
				MaxMessageSize: viper.GetUint64("max-message-size"),
				PrintMetrics:   viper.GetBool("metrics"),
			})
		},
	}

	cobra.OnInitialize(initConfig)

	flags := cmd.Flags()
	flags.String("address", "127.0.0.1:6789", "Address of the peer")
	flags.String("listen", "", "Address to accept connections on, so the client may be tested against itself")
	flags.Uint64("payload-size", 100, "Size of the payload sent in each network test round")
	flags.Uint64("iterations", 100, "Number of network test rounds")
	flags.Int("parallelism", 10, "Maximum number of network test rounds in flight")
	flags.Duration("timeout", 5*time.Second, "Request timeout")
	flags.Uint64("max-message-size", 1024*1024, "Maximum size of a message on the wire")
	flags.Bool("metrics", false, "Print metrics in Prometheus format at exit")

	return cmd
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("flowrpc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func run(ctx context.Context, cfg config) error {
	set := metrics.NewSet()

	loopback, err := flowrpc.NewLoopbackHandler(flowrpc.LoopbackConfig{Metrics: set})
	if err != nil {
		return err
	}
	if err := loopback.RegisterWellKnownEndpoint(wire.PingPacket, ping.NewHandler()); err != nil {
		return err
	}
	if err := loopback.RegisterWellKnownEndpoint(wire.ReservedForTesting, networktest.NewHandler()); err != nil {
		return err
	}

	keeper := flowrpc.NewConnectionKeeper(flowrpc.KeeperConfig{
		MaxMessageSize: cfg.MaxMessageSize,
		RequestTimeout: cfg.Timeout,
		Metrics:        set,
	}, loopback)

	var ls net.Listener
	if cfg.Listen != "" {
		ls, err = net.Listen("tcp", cfg.Listen)
		if err != nil {
			return errors.WithStack(err)
		}
	}

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("keeper", parallel.Fail, keeper.Run)
		if ls != nil {
			spawn("server", parallel.Fail, func(ctx context.Context) error {
				return keeper.Serve(ctx, ls)
			})
		}
		spawn("client", parallel.Exit, func(ctx context.Context) error {
			rtt, err := ping.Ping(ctx, cfg.Address, keeper)
			if err != nil {
				return err
			}
			fmt.Printf("got ping response from %s in %s\n", cfg.Address, rtt)

			stats, err := networktest.Run(ctx, cfg.Address, keeper, cfg.PayloadSize, cfg.Iterations,
				networktest.WithParallelism(cfg.Parallelism),
				networktest.WithMetrics(set))
			fmt.Printf("network test: %d/%d rounds succeeded, %d mismatched, latency min %s mean %s max %s, took %s\n",
				stats.Succeeded, stats.Iterations, stats.Mismatched,
				stats.MinLatency, stats.MeanLatency, stats.MaxLatency, stats.Elapsed)
			if err != nil {
				return err
			}

			fmt.Println("Goodbye, cruel world!")
			return nil
		})
		return nil
	})

	if cfg.PrintMetrics {
		set.WritePrometheus(os.Stdout)
	}
	return err
}
