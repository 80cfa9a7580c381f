package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Sgas17/reth-exex-liquidity/internal/config"
	"github.com/Sgas17/reth-exex-liquidity/internal/dex"
	"github.com/Sgas17/reth-exex-liquidity/internal/feed"
	"github.com/Sgas17/reth-exex-liquidity/internal/host"
	"github.com/Sgas17/reth-exex-liquidity/internal/journal"
	"github.com/Sgas17/reth-exex-liquidity/internal/processor"
	"github.com/Sgas17/reth-exex-liquidity/internal/sink"
	"github.com/Sgas17/reth-exex-liquidity/internal/tracker"
)

func main() {
	root := &cobra.Command{
		Use:          "exex",
		Short:        "Real-time AMM liquidity event pipeline",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the live pipeline",
		RunE:  runPipeline,
	}

	runCmd.Flags().String("rpc", "", "execution client websocket RPC URL")
	runCmd.Flags().String("nats-url", "nats://localhost:4222", "NATS server URL")
	runCmd.Flags().String("chain", "ethereum", "chain tag for the whitelist subject")
	runCmd.Flags().String("socket", sink.DefaultSocketPath, "IPC socket path")
	runCmd.Flags().Int("queue-size", 10_000, "per-consumer frame queue size")
	runCmd.Flags().Duration("write-timeout", 5*time.Second, "per-frame consumer write timeout")
	runCmd.Flags().Duration("ping-interval", 30*time.Second, "idle keepalive interval (0 disables)")
	runCmd.Flags().String("journal", "", "optional JSONL frame journal path")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)
	root.AddCommand(newReplayCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trk := tracker.New(dex.PoolManagerAddress, logger)

	decoder, err := dex.NewDecoder()
	if err != nil {
		return err
	}

	ipc, err := sink.Listen(sink.Config{
		Path:         cfg.SocketPath,
		QueueSize:    cfg.QueueSize,
		WriteTimeout: cfg.WriteTimeout,
		PingInterval: cfg.PingInterval,
	}, logger)
	if err != nil {
		return err
	}
	go ipc.Run(ctx)
	defer ipc.Close()

	broadcaster, closeJournal, err := withJournal(ipc, cfg.Journal, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	whitelistFeed, err := feed.Connect(cfg.NATSURL, trk, logger)
	if err != nil {
		return err
	}
	defer whitelistFeed.Close()
	if err := whitelistFeed.Subscribe(cfg.Chain); err != nil {
		return err
	}

	stream, err := host.DialHeadStream(ctx, cfg.RPCURL, logger)
	if err != nil {
		return err
	}
	defer stream.Close()

	logger.Info("pipeline start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("nats", cfg.NATSURL),
		zap.String("chain", cfg.Chain),
		zap.String("socket", cfg.SocketPath),
	)

	proc := processor.New(trk, decoder, broadcaster, logger)
	return proc.Run(ctx, stream)
}

// withJournal wraps the sink with a frame journal when one is configured.
func withJournal(ipc *sink.Sink, path string, logger *zap.Logger) (processor.Broadcaster, func(), error) {
	if path == "" {
		return ipc, func() {}, nil
	}
	frameLog, err := journal.Open(path, logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := frameLog.Close(); err != nil {
			logger.Warn("journal close failed", zap.Error(err))
		}
	}
	return processor.Fanout{ipc, frameLog}, closeFn, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
