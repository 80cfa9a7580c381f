package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Sgas17/reth-exex-liquidity/internal/chain"
	"github.com/Sgas17/reth-exex-liquidity/internal/config"
	"github.com/Sgas17/reth-exex-liquidity/internal/dex"
	"github.com/Sgas17/reth-exex-liquidity/internal/feed"
	"github.com/Sgas17/reth-exex-liquidity/internal/processor"
	"github.com/Sgas17/reth-exex-liquidity/internal/replay"
	"github.com/Sgas17/reth-exex-liquidity/internal/sink"
	"github.com/Sgas17/reth-exex-liquidity/internal/tracker"
)

func newReplayCmd() *cobra.Command {
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a historical block range through the pipeline",
		RunE:  runReplay,
	}

	replayCmd.Flags().String("rpc", "", "RPC URL")
	replayCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	replayCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	replayCmd.Flags().Uint64("batch-size", 2000, "blocks per log fetch")
	replayCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	replayCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	replayCmd.Flags().StringSlice("pools", nil, "pool identifiers to replay (comma-separated hex)")
	replayCmd.Flags().String("pools-file", "", "JSON file with pool descriptors")
	replayCmd.Flags().String("checkpoint", "./data/replay_checkpoint.json", "checkpoint file path")
	replayCmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	replayCmd.Flags().String("socket", sink.DefaultSocketPath, "IPC socket path")
	replayCmd.Flags().Int("queue-size", 10_000, "per-consumer frame queue size")
	replayCmd.Flags().Duration("write-timeout", 5*time.Second, "per-frame consumer write timeout")
	replayCmd.Flags().String("journal", "", "optional JSONL frame journal path")
	replayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	return replayCmd
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadReplay(cfgFile, cmd.Flags())
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

	mutation, err := loadReplayWhitelist(cfg)
	if err != nil {
		return err
	}
	if len(mutation.Descriptors) == 0 {
		return fmt.Errorf("replay requires --pools or --pools-file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trk := tracker.New(dex.PoolManagerAddress, logger)
	trk.Queue(mutation)
	if err := trk.ApplyPending(); err != nil {
		return err
	}

	decoder, err := dex.NewDecoder()
	if err != nil {
		return err
	}

	ipc, err := sink.Listen(sink.Config{
		Path:         cfg.SocketPath,
		QueueSize:    cfg.QueueSize,
		WriteTimeout: cfg.WriteTimeout,
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

	client, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer client.Close()

	proc := processor.New(trk, decoder, broadcaster, logger)

	runner := replay.NewRunner(replay.Config{
		FromBlock:         cfg.FromBlock,
		ToBlock:           cfg.ToBlock,
		BatchSize:         cfg.BatchSize,
		MaxRetries:        cfg.MaxRetries,
		RetryBackoff:      cfg.RetryBackoff,
		CheckpointPath:    cfg.Checkpoint,
		CheckpointEnabled: cfg.CheckpointEnabled,
	}, client, proc,
		replay.AddressFilter(mutation.Descriptors, dex.PoolManagerAddress),
		decoder.Topic0s(),
		logger)

	logger.Info("replay start",
		zap.String("rpc", cfg.RPCURL),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Int("pools", len(mutation.Descriptors)),
	)

	return runner.Run(ctx)
}

// loadReplayWhitelist builds the static whitelist from flags, reusing the
// feed's envelope parser so flag and pub/sub forms stay in lockstep.
func loadReplayWhitelist(cfg config.ReplayConfig) (tracker.Mutation, error) {
	var pools []json.RawMessage

	if cfg.PoolsFile != "" {
		data, err := os.ReadFile(cfg.PoolsFile)
		if err != nil {
			return tracker.Mutation{}, fmt.Errorf("read pools file: %w", err)
		}
		if err := json.Unmarshal(data, &pools); err != nil {
			return tracker.Mutation{}, fmt.Errorf("parse pools file: %w", err)
		}
	}
	for _, p := range cfg.Pools {
		quoted, err := json.Marshal(p)
		if err != nil {
			return tracker.Mutation{}, err
		}
		pools = append(pools, quoted)
	}

	envelope := map[string]interface{}{"type": "full", "pools": pools}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return tracker.Mutation{}, err
	}

	mutation, _, err := feed.ParseMessage(payload)
	if err != nil {
		return tracker.Mutation{}, err
	}
	return mutation, nil
}
