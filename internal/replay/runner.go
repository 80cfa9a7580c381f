// Package replay re-drives the pipeline over a historical block range: it
// fetches logs over RPC, reassembles them into committed-chain
// notifications, and feeds them through the same processor and sink path
// the live pipeline uses.
package replay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/Sgas17/reth-exex-liquidity/internal/chain"
	"github.com/Sgas17/reth-exex-liquidity/internal/host"
	"github.com/Sgas17/reth-exex-liquidity/internal/model"
	"github.com/Sgas17/reth-exex-liquidity/internal/processor"
)

// Config holds runtime settings for a replay run.
type Config struct {
	FromBlock         uint64
	ToBlock           uint64
	BatchSize         uint64
	MaxRetries        int
	RetryBackoff      time.Duration
	CheckpointPath    string
	CheckpointEnabled bool
}

// Runner fetches a block range and processes it as committed chain.
type Runner struct {
	cfg        Config
	client     *chain.Client
	proc       *processor.Processor
	addresses  []common.Address
	topic0     []common.Hash
	logger     *zap.Logger
	checkpoint *CheckpointStore
}

// NewRunner builds a runner. addresses and topic0 narrow the server-side
// log filter to the replayed whitelist and the supported signatures.
func NewRunner(cfg Config, client *chain.Client, proc *processor.Processor, addresses []common.Address, topic0 []common.Hash, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:        cfg,
		client:     client,
		proc:       proc,
		addresses:  addresses,
		topic0:     topic0,
		logger:     logger,
		checkpoint: NewCheckpointStore(cfg.CheckpointPath, cfg.CheckpointEnabled),
	}
}

// AddressFilter derives the emitter-address filter from a static whitelist:
// every V2/V3 pool address, plus the singleton once if any V4 pool is
// present.
func AddressFilter(descriptors []model.PoolDescriptor, singleton common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(descriptors))
	out := make([]common.Address, 0, len(descriptors))
	add := func(addr common.Address) {
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	for _, desc := range descriptors {
		if addr, ok := desc.ID.Address(); ok {
			add(addr)
			continue
		}
		add(singleton)
	}
	return out
}

// Run executes the replay loop.
func (r *Runner) Run(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("chain client is nil")
	}
	if r.proc == nil {
		return fmt.Errorf("processor is nil")
	}
	if r.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}
	if len(r.addresses) == 0 {
		return fmt.Errorf("replay whitelist is empty")
	}

	from := r.cfg.FromBlock
	to := r.cfg.ToBlock
	if to == 0 {
		latest, err := r.client.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		to = latest
	}

	if cp, ok, err := r.checkpoint.Load(); err != nil {
		return err
	} else if ok && cp.LastReplayedBlock >= from {
		from = cp.LastReplayedBlock + 1
		r.logger.Info("resume from checkpoint",
			zap.Uint64("last_replayed", cp.LastReplayedBlock),
			zap.Uint64("from", from))
	}

	if from > to {
		r.logger.Info("nothing to replay", zap.Uint64("from", from), zap.Uint64("to", to))
		return nil
	}

	ranges, err := SplitRange(from, to, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		logs, err := r.filterLogsWithRetry(ctx, blockRange.From, blockRange.To)
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", blockRange.From, blockRange.To, err)
		}

		blocks, err := r.assembleBlocks(ctx, logs)
		if err != nil {
			return err
		}
		if len(blocks) > 0 {
			if _, _, err := r.proc.Process(host.ChainCommitted{New: blocks}); err != nil {
				return err
			}
		}

		if err := r.checkpoint.Save(blockRange.To); err != nil {
			return err
		}
		r.logger.Info("batch replayed",
			zap.Uint64("from", blockRange.From),
			zap.Uint64("to", blockRange.To),
			zap.Int("logs", len(logs)),
			zap.Int("blocks", len(blocks)))
	}

	return nil
}

// assembleBlocks groups fetched logs back into per-block, per-transaction
// receipt shape so the processor sees the same structure the host
// delivers.
func (r *Runner) assembleBlocks(ctx context.Context, logs []types.Log) ([]host.Block, error) {
	byBlock := make(map[uint64][]types.Log)
	for _, log := range logs {
		byBlock[log.BlockNumber] = append(byBlock[log.BlockNumber], log)
	}

	numbers := make([]uint64, 0, len(byBlock))
	for number := range byBlock {
		numbers = append(numbers, number)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	blocks := make([]host.Block, 0, len(numbers))
	for _, number := range numbers {
		ts, err := r.blockTimestampWithRetry(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("block timestamp %d: %w", number, err)
		}

		blockLogs := byBlock[number]
		sort.Slice(blockLogs, func(i, j int) bool {
			if blockLogs[i].TxIndex != blockLogs[j].TxIndex {
				return blockLogs[i].TxIndex < blockLogs[j].TxIndex
			}
			return blockLogs[i].Index < blockLogs[j].Index
		})

		var receipts []host.Receipt
		for _, log := range blockLogs {
			if len(receipts) == 0 || receipts[len(receipts)-1].Logs[0].TxIndex != log.TxIndex {
				receipts = append(receipts, host.Receipt{})
			}
			last := len(receipts) - 1
			receipts[last].Logs = append(receipts[last].Logs, log)
		}

		blocks = append(blocks, host.Block{Number: number, Timestamp: ts, Receipts: receipts})
	}
	return blocks, nil
}

func (r *Runner) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	var logs []types.Log
	err := r.retry(ctx, "filter logs", func(ctx context.Context) error {
		var err error
		logs, err = r.client.FilterLogs(ctx, fromBlock, toBlock, r.addresses, r.topic0)
		return err
	})
	return logs, err
}

func (r *Runner) blockTimestampWithRetry(ctx context.Context, number uint64) (uint64, error) {
	var ts uint64
	err := r.retry(ctx, "block timestamp", func(ctx context.Context) error {
		var err error
		ts, err = r.client.BlockTimestamp(ctx, number)
		return err
	})
	return ts, err
}

// retry runs fn with exponential backoff up to MaxRetries, logging each
// failed attempt. RPC hiccups during a long replay are routine; only an
// exhausted budget aborts the run.
func (r *Runner) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := r.cfg.RetryBackoff
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("rpc recovered", zap.String("op", op), zap.Int("attempts", attempt+1))
			}
			return nil
		}
		if attempt >= r.cfg.MaxRetries {
			return err
		}

		r.logger.Warn("rpc attempt failed",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}
