package host

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// reorgDepth bounds how far back a reorg can be resolved from retained
// blocks. Deeper reorgs surface as an error and a restart.
const reorgDepth = 64

type recentBlock struct {
	hash  common.Hash
	block Block
}

// HeadStream adapts a new-heads subscription into the notification
// contract. It retains recent blocks (with receipts) so a reorg can be
// unwound with revert notifications carrying the removed blocks' events.
type HeadStream struct {
	client *ethclient.Client
	logger *zap.Logger

	heads chan *types.Header
	sub   ethereum.Subscription

	recent map[uint64]recentBlock
	tip    uint64
	acked  uint64
}

// DialHeadStream connects to a websocket RPC endpoint and subscribes to
// new heads.
func DialHeadStream(ctx context.Context, wsURL string, logger *zap.Logger) (*HeadStream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	heads := make(chan *types.Header, 16)
	sub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}

	return &HeadStream{
		client: client,
		logger: logger,
		heads:  heads,
		sub:    sub,
		recent: make(map[uint64]recentBlock),
	}, nil
}

// Close drops the subscription and the RPC connection.
func (s *HeadStream) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.client != nil {
		s.client.Close()
	}
}

// Next blocks until the next chain notification.
func (s *HeadStream) Next(ctx context.Context) (Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-s.sub.Err():
		return nil, fmt.Errorf("head subscription: %w", err)
	case head := <-s.heads:
		return s.handleHead(ctx, head)
	}
}

// Ack records the highest processed block. The subscription needs no
// at-least-once replay protocol; the record is for observability.
func (s *HeadStream) Ack(highestBlock uint64) error {
	s.acked = highestBlock
	s.logger.Debug("notification acknowledged", zap.Uint64("block", highestBlock))
	return nil
}

func (s *HeadStream) handleHead(ctx context.Context, head *types.Header) (Notification, error) {
	number := head.Number.Uint64()

	// First head: nothing is retained yet, so start fresh from here.
	if len(s.recent) == 0 {
		block, err := s.fetchByHash(ctx, head)
		if err != nil {
			return nil, err
		}
		s.remember(head.Hash(), block)
		return ChainCommitted{New: []Block{block}}, nil
	}

	if prev, ok := s.recent[s.tip]; ok && head.ParentHash == prev.hash {
		newBlocks, err := s.extendTo(ctx, head)
		if err != nil {
			return nil, err
		}
		return ChainCommitted{New: newBlocks}, nil
	}

	if number > s.tip+1 {
		// Missed heads: fill the gap by number, trusting the current chain.
		newBlocks, err := s.extendTo(ctx, head)
		if err != nil {
			return nil, err
		}
		return ChainCommitted{New: newBlocks}, nil
	}

	return s.resolveReorg(ctx, head)
}

// extendTo fetches every block from tip+1 through head and advances the
// retained window.
func (s *HeadStream) extendTo(ctx context.Context, head *types.Header) ([]Block, error) {
	number := head.Number.Uint64()
	blocks := make([]Block, 0, number-s.tip)
	for n := s.tip + 1; n < number; n++ {
		header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", n, err)
		}
		block, err := s.fetchByHash(ctx, header)
		if err != nil {
			return nil, err
		}
		s.remember(header.Hash(), block)
		blocks = append(blocks, block)
	}

	block, err := s.fetchByHash(ctx, head)
	if err != nil {
		return nil, err
	}
	s.remember(head.Hash(), block)
	return append(blocks, block), nil
}

// resolveReorg walks the new head's ancestry back to a retained block and
// builds the old/new notification pair.
func (s *HeadStream) resolveReorg(ctx context.Context, head *types.Header) (Notification, error) {
	newHeaders := []*types.Header{head}
	cursor := head

	for depth := 0; ; depth++ {
		if depth > reorgDepth {
			return nil, fmt.Errorf("reorg deeper than %d blocks at head %d", reorgDepth, head.Number.Uint64())
		}
		parentNumber := cursor.Number.Uint64() - 1
		if retained, ok := s.recent[parentNumber]; ok && retained.hash == cursor.ParentHash {
			break
		}
		parent, err := s.client.HeaderByHash(ctx, cursor.ParentHash)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", cursor.ParentHash, err)
		}
		newHeaders = append([]*types.Header{parent}, newHeaders...)
		cursor = parent
	}

	ancestor := newHeaders[0].Number.Uint64() - 1

	var old []Block
	for n := ancestor + 1; n <= s.tip; n++ {
		retained, ok := s.recent[n]
		if !ok {
			return nil, fmt.Errorf("reorged block %d not retained", n)
		}
		old = append(old, retained.block)
		delete(s.recent, n)
	}

	newBlocks := make([]Block, 0, len(newHeaders))
	for _, header := range newHeaders {
		block, err := s.fetchByHash(ctx, header)
		if err != nil {
			return nil, err
		}
		s.remember(header.Hash(), block)
		newBlocks = append(newBlocks, block)
	}
	// The new chain may be shorter than the one it replaced.
	s.tip = newBlocks[len(newBlocks)-1].Number

	s.logger.Warn("chain reorg",
		zap.Uint64("ancestor", ancestor),
		zap.Int("removed", len(old)),
		zap.Int("installed", len(newBlocks)))
	return ChainReorged{Old: old, New: newBlocks}, nil
}

// fetchByHash loads a block's receipts and shapes them for the processor.
func (s *HeadStream) fetchByHash(ctx context.Context, header *types.Header) (Block, error) {
	hash := header.Hash()
	receipts, err := s.client.BlockReceipts(ctx, rpc.BlockNumberOrHashWithHash(hash, false))
	if err != nil {
		return Block{}, fmt.Errorf("receipts %s: %w", hash, err)
	}

	block := Block{
		Number:    header.Number.Uint64(),
		Timestamp: header.Time,
		Receipts:  make([]Receipt, 0, len(receipts)),
	}
	for _, receipt := range receipts {
		logs := make([]types.Log, 0, len(receipt.Logs))
		for _, log := range receipt.Logs {
			logs = append(logs, *log)
		}
		block.Receipts = append(block.Receipts, Receipt{Logs: logs})
	}
	return block, nil
}

func (s *HeadStream) remember(hash common.Hash, block Block) {
	s.recent[block.Number] = recentBlock{hash: hash, block: block}
	if block.Number > s.tip {
		s.tip = block.Number
	}
	for n := range s.recent {
		if n+reorgDepth < s.tip {
			delete(s.recent, n)
		}
	}
}
