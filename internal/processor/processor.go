// Package processor drives the block-processing loop: it consumes host
// notifications, scans receipt logs through the two-stage filter, and emits
// per-block control frames to the IPC sink.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/Sgas17/reth-exex-liquidity/internal/dex"
	"github.com/Sgas17/reth-exex-liquidity/internal/host"
	"github.com/Sgas17/reth-exex-liquidity/internal/model"
	"github.com/Sgas17/reth-exex-liquidity/internal/tracker"
)

// emptyWhitelistLogEvery paces the "processing blocks but tracking nothing"
// warning.
const emptyWhitelistLogEvery = 100

// Broadcaster receives every emitted control frame.
type Broadcaster interface {
	Broadcast(model.ControlMessage)
}

// Fanout replicates frames to several broadcasters, e.g. the IPC sink plus
// a frame journal.
type Fanout []Broadcaster

func (f Fanout) Broadcast(msg model.ControlMessage) {
	for _, b := range f {
		b.Broadcast(msg)
	}
}

// Processor turns host notifications into block frames. It is the only
// writer of the frame stream and the only caller of the tracker's
// BeginBlock/EndBlock.
type Processor struct {
	tracker *tracker.Tracker
	decoder *dex.Decoder
	sink    Broadcaster
	logger  *zap.Logger

	emptyBlocks uint64
}

// New builds a processor.
func New(trk *tracker.Tracker, decoder *dex.Decoder, sink Broadcaster, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{tracker: trk, decoder: decoder, sink: sink, logger: logger}
}

// Run consumes the host stream until it ends or ctx is canceled. Any error
// it returns is unrecoverable: either the host stream broke or a processing
// invariant was violated, and the host is expected to re-deliver the
// notification after restart.
func (p *Processor) Run(ctx context.Context, stream host.Stream) error {
	for {
		notification, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("host stream: %w", err)
		}

		ackHeight, hasAck, err := p.Process(notification)
		if err != nil {
			return err
		}
		if hasAck {
			if err := stream.Ack(ackHeight); err != nil {
				return fmt.Errorf("ack block %d: %w", ackHeight, err)
			}
		}
	}
}

// Process emits the block frames for one notification. It returns the
// height to acknowledge; reverts without replacement carry no
// acknowledgment, matching the host's committed-height semantics.
func (p *Processor) Process(notification host.Notification) (uint64, bool, error) {
	switch n := notification.(type) {
	case host.ChainCommitted:
		if err := p.processForward(n.New); err != nil {
			return 0, false, err
		}
		return tipNumber(n.New), len(n.New) > 0, nil

	case host.ChainReverted:
		return 0, false, p.processRevert(n.Old)

	case host.ChainReorged:
		// Unwind the removed chain tip-down first, then install the
		// replacement bottom-up. Whitelist mutations may land at any block
		// boundary along the way.
		if err := p.processRevert(n.Old); err != nil {
			return 0, false, err
		}
		if err := p.processForward(n.New); err != nil {
			return 0, false, err
		}
		return tipNumber(n.New), len(n.New) > 0, nil

	default:
		return 0, false, fmt.Errorf("unknown notification %T", notification)
	}
}

func (p *Processor) processForward(blocks []host.Block) error {
	for _, b := range blocks {
		if err := p.processBlock(b, false); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) processRevert(blocks []host.Block) error {
	for i := len(blocks) - 1; i >= 0; i-- {
		if err := p.processBlock(blocks[i], true); err != nil {
			return err
		}
	}
	return nil
}

// processBlock runs the per-block frame procedure: open the frame, scan
// logs under the tracker's read side, close the frame, then apply pending
// whitelist mutations.
func (p *Processor) processBlock(b host.Block, isRevert bool) error {
	if err := p.tracker.BeginBlock(); err != nil {
		p.logger.Error("block invariant violated", zap.Uint64("block", b.Number), zap.Error(err))
		return err
	}

	p.sink.Broadcast(model.BeginBlock{
		BlockNumber:    b.Number,
		BlockTimestamp: b.Timestamp,
		IsRevert:       isRevert,
	})

	var numUpdates uint64
	for _, receipt := range b.Receipts {
		for _, log := range receipt.Logs {
			update, ok := p.scanLog(log, b, isRevert)
			if !ok {
				continue
			}
			p.sink.Broadcast(update)
			numUpdates++
		}
	}

	p.sink.Broadcast(model.EndBlock{BlockNumber: b.Number, NumUpdates: numUpdates})

	if err := p.tracker.EndBlock(); err != nil {
		p.logger.Error("block invariant violated", zap.Uint64("block", b.Number), zap.Error(err))
		return err
	}

	p.noteEmptyWhitelist()
	return nil
}

// scanLog applies the two-stage filter and builds the outgoing update.
func (p *Processor) scanLog(log types.Log, b host.Block, isRevert bool) (model.PoolUpdate, bool) {
	// Stage 1: emitter address. Rejects almost every log cheaply.
	if !p.tracker.IsTrackedAddress(log.Address) {
		return model.PoolUpdate{}, false
	}
	if len(log.Topics) == 0 || !p.decoder.CanDecode(log.Topics[0]) {
		return model.PoolUpdate{}, false
	}

	decoded, err := p.decoder.Decode(log)
	if err != nil {
		p.logger.Debug("log not decoded",
			zap.Uint64("block", b.Number),
			zap.String("address", log.Address.Hex()),
			zap.Error(err),
		)
		return model.PoolUpdate{}, false
	}

	// Stage 2: pool identity. V4 logs all come from the singleton, so the
	// decoded pool id must be re-checked; V2/V3 re-assert the address.
	if !p.identityTracked(decoded.Pool) {
		return model.PoolUpdate{}, false
	}

	payload, err := buildPayload(decoded)
	if err != nil {
		p.logger.Debug("payload rejected",
			zap.Uint64("block", b.Number),
			zap.String("pool", decoded.Pool.String()),
			zap.Error(err),
		)
		return model.PoolUpdate{}, false
	}

	return model.PoolUpdate{
		Pool:           decoded.Pool,
		Protocol:       decoded.Protocol,
		Kind:           decoded.Kind,
		BlockNumber:    b.Number,
		BlockTimestamp: b.Timestamp,
		TxIndex:        uint64(log.TxIndex),
		LogIndex:       uint64(log.Index),
		IsRevert:       isRevert,
		Payload:        payload,
	}, true
}

func (p *Processor) identityTracked(id model.PoolID) bool {
	if hash, ok := id.Hash(); ok {
		return p.tracker.IsTrackedPoolID(hash)
	}
	addr, ok := id.Address()
	return ok && p.tracker.IsTrackedAddress(addr)
}

func (p *Processor) noteEmptyWhitelist() {
	if p.tracker.Stats().Total() > 0 {
		p.emptyBlocks = 0
		return
	}
	p.emptyBlocks++
	if p.emptyBlocks%emptyWhitelistLogEvery == 0 {
		p.logger.Warn("processing blocks with an empty whitelist",
			zap.Uint64("blocks", p.emptyBlocks))
	}
}

// buildPayload converts a decoded event into its wire payload, applying
// the V2 signed-delta convention: the "in" side adds to reserves, the
// "out" side subtracts, so the consumer integrates by pure addition.
func buildPayload(decoded model.DecodedEvent) (model.Payload, error) {
	switch data := decoded.Data.(type) {
	case model.V2SwapEvent:
		return model.V2ReserveDelta{
			Reserve0: new(big.Int).Sub(data.Amount0In, data.Amount0Out),
			Reserve1: new(big.Int).Sub(data.Amount1In, data.Amount1Out),
		}, nil
	case model.V2MintEvent:
		return model.V2ReserveDelta{
			Reserve0: new(big.Int).Set(data.Amount0),
			Reserve1: new(big.Int).Set(data.Amount1),
		}, nil
	case model.V2BurnEvent:
		return model.V2ReserveDelta{
			Reserve0: new(big.Int).Neg(data.Amount0),
			Reserve1: new(big.Int).Neg(data.Amount1),
		}, nil
	case model.V3SwapEvent:
		return model.V3SwapState{
			SqrtPriceX96: data.SqrtPriceX96,
			Liquidity:    data.Liquidity,
			Tick:         data.Tick,
		}, nil
	case model.V3MintEvent:
		return model.V3LiquidityChange{
			TickLower: data.TickLower,
			TickUpper: data.TickUpper,
			Liquidity: data.Amount,
		}, nil
	case model.V3BurnEvent:
		return model.V3LiquidityChange{
			TickLower: data.TickLower,
			TickUpper: data.TickUpper,
			Liquidity: data.Amount,
		}, nil
	case model.V4SwapEvent:
		return model.V4SwapState{
			SqrtPriceX96: data.SqrtPriceX96,
			Liquidity:    data.Liquidity,
			Tick:         data.Tick,
		}, nil
	case model.V4ModifyLiquidityEvent:
		return model.V4LiquidityChange{
			TickLower:      data.TickLower,
			TickUpper:      data.TickUpper,
			LiquidityDelta: data.LiquidityDelta,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported decoded event %T", decoded.Data)
	}
}

func tipNumber(blocks []host.Block) uint64 {
	if len(blocks) == 0 {
		return 0
	}
	return blocks[len(blocks)-1].Number
}
