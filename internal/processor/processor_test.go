package processor

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Sgas17/reth-exex-liquidity/internal/dex"
	"github.com/Sgas17/reth-exex-liquidity/internal/host"
	"github.com/Sgas17/reth-exex-liquidity/internal/model"
	"github.com/Sgas17/reth-exex-liquidity/internal/tracker"
)

// memSink records every broadcast frame in order.
type memSink struct {
	frames []model.ControlMessage
}

func (s *memSink) Broadcast(msg model.ControlMessage) {
	s.frames = append(s.frames, msg)
}

type fixture struct {
	trk  *tracker.Tracker
	proc *Processor
	sink *memSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	decoder, err := dex.NewDecoder()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	trk := tracker.New(dex.PoolManagerAddress, nil)
	s := &memSink{}
	return &fixture{trk: trk, proc: New(trk, decoder, s, nil), sink: s}
}

func (f *fixture) track(t *testing.T, descriptors ...model.PoolDescriptor) {
	t.Helper()
	f.trk.Queue(tracker.Mutation{Op: tracker.OpAdd, Descriptors: descriptors})
	if err := f.trk.ApplyPending(); err != nil {
		t.Fatalf("seed whitelist: %v", err)
	}
}

var (
	v3PoolAddr = common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	v2PoolAddr = common.HexToAddress("0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc")
	v4PoolHash = common.HexToHash("0xdce6394339af00981949f5f3baf27e3610c76326a700af57e4b3e3ae4977f78d")
)

func v3Descriptor() model.PoolDescriptor {
	return model.PoolDescriptor{ID: model.AddressID(v3PoolAddr), Protocol: model.ProtocolV3}
}

func v2Descriptor() model.PoolDescriptor {
	return model.PoolDescriptor{ID: model.AddressID(v2PoolAddr), Protocol: model.ProtocolV2}
}

func v4Descriptor() model.PoolDescriptor {
	return model.PoolDescriptor{ID: model.V4PoolID(v4PoolHash), Protocol: model.ProtocolV4}
}

func v3SwapLog(t *testing.T, pool common.Address, txIndex, logIndex uint) types.Log {
	t.Helper()
	v3ABI, err := dex.V3PoolABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	data, err := v3ABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(-1000), big.NewInt(2000), big.NewInt(123), big.NewInt(456), big.NewInt(-1),
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address: pool,
		Topics: []common.Hash{
			v3ABI.Events["Swap"].ID,
			common.BytesToHash(common.Address{0x01}.Bytes()),
			common.BytesToHash(common.Address{0x02}.Bytes()),
		},
		Data:    data,
		TxIndex: txIndex,
		Index:   logIndex,
	}
}

func v2SwapLog(t *testing.T, pool common.Address, in0, in1, out0, out1 int64, txIndex, logIndex uint) types.Log {
	t.Helper()
	v2ABI, err := dex.V2PairABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	data, err := v2ABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(in0), big.NewInt(in1), big.NewInt(out0), big.NewInt(out1),
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address: pool,
		Topics: []common.Hash{
			v2ABI.Events["Swap"].ID,
			common.BytesToHash(common.Address{0x01}.Bytes()),
			common.BytesToHash(common.Address{0x02}.Bytes()),
		},
		Data:    data,
		TxIndex: txIndex,
		Index:   logIndex,
	}
}

func v4SwapLog(t *testing.T, poolID common.Hash, txIndex, logIndex uint) types.Log {
	t.Helper()
	v4ABI, err := dex.V4PoolManagerABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	data, err := v4ABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(-5), big.NewInt(6), big.NewInt(789), big.NewInt(10), big.NewInt(2), big.NewInt(3000),
	)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address: dex.PoolManagerAddress,
		Topics: []common.Hash{
			v4ABI.Events["Swap"].ID,
			poolID,
			common.BytesToHash(common.Address{0x03}.Bytes()),
		},
		Data:    data,
		TxIndex: txIndex,
		Index:   logIndex,
	}
}

func blockOf(number, timestamp uint64, logs ...types.Log) host.Block {
	b := host.Block{Number: number, Timestamp: timestamp}
	for _, log := range logs {
		b.Receipts = append(b.Receipts, host.Receipt{Logs: []types.Log{log}})
	}
	return b
}

// checkFrameBalance verifies BeginBlock/EndBlock pairing and counts.
func checkFrameBalance(t *testing.T, frames []model.ControlMessage) {
	t.Helper()
	var open *model.BeginBlock
	var updates uint64
	for i, frame := range frames {
		switch f := frame.(type) {
		case model.BeginBlock:
			if open != nil {
				t.Fatalf("frame %d: BeginBlock inside open frame", i)
			}
			begin := f
			open = &begin
			updates = 0
		case model.PoolUpdate:
			if open == nil {
				t.Fatalf("frame %d: PoolUpdate outside block frame", i)
			}
			if f.IsRevert != open.IsRevert {
				t.Fatalf("frame %d: revert flag mismatch", i)
			}
			updates++
		case model.EndBlock:
			if open == nil {
				t.Fatalf("frame %d: EndBlock without BeginBlock", i)
			}
			if f.BlockNumber != open.BlockNumber {
				t.Fatalf("frame %d: EndBlock number %d != %d", i, f.BlockNumber, open.BlockNumber)
			}
			if f.NumUpdates != updates {
				t.Fatalf("frame %d: NumUpdates %d != %d", i, f.NumUpdates, updates)
			}
			open = nil
		}
	}
	if open != nil {
		t.Fatalf("unbalanced frames: block %d left open", open.BlockNumber)
	}
}

func updatesIn(frames []model.ControlMessage) []model.PoolUpdate {
	var out []model.PoolUpdate
	for _, frame := range frames {
		if u, ok := frame.(model.PoolUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func TestEmptyWhitelistEmitsEmptyFrame(t *testing.T) {
	f := newFixture(t)

	logs := make([]types.Log, 0, 10)
	for i := 0; i < 10; i++ {
		logs = append(logs, v3SwapLog(t, common.BytesToAddress([]byte{byte(i + 1)}), uint(i), uint(i)))
	}

	_, _, err := f.proc.Process(host.ChainCommitted{New: []host.Block{blockOf(100, 1000, logs...)}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	checkFrameBalance(t, f.sink.frames)
	if len(f.sink.frames) != 2 {
		t.Fatalf("expected bare begin/end, got %d frames", len(f.sink.frames))
	}
	end, ok := f.sink.frames[1].(model.EndBlock)
	if !ok || end.NumUpdates != 0 {
		t.Fatalf("expected empty EndBlock, got %+v", f.sink.frames[1])
	}
}

func TestTrackedV3SwapIsEmitted(t *testing.T) {
	f := newFixture(t)
	f.track(t, v3Descriptor())

	ack, hasAck, err := f.proc.Process(host.ChainCommitted{
		New: []host.Block{blockOf(200, 2000, v3SwapLog(t, v3PoolAddr, 3, 5))},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !hasAck || ack != 200 {
		t.Fatalf("ack mismatch: %d %v", ack, hasAck)
	}

	checkFrameBalance(t, f.sink.frames)
	updates := updatesIn(f.sink.frames)
	if len(updates) != 1 {
		t.Fatalf("expected one update, got %d", len(updates))
	}
	u := updates[0]
	if u.Kind != model.UpdateSwap || u.Protocol != model.ProtocolV3 {
		t.Fatalf("tags mismatch: %+v", u)
	}
	if u.Pool != model.AddressID(v3PoolAddr) {
		t.Fatalf("pool mismatch: %s", u.Pool)
	}
	if u.TxIndex != 3 || u.LogIndex != 5 || u.IsRevert {
		t.Fatalf("stamp mismatch: %+v", u)
	}
	if u.BlockNumber != 200 || u.BlockTimestamp != 2000 {
		t.Fatalf("block stamp mismatch: %+v", u)
	}
}

func TestV4TwoStageFilter(t *testing.T) {
	f := newFixture(t)
	f.track(t, v4Descriptor())

	otherPoolID := common.HexToHash("0x9999999999999999999999999999999999999999999999999999999999999999")
	randomAddr := common.HexToAddress("0x1234123412341234123412341234123412341234")

	tracked := v4SwapLog(t, v4PoolHash, 0, 0)
	stage2Filtered := v4SwapLog(t, otherPoolID, 1, 1)
	stage1Filtered := v4SwapLog(t, v4PoolHash, 2, 2)
	stage1Filtered.Address = randomAddr

	_, _, err := f.proc.Process(host.ChainCommitted{
		New: []host.Block{blockOf(300, 3000, tracked, stage2Filtered, stage1Filtered)},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	updates := updatesIn(f.sink.frames)
	if len(updates) != 1 {
		t.Fatalf("expected exactly one update, got %d", len(updates))
	}
	if updates[0].Pool != model.V4PoolID(v4PoolHash) {
		t.Fatalf("pool id mismatch: %s", updates[0].Pool)
	}
}

func TestWhitelistMutationIsBlockSynchronous(t *testing.T) {
	f := newFixture(t)

	// The feed enqueues the add while block N is in flight: block N must
	// not see it, block N+1 must.
	f.trk.Queue(tracker.Mutation{Op: tracker.OpAdd, Descriptors: []model.PoolDescriptor{v3Descriptor()}})

	_, _, err := f.proc.Process(host.ChainCommitted{
		New: []host.Block{blockOf(400, 4000, v3SwapLog(t, v3PoolAddr, 0, 0))},
	})
	if err != nil {
		t.Fatalf("process block N: %v", err)
	}
	if got := len(updatesIn(f.sink.frames)); got != 0 {
		t.Fatalf("block N leaked %d updates", got)
	}

	_, _, err = f.proc.Process(host.ChainCommitted{
		New: []host.Block{blockOf(401, 4012, v3SwapLog(t, v3PoolAddr, 0, 0))},
	})
	if err != nil {
		t.Fatalf("process block N+1: %v", err)
	}
	if got := len(updatesIn(f.sink.frames)); got != 1 {
		t.Fatalf("block N+1 emitted %d updates", got)
	}
}

func TestReorgFrameOrder(t *testing.T) {
	f := newFixture(t)
	f.track(t, v3Descriptor())

	k := uint64(500)
	old := []host.Block{
		blockOf(k+1, 5010, v3SwapLog(t, v3PoolAddr, 0, 0)),
		blockOf(k+2, 5022, v3SwapLog(t, v3PoolAddr, 0, 0)),
	}
	newChain := []host.Block{
		blockOf(k+1, 5011, v3SwapLog(t, v3PoolAddr, 0, 0)),
		blockOf(k+2, 5023),
		blockOf(k+3, 5035),
	}

	ack, hasAck, err := f.proc.Process(host.ChainReorged{Old: old, New: newChain})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !hasAck || ack != k+3 {
		t.Fatalf("ack mismatch: %d %v", ack, hasAck)
	}

	checkFrameBalance(t, f.sink.frames)

	type boundary struct {
		number uint64
		revert bool
	}
	var got []boundary
	for _, frame := range f.sink.frames {
		if begin, ok := frame.(model.BeginBlock); ok {
			got = append(got, boundary{begin.BlockNumber, begin.IsRevert})
		}
	}
	want := []boundary{
		{k + 2, true},
		{k + 1, true},
		{k + 1, false},
		{k + 2, false},
		{k + 3, false},
	}
	if len(got) != len(want) {
		t.Fatalf("boundary count mismatch: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("boundary %d mismatch: got %+v want %+v", i, got[i], want[i])
		}
	}

	for _, u := range updatesIn(f.sink.frames[:6]) {
		if !u.IsRevert {
			t.Fatalf("revert frame carried non-revert update: %+v", u)
		}
	}
}

func TestRevertedChainUnwindsTipDown(t *testing.T) {
	f := newFixture(t)
	f.track(t, v3Descriptor())

	old := []host.Block{blockOf(600, 6000), blockOf(601, 6012), blockOf(602, 6024)}
	_, hasAck, err := f.proc.Process(host.ChainReverted{Old: old})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if hasAck {
		t.Fatalf("revert-only notification should not ack")
	}

	var numbers []uint64
	for _, frame := range f.sink.frames {
		if begin, ok := frame.(model.BeginBlock); ok {
			if !begin.IsRevert {
				t.Fatalf("revert notification emitted forward frame")
			}
			numbers = append(numbers, begin.BlockNumber)
		}
	}
	if len(numbers) != 3 || numbers[0] != 602 || numbers[1] != 601 || numbers[2] != 600 {
		t.Fatalf("unwind order mismatch: %v", numbers)
	}
}

func TestV2SwapSignConvention(t *testing.T) {
	f := newFixture(t)
	f.track(t, v2Descriptor())

	// amount1In = 1000e6, amount0Out = 5e17: reserve0 shrinks, reserve1
	// grows.
	log := v2SwapLog(t, v2PoolAddr, 0, 1_000_000_000, 500_000_000_000_000_000, 0, 0, 0)
	_, _, err := f.proc.Process(host.ChainCommitted{New: []host.Block{blockOf(700, 7000, log)}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	updates := updatesIn(f.sink.frames)
	if len(updates) != 1 {
		t.Fatalf("expected one update, got %d", len(updates))
	}
	delta, ok := updates[0].Payload.(model.V2ReserveDelta)
	if !ok {
		t.Fatalf("payload type mismatch: %T", updates[0].Payload)
	}
	if delta.Reserve0.String() != "-500000000000000000" {
		t.Fatalf("reserve0 mismatch: %s", delta.Reserve0)
	}
	if delta.Reserve1.String() != "1000000000" {
		t.Fatalf("reserve1 mismatch: %s", delta.Reserve1)
	}
}

func TestV2MintBurnDeltaSigns(t *testing.T) {
	f := newFixture(t)
	f.track(t, v2Descriptor())

	v2ABI, err := dex.V2PairABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	mintData, err := v2ABI.Events["Mint"].Inputs.NonIndexed().Pack(big.NewInt(11), big.NewInt(22))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	burnData, err := v2ABI.Events["Burn"].Inputs.NonIndexed().Pack(big.NewInt(33), big.NewInt(44))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	sender := common.BytesToHash(common.Address{0x01}.Bytes())

	mintLog := types.Log{
		Address: v2PoolAddr,
		Topics:  []common.Hash{v2ABI.Events["Mint"].ID, sender},
		Data:    mintData,
		TxIndex: 0, Index: 0,
	}
	burnLog := types.Log{
		Address: v2PoolAddr,
		Topics:  []common.Hash{v2ABI.Events["Burn"].ID, sender, sender},
		Data:    burnData,
		TxIndex: 1, Index: 1,
	}

	_, _, err = f.proc.Process(host.ChainCommitted{
		New: []host.Block{blockOf(800, 8000, mintLog, burnLog)},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	updates := updatesIn(f.sink.frames)
	if len(updates) != 2 {
		t.Fatalf("expected two updates, got %d", len(updates))
	}

	mint := updates[0].Payload.(model.V2ReserveDelta)
	if mint.Reserve0.Sign() < 0 || mint.Reserve1.Sign() < 0 {
		t.Fatalf("mint deltas must be non-negative: %+v", mint)
	}
	burn := updates[1].Payload.(model.V2ReserveDelta)
	if burn.Reserve0.Sign() > 0 || burn.Reserve1.Sign() > 0 {
		t.Fatalf("burn deltas must be non-positive: %+v", burn)
	}
	if updates[0].Kind != model.UpdateMint || updates[1].Kind != model.UpdateBurn {
		t.Fatalf("kinds mismatch: %v %v", updates[0].Kind, updates[1].Kind)
	}
}

func TestUpdatesOrderedByTxThenLogIndex(t *testing.T) {
	f := newFixture(t)
	f.track(t, v3Descriptor())

	block := host.Block{
		Number:    900,
		Timestamp: 9000,
		Receipts: []host.Receipt{
			{Logs: []types.Log{
				v3SwapLog(t, v3PoolAddr, 0, 0),
				v3SwapLog(t, v3PoolAddr, 0, 1),
			}},
			{Logs: []types.Log{
				v3SwapLog(t, v3PoolAddr, 2, 4),
			}},
		},
	}

	_, _, err := f.proc.Process(host.ChainCommitted{New: []host.Block{block}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	updates := updatesIn(f.sink.frames)
	if len(updates) != 3 {
		t.Fatalf("expected three updates, got %d", len(updates))
	}
	for i := 1; i < len(updates); i++ {
		prev, cur := updates[i-1], updates[i]
		if prev.TxIndex > cur.TxIndex ||
			(prev.TxIndex == cur.TxIndex && prev.LogIndex >= cur.LogIndex) {
			t.Fatalf("updates out of order: %+v then %+v", prev, cur)
		}
	}
}

func TestMalformedLogIsSkippedNotFatal(t *testing.T) {
	f := newFixture(t)
	f.track(t, v3Descriptor())

	v3ABI, err := dex.V3PoolABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	broken := types.Log{
		Address: v3PoolAddr,
		Topics:  []common.Hash{v3ABI.Events["Swap"].ID},
		Data:    []byte{0xde, 0xad},
		TxIndex: 0, Index: 0,
	}
	good := v3SwapLog(t, v3PoolAddr, 1, 2)

	_, _, err = f.proc.Process(host.ChainCommitted{
		New: []host.Block{blockOf(1000, 10_000, broken, good)},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	updates := updatesIn(f.sink.frames)
	if len(updates) != 1 {
		t.Fatalf("expected the good log only, got %d updates", len(updates))
	}
	checkFrameBalance(t, f.sink.frames)
}
