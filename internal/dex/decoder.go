package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Sgas17/reth-exex-liquidity/internal/model"
)

var (
	mask160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))

	maxInt24 = big.NewInt(1<<23 - 1)
	minInt24 = big.NewInt(-(1 << 23))
)

type decodeFunc func(types.Log) (model.DecodedEvent, error)

// Decoder recognizes Uniswap V2/V3/V4 events by topic 0 and decodes them
// into typed records. V2/V3 identity is the emitter address; V4 identity is
// the 32-byte pool id carried in topic 1 of the singleton's logs.
type Decoder struct {
	v2, v3, v4 abi.ABI
	byTopic0   map[common.Hash]decodeFunc
}

// NewDecoder builds a decoder for all supported event signatures.
func NewDecoder() (*Decoder, error) {
	v2ABI, err := V2PairABI()
	if err != nil {
		return nil, fmt.Errorf("parse v2 abi: %w", err)
	}
	v3ABI, err := V3PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse v3 abi: %w", err)
	}
	v4ABI, err := V4PoolManagerABI()
	if err != nil {
		return nil, fmt.Errorf("parse v4 abi: %w", err)
	}

	d := &Decoder{v2: v2ABI, v3: v3ABI, v4: v4ABI}
	d.byTopic0 = map[common.Hash]decodeFunc{
		v2ABI.Events["Swap"].ID:            d.decodeV2Swap,
		v2ABI.Events["Mint"].ID:            d.decodeV2Mint,
		v2ABI.Events["Burn"].ID:            d.decodeV2Burn,
		v3ABI.Events["Swap"].ID:            d.decodeV3Swap,
		v3ABI.Events["Mint"].ID:            d.decodeV3Mint,
		v3ABI.Events["Burn"].ID:            d.decodeV3Burn,
		v4ABI.Events["Swap"].ID:            d.decodeV4Swap,
		v4ABI.Events["ModifyLiquidity"].ID: d.decodeV4ModifyLiquidity,
	}
	return d, nil
}

// CanDecode reports whether topic0 is one of the supported signatures.
func (d *Decoder) CanDecode(topic0 common.Hash) bool {
	_, ok := d.byTopic0[topic0]
	return ok
}

// Topic0s returns all supported event signature hashes.
func (d *Decoder) Topic0s() []common.Hash {
	out := make([]common.Hash, 0, len(d.byTopic0))
	for topic0 := range d.byTopic0 {
		out = append(out, topic0)
	}
	return out
}

// Decode converts a log into a typed event. Unknown topic0, malformed data
// and out-of-range values all return an error; the caller drops the log.
func (d *Decoder) Decode(log types.Log) (model.DecodedEvent, error) {
	if len(log.Topics) == 0 {
		return model.DecodedEvent{}, fmt.Errorf("missing topic0")
	}
	decode, ok := d.byTopic0[log.Topics[0]]
	if !ok {
		return model.DecodedEvent{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0])
	}
	return decode(log)
}

func (d *Decoder) decodeV2Swap(log types.Log) (model.DecodedEvent, error) {
	values, err := unpackNonIndexed(d.v2.Events["Swap"], log.Data)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	if len(values) != 4 {
		return model.DecodedEvent{}, fmt.Errorf("unexpected v2 swap values: %d", len(values))
	}
	amount0In, err := asBigInt(values[0])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	amount1In, err := asBigInt(values[1])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	amount0Out, err := asBigInt(values[2])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	amount1Out, err := asBigInt(values[3])
	if err != nil {
		return model.DecodedEvent{}, err
	}

	return model.DecodedEvent{
		Pool:     model.AddressID(log.Address),
		Protocol: model.ProtocolV2,
		Kind:     model.UpdateSwap,
		Data: model.V2SwapEvent{
			Amount0In:  amount0In,
			Amount1In:  amount1In,
			Amount0Out: amount0Out,
			Amount1Out: amount1Out,
		},
	}, nil
}

func (d *Decoder) decodeV2Mint(log types.Log) (model.DecodedEvent, error) {
	amount0, amount1, err := d.decodeV2Amounts(d.v2.Events["Mint"], log.Data)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	return model.DecodedEvent{
		Pool:     model.AddressID(log.Address),
		Protocol: model.ProtocolV2,
		Kind:     model.UpdateMint,
		Data:     model.V2MintEvent{Amount0: amount0, Amount1: amount1},
	}, nil
}

func (d *Decoder) decodeV2Burn(log types.Log) (model.DecodedEvent, error) {
	amount0, amount1, err := d.decodeV2Amounts(d.v2.Events["Burn"], log.Data)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	return model.DecodedEvent{
		Pool:     model.AddressID(log.Address),
		Protocol: model.ProtocolV2,
		Kind:     model.UpdateBurn,
		Data:     model.V2BurnEvent{Amount0: amount0, Amount1: amount1},
	}, nil
}

func (d *Decoder) decodeV2Amounts(event abi.Event, data []byte) (*big.Int, *big.Int, error) {
	values, err := unpackNonIndexed(event, data)
	if err != nil {
		return nil, nil, err
	}
	if len(values) != 2 {
		return nil, nil, fmt.Errorf("unexpected v2 %s values: %d", event.Name, len(values))
	}
	amount0, err := asBigInt(values[0])
	if err != nil {
		return nil, nil, err
	}
	amount1, err := asBigInt(values[1])
	if err != nil {
		return nil, nil, err
	}
	return amount0, amount1, nil
}

func (d *Decoder) decodeV3Swap(log types.Log) (model.DecodedEvent, error) {
	values, err := unpackNonIndexed(d.v3.Events["Swap"], log.Data)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	if len(values) != 5 {
		return model.DecodedEvent{}, fmt.Errorf("unexpected v3 swap values: %d", len(values))
	}
	sqrtPrice, err := asBigInt(values[2])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	liquidity, err := asBigInt(values[3])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	tickValue, err := asBigInt(values[4])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	tick, err := int24FromBig(tickValue)
	if err != nil {
		return model.DecodedEvent{}, err
	}

	return model.DecodedEvent{
		Pool:     model.AddressID(log.Address),
		Protocol: model.ProtocolV3,
		Kind:     model.UpdateSwap,
		Data: model.V3SwapEvent{
			SqrtPriceX96: new(big.Int).And(sqrtPrice, mask160),
			Liquidity:    liquidity,
			Tick:         tick,
		},
	}, nil
}

func (d *Decoder) decodeV3Mint(log types.Log) (model.DecodedEvent, error) {
	tickLower, tickUpper, amount, err := d.decodeV3Liquidity(d.v3.Events["Mint"], log, 4)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	return model.DecodedEvent{
		Pool:     model.AddressID(log.Address),
		Protocol: model.ProtocolV3,
		Kind:     model.UpdateMint,
		Data:     model.V3MintEvent{TickLower: tickLower, TickUpper: tickUpper, Amount: amount},
	}, nil
}

func (d *Decoder) decodeV3Burn(log types.Log) (model.DecodedEvent, error) {
	tickLower, tickUpper, amount, err := d.decodeV3Liquidity(d.v3.Events["Burn"], log, 3)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	return model.DecodedEvent{
		Pool:     model.AddressID(log.Address),
		Protocol: model.ProtocolV3,
		Kind:     model.UpdateBurn,
		Data:     model.V3BurnEvent{TickLower: tickLower, TickUpper: tickUpper, Amount: amount},
	}, nil
}

// decodeV3Liquidity extracts ticks from the indexed topics and the uint128
// liquidity magnitude from the data region. Mint carries a leading
// non-indexed sender, so its amount offset differs from Burn's.
func (d *Decoder) decodeV3Liquidity(event abi.Event, log types.Log, wantValues int) (int32, int32, *big.Int, error) {
	if len(log.Topics) != 4 {
		return 0, 0, nil, fmt.Errorf("v3 %s: expected 4 topics, got %d", event.Name, len(log.Topics))
	}
	tickLower, err := int24FromTopic(log.Topics[2])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("v3 %s tickLower: %w", event.Name, err)
	}
	tickUpper, err := int24FromTopic(log.Topics[3])
	if err != nil {
		return 0, 0, nil, fmt.Errorf("v3 %s tickUpper: %w", event.Name, err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return 0, 0, nil, err
	}
	if len(values) != wantValues {
		return 0, 0, nil, fmt.Errorf("unexpected v3 %s values: %d", event.Name, len(values))
	}
	amount, err := asBigInt(values[wantValues-3])
	if err != nil {
		return 0, 0, nil, err
	}
	return tickLower, tickUpper, amount, nil
}

func (d *Decoder) decodeV4Swap(log types.Log) (model.DecodedEvent, error) {
	poolID, err := v4PoolIDFromTopics(log)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	values, err := unpackNonIndexed(d.v4.Events["Swap"], log.Data)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	if len(values) != 6 {
		return model.DecodedEvent{}, fmt.Errorf("unexpected v4 swap values: %d", len(values))
	}
	sqrtPrice, err := asBigInt(values[2])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	liquidity, err := asBigInt(values[3])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	tickValue, err := asBigInt(values[4])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	tick, err := int24FromBig(tickValue)
	if err != nil {
		return model.DecodedEvent{}, err
	}

	return model.DecodedEvent{
		Pool:     poolID,
		Protocol: model.ProtocolV4,
		Kind:     model.UpdateSwap,
		Data: model.V4SwapEvent{
			SqrtPriceX96: new(big.Int).And(sqrtPrice, mask160),
			Liquidity:    liquidity,
			Tick:         tick,
		},
	}, nil
}

func (d *Decoder) decodeV4ModifyLiquidity(log types.Log) (model.DecodedEvent, error) {
	poolID, err := v4PoolIDFromTopics(log)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	values, err := unpackNonIndexed(d.v4.Events["ModifyLiquidity"], log.Data)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	if len(values) != 4 {
		return model.DecodedEvent{}, fmt.Errorf("unexpected v4 modify values: %d", len(values))
	}
	tickLowerValue, err := asBigInt(values[0])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	tickUpperValue, err := asBigInt(values[1])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	liquidityDelta, err := asBigInt(values[2])
	if err != nil {
		return model.DecodedEvent{}, err
	}
	tickLower, err := int24FromBig(tickLowerValue)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	tickUpper, err := int24FromBig(tickUpperValue)
	if err != nil {
		return model.DecodedEvent{}, err
	}
	// The event carries int256 but the consumer's liquidity field is i128.
	if liquidityDelta.Cmp(minI128) < 0 || liquidityDelta.Cmp(maxI128) > 0 {
		return model.DecodedEvent{}, fmt.Errorf("v4 liquidityDelta out of i128 range: %s", liquidityDelta)
	}

	return model.DecodedEvent{
		Pool:     poolID,
		Protocol: model.ProtocolV4,
		Kind:     model.UpdateModifyLiquidity,
		Data: model.V4ModifyLiquidityEvent{
			TickLower:      tickLower,
			TickUpper:      tickUpper,
			LiquidityDelta: liquidityDelta,
		},
	}, nil
}

// v4PoolIDFromTopics extracts the pool id from topic 1. Indexed parameters
// never appear in the data region, so a data-only decode would silently
// lose the pool identity.
func v4PoolIDFromTopics(log types.Log) (model.PoolID, error) {
	if len(log.Topics) < 2 {
		return model.PoolID{}, fmt.Errorf("v4 log missing pool id topic: %d topics", len(log.Topics))
	}
	return model.V4PoolID(log.Topics[1]), nil
}

func unpackNonIndexed(event abi.Event, data []byte) ([]interface{}, error) {
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}

func asBigInt(value interface{}) (*big.Int, error) {
	v, ok := value.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("expected *big.Int, got %T", value)
	}
	return v, nil
}

func int24FromBig(value *big.Int) (int32, error) {
	if value.Cmp(minInt24) < 0 || value.Cmp(maxInt24) > 0 {
		return 0, fmt.Errorf("int24 out of range: %s", value)
	}
	return int32(value.Int64()), nil
}

// int24FromTopic sign-extends an int24 stored right-aligned in a 32-byte
// indexed topic.
func int24FromTopic(topic common.Hash) (int32, error) {
	value := new(big.Int).SetBytes(topic[:])
	if value.Bit(255) == 1 {
		value.Sub(value, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return int24FromBig(value)
}
