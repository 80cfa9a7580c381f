package model

import (
	"fmt"
	"math/big"
)

// UpdateKind names the event that triggered a pool update.
type UpdateKind uint8

const (
	UpdateSwap UpdateKind = iota
	UpdateMint
	UpdateBurn
	UpdateModifyLiquidity
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateSwap:
		return "swap"
	case UpdateMint:
		return "mint"
	case UpdateBurn:
		return "burn"
	case UpdateModifyLiquidity:
		return "modify_liquidity"
	default:
		return fmt.Sprintf("update(%d)", uint8(k))
	}
}

// MarshalJSON encodes the kind as its string tag.
func (k UpdateKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Payload is the protocol-specific body of a pool update.
type Payload interface {
	isPayload()
}

// V2ReserveDelta is a signed change to a V2 pool's reserves. The consumer
// maintains reserves by pure addition: mints are positive on both sides,
// burns negative on both, and swaps carry the "in" side positive and the
// "out" side negative.
type V2ReserveDelta struct {
	Reserve0 *big.Int `json:"reserve0"`
	Reserve1 *big.Int `json:"reserve1"`
}

// V3SwapState is the post-swap observation of a V3 pool: price, active
// liquidity and tick. It replaces prior state rather than accumulating.
type V3SwapState struct {
	SqrtPriceX96 *big.Int `json:"sqrt_price_x96"`
	Liquidity    *big.Int `json:"liquidity"`
	Tick         int32    `json:"tick"`
}

// V3LiquidityChange is a V3 position change. Liquidity is the positive
// uint128 magnitude; the direction is carried by the update kind.
type V3LiquidityChange struct {
	TickLower int32    `json:"tick_lower"`
	TickUpper int32    `json:"tick_upper"`
	Liquidity *big.Int `json:"liquidity"`
}

// V4SwapState is the post-swap observation of a V4 pool.
type V4SwapState struct {
	SqrtPriceX96 *big.Int `json:"sqrt_price_x96"`
	Liquidity    *big.Int `json:"liquidity"`
	Tick         int32    `json:"tick"`
}

// V4LiquidityChange is a signed V4 liquidity delta, guaranteed to fit in a
// signed 128-bit integer.
type V4LiquidityChange struct {
	TickLower      int32    `json:"tick_lower"`
	TickUpper      int32    `json:"tick_upper"`
	LiquidityDelta *big.Int `json:"liquidity_delta"`
}

func (V2ReserveDelta) isPayload()    {}
func (V3SwapState) isPayload()       {}
func (V3LiquidityChange) isPayload() {}
func (V4SwapState) isPayload()       {}
func (V4LiquidityChange) isPayload() {}

// PoolUpdate is one decoded, block-stamped event destined for consumers.
type PoolUpdate struct {
	Pool           PoolID     `json:"pool"`
	Protocol       Protocol   `json:"protocol"`
	Kind           UpdateKind `json:"kind"`
	BlockNumber    uint64     `json:"block_number"`
	BlockTimestamp uint64     `json:"block_timestamp"`
	TxIndex        uint64     `json:"tx_index"`
	LogIndex       uint64     `json:"log_index"`
	IsRevert       bool       `json:"is_revert"`
	Payload        Payload    `json:"payload"`
}
