package model

import "math/big"

// DecodedEvent is a recognized AMM event with its pool identity extracted.
// Data holds one of the protocol event structs below.
type DecodedEvent struct {
	Pool     PoolID
	Protocol Protocol
	Kind     UpdateKind
	Data     interface{}
}

// V2SwapEvent carries the raw unsigned amounts of a V2 Swap log.
type V2SwapEvent struct {
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

// V2MintEvent carries the amounts added to both reserves.
type V2MintEvent struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// V2BurnEvent carries the amounts removed from both reserves.
type V2BurnEvent struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// V3SwapEvent carries the post-swap pool state from a V3 Swap log.
type V3SwapEvent struct {
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
}

// V3MintEvent carries a V3 liquidity add. Amount is the unsigned uint128
// liquidity magnitude.
type V3MintEvent struct {
	TickLower int32
	TickUpper int32
	Amount    *big.Int
}

// V3BurnEvent carries a V3 liquidity remove. Amount is the unsigned uint128
// liquidity magnitude; the burn direction is carried by the event kind.
type V3BurnEvent struct {
	TickLower int32
	TickUpper int32
	Amount    *big.Int
}

// V4SwapEvent carries the post-swap pool state from a V4 Swap log.
type V4SwapEvent struct {
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
}

// V4ModifyLiquidityEvent carries a V4 liquidity change. LiquidityDelta is
// signed, positive for adds and negative for removes, and is guaranteed by
// the decoder to fit in a signed 128-bit integer.
type V4ModifyLiquidityEvent struct {
	TickLower      int32
	TickUpper      int32
	LiquidityDelta *big.Int
}
