// Package wire implements the length-prefixed binary frame format carried
// over the IPC socket. Primitives are little-endian fixed width, sum-type
// discriminants are u32, 256-bit integers travel as 32 little-endian bytes
// and 128-bit integers as 16 (two's complement for signed values).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/Sgas17/reth-exex-liquidity/internal/model"
)

// MaxFrameSize bounds a single frame on the read side. Frames are small;
// anything larger is a corrupt stream.
const MaxFrameSize = 1 << 20

const (
	frameBeginBlock uint32 = iota
	framePoolUpdate
	frameEndBlock
	frameShutdown
	framePing
	framePong
)

const (
	payloadV2ReserveDelta uint32 = iota
	payloadV3SwapState
	payloadV3LiquidityChange
	payloadV4SwapState
	payloadV4LiquidityChange
)

const (
	poolIDTagAddress uint32 = iota
	poolIDTagHash
)

var (
	twoPow256 = new(big.Int).Lsh(big.NewInt(1), 256)
	maskU256  = new(big.Int).Sub(twoPow256, big.NewInt(1))
	maxI256   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minI256   = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	maxU128   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxI128   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128   = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// WriteFrame encodes msg and writes it as one length-prefixed frame.
func WriteFrame(w io.Writer, msg model.ControlMessage) error {
	body, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame and decodes it.
func ReadFrame(r io.Reader) (model.ControlMessage, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return DecodeMessage(body)
}

// EncodeMessage encodes a control message body (without length prefix).
func EncodeMessage(msg model.ControlMessage) ([]byte, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case model.BeginBlock:
		putU32(&buf, frameBeginBlock)
		putU64(&buf, m.BlockNumber)
		putU64(&buf, m.BlockTimestamp)
		putBool(&buf, m.IsRevert)
	case model.PoolUpdate:
		putU32(&buf, framePoolUpdate)
		if err := encodeUpdate(&buf, m); err != nil {
			return nil, err
		}
	case model.EndBlock:
		putU32(&buf, frameEndBlock)
		putU64(&buf, m.BlockNumber)
		putU64(&buf, m.NumUpdates)
	case model.Shutdown:
		putU32(&buf, frameShutdown)
	case model.Ping:
		putU32(&buf, framePing)
	case model.Pong:
		putU32(&buf, framePong)
	default:
		return nil, fmt.Errorf("unsupported control message %T", msg)
	}
	return buf.Bytes(), nil
}

// DecodeMessage decodes a control message body.
func DecodeMessage(data []byte) (model.ControlMessage, error) {
	r := &reader{data: data}
	tag, err := r.u32()
	if err != nil {
		return nil, err
	}
	switch tag {
	case frameBeginBlock:
		var m model.BeginBlock
		if m.BlockNumber, err = r.u64(); err != nil {
			return nil, err
		}
		if m.BlockTimestamp, err = r.u64(); err != nil {
			return nil, err
		}
		if m.IsRevert, err = r.boolean(); err != nil {
			return nil, err
		}
		return m, r.done()
	case framePoolUpdate:
		m, err := decodeUpdate(r)
		if err != nil {
			return nil, err
		}
		return m, r.done()
	case frameEndBlock:
		var m model.EndBlock
		if m.BlockNumber, err = r.u64(); err != nil {
			return nil, err
		}
		if m.NumUpdates, err = r.u64(); err != nil {
			return nil, err
		}
		return m, r.done()
	case frameShutdown:
		return model.Shutdown{}, r.done()
	case framePing:
		return model.Ping{}, r.done()
	case framePong:
		return model.Pong{}, r.done()
	default:
		return nil, fmt.Errorf("unknown frame tag %d", tag)
	}
}

func encodeUpdate(buf *bytes.Buffer, m model.PoolUpdate) error {
	if err := encodePoolID(buf, m.Pool); err != nil {
		return err
	}
	putU32(buf, uint32(m.Protocol))
	putU32(buf, uint32(m.Kind))
	putU64(buf, m.BlockNumber)
	putU64(buf, m.BlockTimestamp)
	putU64(buf, m.TxIndex)
	putU64(buf, m.LogIndex)
	putBool(buf, m.IsRevert)
	return encodePayload(buf, m.Payload)
}

func decodeUpdate(r *reader) (model.PoolUpdate, error) {
	var m model.PoolUpdate
	var err error
	if m.Pool, err = decodePoolID(r); err != nil {
		return m, err
	}
	protocol, err := r.u32()
	if err != nil {
		return m, err
	}
	if protocol > uint32(model.ProtocolV4) {
		return m, fmt.Errorf("unknown protocol tag %d", protocol)
	}
	m.Protocol = model.Protocol(protocol)
	kind, err := r.u32()
	if err != nil {
		return m, err
	}
	if kind > uint32(model.UpdateModifyLiquidity) {
		return m, fmt.Errorf("unknown update kind %d", kind)
	}
	m.Kind = model.UpdateKind(kind)
	if m.BlockNumber, err = r.u64(); err != nil {
		return m, err
	}
	if m.BlockTimestamp, err = r.u64(); err != nil {
		return m, err
	}
	if m.TxIndex, err = r.u64(); err != nil {
		return m, err
	}
	if m.LogIndex, err = r.u64(); err != nil {
		return m, err
	}
	if m.IsRevert, err = r.boolean(); err != nil {
		return m, err
	}
	if m.Payload, err = decodePayload(r); err != nil {
		return m, err
	}
	return m, nil
}

func encodePoolID(buf *bytes.Buffer, id model.PoolID) error {
	if hash, ok := id.Hash(); ok {
		putU32(buf, poolIDTagHash)
		buf.Write(hash[:])
		return nil
	}
	addr, ok := id.Address()
	if !ok {
		return fmt.Errorf("pool id has no encodable variant")
	}
	putU32(buf, poolIDTagAddress)
	buf.Write(addr[:])
	return nil
}

func decodePoolID(r *reader) (model.PoolID, error) {
	tag, err := r.u32()
	if err != nil {
		return model.PoolID{}, err
	}
	switch tag {
	case poolIDTagAddress:
		raw, err := r.take(common.AddressLength)
		if err != nil {
			return model.PoolID{}, err
		}
		return model.AddressID(common.BytesToAddress(raw)), nil
	case poolIDTagHash:
		raw, err := r.take(common.HashLength)
		if err != nil {
			return model.PoolID{}, err
		}
		return model.V4PoolID(common.BytesToHash(raw)), nil
	default:
		return model.PoolID{}, fmt.Errorf("unknown pool id tag %d", tag)
	}
}

func encodePayload(buf *bytes.Buffer, payload model.Payload) error {
	switch p := payload.(type) {
	case model.V2ReserveDelta:
		putU32(buf, payloadV2ReserveDelta)
		if err := putI256(buf, p.Reserve0); err != nil {
			return fmt.Errorf("reserve0: %w", err)
		}
		if err := putI256(buf, p.Reserve1); err != nil {
			return fmt.Errorf("reserve1: %w", err)
		}
	case model.V3SwapState:
		putU32(buf, payloadV3SwapState)
		return encodeSwapState(buf, p.SqrtPriceX96, p.Liquidity, p.Tick)
	case model.V3LiquidityChange:
		putU32(buf, payloadV3LiquidityChange)
		putI32(buf, p.TickLower)
		putI32(buf, p.TickUpper)
		if err := putI128(buf, p.Liquidity); err != nil {
			return fmt.Errorf("liquidity: %w", err)
		}
	case model.V4SwapState:
		putU32(buf, payloadV4SwapState)
		return encodeSwapState(buf, p.SqrtPriceX96, p.Liquidity, p.Tick)
	case model.V4LiquidityChange:
		putU32(buf, payloadV4LiquidityChange)
		putI32(buf, p.TickLower)
		putI32(buf, p.TickUpper)
		if err := putI128(buf, p.LiquidityDelta); err != nil {
			return fmt.Errorf("liquidity_delta: %w", err)
		}
	default:
		return fmt.Errorf("unsupported payload %T", payload)
	}
	return nil
}

func encodeSwapState(buf *bytes.Buffer, sqrtPrice, liquidity *big.Int, tick int32) error {
	if err := putU256(buf, sqrtPrice); err != nil {
		return fmt.Errorf("sqrt_price_x96: %w", err)
	}
	if err := putU128(buf, liquidity); err != nil {
		return fmt.Errorf("liquidity: %w", err)
	}
	putI32(buf, tick)
	return nil
}

func decodePayload(r *reader) (model.Payload, error) {
	tag, err := r.u32()
	if err != nil {
		return nil, err
	}
	switch tag {
	case payloadV2ReserveDelta:
		var p model.V2ReserveDelta
		if p.Reserve0, err = r.i256(); err != nil {
			return nil, err
		}
		if p.Reserve1, err = r.i256(); err != nil {
			return nil, err
		}
		return p, nil
	case payloadV3SwapState:
		var p model.V3SwapState
		p.SqrtPriceX96, p.Liquidity, p.Tick, err = decodeSwapState(r)
		return p, err
	case payloadV3LiquidityChange:
		var p model.V3LiquidityChange
		if p.TickLower, err = r.i32(); err != nil {
			return nil, err
		}
		if p.TickUpper, err = r.i32(); err != nil {
			return nil, err
		}
		if p.Liquidity, err = r.i128(); err != nil {
			return nil, err
		}
		return p, nil
	case payloadV4SwapState:
		var p model.V4SwapState
		p.SqrtPriceX96, p.Liquidity, p.Tick, err = decodeSwapState(r)
		return p, err
	case payloadV4LiquidityChange:
		var p model.V4LiquidityChange
		if p.TickLower, err = r.i32(); err != nil {
			return nil, err
		}
		if p.TickUpper, err = r.i32(); err != nil {
			return nil, err
		}
		if p.LiquidityDelta, err = r.i128(); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown payload tag %d", tag)
	}
}

func decodeSwapState(r *reader) (*big.Int, *big.Int, int32, error) {
	sqrtPrice, err := r.u256()
	if err != nil {
		return nil, nil, 0, err
	}
	liquidity, err := r.u128()
	if err != nil {
		return nil, nil, 0, err
	}
	tick, err := r.i32()
	if err != nil {
		return nil, nil, 0, err
	}
	return sqrtPrice, liquidity, tick, nil
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putI32(buf *bytes.Buffer, v int32) {
	putU32(buf, uint32(v))
}

func putBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

// putU256 writes an unsigned integer as 32 little-endian bytes.
func putU256(buf *bytes.Buffer, v *big.Int) error {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("negative value %s for unsigned field", v)
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return fmt.Errorf("value %s exceeds 256 bits", v)
	}
	le := u.Bytes32()
	reverse(le[:])
	buf.Write(le[:])
	return nil
}

// putI256 writes a signed integer as 32 little-endian two's-complement
// bytes.
func putI256(buf *bytes.Buffer, v *big.Int) error {
	if v == nil {
		v = new(big.Int)
	}
	if v.Cmp(minI256) < 0 || v.Cmp(maxI256) > 0 {
		return fmt.Errorf("value %s out of i256 range", v)
	}
	u, _ := uint256.FromBig(new(big.Int).And(v, maskU256))
	le := u.Bytes32()
	reverse(le[:])
	buf.Write(le[:])
	return nil
}

// putU128 writes an unsigned integer as 16 little-endian bytes.
func putU128(buf *bytes.Buffer, v *big.Int) error {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 || v.Cmp(maxU128) > 0 {
		return fmt.Errorf("value %s out of u128 range", v)
	}
	u, _ := uint256.FromBig(v)
	le := u.Bytes32()
	reverse(le[:])
	buf.Write(le[:16])
	return nil
}

// putI128 writes a signed integer as 16 little-endian two's-complement
// bytes.
func putI128(buf *bytes.Buffer, v *big.Int) error {
	if v == nil {
		v = new(big.Int)
	}
	if v.Cmp(minI128) < 0 || v.Cmp(maxI128) > 0 {
		return fmt.Errorf("value %s out of i128 range", v)
	}
	u, _ := uint256.FromBig(new(big.Int).And(v, maskU256))
	le := u.Bytes32()
	reverse(le[:])
	buf.Write(le[:16])
	return nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("truncated frame: need %d bytes at offset %d of %d", n, r.off, len(r.data))
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

func (r *reader) boolean() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid bool byte %d", b[0])
	}
}

func (r *reader) u256() (*big.Int, error) {
	b, err := r.take(32)
	if err != nil {
		return nil, err
	}
	be := make([]byte, 32)
	copy(be, b)
	reverse(be)
	u := new(uint256.Int).SetBytes(be)
	if u.IsZero() {
		// Canonical zero, so a decoded zero equals a freshly built one.
		return new(big.Int), nil
	}
	return u.ToBig(), nil
}

func (r *reader) i256() (*big.Int, error) {
	v, err := r.u256()
	if err != nil {
		return nil, err
	}
	if v.Bit(255) == 1 {
		v.Sub(v, twoPow256)
	}
	return v, nil
}

func (r *reader) u128() (*big.Int, error) {
	b, err := r.take(16)
	if err != nil {
		return nil, err
	}
	be := make([]byte, 16)
	copy(be, b)
	reverse(be)
	v := new(big.Int).SetBytes(be)
	if v.Sign() == 0 {
		return new(big.Int), nil
	}
	return v, nil
}

func (r *reader) i128() (*big.Int, error) {
	v, err := r.u128()
	if err != nil {
		return nil, err
	}
	if v.Bit(127) == 1 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return v, nil
}

func (r *reader) done() error {
	if r.off != len(r.data) {
		return fmt.Errorf("trailing %d bytes in frame", len(r.data)-r.off)
	}
	return nil
}
