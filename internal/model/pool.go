package model

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Protocol identifies the AMM protocol a pool belongs to.
type Protocol uint8

const (
	ProtocolV2 Protocol = iota
	ProtocolV3
	ProtocolV4
)

// String returns the short protocol tag used on the whitelist wire.
func (p Protocol) String() string {
	switch p {
	case ProtocolV2:
		return "v2"
	case ProtocolV3:
		return "v3"
	case ProtocolV4:
		return "v4"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// MarshalJSON encodes the protocol as its short string tag.
func (p Protocol) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// ParseProtocol parses a protocol tag from a whitelist message. Both the
// short form ("v3") and legacy long forms ("UniswapV3", "sushiswap_v3")
// are accepted, case-insensitive.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v2", "uniswapv2", "uniswap_v2", "sushiswap_v2":
		return ProtocolV2, nil
	case "v3", "uniswapv3", "uniswap_v3", "sushiswap_v3":
		return ProtocolV3, nil
	case "v4", "uniswapv4", "uniswap_v4":
		return ProtocolV4, nil
	default:
		return 0, fmt.Errorf("unknown protocol: %q", s)
	}
}

// PoolIDKind discriminates the two pool identifier variants.
type PoolIDKind uint8

const (
	// PoolIDAddress is a 20-byte contract address (V2/V3 pools).
	PoolIDAddress PoolIDKind = iota
	// PoolIDHash is a 32-byte V4 pool id.
	PoolIDHash
)

// PoolID identifies a pool: a contract address for V2/V3, an opaque
// 32-byte id for V4. PoolID is comparable and safe to use as a map key.
type PoolID struct {
	kind PoolIDKind
	raw  [32]byte
}

// AddressID builds a V2/V3 pool identifier from a contract address.
func AddressID(addr common.Address) PoolID {
	var id PoolID
	id.kind = PoolIDAddress
	copy(id.raw[:20], addr.Bytes())
	return id
}

// V4PoolID builds a V4 pool identifier from a 32-byte id.
func V4PoolID(h common.Hash) PoolID {
	return PoolID{kind: PoolIDHash, raw: h}
}

// ParsePoolID parses a pool identifier from its hex string form. A 20-byte
// value is an address; a 32-byte value is a V4 pool id. The protocol tag is
// authoritative on ambiguity; this function only inspects length.
func ParsePoolID(s string) (PoolID, error) {
	data, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return PoolID{}, fmt.Errorf("invalid pool id %q: %w", s, err)
	}
	switch len(data) {
	case common.AddressLength:
		return AddressID(common.BytesToAddress(data)), nil
	case common.HashLength:
		return V4PoolID(common.BytesToHash(data)), nil
	default:
		return PoolID{}, fmt.Errorf("pool id %q: unexpected length %d", s, len(data))
	}
}

// Kind returns the identifier variant.
func (id PoolID) Kind() PoolIDKind { return id.kind }

// Address returns the contract address and true for V2/V3 identifiers.
func (id PoolID) Address() (common.Address, bool) {
	if id.kind != PoolIDAddress {
		return common.Address{}, false
	}
	return common.BytesToAddress(id.raw[:20]), true
}

// Hash returns the 32-byte pool id and true for V4 identifiers.
func (id PoolID) Hash() (common.Hash, bool) {
	if id.kind != PoolIDHash {
		return common.Hash{}, false
	}
	return common.Hash(id.raw), true
}

// Bytes returns the identifier's raw bytes: 20 for addresses, 32 for V4 ids.
func (id PoolID) Bytes() []byte {
	if id.kind == PoolIDAddress {
		return id.raw[:20]
	}
	return id.raw[:]
}

func (id PoolID) String() string {
	return hexutil.Encode(id.Bytes())
}

// MarshalJSON encodes the identifier as its hex string form.
func (id PoolID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// PoolDescriptor carries everything the whitelist knows about a pool. Only
// ID and Protocol are load-bearing for filtering; token, fee and factory
// fields are stored when the publisher supplies them but are not copied
// into outgoing updates.
type PoolDescriptor struct {
	ID          PoolID         `json:"id"`
	Protocol    Protocol       `json:"protocol"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	Factory     common.Address `json:"factory"`
	Fee         uint32         `json:"fee"`
	TickSpacing int32          `json:"tick_spacing"`
}
