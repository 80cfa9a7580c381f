package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Sgas17/reth-exex-liquidity/internal/model"
	"github.com/Sgas17/reth-exex-liquidity/internal/tracker"
)

// Subject returns the whitelist subject for a chain tag.
func Subject(chain string) string {
	return fmt.Sprintf("whitelist.pools.%s.minimal", chain)
}

// Feed subscribes to whitelist updates and enqueues tracker mutations. It
// never touches the tracker's live state; the block-processing task applies
// queued mutations at block boundaries.
type Feed struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	tracker *tracker.Tracker
	logger  *zap.Logger
}

// Connect dials the NATS server. Reconnects are handled by the client with
// backoff; already-applied whitelist state is retained across gaps and the
// publisher is expected to re-send a full snapshot if the consumer lost
// state.
func Connect(url string, trk *tracker.Tracker, logger *zap.Logger) (*Feed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(url,
		nats.Name("reth-exex-liquidity"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	return &Feed{conn: conn, tracker: trk, logger: logger}, nil
}

// Subscribe starts consuming whitelist messages for the given chain tag.
func (f *Feed) Subscribe(chain string) error {
	subject := Subject(chain)
	sub, err := f.conn.Subscribe(subject, f.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	f.sub = sub
	f.logger.Info("whitelist feed subscribed", zap.String("subject", subject))
	return nil
}

// Close drops the subscription and the connection.
func (f *Feed) Close() {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *Feed) handle(msg *nats.Msg) {
	mutation, meta, err := ParseMessage(msg.Data)
	if err != nil {
		f.logger.Warn("whitelist message rejected", zap.Error(err))
		return
	}

	f.tracker.Queue(mutation)
	f.logger.Info("whitelist mutation queued",
		zap.String("type", meta.Type),
		zap.Int("pools", len(mutation.Descriptors)+len(mutation.IDs)),
		zap.String("chain", meta.Chain),
		zap.String("timestamp", meta.Timestamp),
		zap.Int64("snapshot_id", meta.SnapshotID),
	)
}

// Meta is the non-pool envelope content, kept for log traceability.
type Meta struct {
	Type       string
	Chain      string
	Timestamp  string
	SnapshotID int64
}

type envelope struct {
	Type       string            `json:"type"`
	Pools      []json.RawMessage `json:"pools"`
	Protocols  []string          `json:"protocols"`
	Chain      string            `json:"chain"`
	Timestamp  string            `json:"timestamp"`
	SnapshotID int64             `json:"snapshot_id"`
}

// poolEntry is the object form of a whitelist pool.
type poolEntry struct {
	Address     string `json:"address"`
	Token0      string `json:"token0"`
	Token1      string `json:"token1"`
	Protocol    string `json:"protocol"`
	Factory     string `json:"factory"`
	Fee         uint32 `json:"fee"`
	TickSpacing int32  `json:"tick_spacing"`
}

// ParseMessage converts a whitelist envelope into a tracker mutation. A
// missing type means "full" (older publishers never set it). Pool entries
// may be descriptor objects or bare hex strings with a parallel protocols
// array.
func ParseMessage(payload []byte) (tracker.Mutation, Meta, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return tracker.Mutation{}, Meta{}, fmt.Errorf("parse envelope: %w", err)
	}

	msgType := strings.ToLower(strings.TrimSpace(env.Type))
	if msgType == "" {
		msgType = "full"
	}
	meta := Meta{Type: msgType, Chain: env.Chain, Timestamp: env.Timestamp, SnapshotID: env.SnapshotID}

	switch msgType {
	case "full", "add":
		descriptors, err := parseDescriptors(env)
		if err != nil {
			return tracker.Mutation{}, meta, err
		}
		op := tracker.OpAdd
		if msgType == "full" {
			op = tracker.OpReplace
		}
		return tracker.Mutation{Op: op, Descriptors: descriptors}, meta, nil
	case "remove":
		ids, err := parseIdentifiers(env.Pools)
		if err != nil {
			return tracker.Mutation{}, meta, err
		}
		return tracker.Mutation{Op: tracker.OpRemove, IDs: ids}, meta, nil
	default:
		return tracker.Mutation{}, meta, fmt.Errorf("unknown message type: %q", env.Type)
	}
}

func parseDescriptors(env envelope) ([]model.PoolDescriptor, error) {
	descriptors := make([]model.PoolDescriptor, 0, len(env.Pools))
	for i, raw := range env.Pools {
		desc, err := parseDescriptor(raw, protocolHint(env.Protocols, i))
		if err != nil {
			return nil, fmt.Errorf("pool %d: %w", i, err)
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}

func protocolHint(protocols []string, i int) string {
	if i < len(protocols) {
		return protocols[i]
	}
	return ""
}

func parseDescriptor(raw json.RawMessage, hint string) (model.PoolDescriptor, error) {
	// Bare string form: identifier only, protocol from the parallel array.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return descriptorFromString(s, hint)
	}

	var entry poolEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return model.PoolDescriptor{}, fmt.Errorf("parse pool entry: %w", err)
	}
	if entry.Protocol == "" {
		entry.Protocol = hint
	}

	protocol, err := model.ParseProtocol(entry.Protocol)
	if err != nil {
		return model.PoolDescriptor{}, err
	}
	id, err := model.ParsePoolID(entry.Address)
	if err != nil {
		return model.PoolDescriptor{}, err
	}
	if err := checkIDProtocol(id, protocol); err != nil {
		return model.PoolDescriptor{}, err
	}

	desc := model.PoolDescriptor{
		ID:          id,
		Protocol:    protocol,
		Fee:         entry.Fee,
		TickSpacing: entry.TickSpacing,
	}
	if desc.Token0, err = parseAddress(entry.Token0); err != nil {
		return model.PoolDescriptor{}, fmt.Errorf("token0: %w", err)
	}
	if desc.Token1, err = parseAddress(entry.Token1); err != nil {
		return model.PoolDescriptor{}, fmt.Errorf("token1: %w", err)
	}
	if desc.Factory, err = parseAddress(entry.Factory); err != nil {
		return model.PoolDescriptor{}, fmt.Errorf("factory: %w", err)
	}
	return desc, nil
}

func descriptorFromString(s, hint string) (model.PoolDescriptor, error) {
	id, err := model.ParsePoolID(s)
	if err != nil {
		return model.PoolDescriptor{}, err
	}

	var protocol model.Protocol
	if hint != "" {
		protocol, err = model.ParseProtocol(hint)
		if err != nil {
			return model.PoolDescriptor{}, err
		}
	} else if id.Kind() == model.PoolIDHash {
		protocol = model.ProtocolV4
	} else {
		// A bare 20-byte entry without a protocol tag is ambiguous between
		// V2 and V3. Both are filtered by emitter address, so default V3.
		protocol = model.ProtocolV3
	}
	if err := checkIDProtocol(id, protocol); err != nil {
		return model.PoolDescriptor{}, err
	}
	return model.PoolDescriptor{ID: id, Protocol: protocol}, nil
}

func parseIdentifiers(pools []json.RawMessage) ([]model.PoolID, error) {
	ids := make([]model.PoolID, 0, len(pools))
	for i, raw := range pools {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			// Tolerate object form on remove; only the identifier matters.
			var entry poolEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return nil, fmt.Errorf("pool %d: parse identifier: %w", i, err)
			}
			s = entry.Address
		}
		id, err := model.ParsePoolID(s)
		if err != nil {
			return nil, fmt.Errorf("pool %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// checkIDProtocol enforces that the protocol tag is authoritative: a V4
// pool must carry a 32-byte id, V2/V3 a 20-byte address.
func checkIDProtocol(id model.PoolID, protocol model.Protocol) error {
	if protocol == model.ProtocolV4 && id.Kind() != model.PoolIDHash {
		return fmt.Errorf("v4 pool requires a 32-byte pool id, got %s", id)
	}
	if protocol != model.ProtocolV4 && id.Kind() != model.PoolIDAddress {
		return fmt.Errorf("%s pool requires a 20-byte address, got %s", protocol, id)
	}
	return nil
}

// parseAddress parses an optional 20-byte address field; empty means unset.
func parseAddress(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address: %q", s)
	}
	return common.HexToAddress(s), nil
}
