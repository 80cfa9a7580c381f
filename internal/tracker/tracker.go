package tracker

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/Sgas17/reth-exex-liquidity/internal/model"
)

// MutationOp names a pending whitelist change.
type MutationOp uint8

const (
	// OpAdd inserts descriptors; duplicates are ignored.
	OpAdd MutationOp = iota
	// OpRemove deletes identifiers; absent identifiers are no-ops.
	OpRemove
	// OpReplace atomically clears the whitelist and adds all descriptors.
	OpReplace
)

// Mutation is one queued whitelist change. Descriptors is used by OpAdd and
// OpReplace; IDs by OpRemove.
type Mutation struct {
	Op          MutationOp
	Descriptors []model.PoolDescriptor
	IDs         []model.PoolID
}

// Stats reports per-protocol pool counts.
type Stats struct {
	V2 int
	V3 int
	V4 int
}

// Total returns the number of tracked pools.
func (s Stats) Total() int { return s.V2 + s.V3 + s.V4 }

// Tracker maintains the set of observed pools. Mutations arrive at
// arbitrary wall-clock times but are applied only at block boundaries:
// callers queue them at any time, and the block-processing task drains the
// queue in EndBlock. Live state is guarded by an RW lock; the read side is
// held during event scanning and the write side only across the
// begin/end-block transitions.
type Tracker struct {
	singleton common.Address
	logger    *zap.Logger

	mu          sync.RWMutex
	inBlock     bool
	addresses   map[common.Address]struct{}
	poolIDs     map[common.Hash]struct{}
	descriptors map[model.PoolID]model.PoolDescriptor
	v4Count     int

	pendingMu sync.Mutex
	pending   []Mutation
}

// New builds an empty tracker. singleton is the V4 PoolManager address,
// admitted into the tracked-address set while any V4 pool is tracked.
func New(singleton common.Address, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		singleton:   singleton,
		logger:      logger,
		addresses:   make(map[common.Address]struct{}),
		poolIDs:     make(map[common.Hash]struct{}),
		descriptors: make(map[model.PoolID]model.PoolDescriptor),
	}
}

// BeginBlock marks the start of a block frame. Until EndBlock, live state
// is read-only. Calling BeginBlock while already in a block is an invariant
// violation and returns an error the caller must treat as fatal.
func (t *Tracker) BeginBlock() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inBlock {
		return fmt.Errorf("tracker: BeginBlock while already in block")
	}
	t.inBlock = true
	return nil
}

// EndBlock drains the pending mutation queue into live state in FIFO order
// and closes the block frame.
func (t *Tracker) EndBlock() error {
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = nil
	t.pendingMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inBlock {
		return fmt.Errorf("tracker: EndBlock without BeginBlock")
	}
	for _, m := range pending {
		t.apply(m)
	}
	t.inBlock = false

	if len(pending) > 0 {
		stats := t.statsLocked()
		t.logger.Info("whitelist updated",
			zap.Int("mutations", len(pending)),
			zap.Int("v2", stats.V2),
			zap.Int("v3", stats.V3),
			zap.Int("v4", stats.V4),
		)
	}
	return nil
}

// ApplyPending drains the queue outside a block frame, for callers that
// seed the whitelist before any block is processed (replay, tests). It is
// an error to call it mid-block.
func (t *Tracker) ApplyPending() error {
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = nil
	t.pendingMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inBlock {
		return fmt.Errorf("tracker: ApplyPending while in block")
	}
	for _, m := range pending {
		t.apply(m)
	}
	return nil
}

// Queue appends a mutation to the pending queue. Safe to call at any time,
// including while a block is being processed; the mutation becomes visible
// no earlier than the next block.
func (t *Tracker) Queue(m Mutation) {
	t.pendingMu.Lock()
	t.pending = append(t.pending, m)
	t.pendingMu.Unlock()
}

// IsTrackedAddress reports whether logs from addr may carry events of
// interest. For V4 this is the singleton, shared by every V4 pool.
func (t *Tracker) IsTrackedAddress(addr common.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.addresses[addr]
	return ok
}

// IsTrackedPoolID reports whether a V4 pool id is tracked.
func (t *Tracker) IsTrackedPoolID(id common.Hash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.poolIDs[id]
	return ok
}

// DescriptorOf returns the descriptor for a tracked pool.
func (t *Tracker) DescriptorOf(id model.PoolID) (model.PoolDescriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	desc, ok := t.descriptors[id]
	return desc, ok
}

// Stats returns per-protocol pool counts.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statsLocked()
}

func (t *Tracker) statsLocked() Stats {
	var s Stats
	for _, desc := range t.descriptors {
		switch desc.Protocol {
		case model.ProtocolV2:
			s.V2++
		case model.ProtocolV3:
			s.V3++
		case model.ProtocolV4:
			s.V4++
		}
	}
	return s
}

func (t *Tracker) apply(m Mutation) {
	switch m.Op {
	case OpAdd:
		for _, desc := range m.Descriptors {
			t.add(desc)
		}
	case OpRemove:
		for _, id := range m.IDs {
			t.remove(id)
		}
	case OpReplace:
		t.addresses = make(map[common.Address]struct{})
		t.poolIDs = make(map[common.Hash]struct{})
		t.descriptors = make(map[model.PoolID]model.PoolDescriptor)
		t.v4Count = 0
		for _, desc := range m.Descriptors {
			t.add(desc)
		}
	}
}

func (t *Tracker) add(desc model.PoolDescriptor) {
	if _, exists := t.descriptors[desc.ID]; exists {
		return
	}
	t.descriptors[desc.ID] = desc

	if hash, ok := desc.ID.Hash(); ok {
		t.poolIDs[hash] = struct{}{}
		t.v4Count++
		// The singleton enters the address set with the first V4 pool.
		t.addresses[t.singleton] = struct{}{}
		return
	}
	if addr, ok := desc.ID.Address(); ok {
		t.addresses[addr] = struct{}{}
	}
}

func (t *Tracker) remove(id model.PoolID) {
	if _, exists := t.descriptors[id]; !exists {
		return
	}
	delete(t.descriptors, id)

	if hash, ok := id.Hash(); ok {
		delete(t.poolIDs, hash)
		t.v4Count--
		// Keep the singleton admitted until the last V4 pool is gone, so a
		// flapping add/remove of one pool never toggles stage-1 admission
		// while another V4 pool is still tracked.
		if t.v4Count <= 0 {
			t.v4Count = 0
			delete(t.addresses, t.singleton)
		}
		return
	}
	if addr, ok := id.Address(); ok {
		delete(t.addresses, addr)
	}
}
