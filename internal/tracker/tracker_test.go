package tracker

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Sgas17/reth-exex-liquidity/internal/model"
)

var singleton = common.HexToAddress("0x000000000004444c5dc75cb358380d2e3de08a90")

func v3Pool(hexAddr string) model.PoolDescriptor {
	return model.PoolDescriptor{
		ID:       model.AddressID(common.HexToAddress(hexAddr)),
		Protocol: model.ProtocolV3,
	}
}

func v4Pool(hexID string) model.PoolDescriptor {
	return model.PoolDescriptor{
		ID:       model.V4PoolID(common.HexToHash(hexID)),
		Protocol: model.ProtocolV4,
	}
}

func mustBoundary(t *testing.T, trk *Tracker) {
	t.Helper()
	if err := trk.BeginBlock(); err != nil {
		t.Fatalf("begin block: %v", err)
	}
	if err := trk.EndBlock(); err != nil {
		t.Fatalf("end block: %v", err)
	}
}

func TestMutationsApplyOnlyAtBlockBoundary(t *testing.T) {
	trk := New(singleton, nil)
	pool := v3Pool("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	addr, _ := pool.ID.Address()

	if err := trk.BeginBlock(); err != nil {
		t.Fatalf("begin block: %v", err)
	}

	// Enqueued mid-block: must not be visible inside this block.
	trk.Queue(Mutation{Op: OpAdd, Descriptors: []model.PoolDescriptor{pool}})
	if trk.IsTrackedAddress(addr) {
		t.Fatalf("mutation visible mid-block")
	}

	if err := trk.EndBlock(); err != nil {
		t.Fatalf("end block: %v", err)
	}
	if !trk.IsTrackedAddress(addr) {
		t.Fatalf("mutation not applied at block boundary")
	}
	if _, ok := trk.DescriptorOf(pool.ID); !ok {
		t.Fatalf("descriptor missing after apply")
	}
}

func TestBeginBlockTwiceIsInvariantViolation(t *testing.T) {
	trk := New(singleton, nil)
	if err := trk.BeginBlock(); err != nil {
		t.Fatalf("begin block: %v", err)
	}
	if err := trk.BeginBlock(); err == nil {
		t.Fatalf("expected error on nested BeginBlock")
	}
	if err := trk.EndBlock(); err != nil {
		t.Fatalf("end block: %v", err)
	}
	if err := trk.EndBlock(); err == nil {
		t.Fatalf("expected error on EndBlock without BeginBlock")
	}
}

func TestAddIsIdempotentAndRemoveAbsentIsNoop(t *testing.T) {
	trk := New(singleton, nil)
	pool := v3Pool("0x8ad599c3A0ff1De082011EFDDc58f1908eb6e6D8")

	trk.Queue(Mutation{Op: OpAdd, Descriptors: []model.PoolDescriptor{pool, pool}})
	trk.Queue(Mutation{Op: OpAdd, Descriptors: []model.PoolDescriptor{pool}})
	mustBoundary(t, trk)

	if got := trk.Stats().Total(); got != 1 {
		t.Fatalf("duplicate add created %d pools", got)
	}

	absent := model.AddressID(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	trk.Queue(Mutation{Op: OpRemove, IDs: []model.PoolID{absent}})
	mustBoundary(t, trk)

	if got := trk.Stats().Total(); got != 1 {
		t.Fatalf("remove of absent id changed state: %d pools", got)
	}
}

func TestReplaceClearsThenAdds(t *testing.T) {
	trk := New(singleton, nil)
	first := v3Pool("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	second := v3Pool("0x8ad599c3A0ff1De082011EFDDc58f1908eb6e6D8")

	trk.Queue(Mutation{Op: OpAdd, Descriptors: []model.PoolDescriptor{first}})
	mustBoundary(t, trk)

	trk.Queue(Mutation{Op: OpReplace, Descriptors: []model.PoolDescriptor{second}})
	mustBoundary(t, trk)

	firstAddr, _ := first.ID.Address()
	secondAddr, _ := second.ID.Address()
	if trk.IsTrackedAddress(firstAddr) {
		t.Fatalf("replace retained old pool")
	}
	if !trk.IsTrackedAddress(secondAddr) {
		t.Fatalf("replace dropped new pool")
	}
}

func TestSingletonLifecycle(t *testing.T) {
	trk := New(singleton, nil)
	poolA := v4Pool("0xdce6394339af00981949f5f3baf27e3610c76326a700af57e4b3e3ae4977f78d")
	poolB := v4Pool("0x1234567890123456789012345678901234567890123456789012345678901234")

	if trk.IsTrackedAddress(singleton) {
		t.Fatalf("singleton tracked before any v4 pool")
	}

	trk.Queue(Mutation{Op: OpAdd, Descriptors: []model.PoolDescriptor{poolA, poolB}})
	mustBoundary(t, trk)

	if !trk.IsTrackedAddress(singleton) {
		t.Fatalf("singleton not tracked after v4 add")
	}
	hashA, _ := poolA.ID.Hash()
	if !trk.IsTrackedPoolID(hashA) {
		t.Fatalf("v4 pool id not tracked")
	}

	// Removing one of two pools keeps the singleton admitted.
	trk.Queue(Mutation{Op: OpRemove, IDs: []model.PoolID{poolA.ID}})
	mustBoundary(t, trk)
	if trk.IsTrackedPoolID(hashA) {
		t.Fatalf("removed v4 pool id still tracked")
	}
	if !trk.IsTrackedAddress(singleton) {
		t.Fatalf("singleton dropped while a v4 pool remains")
	}

	// Removing the last pool finally releases the singleton.
	trk.Queue(Mutation{Op: OpRemove, IDs: []model.PoolID{poolB.ID}})
	mustBoundary(t, trk)
	if trk.IsTrackedAddress(singleton) {
		t.Fatalf("singleton tracked with no v4 pools")
	}

	// Re-adding a V4 pool after the last one was removed re-admits the
	// singleton.
	trk.Queue(Mutation{Op: OpAdd, Descriptors: []model.PoolDescriptor{poolA}})
	mustBoundary(t, trk)
	if !trk.IsTrackedAddress(singleton) {
		t.Fatalf("singleton not re-admitted")
	}
}

func TestMutationsDrainInFIFOOrder(t *testing.T) {
	trk := New(singleton, nil)
	pool := v3Pool("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	addr, _ := pool.ID.Address()

	trk.Queue(Mutation{Op: OpAdd, Descriptors: []model.PoolDescriptor{pool}})
	trk.Queue(Mutation{Op: OpRemove, IDs: []model.PoolID{pool.ID}})
	mustBoundary(t, trk)

	if trk.IsTrackedAddress(addr) {
		t.Fatalf("remove queued after add should win")
	}

	trk.Queue(Mutation{Op: OpRemove, IDs: []model.PoolID{pool.ID}})
	trk.Queue(Mutation{Op: OpAdd, Descriptors: []model.PoolDescriptor{pool}})
	mustBoundary(t, trk)

	if !trk.IsTrackedAddress(addr) {
		t.Fatalf("add queued after remove should win")
	}
}

func TestApplyPendingOutsideBlock(t *testing.T) {
	trk := New(singleton, nil)
	pool := v3Pool("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")

	trk.Queue(Mutation{Op: OpAdd, Descriptors: []model.PoolDescriptor{pool}})
	if err := trk.ApplyPending(); err != nil {
		t.Fatalf("apply pending: %v", err)
	}
	if got := trk.Stats().V3; got != 1 {
		t.Fatalf("stats mismatch: %d", got)
	}

	if err := trk.BeginBlock(); err != nil {
		t.Fatalf("begin block: %v", err)
	}
	if err := trk.ApplyPending(); err == nil {
		t.Fatalf("expected error applying mid-block")
	}
	if err := trk.EndBlock(); err != nil {
		t.Fatalf("end block: %v", err)
	}
}
