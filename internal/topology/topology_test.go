package topology

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shardmesh/redisproxy/internal/backend"
	"github.com/shardmesh/redisproxy/internal/cmdctx"
	"github.com/shardmesh/redisproxy/internal/model"
	"github.com/shardmesh/redisproxy/internal/rerror"
	"github.com/shardmesh/redisproxy/internal/slot"
)

func newSenderFactory(t *testing.T) func(addr string) *backend.Sender {
	t.Helper()
	made := make(map[string]*backend.Sender)
	return func(addr string) *backend.Sender {
		if s, ok := made[addr]; ok {
			return s
		}
		s := backend.New(addr, zap.NewNop(), nil)
		made[addr] = s
		t.Cleanup(s.Close)
		return s
	}
}

func newCmd(db *cmdctx.DBNameSlot, args ...string) *cmdctx.CmdCtx {
	return cmdctx.New(db, &cmdctx.Command{Args: args})
}

func TestBasicGetRouting(t *testing.T) {
	mm := NewMetaMap(newSenderFactory(t), nil, zap.NewNop())
	err := mm.Update(model.DBMeta{
		Epoch: 1,
		Local: map[string]map[string][]model.SlotRange{
			"c": {"B1:6379": {{Start: 0, End: slot.NumSlots}}},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	db := cmdctx.NewDBNameSlot("c")
	cmd := newCmd(db, "GET", "k")
	if err := Route(mm.Lease(), cmd); err != nil {
		t.Fatalf("route: %v", err)
	}
}

func TestEpochRejection(t *testing.T) {
	mm := NewMetaMap(newSenderFactory(t), nil, zap.NewNop())
	if err := mm.Update(model.DBMeta{Epoch: 5}); err != nil {
		t.Fatalf("initial update: %v", err)
	}
	err := mm.Update(model.DBMeta{Epoch: 4})
	if err != rerror.ErrOldEpoch {
		t.Fatalf("want ErrOldEpoch, got %v", err)
	}
	if mm.Epoch() != 5 {
		t.Fatalf("epoch must stay at 5, got %d", mm.Epoch())
	}
}

func TestForceOverridesEpoch(t *testing.T) {
	mm := NewMetaMap(newSenderFactory(t), nil, zap.NewNop())
	if err := mm.Update(model.DBMeta{Epoch: 5}); err != nil {
		t.Fatalf("initial update: %v", err)
	}
	err := mm.Update(model.DBMeta{Epoch: 3, Flags: model.Flags{Force: true}})
	if err != nil {
		t.Fatalf("forced update should succeed, got %v", err)
	}
	if mm.Epoch() != 3 {
		t.Fatalf("want epoch 3 after force, got %d", mm.Epoch())
	}
}

func TestMigrationPreCommitRoutesToSource(t *testing.T) {
	mm := NewMetaMap(newSenderFactory(t), nil, zap.NewNop())
	err := mm.Update(model.DBMeta{
		Epoch: 1,
		Local: map[string]map[string][]model.SlotRange{
			"c": {
				"B1:6379": {{Start: 0, End: 8192, Tag: model.SlotTag{
					Kind: model.TagMigrating,
					Meta: model.MigrationMeta{Src: "B1:6379", Dst: "B2:6379", Epoch: 1},
				}}},
			},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	db := cmdctx.NewDBNameSlot("c")
	s := slot.Of("k") // must land in [0,8192) for this test to exercise migration
	if s >= 8192 {
		t.Skip("key k did not land in the migrating range in this run")
	}
	snap := mm.Lease()
	task, ok := snap.Migration.Lookup("c", s)
	if !ok {
		t.Fatal("expected a migration task to own this slot")
	}
	sender, err := task.Route(newCmd(db, "GET", "k"))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if sender.Address() != "B1:6379" {
		t.Fatalf("pre-commit should route to source, got %s", sender.Address())
	}

	if err := task.applySwitch(SubCommit); err != nil {
		t.Fatalf("commit: %v", err)
	}
	sender, err = task.Route(newCmd(db, "GET", "k"))
	if err != nil {
		t.Fatalf("route after commit: %v", err)
	}
	if sender.Address() != "B2:6379" {
		t.Fatalf("post-commit should route to destination, got %s", sender.Address())
	}
}

func TestCommitIsMonotonicAndIdempotent(t *testing.T) {
	src := backend.New("B1:1", zap.NewNop(), nil)
	dst := backend.New("B2:1", zap.NewNop(), nil)
	defer src.Close()
	defer dst.Close()

	task := newTask("c", slot.Range{Start: 0, End: 100}, model.MigrationMeta{}, false, src, dst, zap.NewNop())
	if err := task.applySwitch(SubCommit); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := task.applySwitch(SubCommit); err != nil {
		t.Fatalf("repeated commit should be a no-op success: %v", err)
	}
	if task.source != SourceCommitted {
		t.Fatalf("want Committed, got %v", task.source)
	}
}

func TestFinishedTasksReported(t *testing.T) {
	mm := NewMigrationMap()
	src := backend.New("B1:1", zap.NewNop(), nil)
	dst := backend.New("B2:1", zap.NewNop(), nil)
	defer src.Close()
	defer dst.Close()

	t1 := newTask("c", slot.Range{Start: 0, End: 10}, model.MigrationMeta{}, false, src, dst, zap.NewNop())
	mm.put(t1)
	if len(mm.GetFinishedTasks()) != 0 {
		t.Fatal("task should not be reported before commit")
	}
	t1.applySwitch(SubCommit)
	finished := mm.GetFinishedTasks()
	if len(finished) != 1 || finished[0] != t1 {
		t.Fatalf("want task reported finished, got %v", finished)
	}
}

func TestSlotBlobRoundTrip(t *testing.T) {
	topo := map[string]map[string][]model.SlotRange{
		"c": {
			"B1:6379": {
				{Start: 0, End: 100, Tag: model.SlotTag{Kind: model.TagNone}},
				{Start: 100, End: 200, Tag: model.SlotTag{Kind: model.TagMigrating, Meta: model.MigrationMeta{Src: "B1:6379", Dst: "B2:6379", Epoch: 7}}},
			},
		},
	}
	blob := EncodeSlotBlob(topo)
	parsed, err := ParseSlotBlob(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := parsed["c"]["B1:6379"]
	if len(got) != 2 || got[1].Tag.Kind != model.TagMigrating || got[1].Tag.Meta.Epoch != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestTMPSWITCHRoundTrip(t *testing.T) {
	arg := TaskMetaArg{
		Cluster: "c", Start: 0, End: 100,
		Tag: model.SlotTag{Kind: model.TagMigrating, Meta: model.MigrationMeta{Src: "a", Dst: "b", Epoch: 3}},
		Sub: SubCommit,
	}
	args := EncodeTMPSWITCH(9, arg)
	version, parsed, err := ParseTMPSWITCH(args[2:])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if version != 9 || parsed.Sub != SubCommit || parsed.Tag.Meta.Epoch != 3 {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
}

func TestNotReadySwitchBeforeEpoch(t *testing.T) {
	mm := NewMetaMap(newSenderFactory(t), nil, zap.NewNop())
	err := mm.ApplyTMPSWITCH(TaskMetaArg{
		Cluster: "c", Start: 0, End: 100,
		Tag: model.SlotTag{Kind: model.TagMigrating, Meta: model.MigrationMeta{Epoch: 99}},
		Sub: SubCommit,
	})
	if err != rerror.ErrNotReady {
		t.Fatalf("want ErrNotReady, got %v", err)
	}
}

func TestDropDuringMigrationCancelsDriver(t *testing.T) {
	mm := NewMetaMap(newSenderFactory(t), nil, zap.NewNop())
	meta := model.DBMeta{
		Epoch: 1,
		Local: map[string]map[string][]model.SlotRange{
			"c": {"B1:1": {{Start: 0, End: 100, Tag: model.SlotTag{
				Kind: model.TagMigrating,
				Meta: model.MigrationMeta{Src: "B1:1", Dst: "B2:1", Epoch: 1},
			}}}},
		},
	}
	if err := mm.Update(meta); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap := mm.Lease()
	if _, ok := snap.Migration.Lookup("c", 50); !ok {
		t.Fatal("expected task to exist")
	}

	// A higher-epoch update that omits the range drops the task.
	if err := mm.Update(model.DBMeta{Epoch: 2, Local: map[string]map[string][]model.SlotRange{
		"c": {"B2:1": {{Start: 0, End: 100}}},
	}}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	snap = mm.Lease()
	if _, ok := snap.Migration.Lookup("c", 50); ok {
		t.Fatal("task should have been dropped")
	}
	time.Sleep(10 * time.Millisecond) // let the canceled driver goroutine exit
}

// TestUpdateReusesUnchangedSenders pins spec §5's cancellation guarantee: a
// SETDB that reasserts an address's ownership must not tear down that
// address's connection, since repeated same-shape SETDB pushes are the
// coordinator's normal steady-state sync behavior, not a topology change.
func TestUpdateReusesUnchangedSenders(t *testing.T) {
	mm := NewMetaMap(newSenderFactory(t), nil, zap.NewNop())
	meta := func(epoch uint64) model.DBMeta {
		return model.DBMeta{
			Epoch: epoch,
			Local: map[string]map[string][]model.SlotRange{
				"c": {"B1:6379": {{Start: 0, End: slot.NumSlots}}},
			},
		}
	}
	if err := mm.Update(meta(1)); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	db, ok := mm.Lease().DB.Cluster("c")
	if !ok {
		t.Fatal("expected cluster c")
	}
	before := db.senders["B1:6379"]

	if err := mm.Update(meta(2)); err != nil {
		t.Fatalf("update 2: %v", err)
	}
	db, ok = mm.Lease().DB.Cluster("c")
	if !ok {
		t.Fatal("expected cluster c after second update")
	}
	after := db.senders["B1:6379"]

	if before != after {
		t.Fatal("sender for an address unchanged across the update should be reused, not recreated")
	}
}

// TestUpdateClosesStaleSendersOnly checks the complementary half: an address
// dropped from the new topology does get closed, while a surviving address
// does not.
func TestUpdateClosesStaleSendersOnly(t *testing.T) {
	mm := NewMetaMap(newSenderFactory(t), nil, zap.NewNop())
	if err := mm.Update(model.DBMeta{
		Epoch: 1,
		Local: map[string]map[string][]model.SlotRange{
			"c": {
				"B1:6379": {{Start: 0, End: 100}},
				"B2:6379": {{Start: 100, End: slot.NumSlots}},
			},
		},
	}); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	db, _ := mm.Lease().DB.Cluster("c")
	survivor := db.senders["B1:6379"]
	dropped := db.senders["B2:6379"]

	// B2:6379 loses all ownership in epoch 2.
	if err := mm.Update(model.DBMeta{
		Epoch: 2,
		Local: map[string]map[string][]model.SlotRange{
			"c": {"B1:6379": {{Start: 0, End: slot.NumSlots}}},
		},
	}); err != nil {
		t.Fatalf("update 2: %v", err)
	}
	db, _ = mm.Lease().DB.Cluster("c")
	if db.senders["B1:6379"] != survivor {
		t.Fatal("surviving address's sender should be reused")
	}
	if _, ok := db.senders["B2:6379"]; ok {
		t.Fatal("dropped address should not appear in the new topology")
	}
	time.Sleep(10 * time.Millisecond)
	if dropped.Connected() {
		t.Fatal("sender for a dropped address should be closed")
	}
}
