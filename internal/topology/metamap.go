package topology

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/shardmesh/redisproxy/internal/backend"
	"github.com/shardmesh/redisproxy/internal/cmdctx"
	"github.com/shardmesh/redisproxy/internal/model"
	"github.com/shardmesh/redisproxy/internal/rerror"
	"github.com/shardmesh/redisproxy/internal/slot"
)

// Snapshot is the immutable triple a Lease hands to a reader: the database
// map, the migration map, and the deletion-task map move together so no
// reader ever observes one half of a topology update without the other.
type Snapshot struct {
	DB        *DatabaseMap
	Migration *MigrationMap
	Deletes   *DeleteKeysTaskMap
	Epoch     uint64
	// Peer is the coordinator's last-pushed peer topology (SETPEER),
	// informational only: it is never routed to, only reported back in
	// CLUSTER NODES / CLUSTER SLOTS replies.
	Peer map[string]map[string][]model.SlotRange
}

// MetaMap is the single atomic-swap handle to the current Snapshot.
// Readers call Lease for a wait-free, lock-free view; writers serialize
// through mu and only ever mutate by building an entirely new Snapshot and
// swapping the pointer.
type MetaMap struct {
	ptr   atomic.Pointer[Snapshot]
	epoch atomic.Uint64

	mu         sync.Mutex // serializes writers only; readers never take it
	newSender  func(addr string) *backend.Sender
	delFactory func(cluster string, r slot.Range, meta model.MigrationMeta) DeleteKeysTask
	log        *zap.Logger
}

// NewMetaMap builds an empty MetaMap at epoch 0. newSender constructs a
// backend.Sender for an address; delFactory constructs the (out of scope)
// deletion-task collaborator for a newly introduced migration range — pass
// nil for the default no-op collaborator.
func NewMetaMap(newSender func(addr string) *backend.Sender, delFactory func(string, slot.Range, model.MigrationMeta) DeleteKeysTask, log *zap.Logger) *MetaMap {
	m := &MetaMap{newSender: newSender, delFactory: delFactory, log: log}
	empty := &Snapshot{
		DB:        NewDatabaseMap(nil, nil, newSender),
		Migration: NewMigrationMap(),
		Deletes:   NewDeleteKeysTaskMap(),
		Epoch:     0,
	}
	m.ptr.Store(empty)
	return m
}

// Lease returns the current snapshot. It never blocks and remains valid
// for as long as the caller holds the pointer, even across subsequent
// Update calls.
func (m *MetaMap) Lease() *Snapshot {
	return m.ptr.Load()
}

// Epoch returns the current published epoch.
func (m *MetaMap) Epoch() uint64 {
	return m.epoch.Load()
}

// Update installs new topology. Its write path is: lock, epoch check,
// build new DatabaseMap, diff migration state, atomic swap + epoch
// publish, then launch newly created migration/delete drivers. The
// drivers are launched before the writer lock is released.
func (m *MetaMap) Update(meta model.DBMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.epoch.Load()
	if meta.Epoch <= current && !meta.Flags.Force {
		return rerror.ErrOldEpoch
	}

	old := m.ptr.Load()

	ownersByCluster := make(map[string]map[string][]slot.Range, len(meta.Local))
	newRanges := make(map[string]*taskSpec) // taskKey -> spec, for ranges newly under migration
	oldRanges := old.Migration.snapshotKeys()

	for cluster, byAddr := range meta.Local {
		plain := make(map[string][]slot.Range)
		for addr, ranges := range byAddr {
			for _, r := range ranges {
				switch r.Tag.Kind {
				case model.TagNone:
					plain[addr] = append(plain[addr], slot.Range{Start: r.Start, End: r.End})
				case model.TagMigrating, model.TagImporting:
					sr := slot.Range{Start: r.Start, End: r.End}
					key := taskKey(cluster, sr)
					newRanges[key] = &taskSpec{
						cluster:     cluster,
						r:           sr,
						meta:        r.Tag.Meta,
						importing:   r.Tag.Kind == model.TagImporting,
					}
				}
			}
		}
		if len(plain) > 0 {
			validateNoOverlap(plain, m.log)
			ownersByCluster[cluster] = plain
		}
	}

	newDB := NewDatabaseMap(ownersByCluster, old.DB, m.newSender)
	newMigration := NewMigrationMap()
	newDeletes := NewDeleteKeysTaskMap()

	var toLaunch []*Task
	for key, spec := range newRanges {
		if existing, ok := oldRanges[key]; ok {
			// Range survives unchanged across this update; keep the same
			// task object so in-flight routing decisions and driver state
			// are not disturbed.
			newMigration.put(existing)
			if old.Deletes.Has(key) {
				newDeletes.Add(key)
			}
			continue
		}
		src := m.newSender(spec.meta.Src)
		dst := m.newSender(spec.meta.Dst)
		t := newTask(spec.cluster, spec.r, spec.meta, spec.importing, src, dst, m.log)
		newMigration.put(t)
		if !spec.importing {
			toLaunch = append(toLaunch, t)
		}
	}
	// Ranges present in old but absent from new are dropped: their
	// drivers are canceled by not being carried into newMigration: the
	// old Task's cancel, if any, is invoked below.
	var toCancel []*Task
	for key, t := range oldRanges {
		if _, ok := newRanges[key]; !ok {
			toCancel = append(toCancel, t)
		}
	}

	snap := &Snapshot{DB: newDB, Migration: newMigration, Deletes: newDeletes, Epoch: meta.Epoch, Peer: old.Peer}
	m.ptr.Store(snap)
	m.epoch.Store(meta.Epoch)

	for _, t := range toCancel {
		if t.cancel != nil {
			t.cancel()
		}
	}
	for _, t := range toLaunch {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		var del DeleteKeysTask
		if m.delFactory != nil {
			del = m.delFactory(t.Cluster, t.Range, t.Meta)
		}
		key := t.key()
		snap.Deletes.Add(key)
		driver := NewMigrationDriver(t, del, m.log, func(*Task) { m.Lease().Deletes.Remove(key) })
		driver.Start(ctx)
	}

	old.DB.CloseStale(newDB)
	return nil
}

// UpdatePeer installs the coordinator's SETPEER topology. It is gated by
// the same global epoch as Update, except that an epoch equal to the
// current one is accepted, so the SETPEER that follows a SETDB of the same
// sync round (both carry one epoch) is installed. It replaces Snapshot.Peer
// and publishes the epoch; the routing-relevant DB/Migration maps are left
// untouched.
func (m *MetaMap) UpdatePeer(epoch uint64, flags model.Flags, peer map[string]map[string][]model.SlotRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.epoch.Load()
	if epoch < current && !flags.Force {
		return rerror.ErrOldEpoch
	}

	old := m.ptr.Load()
	snap := &Snapshot{DB: old.DB, Migration: old.Migration, Deletes: old.Deletes, Epoch: epoch, Peer: peer}
	m.ptr.Store(snap)
	m.epoch.Store(epoch)
	return nil
}

type taskSpec struct {
	cluster   string
	r         slot.Range
	meta      model.MigrationMeta
	importing bool
}

// ApplyTMPSWITCH validates and applies an incoming TMPSWITCH command
// against the currently leased snapshot's migration map, per spec §4.4
// step 1: the task's own epoch must not exceed this proxy's current
// epoch, else NotReady (the coordinator is expected to retry once this
// proxy's SETDB for that epoch lands).
func (m *MetaMap) ApplyTMPSWITCH(arg TaskMetaArg) error {
	snap := m.Lease()
	r := slot.Range{Start: arg.Start, End: arg.End}
	return snap.Migration.ApplySwitch(arg.Cluster, r, m.Epoch(), arg.Tag.Meta.Epoch, arg.Sub)
}

// Route is the hot path: resolve cmd against the leased snapshot, checking
// migration first (a migrating slot always takes precedence over its
// nominal DatabaseMap ownership, since ownership for such a slot lives in
// exactly one of the two maps at a time per spec §4.4's invariant).
func Route(snap *Snapshot, cmd *cmdctx.CmdCtx) error {
	name := cmd.DB.Get()
	if name == "" {
		if auto, ok := snap.DB.AutoSelectDB(); ok {
			name = auto
		}
	}
	key, ok := slot.KeyOf(cmd.Cmd.Args)
	if !ok {
		return rerror.ErrInvalidArg
	}
	s := slot.Of(key)

	if sender, found, err := snap.Migration.Route(cmd, name, s); found {
		if err != nil {
			return err
		}
		return sender.Enqueue(cmd)
	}

	if _, ok := snap.DB.Cluster(name); !ok {
		return rerror.ErrDBNotFound
	}
	return snap.DB.Send(cmd)
}
