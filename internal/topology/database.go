// Package topology implements the proxy's hot-swappable routing state:
// the per-cluster slot-routed database map (C3), the per-slot-range
// migration state machine (C4), and the epoch-gated, atomically-swapped
// meta map tying them together with deletion-task bookkeeping (C5).
package topology

import (
	"go.uber.org/zap"

	"github.com/shardmesh/redisproxy/internal/backend"
	"github.com/shardmesh/redisproxy/internal/cmdctx"
	"github.com/shardmesh/redisproxy/internal/rerror"
	"github.com/shardmesh/redisproxy/internal/slot"
)

// Database is one logical cluster: a slot map plus a connection-pooled
// sender per backend it owns. Outside of migration, at most one backend
// owns any given slot within a Database — slot.NewMap already enforces
// that structurally (one backend index per slot).
type Database struct {
	Name    string
	SlotMap *slot.Map
	senders map[string]*backend.Sender
}

// NewDatabase builds a Database for a cluster from its backend ownership
// map, creating a Sender for every referenced backend via newSender.
func NewDatabase(name string, owners map[string][]slot.Range, newSender func(addr string) *backend.Sender) *Database {
	sm := slot.NewMap(owners)
	d := &Database{Name: name, SlotMap: sm, senders: make(map[string]*backend.Sender)}
	for _, addr := range sm.Backends() {
		d.senders[addr] = newSender(addr)
	}
	return d
}

// Send resolves cmd's key to a slot and its slot to a backend, then
// enqueues it on that backend's sender. It never blocks: a full sender
// queue surfaces as ErrBusy, ownership of cmd returning to the caller.
func (d *Database) Send(cmd *cmdctx.CmdCtx) error {
	key, ok := slot.KeyOf(cmd.Cmd.Args)
	if !ok {
		return rerror.ErrInvalidArg
	}
	s := slot.Of(key)
	addr, ok := d.SlotMap.Backend(s)
	if !ok {
		return rerror.ErrSlotNotFound
	}
	sender, ok := d.senders[addr]
	if !ok {
		return rerror.ErrSlotNotFound
	}
	return sender.Enqueue(cmd)
}

// Close tears down every backend sender owned by this database.
func (d *Database) Close() {
	for _, s := range d.senders {
		s.Close()
	}
}

// DatabaseMap is the set of all logical clusters this proxy serves.
type DatabaseMap struct {
	clusters map[string]*Database
}

// NewDatabaseMap builds a DatabaseMap from the coordinator's Local
// topology section (cluster -> address -> slot ranges, migration tags
// stripped — migration is MigrationMap's concern). old is the DatabaseMap
// being replaced, or nil for the first build: any backend address that
// appears in both reuses old's Sender instead of dialing a fresh one, so a
// topology update that doesn't touch an address's ownership doesn't tear
// down its in-flight requests (spec §5 Cancellation).
func NewDatabaseMap(local map[string]map[string][]slot.Range, old *DatabaseMap, newSender func(addr string) *backend.Sender) *DatabaseMap {
	var reuse map[string]*backend.Sender
	if old != nil {
		reuse = old.allSenders()
	}
	get := func(addr string) *backend.Sender {
		if s, ok := reuse[addr]; ok {
			return s
		}
		return newSender(addr)
	}
	dm := &DatabaseMap{clusters: make(map[string]*Database, len(local))}
	for name, owners := range local {
		dm.clusters[name] = NewDatabase(name, owners, get)
	}
	return dm
}

// allSenders collects every backend.Sender referenced by any cluster in dm,
// keyed by address — a backend address is addressed globally, so the same
// address never carries two distinct Senders across clusters.
func (dm *DatabaseMap) allSenders() map[string]*backend.Sender {
	out := make(map[string]*backend.Sender)
	for _, c := range dm.clusters {
		for addr, s := range c.senders {
			out[addr] = s
		}
	}
	return out
}

// Cluster looks up a cluster by name.
func (dm *DatabaseMap) Cluster(name string) (*Database, bool) {
	c, ok := dm.clusters[name]
	return c, ok
}

// AutoSelectDB returns the sole known cluster name, for clients that never
// issue SELECT. It only succeeds when exactly one cluster is known.
func (dm *DatabaseMap) AutoSelectDB() (string, bool) {
	if len(dm.clusters) != 1 {
		return "", false
	}
	for name := range dm.clusters {
		return name, true
	}
	return "", false
}

// Send resolves cmd's target cluster and forwards it, per spec §4.3.
func (dm *DatabaseMap) Send(cmd *cmdctx.CmdCtx) error {
	name := cmd.DB.Get()
	if name == "" {
		if auto, ok := dm.AutoSelectDB(); ok {
			name = auto
		}
	}
	c, ok := dm.clusters[name]
	if !ok {
		return rerror.ErrDBNotFound
	}
	return c.Send(cmd)
}

// Close tears down every cluster's backend senders.
func (dm *DatabaseMap) Close() {
	for _, c := range dm.clusters {
		c.Close()
	}
}

// CloseStale closes every Sender in dm whose address is not reused by next
// (i.e. no longer owned by any cluster after the update that produced
// next), leaving Senders next also holds untouched and their in-flight
// requests uninterrupted.
func (dm *DatabaseMap) CloseStale(next *DatabaseMap) {
	keep := next.allSenders()
	for addr, s := range dm.allSenders() {
		if _, ok := keep[addr]; !ok {
			s.Close()
		}
	}
}

// validateNoOverlap logs a warning for every slot claimed by more than one
// backend (last-writer-wins structurally either way).
func validateNoOverlap(byAddr map[string][]slot.Range, log *zap.Logger) {
	seen := make(map[int]string)
	for addr, ranges := range byAddr {
		for _, r := range ranges {
			end := r.End
			if end > slot.NumSlots {
				end = slot.NumSlots
			}
			for s := r.Start; s < end; s++ {
				if owner, ok := seen[s]; ok && owner != addr {
					log.Warn("overlapping slot ranges detected",
						zap.Int("slot", s), zap.String("first_owner", owner), zap.String("second_owner", addr))
				}
				seen[s] = addr
			}
		}
	}
}
