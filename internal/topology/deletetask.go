package topology

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeleteKeysTask is the external collaborator spec §4.4 calls out as "out
// of scope": something that walks a slot range on the source backend,
// deletes keys that have finished migrating, and reports progress. Its
// transport and key-enumeration strategy live outside the core; here it is
// an interface so the migration driver can depend on it without pulling in
// a concrete backend-scanning implementation.
type DeleteKeysTask interface {
	// Run pumps keys for the given range until ctx is canceled or the
	// range is fully drained, returning nil on a clean drain.
	Run(ctx context.Context, cluster string, r slotRangeArg) error
}

// slotRangeArg is a plain start/end pair; the alias keeps the interface
// declaration self-contained rather than naming slot.Range.
type slotRangeArg = struct{ Start, End int }

// DeleteKeysTaskMap tracks which migrating ranges currently have a
// DeleteKeysTask driver running, keyed the same way as MigrationMap
// (cluster:range), for admin reporting (UMCTL INFO, the debug HTTP
// endpoint). It is best-effort: it reflects drivers launched as of the
// snapshot that holds it, not a live view of the goroutines themselves.
type DeleteKeysTaskMap struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewDeleteKeysTaskMap() *DeleteKeysTaskMap {
	return &DeleteKeysTaskMap{active: make(map[string]struct{})}
}

// Add records that a deletion driver is running for key.
func (m *DeleteKeysTaskMap) Add(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[key] = struct{}{}
}

// Remove drops key once its deletion driver has finished.
func (m *DeleteKeysTaskMap) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, key)
}

// Has reports whether key currently has an active deletion driver.
func (m *DeleteKeysTaskMap) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[key]
	return ok
}

// Keys returns the cluster:range keys with an active deletion driver.
func (m *DeleteKeysTaskMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for k := range m.active {
		out = append(out, k)
	}
	return out
}

// noopDeleteKeysTask is the default collaborator when the outer shell
// hasn't wired a real one: it waits briefly then reports a clean drain, so
// the migration driver still reaches its Commit step in tests and in
// configurations that manage key deletion out of band.
type noopDeleteKeysTask struct{}

func (noopDeleteKeysTask) Run(ctx context.Context, cluster string, r slotRangeArg) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil
	}
}

// MigrationDriver pumps a source-side task's DeleteKeysTask to completion
// and then issues the commit handshake (spec §4.4's "eventually sends
// TMPSWITCH Commit"). It is cancellable: canceling the ctx passed to Start
// terminates it without committing, used when a higher-epoch meta update
// removes the task.
type MigrationDriver struct {
	task   *Task
	del    DeleteKeysTask
	log    *zap.Logger
	onDone func(*Task) // invoked with the task once it has committed
}

func NewMigrationDriver(task *Task, del DeleteKeysTask, log *zap.Logger, onDone func(*Task)) *MigrationDriver {
	if del == nil {
		del = noopDeleteKeysTask{}
	}
	return &MigrationDriver{task: task, del: del, log: log, onDone: onDone}
}

// Start runs the driver in its own goroutine, honoring ctx cancellation.
func (d *MigrationDriver) Start(ctx context.Context) {
	go func() {
		if err := d.del.Run(ctx, d.task.Cluster, slotRangeArg{Start: d.task.Range.Start, End: d.task.Range.End}); err != nil {
			if ctx.Err() != nil {
				d.log.Debug("migration driver canceled before commit")
				return
			}
			d.log.Warn("delete-keys task failed, aborting migration", zap.Error(err))
			d.task.Abort()
			return
		}
		if err := d.task.applySwitch(SubCommit); err != nil {
			d.log.Warn("commit handshake failed", zap.Error(err))
			return
		}
		d.log.Info("migration task committed")
		if d.onDone != nil {
			d.onDone(d.task)
		}
	}()
}
