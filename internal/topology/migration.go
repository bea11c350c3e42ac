package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shardmesh/redisproxy/internal/backend"
	"github.com/shardmesh/redisproxy/internal/cmdctx"
	"github.com/shardmesh/redisproxy/internal/model"
	"github.com/shardmesh/redisproxy/internal/rerror"
	"github.com/shardmesh/redisproxy/internal/slot"
)

// SourceState is the per-range state machine as observed on the source
// (MIGRATING) side.
type SourceState int

const (
	SourcePreparing SourceState = iota
	SourcePreCheck
	SourcePreBlock
	SourceCommitting
	SourceCommitted
	SourceAborted
)

func (s SourceState) String() string {
	return [...]string{"Preparing", "PreCheck", "PreBlock", "Committing", "Committed", "Aborted"}[s]
}

// DestState is the per-range state machine as observed on the destination
// (IMPORTING) side.
type DestState int

const (
	DestAwaiting DestState = iota
	DestServing
	DestSwitched
)

func (s DestState) String() string {
	return [...]string{"Awaiting", "Serving", "Switched"}[s]
}

// SubCmd is the TMPSWITCH sub-command carried by a coordinator push.
type SubCmd int

const (
	SubPreCheck SubCmd = iota
	SubPreBlock
	SubCommit
)

// Task is one migrating slot range's state machine, holding references to
// both ends so the router can forward to whichever currently owns writes.
type Task struct {
	ID          string
	Cluster     string
	Range       slot.Range
	Meta        model.MigrationMeta // epoch this task was introduced at
	viewIsImporting bool // true if this proxy observes the range as Importing

	mu     sync.RWMutex
	source SourceState
	dest   DestState

	sourceSender *backend.Sender
	destSender   *backend.Sender

	cancel context.CancelFunc
	log    *zap.Logger
}

// newTask constructs a task in its initial state, viewed either as the
// MIGRATING (source) side or the IMPORTING (destination) side of the
// range depending on importing, i.e. on the tag this proxy's own topology
// carries for the range.
func newTask(cluster string, r slot.Range, meta model.MigrationMeta, importing bool, src, dst *backend.Sender, log *zap.Logger) *Task {
	id := uuid.NewString()
	return &Task{
		ID:              id,
		Cluster:         cluster,
		Range:           r,
		Meta:            meta,
		viewIsImporting: importing,
		sourceSender:    src,
		destSender:      dst,
		log:             log.With(zap.String("task_id", id), zap.String("cluster", cluster)),
	}
}

// Route returns the sender a command falling in this task's range should
// be forwarded to, per the routing table in spec §4.4.
func (t *Task) Route(cmd *cmdctx.CmdCtx) (*backend.Sender, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.viewIsImporting {
		if t.dest == DestSwitched {
			return t.destSender, nil
		}
		return t.sourceSender, nil // pre-switch: proxy forwards cross-shard
	}
	if t.source == SourceCommitted {
		return t.destSender, nil
	}
	return t.sourceSender, nil // pre-commit: forward to source
}

// IsFinished reports whether this task has reached a terminal, reportable
// state (Committed on the source side, Switched on the destination side).
func (t *Task) IsFinished() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.viewIsImporting {
		return t.dest == DestSwitched
	}
	return t.source == SourceCommitted
}

// applySwitch advances the task's state machine per an incoming TMPSWITCH
// sub-command. Idempotent: repeating Commit on an already-committed range
// is a no-op success. Commit is monotonic — once Committed/Switched, no
// lower sub-command can regress it.
func (t *Task) applySwitch(sub SubCmd) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.viewIsImporting {
		switch sub {
		case SubPreCheck, SubPreBlock:
			if t.dest == DestAwaiting {
				t.dest = DestServing
			}
		case SubCommit:
			t.dest = DestSwitched
		}
		return nil
	}

	switch sub {
	case SubPreCheck:
		if t.source == SourcePreparing {
			t.source = SourcePreCheck
		}
	case SubPreBlock:
		if t.source == SourcePreparing || t.source == SourcePreCheck {
			t.source = SourcePreBlock
		}
	case SubCommit:
		if t.source == SourceCommitted {
			return nil // idempotent no-op
		}
		if t.source == SourceAborted {
			return fmt.Errorf("cannot commit an aborted migration task")
		}
		t.source = SourceCommitting
		t.source = SourceCommitted
	}
	return nil
}

// Abort moves a source-side task to Aborted. Safe to call from any state.
func (t *Task) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.viewIsImporting {
		t.source = SourceAborted
	}
}

func (t *Task) key() string {
	return taskKey(t.Cluster, t.Range)
}

func taskKey(cluster string, r slot.Range) string {
	return fmt.Sprintf("%s:%d-%d", cluster, r.Start, r.End)
}

// MigrationMap holds every slot range currently under migration on this
// proxy, keyed by (cluster, range). A range is present in at most one
// task at a time.
type MigrationMap struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

func NewMigrationMap() *MigrationMap {
	return &MigrationMap{tasks: make(map[string]*Task)}
}

// Lookup returns the task owning slot s in cluster, if any.
func (m *MigrationMap) Lookup(cluster string, s int) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if t.Cluster != cluster {
			continue
		}
		if s >= t.Range.Start && s < t.Range.End {
			return t, true
		}
	}
	return nil, false
}

// Route resolves cmd through the migration map: finds the task owning its
// slot and routes per Task.Route. Returns (nil, false, nil) when the slot
// is not under migration at all, so the caller falls through to
// DatabaseMap.
func (m *MigrationMap) Route(cmd *cmdctx.CmdCtx, cluster string, s int) (*backend.Sender, bool, error) {
	t, ok := m.Lookup(cluster, s)
	if !ok {
		return nil, false, nil
	}
	sender, err := t.Route(cmd)
	return sender, true, err
}

// ApplySwitch applies an incoming TMPSWITCH command, validating the
// task's epoch against the proxy's current epoch (spec §4.4 step 1).
func (m *MigrationMap) ApplySwitch(cluster string, r slot.Range, currentEpoch uint64, taskEpoch uint64, sub SubCmd) error {
	m.mu.RLock()
	t, ok := m.tasks[taskKey(cluster, r)]
	m.mu.RUnlock()
	if !ok {
		return rerror.ErrNotReady
	}
	if taskEpoch > currentEpoch {
		return rerror.ErrNotReady
	}
	return t.applySwitch(sub)
}

// GetFinishedTasks returns every task that has reached a terminal state,
// for the coordinator to poll and clean up.
func (m *MigrationMap) GetFinishedTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.IsFinished() {
			out = append(out, t)
		}
	}
	return out
}

// put installs a task, replacing any existing one for the same key.
func (m *MigrationMap) put(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.key()] = t
}

// snapshotKeys returns the set of task keys currently installed, used by
// the meta-map writer to diff old vs new migration state.
func (m *MigrationMap) snapshotKeys() map[string]*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Task, len(m.tasks))
	for k, v := range m.tasks {
		out[k] = v
	}
	return out
}
