// Package cmdctx defines CmdCtx, the in-flight command record that flows
// from the session that parsed it, through the router and migration state
// machine, to the backend sender and back.
package cmdctx

import (
	"sync"
	"sync/atomic"

	"github.com/shardmesh/redisproxy/internal/resp"
)

// DBNameSlot is the session-shared, lock-protected current cluster-name
// selector a SELECT-like command mutates (spec §4.6).
type DBNameSlot struct {
	mu   sync.RWMutex
	name string
}

func NewDBNameSlot(initial string) *DBNameSlot {
	return &DBNameSlot{name: initial}
}

func (d *DBNameSlot) Get() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *DBNameSlot) Set(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
}

// Command is a parsed client request: its argument vector (command name
// first) and the raw decoded value, kept for admin subcommands that need
// more structure than a flat []string affords.
type Command struct {
	Args []string
	Raw  *resp.Value
}

// Name returns the command's verb as the client sent it (not case-folded),
// or "" if empty.
func (c *Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return c.Args[0]
}

// CmdCtx is one in-flight client request. It is owned by exactly one
// component at a time (session -> router -> migration task -> backend
// sender -> reply writer); ownership transfers by the holder handing the
// pointer onward, never by sharing it concurrently.
//
// The reply-on-destruction guarantee is enforced by Reply/Release: only the
// first call of either places a reply. Release is the safety net for paths
// that drop a CmdCtx without a real reply — it places the synthetic error
// the caller passes so the client's reply FIFO never stalls waiting on a
// reply that will never come.
type CmdCtx struct {
	DB      *DBNameSlot
	Cmd     *Command
	replyCh chan *resp.Value
	done    atomic.Bool
}

// New creates a CmdCtx with a buffered reply channel of capacity 1, so a
// reply can always be delivered without the replier blocking on a reader
// that has already gone away.
func New(db *DBNameSlot, cmd *Command) *CmdCtx {
	return &CmdCtx{
		DB:      db,
		Cmd:     cmd,
		replyCh: make(chan *resp.Value, 1),
	}
}

// Reply delivers v as this command's one reply. Calling it more than once
// is a no-op after the first call wins.
func (c *CmdCtx) Reply(v *resp.Value) {
	if c.done.CompareAndSwap(false, true) {
		c.replyCh <- v
	}
}

// ReplyChan returns the channel the session's writer task awaits for this
// command's reply.
func (c *CmdCtx) ReplyChan() <-chan *resp.Value {
	return c.replyCh
}

// Release places syntheticErr as the reply if no real reply was ever
// placed. Every component that stops owning a CmdCtx without handing it
// onward — an error path, a canceled migration driver, a dead backend
// connection — must call Release exactly once before letting it go, so the
// type's reply-on-destruction invariant holds regardless of which
// component let go of it last.
func (c *CmdCtx) Release(syntheticErr *resp.Value) {
	if c.done.CompareAndSwap(false, true) {
		c.replyCh <- syntheticErr
	}
}
