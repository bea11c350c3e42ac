// Package backend implements the pipelined RESP client the proxy uses to
// talk to one backend Redis-speaking process: a request FIFO, an in-order
// reply-pending queue, and a reconnect loop.
package backend

import (
	"bufio"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardmesh/redisproxy/internal/cmdctx"
	"github.com/shardmesh/redisproxy/internal/rerror"
	"github.com/shardmesh/redisproxy/internal/resp"
)

// CommitFunc is the composition seam spec §4.7 calls out: a hook run on
// each backend reply before it is forwarded to the client, e.g. to observe
// UMFLUSHDB traffic or decompress a payload. It is not part of the core
// routing algorithm.
type CommitFunc func(cmd *cmdctx.Command, reply *resp.Value)

const (
	defaultQueueSize  = 4096
	defaultDialTime   = 3 * time.Second
	defaultBackoff    = 200 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

// Sender owns one TCP connection to a backend address and the pipeline of
// CmdCtxs waiting on replies from it.
type Sender struct {
	addr   string
	log    *zap.Logger
	commit CommitFunc

	queue chan *cmdctx.CmdCtx

	mu      sync.Mutex
	conn    net.Conn
	closing chan struct{}
	closed  bool

	pending     chan *cmdctx.CmdCtx // in-order reply-pending queue
	pendingLock sync.Mutex
}

// New creates a Sender for addr and starts its writer and reader loops.
// commit may be nil.
func New(addr string, log *zap.Logger, commit CommitFunc) *Sender {
	s := &Sender{
		addr:    addr,
		log:     log.With(zap.String("backend", addr)),
		commit:  commit,
		queue:   make(chan *cmdctx.CmdCtx, defaultQueueSize),
		closing: make(chan struct{}),
		pending: make(chan *cmdctx.CmdCtx, defaultQueueSize),
	}
	go s.loop()
	return s
}

// Address returns the backend address this sender forwards to.
func (s *Sender) Address() string { return s.addr }

// Enqueue queues cmd for forwarding. It never blocks: if the queue is
// full, it returns ErrBusy and the caller keeps ownership of cmd (must
// reply or forward it elsewhere).
func (s *Sender) Enqueue(cmd *cmdctx.CmdCtx) error {
	select {
	case s.queue <- cmd:
		return nil
	default:
		return rerror.ErrBusy
	}
}

// Close stops the sender's loops and fails every CmdCtx still pending a
// reply.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.closing)
}

// loop is the sender's lifecycle: connect, run the write-then-read pump
// until the connection errors, fail everything pending, back off, repeat.
func (s *Sender) loop() {
	defer s.drainQueue()
	backoff := defaultBackoff
	for {
		select {
		case <-s.closing:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", s.addr, defaultDialTime)
		if err != nil {
			s.log.Warn("dial failed", zap.Error(err))
			if !s.sleepBackoff(&backoff) {
				return
			}
			continue
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		backoff = defaultBackoff

		done := make(chan struct{})
		go s.readLoop(conn, done)
		s.writeLoop(conn, done)

		s.failPending(rerror.ErrBackendError)
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		select {
		case <-s.closing:
			return
		default:
		}
		if !s.sleepBackoff(&backoff) {
			return
		}
	}
}

func (s *Sender) sleepBackoff(backoff *time.Duration) bool {
	select {
	case <-s.closing:
		return false
	case <-time.After(*backoff):
	}
	*backoff *= 2
	if *backoff > defaultMaxBackoff {
		*backoff = defaultMaxBackoff
	}
	return true
}

// drainQueue fails every CmdCtx still queued but never dequeued. It only
// runs when the sender itself is being torn down (s.closing), a
// deliberate shutdown rather than a live connection failure, so it
// reports ErrCanceled rather than ErrBackendError (spec §7: "Canceled —
// channel closed before reply; the other half is torn down").
func (s *Sender) drainQueue() {
	for {
		select {
		case cmd := <-s.queue:
			cmd.Release(rerror.Reply(rerror.ErrCanceled))
		default:
			return
		}
	}
}

// writeLoop serializes dequeued CmdCtxs onto conn and records them on the
// in-order pending queue. It returns when the connection errors, the
// sender is closing, or the reader side signals done (conn died).
func (s *Sender) writeLoop(conn net.Conn, done chan struct{}) {
	w := bufio.NewWriter(conn)
	for {
		select {
		case <-done:
			return
		case <-s.closing:
			return
		case cmd := <-s.queue:
			args := make([]*resp.Value, len(cmd.Cmd.Args))
			for i, a := range cmd.Cmd.Args {
				args[i] = resp.NewBulkString(a)
			}
			if _, err := resp.NewArray(args).WriteTo(w); err != nil {
				cmd.Release(rerror.Reply(rerror.ErrBackendError))
				return
			}
			if err := w.Flush(); err != nil {
				cmd.Release(rerror.Reply(rerror.ErrBackendError))
				return
			}
			select {
			case s.pending <- cmd:
			case <-done:
				cmd.Release(rerror.Reply(rerror.ErrBackendError))
				return
			}
		}
	}
}

// readLoop parses replies in order and matches them, in order, against the
// pending queue, fulfilling each CmdCtx's reply channel (and running the
// commit hook first).
func (s *Sender) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	r := bufio.NewReader(conn)
	for {
		v, err := resp.Decode(r)
		if err != nil {
			return
		}
		select {
		case cmd := <-s.pending:
			if s.commit != nil {
				s.commit(cmd.Cmd, v)
			}
			cmd.Reply(v)
		case <-s.closing:
			return
		}
	}
}

func (s *Sender) failPending(err error) {
	reply := rerror.Reply(err)
	for {
		select {
		case cmd := <-s.pending:
			cmd.Release(reply)
		default:
			return
		}
	}
}

// Connected reports whether the sender currently holds a live connection.
// It is advisory only — the connection can die between this call returning
// and the next Enqueue — and nothing on the data path is gated on it.
func (s *Sender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}
