// Package session implements the proxy's per-connection pipeline: a
// reader task that decodes RESP frames and dispatches them, and a writer
// task that batches replies back to the client on a flush timer (spec
// §4.6).
package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shardmesh/redisproxy/internal/cmdctx"
	"github.com/shardmesh/redisproxy/internal/rerror"
	"github.com/shardmesh/redisproxy/internal/resp"
	"github.com/shardmesh/redisproxy/internal/topology"
)

const (
	// fifoCapacity bounds in-flight commands per client; a full FIFO
	// back-pressures the reader, which naturally bounds per-client work.
	fifoCapacity = 1024
	// writerBufSize is the writer's fixed-size buffered-writer capacity.
	writerBufSize = 16 * 1024
	// flushInterval is how often the writer flushes buffered bytes even
	// if nothing new arrived (a harmless flush is allowed).
	flushInterval = 100 * time.Microsecond
)

// Conn is one accepted client connection and its reader/writer task pair.
type Conn struct {
	ID   string
	conn net.Conn
	meta *topology.MetaMap
	log  *zap.Logger
	db   *cmdctx.DBNameSlot

	fifo chan (<-chan *resp.Value)
}

// New wraps an accepted connection, ready to Serve.
func New(c net.Conn, meta *topology.MetaMap, log *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:   id,
		conn: c,
		meta: meta,
		log:  log.With(zap.String("conn_id", id), zap.String("remote", c.RemoteAddr().String())),
		db:   cmdctx.NewDBNameSlot(""),
		fifo: make(chan (<-chan *resp.Value), fifoCapacity),
	}
}

// Serve runs the reader and writer tasks until either errors or ctx is
// canceled, then tears down the connection. If either task errors
// (I/O, decode, channel closed), the other is canceled too.
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.readLoop(gctx)
		cancel()
		return err
	})
	g.Go(func() error {
		err := c.writeLoop(gctx)
		cancel()
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debug("connection closed", zap.Error(err))
	}
}

// readLoop decodes one RESP frame at a time, dispatches it, and enqueues
// its reply-receiver onto the FIFO so the writer can deliver replies in
// request order.
func (c *Conn) readLoop(ctx context.Context) error {
	r := bufio.NewReader(c.conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		v, err := resp.Decode(r)
		if err != nil {
			if errors.Is(err, resp.ErrInvalidProtocol) {
				// The reader must still enqueue a synthesized error reply
				// before terminating, so the client sees a diagnostic.
				errCtx := cmdctx.New(c.db, &cmdctx.Command{})
				errCtx.Reply(rerror.Reply(rerror.ErrInvalidProtocol))
				if sendErr := c.enqueueReply(ctx, errCtx.ReplyChan()); sendErr != nil {
					return sendErr
				}
				return rerror.ErrInvalidProtocol
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if !v.IsArray() || len(v.Array) == 0 {
			errCtx := cmdctx.New(c.db, &cmdctx.Command{})
			errCtx.Reply(rerror.Reply(rerror.ErrInvalidProtocol))
			if sendErr := c.enqueueReply(ctx, errCtx.ReplyChan()); sendErr != nil {
				return sendErr
			}
			return rerror.ErrInvalidProtocol
		}

		cmd := &cmdctx.Command{Args: v.Strings(), Raw: v}
		cc := cmdctx.New(c.db, cmd)
		c.dispatch(cc)

		if err := c.enqueueReply(ctx, cc.ReplyChan()); err != nil {
			return err
		}
	}
}

// enqueueReply sends recv onto the bounded FIFO, blocking (applying
// back-pressure) if it is full, honoring ctx cancellation.
func (c *Conn) enqueueReply(ctx context.Context, recv <-chan *resp.Value) error {
	select {
	case c.fifo <- recv:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop merges FIFO reply-receivers with a periodic flush tick,
// serializing each reply as it arrives and flushing on the tick.
//
// Draining c.fifo always takes priority over observing ctx.Done(): readLoop
// cancels ctx in the same instant it enqueues a connection's final reply
// (an invalid-protocol error, say), so a plain three-way select would race
// — Go picks uniformly among ready cases, and could pick ctx.Done() over a
// fifo entry that is already sitting in the buffer, silently dropping the
// client's last reply. The non-blocking pre-check below ensures every
// buffered entry is written before this loop ever honors cancellation.
func (c *Conn) writeLoop(ctx context.Context) error {
	w := bufio.NewWriterSize(c.conn, writerBufSize)
	// Bytes still buffered when the loop exits (a final diagnostic reply,
	// say) reach the socket before Serve closes it.
	defer w.Flush()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case recv, ok := <-c.fifo:
			if !ok {
				return w.Flush()
			}
			if err := c.writeReply(ctx, w, recv); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case recv, ok := <-c.fifo:
			if !ok {
				return w.Flush()
			}
			if err := c.writeReply(ctx, w, recv); err != nil {
				return err
			}

		case <-ticker.C:
			if err := w.Flush(); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeReply waits for recv's one reply and serializes it onto w. The
// non-blocking pre-check gives an already-buffered reply priority over
// ctx cancellation for the same reason writeLoop's does: a reply is
// typically sitting in recv (capacity 1) at the very moment its
// connection's ctx is canceled, and a plain select would risk discarding
// it instead of honoring the reply-on-destruction guarantee.
func (c *Conn) writeReply(ctx context.Context, w *bufio.Writer, recv <-chan *resp.Value) error {
	var v *resp.Value
	select {
	case reply, ok := <-recv:
		v = replyOrDropped(reply, ok)
	default:
		select {
		case reply, ok := <-recv:
			v = replyOrDropped(reply, ok)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := v.WriteTo(w)
	return err
}

func replyOrDropped(reply *resp.Value, ok bool) *resp.Value {
	if !ok {
		// A reply receiver that is dropped before being written
		// translates to a synthetic error reply so the client's FIFO
		// stays aligned.
		return rerror.Reply(rerror.ErrDropped)
	}
	return reply
}
