package session

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shardmesh/redisproxy/internal/backend"
	"github.com/shardmesh/redisproxy/internal/model"
	"github.com/shardmesh/redisproxy/internal/resp"
	"github.com/shardmesh/redisproxy/internal/slot"
	"github.com/shardmesh/redisproxy/internal/topology"
)

// dialServedConn opens a real TCP loopback connection to a Conn.Serve running in its
// own goroutine, so tests exercise the actual reader/writer pipeline
// rather than calling dispatch directly.
func dialServedConn(t *testing.T, meta *topology.MetaMap) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		New(c, meta, zap.NewNop()).Serve(ctx)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestInvalidProtocolClosesConnection(t *testing.T) {
	meta := topology.NewMetaMap(func(a string) *backend.Sender { return backend.New(a, zap.NewNop(), nil) }, nil, zap.NewNop())
	conn := dialServedConn(t, meta)

	if _, err := conn.Write([]byte("?garbage\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := bufio.NewReader(conn)
	v, err := resp.Decode(r)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if v.Type != resp.Error {
		t.Fatalf("want error reply, got %+v", v)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("want connection closed after invalid protocol reply")
	}
}

func TestOrderPreservationUnderPipelining(t *testing.T) {
	addr := fakeBackend(t, "ok")
	made := make(map[string]*backend.Sender)
	newSender := func(a string) *backend.Sender {
		if s, ok := made[a]; ok {
			return s
		}
		s := backend.New(a, zap.NewNop(), nil)
		made[a] = s
		t.Cleanup(s.Close)
		return s
	}
	meta := topology.NewMetaMap(newSender, nil, zap.NewNop())
	if err := meta.Update(model.DBMeta{
		Epoch: 1,
		Local: map[string]map[string][]model.SlotRange{"c": {addr: {{Start: 0, End: slot.NumSlots}}}},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	conn := dialServedConn(t, meta)
	w := bufio.NewWriter(conn)
	resp.NewArray([]*resp.Value{resp.NewBulkString("SELECT"), resp.NewBulkString("c")}).WriteTo(w)
	const n = 50
	for i := 0; i < n; i++ {
		resp.NewArray([]*resp.Value{resp.NewBulkString("GET"), resp.NewBulkString("k")}).WriteTo(w)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := resp.Decode(r); err != nil {
		t.Fatalf("select reply: %v", err)
	}
	for i := 0; i < n; i++ {
		v, err := resp.Decode(r)
		if err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
		if v.Type != resp.BulkString || v.Str != "ok" {
			t.Fatalf("reply %d mismatch: %+v", i, v)
		}
	}
}

// TestHotMetaSwapPreservesOrder is a scaled-down version of the "hot meta
// swap under load" scenario: concurrent clients issuing GETs while a
// SETDB moves ownership of the range mid-flight. Every client's own
// replies must stay in request order, and none may be lost.
func TestHotMetaSwapPreservesOrder(t *testing.T) {
	addr1 := fakeBackend(t, "from-b1")
	addr2 := fakeBackend(t, "from-b2")
	made := make(map[string]*backend.Sender)
	var muMade sync.Mutex
	newSender := func(a string) *backend.Sender {
		muMade.Lock()
		defer muMade.Unlock()
		if s, ok := made[a]; ok {
			return s
		}
		s := backend.New(a, zap.NewNop(), nil)
		made[a] = s
		t.Cleanup(s.Close)
		return s
	}
	meta := topology.NewMetaMap(newSender, nil, zap.NewNop())
	if err := meta.Update(model.DBMeta{
		Epoch: 1,
		Local: map[string]map[string][]model.SlotRange{"c": {addr1: {{Start: 0, End: slot.NumSlots}}}},
	}); err != nil {
		t.Fatalf("initial update: %v", err)
	}

	const clients = 20
	const reqsPerClient = 25
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := dialServedConn(t, meta)
			w := bufio.NewWriter(conn)
			r := bufio.NewReader(conn)
			resp.NewArray([]*resp.Value{resp.NewBulkString("SELECT"), resp.NewBulkString("c")}).WriteTo(w)
			w.Flush()
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := resp.Decode(r); err != nil {
				t.Errorf("select reply: %v", err)
				return
			}
			for i := 0; i < reqsPerClient; i++ {
				resp.NewArray([]*resp.Value{resp.NewBulkString("GET"), resp.NewBulkString("k")}).WriteTo(w)
				if err := w.Flush(); err != nil {
					t.Errorf("flush: %v", err)
					return
				}
				v, err := resp.Decode(r)
				if err != nil {
					t.Errorf("reply %d: %v", i, err)
					return
				}
				if v.Type != resp.BulkString || (v.Str != "from-b1" && v.Str != "from-b2") {
					t.Errorf("unexpected reply %d: %+v", i, v)
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	if err := meta.Update(model.DBMeta{
		Epoch: 2,
		Local: map[string]map[string][]model.SlotRange{"c": {addr2: {{Start: 0, End: slot.NumSlots}}}},
	}); err != nil {
		t.Fatalf("swap update: %v", err)
	}

	wg.Wait()
}
