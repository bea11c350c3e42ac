package coordinator

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/shardmesh/redisproxy/internal/resp"
)

// proxyClient is a short-lived, single-round-trip admin connection to one
// proxy: dial, send a UMCTL command, read exactly one reply, done. Unlike
// backend.Sender it is not pipelined or long-lived — the sync loop only
// ever has one or two admin commands outstanding per proxy per round.
type proxyClient struct {
	addr   string
	dialTO time.Duration
}

func newProxyClient(addr string) *proxyClient {
	return &proxyClient{addr: addr, dialTO: 3 * time.Second}
}

// Send dials addr, writes args as a RESP array command, and returns the
// single decoded reply.
func (p *proxyClient) Send(args []string) (*resp.Value, error) {
	conn, err := net.DialTimeout("tcp", p.addr, p.dialTO)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.addr, err)
	}
	defer conn.Close()

	elems := make([]*resp.Value, len(args))
	for i, a := range args {
		elems[i] = resp.NewBulkString(a)
	}
	cmd := resp.NewArray(elems)

	if _, err := cmd.WriteTo(conn); err != nil {
		return nil, fmt.Errorf("write %s: %w", p.addr, err)
	}

	reply, err := resp.Decode(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", p.addr, err)
	}
	return reply, nil
}
