package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shardmesh/redisproxy/internal/cmdctx"
	"github.com/shardmesh/redisproxy/internal/model"
	"github.com/shardmesh/redisproxy/internal/rerror"
	"github.com/shardmesh/redisproxy/internal/resp"
	"github.com/shardmesh/redisproxy/internal/topology"
)

// dispatch handles the small set of proxy-local commands spec.md §4.6/§6
// describes — PING, SELECT, and the UMCTL admin namespace — before falling
// through to the slot router for everything else. It never blocks beyond
// what routing itself does: cc.Reply (or a forward that eventually calls
// it) is always invoked exactly once.
func (c *Conn) dispatch(cc *cmdctx.CmdCtx) {
	name := strings.ToUpper(cc.Cmd.Name())
	switch name {
	case "":
		cc.Reply(rerror.Reply(rerror.ErrInvalidProtocol))

	case "PING":
		// Answered locally, never forwarded — used by health checks and
		// the coordinator's liveness probe.
		cc.Reply(resp.NewSimpleString("PONG"))

	case "SELECT":
		c.handleSelect(cc)

	case "UMCTL":
		c.handleUMCTL(cc)

	default:
		if err := topology.Route(c.meta.Lease(), cc); err != nil {
			cc.Reply(rerror.Reply(err))
		}
	}
}

func (c *Conn) handleSelect(cc *cmdctx.CmdCtx) {
	if len(cc.Cmd.Args) != 2 {
		cc.Reply(rerror.Reply(rerror.ErrInvalidArg))
		return
	}
	c.db.Set(cc.Cmd.Args[1])
	cc.Reply(resp.NewSimpleString("OK"))
}

func (c *Conn) handleUMCTL(cc *cmdctx.CmdCtx) {
	args := cc.Cmd.Args[1:]
	if len(args) == 0 {
		cc.Reply(rerror.Reply(rerror.ErrInvalidArg))
		return
	}
	sub := strings.ToUpper(args[0])
	rest := args[1:]

	switch sub {
	case "SETDB":
		c.handleSetDB(cc, rest)
	case "SETPEER":
		c.handleSetPeer(cc, rest)
	case "TMPSWITCH":
		c.handleTMPSwitch(cc, rest)
	case "INFO":
		cc.Reply(resp.NewBulkString(c.renderInfo()))
	case "CLUSTER":
		c.handleCluster(cc, rest)
	default:
		cc.Reply(rerror.Reply(rerror.ErrInvalidArg))
	}
}

func (c *Conn) handleSetDB(cc *cmdctx.CmdCtx, args []string) {
	epoch, flags, blobArgs, err := parseSetHeader(args)
	if err != nil {
		cc.Reply(rerror.Reply(err))
		return
	}
	local, err := topology.ParseSlotBlob(blobArgs)
	if err != nil {
		cc.Reply(rerror.Reply(err))
		return
	}
	err = c.meta.Update(model.DBMeta{Epoch: epoch, Flags: flags, Local: local})
	if err != nil {
		cc.Reply(rerror.Reply(err))
		return
	}
	cc.Reply(resp.NewSimpleString("OK"))
}

func (c *Conn) handleSetPeer(cc *cmdctx.CmdCtx, args []string) {
	epoch, flags, blobArgs, err := parseSetHeader(args)
	if err != nil {
		cc.Reply(rerror.Reply(err))
		return
	}
	peer, err := topology.ParseSlotBlob(blobArgs)
	if err != nil {
		cc.Reply(rerror.Reply(err))
		return
	}
	if err := c.meta.UpdatePeer(epoch, flags, peer); err != nil {
		cc.Reply(rerror.Reply(err))
		return
	}
	cc.Reply(resp.NewSimpleString("OK"))
}

func parseSetHeader(args []string) (epoch uint64, flags model.Flags, rest []string, err error) {
	if len(args) < 2 {
		return 0, model.Flags{}, nil, rerror.ErrInvalidArg
	}
	epoch, perr := strconv.ParseUint(args[0], 10, 64)
	if perr != nil {
		return 0, model.Flags{}, nil, rerror.ErrInvalidArg
	}
	flags, ferr := topology.ParseFlagsOrDefault(args[1])
	if ferr != nil {
		return 0, model.Flags{}, nil, rerror.ErrInvalidArg
	}
	return epoch, flags, args[2:], nil
}

func (c *Conn) handleTMPSwitch(cc *cmdctx.CmdCtx, args []string) {
	if len(args) == 0 {
		cc.Reply(rerror.Reply(rerror.ErrInvalidArg))
		return
	}
	_, taskMeta, err := topology.ParseTMPSWITCH(args)
	if err != nil {
		cc.Reply(rerror.Reply(err))
		return
	}
	if err := c.meta.ApplyTMPSWITCH(taskMeta); err != nil {
		cc.Reply(rerror.Reply(err))
		return
	}
	cc.Reply(resp.NewSimpleString("OK"))
}

func (c *Conn) renderInfo() string {
	snap := c.meta.Lease()
	return fmt.Sprintf("epoch:%d\r\nconn_id:%s\r\ndeleting_ranges:%d\r\n",
		snap.Epoch, c.ID, len(snap.Deletes.Keys()))
}

func (c *Conn) handleCluster(cc *cmdctx.CmdCtx, args []string) {
	if len(args) == 0 {
		cc.Reply(rerror.Reply(rerror.ErrInvalidArg))
		return
	}
	switch strings.ToUpper(args[0]) {
	case "NODES":
		cc.Reply(resp.NewBulkString(c.renderClusterNodes(args[1:])))
	case "SLOTS":
		cc.Reply(c.renderClusterSlots(args[1:]))
	default:
		cc.Reply(rerror.Reply(rerror.ErrInvalidArg))
	}
}

// resolveCluster names the cluster args/the session's SELECTed name refer
// to, falling back to the sole known cluster when neither names one.
func (c *Conn) resolveCluster(snap *topology.Snapshot, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if name := c.db.Get(); name != "" {
		return name
	}
	if auto, ok := snap.DB.AutoSelectDB(); ok {
		return auto
	}
	return ""
}

// renderClusterNodes reports this proxy's own local ownership (with real
// slot ranges) plus the coordinator's last-pushed peer topology (spec §3:
// "peer enumerates peer proxies, used for cluster topology replies"), so
// a client asking for cluster topology sees the whole cluster, not just
// the slice this proxy happens to serve.
func (c *Conn) renderClusterNodes(args []string) string {
	var sb strings.Builder
	snap := c.meta.Lease()
	cluster := c.resolveCluster(snap, args)

	if db, ok := snap.DB.Cluster(cluster); ok {
		for _, addr := range db.SlotMap.Backends() {
			for _, r := range db.SlotMap.RangesFor(addr) {
				fmt.Fprintf(&sb, "%s master - 0 0 0 connected %d-%d\n", addr, r.Start, r.End-1)
			}
		}
	}
	for addr, ranges := range snap.Peer[cluster] {
		for _, r := range ranges {
			fmt.Fprintf(&sb, "%s master - 0 0 0 connected %d-%d\n", addr, r.Start, r.End-1)
		}
	}
	return sb.String()
}

// renderClusterSlots is CLUSTER NODES' structured counterpart: one row
// per contiguous range this proxy or a peer proxy owns.
func (c *Conn) renderClusterSlots(args []string) *resp.Value {
	snap := c.meta.Lease()
	cluster := c.resolveCluster(snap, args)
	var rows []*resp.Value

	if db, ok := snap.DB.Cluster(cluster); ok {
		for _, addr := range db.SlotMap.Backends() {
			for _, r := range db.SlotMap.RangesFor(addr) {
				rows = append(rows, clusterSlotsRow(r.Start, r.End-1, addr))
			}
		}
	}
	for addr, ranges := range snap.Peer[cluster] {
		for _, r := range ranges {
			rows = append(rows, clusterSlotsRow(r.Start, r.End-1, addr))
		}
	}
	return resp.NewArray(rows)
}

func clusterSlotsRow(start, end int, addr string) *resp.Value {
	return resp.NewArray([]*resp.Value{
		resp.NewInteger(int64(start)),
		resp.NewInteger(int64(end)),
		resp.NewBulkString(addr),
	})
}
