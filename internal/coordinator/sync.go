package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shardmesh/redisproxy/internal/model"
	"github.com/shardmesh/redisproxy/internal/resp"
	"github.com/shardmesh/redisproxy/internal/topology"
)

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func errInvalidReply(msg string) error { return fmt.Errorf("invalid reply: %s", msg) }

// Syncer drives the C8 sync loop: for every known proxy address, pull
// topology from Broker and push it down as UMCTL SETDB/SETPEER (spec §4.8).
// One proxy's failure never aborts the round — each proxy's push runs
// independently within the round's errgroup.
type Syncer struct {
	Broker    Broker
	Addresses func() []string
	Interval  time.Duration
	log       *zap.Logger

	epoch uint64
}

// NewSyncer builds a Syncer. addresses is called fresh at the start of
// every round so the coordinator picks up newly registered proxies without
// a restart.
func NewSyncer(broker Broker, addresses func() []string, interval time.Duration, log *zap.Logger) *Syncer {
	return &Syncer{Broker: broker, Addresses: addresses, Interval: interval, log: log}
}

// Run loops Round every Interval until ctx is canceled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		s.Round(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Round performs one sync pass over every known proxy address, fanning the
// per-proxy work out concurrently. It never returns an error: a failing
// proxy is logged and skipped, per spec §4.8's "failure of one proxy does
// not abort the round."
func (s *Syncer) Round(ctx context.Context) {
	s.epoch++
	epoch := s.epoch

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range s.Addresses() {
		addr := addr
		g.Go(func() error {
			if err := s.syncOne(gctx, addr, epoch); err != nil {
				s.log.Warn("sync round failed for proxy", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Syncer) syncOne(ctx context.Context, addr string, epoch uint64) error {
	host, ok, err := s.Broker.GetHost(ctx, addr)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("broker has no host topology yet", zap.String("addr", addr))
		return nil
	}
	peer, peerOK, err := s.Broker.GetPeer(ctx, addr)
	if err != nil {
		return err
	}

	client := newProxyClient(addr)

	local := hostToBlob(host)
	setdb := append([]string{"UMCTL", "SETDB", formatUint(epoch), model.Flags{}.String()}, local...)
	if reply, err := client.Send(setdb); err != nil {
		return err
	} else if reply.Type == resp.Error {
		return errInvalidReply(reply.Str)
	}

	if peerOK {
		peerBlob := hostToBlob(peer)
		setpeer := append([]string{"UMCTL", "SETPEER", formatUint(epoch), model.Flags{}.String()}, peerBlob...)
		if reply, err := client.Send(setpeer); err != nil {
			return err
		} else if reply.Type == resp.Error {
			return errInvalidReply(reply.Str)
		}
	}

	return nil
}

func hostToBlob(h model.Host) []string {
	topo := make(map[string]map[string][]model.SlotRange)
	for _, n := range h.Nodes {
		if topo[n.ClusterName] == nil {
			topo[n.ClusterName] = make(map[string][]model.SlotRange)
		}
		topo[n.ClusterName][n.Address] = append(topo[n.ClusterName][n.Address], n.SlotRanges...)
	}
	return topology.EncodeSlotBlob(topo)
}
