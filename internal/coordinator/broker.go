// Package coordinator implements the C8 sync loop: pulling authoritative
// topology from an external broker and pushing it to each known proxy as
// UMCTL SETDB/SETPEER admin commands (spec §4.8).
package coordinator

import (
	"context"

	"github.com/shardmesh/redisproxy/internal/model"
)

// Broker is the pull-side contract spec §4.8/§6 describes as an opaque
// external metadata store. Transport is out of scope; an implementation
// might be backed by etcd, a config service, or a flat file watcher.
type Broker interface {
	// GetHost returns the authoritative host topology for the proxy at
	// addr, or ok=false if the broker has no opinion yet.
	GetHost(ctx context.Context, addr string) (model.Host, bool, error)
	// GetPeer returns the peer (non-local) topology the proxy at addr
	// should know about for CLUSTER NODES/SLOTS reporting.
	GetPeer(ctx context.Context, addr string) (model.Host, bool, error)
	// ReportFinished notifies the broker that the listed migration
	// ranges committed or switched, so it can retire them from the
	// authoritative topology.
	ReportFinished(ctx context.Context, proxyAddr string, tasks []FinishedTask) error
}

// FinishedTask mirrors topology.Task's externally relevant fields, without
// importing the topology package (the coordinator talks to proxies only
// over the admin wire protocol, never in-process).
type FinishedTask struct {
	Cluster string
	Start   int
	End     int
}
