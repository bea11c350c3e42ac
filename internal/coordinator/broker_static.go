package coordinator

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/shardmesh/redisproxy/internal/model"
)

// StaticBroker is a minimal Broker reading topology from a JSON file on
// disk, reloaded on every call. Spec's broker is an opaque external
// collaborator with transport explicitly out of scope; this is the
// simplest concrete Broker that makes cmd/coordinator runnable standalone,
// not a stand-in for a specific production metadata store.
type StaticBroker struct {
	mu   sync.Mutex
	path string
}

// staticBrokerDoc is the on-disk shape: per proxy address, its own host
// topology and the peer topology it should report.
type staticBrokerDoc struct {
	Hosts map[string]model.Host `json:"hosts"`
	Peers map[string]model.Host `json:"peers"`
}

// NewStaticBroker builds a broker reading from path. An empty or missing
// path behaves as a broker with no opinion on any address yet.
func NewStaticBroker(path ...string) *StaticBroker {
	p := ""
	if len(path) > 0 {
		p = path[0]
	}
	return &StaticBroker{path: p}
}

func (b *StaticBroker) load() (staticBrokerDoc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var doc staticBrokerDoc
	if b.path == "" {
		return doc, nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}

func (b *StaticBroker) GetHost(_ context.Context, addr string) (model.Host, bool, error) {
	doc, err := b.load()
	if err != nil {
		return model.Host{}, false, err
	}
	h, ok := doc.Hosts[addr]
	return h, ok, nil
}

func (b *StaticBroker) GetPeer(_ context.Context, addr string) (model.Host, bool, error) {
	doc, err := b.load()
	if err != nil {
		return model.Host{}, false, err
	}
	h, ok := doc.Peers[addr]
	return h, ok, nil
}

func (b *StaticBroker) ReportFinished(_ context.Context, proxyAddr string, tasks []FinishedTask) error {
	// The static file broker has no write side to retire tasks into;
	// reporting is a no-op here and would be wired to the real metadata
	// store in a production Broker implementation.
	return nil
}
