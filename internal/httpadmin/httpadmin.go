// Package httpadmin exposes a read-only debug view over the proxy's
// current topology snapshot, grounded in the teacher's use of gin for its
// own admin-style key inspection endpoint.
package httpadmin

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shardmesh/redisproxy/internal/topology"
)

// Server wraps a gin engine bound to one MetaMap.
type Server struct {
	meta   *topology.MetaMap
	log    *zap.Logger
	engine *gin.Engine
}

// New builds the debug HTTP server. It does not start listening.
func New(meta *topology.MetaMap, log *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())

	s := &Server{meta: meta, log: log, engine: e}
	e.GET("/debug/meta", s.getMeta)
	e.GET("/debug/healthz", s.getHealthz)
	return s
}

// Run blocks serving on addr.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) getHealthz(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// getMeta reports the current epoch, the migration ranges that have
// finished, and the ranges with an active deletion driver. It does not
// report slot ownership. It never mutates state — the
// proxy takes topology writes only from UMCTL SETDB/SETPEER/TMPSWITCH on
// the RESP listener, never over HTTP.
func (s *Server) getMeta(c *gin.Context) {
	snap := s.meta.Lease()
	out := gin.H{
		"epoch":               snap.Epoch,
		"finished_migrations": finishedTaskSummaries(snap),
		"deleting_ranges":     snap.Deletes.Keys(),
	}
	c.JSON(200, out)
}

func finishedTaskSummaries(snap *topology.Snapshot) []gin.H {
	tasks := snap.Migration.GetFinishedTasks()
	out := make([]gin.H, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, gin.H{
			"cluster": t.Cluster,
			"start":   t.Range.Start,
			"end":     t.Range.End,
		})
	}
	return out
}
