package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/axonrun/mlxserve/envconfig"
)

// CacheStatusHandler reports the manager's occupancy, configuration and
// running counters (§4.D status()/stats()).
func (s *Server) CacheStatusHandler(c *gin.Context) {
	status := s.mgr.Status()
	stats := s.mgr.Stats()

	c.JSON(http.StatusOK, gin.H{
		"enabled":         envconfig.KVCacheEnabledDefault(),
		"entry_count":     status.EntryCount,
		"current_size_mb": status.BytesMB,
		"max_size_mb":     status.MaxBytesMB,
		"ttl_minutes":     status.TTLMinutes,
		"stats": gin.H{
			"hits":                   stats.Hits,
			"misses":                 stats.Misses,
			"evictions":              stats.Evictions,
			"hit_rate":               stats.HitRate(),
			"total_tokens_reused":    stats.TotalReused,
			"total_tokens_processed": stats.TotalProcessed,
			"average_tokens_reused":  stats.AvgReused(),
		},
	})
}

// CacheClearHandler drops every cache entry (§4.D clear()).
func (s *Server) CacheClearHandler(c *gin.Context) {
	s.mgr.Clear()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "cache cleared",
	})
}
