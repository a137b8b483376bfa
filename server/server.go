// Package server exposes the prompt-prefix KV-cache manager over HTTP: a
// small management surface (status/clear) and a demo generation endpoint
// that drives the Generation Bridge the way a real decode loop would.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/semaphore"

	"github.com/axonrun/mlxserve/envconfig"
	"github.com/axonrun/mlxserve/kvcache"
)

// cliVersion identifies this build in the version and logging surface. It
// has no release-automation behind it; update by hand.
const cliVersion = "0.1.0-kvcache"

// Server wires a kvcache.Manager into a gin router and owns the listener
// lifecycle, mirroring the teacher's own Server/GenerateRoutes/Serve split.
type Server struct {
	addr     net.Addr
	bridge   *kvcache.Bridge
	mgr      kvcache.CacheManager
	genSlots *semaphore.Weighted
}

// NewServer constructs a Server around the given cache manager. Passing
// kvcache.NullManager{} realizes a disabled cache without branching
// anywhere in the routes below. genSlots bounds how many /api/generate
// requests run their decode loop concurrently, the same way the teacher's
// seqsSem bounds concurrent sequences in runner/ollamarunner.
func NewServer(mgr kvcache.CacheManager) *Server {
	return &Server{
		bridge:   kvcache.NewBridge(mgr),
		mgr:      mgr,
		genSlots: semaphore.NewWeighted(int64(envconfig.NumParallel())),
	}
}

// Routes builds the gin engine: the management surface plus the demo
// generation endpoint (§4.H).
func (s *Server) Routes() http.Handler {
	r := gin.Default()
	r.HandleMethodNotAllowed = true

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "mlxserve kv-cache manager is running") })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": cliVersion}) })

	r.GET("/api/cache/status", s.CacheStatusHandler)
	r.DELETE("/api/cache", s.CacheClearHandler)

	r.POST("/api/generate", s.GenerateHandler)

	return r
}

// Serve starts the HTTP server on ln and blocks until it shuts down, either
// because of a signal or because the listener closed.
func Serve(ln net.Listener, mgr kvcache.CacheManager) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: envconfig.LogLevel()})))
	slog.Info("server config",
		"kv_cache", envconfig.KVCacheEnabledDefault(),
		"kv_max_bytes_mb", envconfig.KVCacheMaxBytesMB(),
		"kv_ttl_minutes", envconfig.KVCacheTTLMinutes(),
		"num_parallel", envconfig.NumParallel(),
	)

	s := NewServer(mgr)
	s.addr = ln.Addr()
	h := s.Routes()

	srvr := &http.Server{Handler: h}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
	}()

	slog.Info(fmt.Sprintf("listening on %s (version %s)", ln.Addr(), cliVersion))
	return srvr.Serve(ln)
}
