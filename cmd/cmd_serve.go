// cmd_serve.go - Server-Startfunktionen
// Hauptfunktionen: RunServer, newServeCmd
package cmd

import (
	"errors"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/axonrun/mlxserve/envconfig"
	"github.com/axonrun/mlxserve/kvcache"
	"github.com/axonrun/mlxserve/server"
)

// cliVersionString identifies this build for the `--version` flag.
const cliVersionString = "mlxserve version 0.1.0-kvcache"

// RunServer constructs the cache manager from the environment and starts
// the HTTP server. enable_cache=false (§6) is realized by constructing a
// NullManager rather than a real Manager, never by branching in the server
// or bridge.
func RunServer(_ *cobra.Command, _ []string) error {
	var mgr kvcache.CacheManager
	if envconfig.KVCacheEnabledDefault() {
		mgr = kvcache.NewManager(envconfig.KVCacheMaxBytesMB(), envconfig.KVCacheTTLMinutes())
	} else {
		mgr = kvcache.NullManager{}
	}

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln, mgr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// newServeCmd - Erstellt den serve Command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the cache-manager server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
}
