// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/axonrun/mlxserve/envconfig"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit dem serve Command
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "mlxserve",
		Short:         "Prompt-prefix KV-cache manager for an LLM inference server",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				fmt.Println(cliVersionString)
				return
			}
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	serveCmd := newServeCmd()
	appendEnvDocs(serveCmd, []envconfig.EnvVar{
		{Name: "MLXSERVE_KV_CACHE", Description: "Enable or disable the prompt-prefix KV cache (default: false)"},
		{Name: "MLXSERVE_KV_MAX_BYTES_MB", Description: "Byte ceiling across all cache entries, in MiB (default: 1024)"},
		{Name: "MLXSERVE_KV_TTL_MINUTES", Description: "Idle minutes before a cache entry expires (default: 30)"},
		{Name: "MLXSERVE_NUM_PARALLEL", Description: "Max concurrent /api/generate requests (default: 4)"},
		{Name: "OLLAMA_HOST", Description: "Address to listen on (default: 127.0.0.1:11434)"},
	})

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
