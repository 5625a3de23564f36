// Command gameforge turns a natural-language game idea into a runnable game by
// planning, implementing, running and fuzzing candidates until one survives.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"gameforge/pkg/config"
	"gameforge/pkg/logx"
	"gameforge/pkg/version"
)

//nolint:gochecknoglobals // cobra flag targets
var (
	configPath   string
	projectDir   string
	debug        bool
	debugDomains []string
)

var rootCmd = &cobra.Command{
	Use:          "gameforge",
	Short:        "Closed-loop game synthesis and repair",
	Long:         "gameforge retrieves reference modules, drafts a game with a planner and an engineer, runs it in a sandbox, replays fuzzed input against it and repairs it from structured diagnostics.",
	SilenceUsage: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		if debug {
			logx.SetDebug(true)
		}
		if len(debugDomains) > 0 {
			logx.SetDebug(true)
			logx.SetDebugDomains(debugDomains)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", ".", "Directory holding the .gameforge secrets file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging for every domain")
	rootCmd.PersistentFlags().StringSliceVar(&debugDomains, "debug-domain", nil, "Enable debug logging for specific domains (repair, fuzz, sandbox, ...)")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads configuration and installs it process-wide.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	config.SetConfig(cfg)
	return cfg, nil
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
