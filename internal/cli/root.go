// Package cli implements the craftswarm command line.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/craftswarm/craftswarm/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   ___           __ _   ___\n" +
		"  / __|_ _ __ _ / _| |_/ __|_ __ ____ _ _ _ _ __\n" +
		" | (__| '_/ _` |  _|  _\\__ \\ V  V / _` | '_| '  \\\n" +
		"  \\___|_| \\__,_|_|  \\__|___/\\_/\\_/\\__,_|_| |_|_|_|\n"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "craftswarm",
	Short:         "craftswarm - worker pool supervisor",
	Long:          color.CyanString(logo) + "\nSupervises a pool of game-client worker processes.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(cmd.ErrOrStderr(), logLevel)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $CRAFTSWARM_CONFIG or ~/.craftswarm/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default from config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
}
