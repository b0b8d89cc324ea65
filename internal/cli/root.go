package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rarun",
	Short: "Pick a rust-analyzer runnable and turn it into a cargo task",
	Long: `rarun asks rust-analyzer which runnables (binaries, tests, benches,
doctests) exist at a position in a Rust source file, lets you pick one
and turns it into a cargo task with the configured environment.

Running 'rarun' without a subcommand is equivalent to 'rarun select'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return selectCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(initCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to rarun config file (default: search up directory tree)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn or error")

	// Position flags, shared by every command that asks for runnables
	rootCmd.PersistentFlags().StringP("file", "f", "", "Rust source file to ask about")
	rootCmd.PersistentFlags().IntP("line", "l", 0, "1-based cursor line (0 asks for the whole file)")
	rootCmd.PersistentFlags().Int("col", 1, "1-based cursor column")
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
