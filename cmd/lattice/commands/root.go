package commands

import (
	"github.com/spf13/cobra"
)

var (
	// adminURL is the base URL of the daemon's admin server.
	adminURL string

	// dbPath is the path to the SQLite database, for commands that read
	// it directly.
	dbPath string

	// outputFormat controls output format (text, json).
	outputFormat string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Lattice cluster operations CLI",
	Long: `Lattice CLI inspects a running latticed silo: live activations,
consistent hash ring placement, reminders, and dead letters.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags.
	rootCmd.PersistentFlags().StringVar(
		&adminURL, "admin", "http://localhost:7421",
		"Base URL of the latticed admin server",
	)
	rootCmd.PersistentFlags().StringVar(
		&dbPath, "db", "",
		"Path to SQLite database (default: ~/.lattice/lattice.db)",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json",
	)

	// Add subcommands.
	rootCmd.AddCommand(actorsCmd)
	rootCmd.AddCommand(ringCmd)
	rootCmd.AddCommand(remindersCmd)
	rootCmd.AddCommand(deadlettersCmd)
	rootCmd.AddCommand(versionCmd)
}
