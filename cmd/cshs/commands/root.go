// Package commands implements the cshs CLI: the server start command, the
// offline users tool, and version information.
package commands

import "github.com/spf13/cobra"

var (
	// Version information injected at build time.
	Version = "1.3.3"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cshs",
	Short: "CSH remote filesystem server",
	Long: `cshs serves a directory tree over the CSH protocol: a tagged binary
wire format with password-authenticated sessions, per-user permissions and a
path sandbox rooted at the served directory.

Use "cshs [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
