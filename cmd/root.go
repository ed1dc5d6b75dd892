package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/devtrail/internal/app"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "devtrail",
	Short: "Local recorder of prompts, edits and terminal activity",
	Long: `devtrail watches your workspace, your editor's chat history and your
terminal, and links what you asked an assistant to the files and
commands that followed. Everything stays on this machine in a single
SQLite database and is served over a local HTTP and WebSocket API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return app.ExitCode(err)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", ".devtrail.yml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
