package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/sources"
)

var shellHookCmd = &cobra.Command{
	Use:       "shell-hook <zsh|bash>",
	Short:     "Print the shell snippet that records commands and exit codes",
	Long:      `Prints a snippet for your shell rc file. Add it with: eval "$(devtrail shell-hook zsh)"`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"zsh", "bash"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		hook, err := sources.ShellHook(args[0], cfg.SpoolPath())
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "shell-hook", err)
		}
		fmt.Print(hook)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(shellHookCmd)
}
