package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ziadkadry99/devtrail/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize devtrail configuration with an interactive wizard",
	Long:  `Runs an interactive wizard to choose watch roots and sources, and writes a .devtrail.yml file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.RunWizard(cfgFile)
		return err
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
