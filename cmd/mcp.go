package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/devtrail/internal/config"
	"github.com/ziadkadry99/devtrail/internal/db"
	mcpserver "github.com/ziadkadry99/devtrail/internal/mcp"
	"github.com/ziadkadry99/devtrail/internal/query"
	"github.com/ziadkadry99/devtrail/internal/store"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server for AI agent integration",
	Long: `Starts a Model Context Protocol (MCP) server on stdio exposing read-only
tools over the recorded history. It can run next to ` + "`devtrail serve`" + `.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database, err := db.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer database.Close()

		s, err := store.NewStore(context.Background(), database, nil)
		if err != nil {
			return err
		}
		q := query.New(query.Config{CacheTTL: config.Ms(cfg.CacheTTLMs), DedupeWindow: config.Ms(cfg.WDedupeMs)}, s, nil, newLogger(cfg))

		mcpserver.Version = Version

		fmt.Fprintf(os.Stderr, "devtrail MCP server started on stdio (db=%s, seq=%d)\n", cfg.DBPath(), s.CurrentSeq())

		return mcpserver.NewServer(q).Serve()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
