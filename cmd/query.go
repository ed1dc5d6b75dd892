package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/devtrail/internal/db"
	"github.com/ziadkadry99/devtrail/internal/store"
)

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Search recorded prompts",
	Long:  `Searches the recorded prompts for text and shows each match with the files it changed.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().Int("limit", 10, "maximum number of results")
	queryCmd.Flags().String("workspace", "", "only search this workspace root")
	queryCmd.Flags().Bool("json", false, "output results as JSON")
	rootCmd.AddCommand(queryCmd)
}

type queryResult struct {
	Rank   int          `json:"rank"`
	Prompt store.Prompt `json:"prompt"`
	Files  []string     `json:"files"`
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	queryText := args[0]

	limit, _ := cmd.Flags().GetInt("limit")
	workspace, _ := cmd.Flags().GetString("workspace")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.DBPath()); err != nil {
		fmt.Printf("No database at %s. Run `devtrail serve` first.\n", cfg.DBPath())
		return nil
	}
	database, err := db.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()
	s, err := store.NewStore(ctx, database, nil)
	if err != nil {
		return err
	}

	prompts, err := s.SearchPrompts(ctx, queryText, workspace, limit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(prompts) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	results := make([]queryResult, 0, len(prompts))
	for i, p := range prompts {
		changes, err := s.ListFileChanges(ctx, store.ListFilter{PromptID: p.ID, Limit: store.MaxLimit})
		if err != nil {
			return err
		}
		files := make([]string, 0, len(changes))
		for _, c := range changes {
			files = append(files, c.Path)
		}
		results = append(results, queryResult{Rank: i + 1, Prompt: p, Files: files})
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	printQueryResults(results)
	return nil
}

func printQueryResults(results []queryResult) {
	fmt.Printf("Found %d results:\n\n", len(results))
	for _, r := range results {
		fmt.Printf("  %d. %s  %s\n", r.Rank, r.Prompt.CreatedAt.Local().Format("2006-01-02 15:04"), r.Prompt.Workspace)
		fmt.Printf("     %s\n", truncate(strings.ReplaceAll(r.Prompt.Text, "\n", " "), 120))
		if len(r.Files) > 0 {
			fmt.Printf("     files: %s\n", strings.Join(r.Files, ", "))
		}
		fmt.Println()
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
