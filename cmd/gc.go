package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/devtrail/internal/app"
	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/store"
)

var (
	gcBeforeSeq     int64
	gcOlderThanDays int
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete old records",
	Long: `Deletes every record below a seq, or older than a number of days. With
no flags, retention_days from the config applies. The daemon must not be
running on the same data dir.`,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().Int64Var(&gcBeforeSeq, "before-seq", 0, "delete records with seq below this value")
	gcCmd.Flags().IntVar(&gcOlderThanDays, "older-than-days", 0, "delete records older than this many days")
	gcCmd.MarkFlagsMutuallyExclusive("before-seq", "older-than-days")
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if gcBeforeSeq < 0 || gcOlderThanDays < 0 {
		return apperr.Validationf("gc bounds must be positive")
	}

	ctx := context.Background()
	a, err := app.Open(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	var res store.GCResult
	switch {
	case gcBeforeSeq > 0:
		res, err = a.GC(ctx, gcBeforeSeq)
	case gcOlderThanDays > 0:
		res, err = a.GCOlderThan(ctx, time.Duration(gcOlderThanDays)*24*time.Hour)
	default:
		res, err = a.GCOlderThan(ctx, cfg.Retention())
	}
	if err != nil {
		return err
	}

	printGCResult(res)
	return a.Checkpoint(ctx)
}

func printGCResult(res store.GCResult) {
	fmt.Printf("Deleted %d record(s) below seq %d\n", res.Total(), res.BeforeSeq)
	tables := make([]string, 0, len(res.Deleted))
	for t := range res.Deleted {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		if n := res.Deleted[t]; n > 0 {
			fmt.Printf("  %-18s %d\n", t, n)
		}
	}
}
