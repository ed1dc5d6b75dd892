package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/devtrail/internal/app"
	"github.com/ziadkadry99/devtrail/internal/progress"
)

var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Feed a recorded raw event stream through the pipeline",
	Long: `Reads one raw event per line and runs it through the ingest queue and the
correlator into the store. Events already recorded are skipped, so
replaying the same stream twice writes nothing the second time. Use "-"
to read from stdin. The daemon must not be running on the same data dir.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	var (
		r     io.Reader
		total int64 = -1
	)
	if args[0] == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening replay file: %w", err)
		}
		defer f.Close()
		if total, err = countLines(f); err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		r = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	rep := progress.NewReporter()
	rep.Start(total, "Replaying events")
	res, err := a.Replay(ctx, r, func(n int) { rep.Update(int64(n)) })
	rep.Finish(fmt.Sprintf("%d lines: %d admitted, %d invalid, %d records written (seq %d..%d)",
		res.Lines, res.Admitted, res.Invalid, res.Written(), res.SeqFrom, res.SeqTo))
	if err != nil {
		return err
	}
	return a.Checkpoint(ctx)
}

// countLines counts non-empty lines so the progress bar has a total.
func countLines(r io.Reader) (int64, error) {
	var n int64
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}
