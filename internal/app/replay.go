package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/clock"
	"github.com/ziadkadry99/devtrail/internal/event"
)

// maxReplayLine bounds one JSON line of a replay file.
const maxReplayLine = 4 << 20

// ReplayResult summarises a replay.
type ReplayResult struct {
	Lines    int   `json:"lines"`
	Admitted int   `json:"admitted"`
	Invalid  int   `json:"invalid"`
	SeqFrom  int64 `json:"seq_from"`
	SeqTo    int64 `json:"seq_to"`
}

// Written is the number of seq values the replay consumed. Replaying the
// same stream twice writes nothing the second time.
func (r ReplayResult) Written() int64 { return r.SeqTo - r.SeqFrom }

// Replay feeds a JSON-lines stream of raw events through the queue and the
// correlator into the store. It must not run alongside Run. progress, when
// set, is called after every line.
func (a *App) Replay(ctx context.Context, r io.Reader, progress func(lines int)) (ReplayResult, error) {
	res := ReplayResult{SeqFrom: a.Store.CurrentSeq()}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxReplayLine)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		res.Lines++
		if progress != nil {
			progress(res.Lines)
		}

		ev, err := decodeReplayLine(line)
		if err != nil {
			res.Invalid++
			a.Logger.Warn("skipping replay line", "line", res.Lines, "error", err)
			continue
		}
		if err := a.admitReplay(ctx, ev); err != nil {
			return res, err
		}
		res.Admitted++
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("reading replay stream: %w", err)
	}

	if err := a.Pipeline.Drain(ctx); err != nil {
		return res, err
	}
	res.SeqTo = a.Store.CurrentSeq()
	return res, nil
}

// admitReplay admits ev, draining the queue first whenever it is full.
func (a *App) admitReplay(ctx context.Context, ev event.RawEvent) error {
	if a.Queue.Pressure() >= 1 {
		if err := a.Pipeline.Drain(ctx); err != nil {
			return err
		}
	}
	err := a.Queue.Admit(ev)
	if apperr.Is(err, apperr.KindConflict) {
		if err := a.Pipeline.Drain(ctx); err != nil {
			return err
		}
		err = a.Queue.Admit(ev)
	}
	return err
}

func decodeReplayLine(line string) (event.RawEvent, error) {
	var ev event.RawEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return ev, err
	}
	if !ev.Source.Valid() {
		return ev, fmt.Errorf("unknown source %q", ev.Source)
	}
	if ev.Kind == "" {
		return ev, fmt.Errorf("missing kind")
	}
	if ev.At.IsZero() {
		return ev, fmt.Errorf("missing at")
	}
	if ev.ID == "" {
		ev.ID = clock.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = ev.At
	}
	return ev, nil
}
