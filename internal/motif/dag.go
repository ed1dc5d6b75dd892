package motif

import (
	"sort"
	"strings"
	"time"

	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/store"
)

// Window is a run of activities in one workspace with no silence longer
// than the gap between consecutive members.
type Window struct {
	Workspace  string
	Start      time.Time
	End        time.Time
	Activities []store.Activity
}

// Slice buckets acts by workspace and splits each bucket on silence gaps
// longer than gap. acts must be in ascending seq order; members of a window
// keep that order. Activities without a token are left out.
func Slice(acts []store.Activity, gap time.Duration) []Window {
	var (
		order   []string
		buckets = make(map[string][]store.Activity)
	)
	for _, a := range acts {
		if _, ok := Token(a); !ok {
			continue
		}
		if _, seen := buckets[a.Workspace]; !seen {
			order = append(order, a.Workspace)
		}
		buckets[a.Workspace] = append(buckets[a.Workspace], a)
	}

	var out []Window
	for _, ws := range order {
		var cur *Window
		var last time.Time
		for _, a := range buckets[ws] {
			if cur != nil && a.CreatedAt.Sub(last) > gap {
				out = append(out, *cur)
				cur = nil
			}
			if cur == nil {
				cur = &Window{Workspace: ws, Start: a.CreatedAt, End: a.CreatedAt}
			}
			cur.Activities = append(cur.Activities, a)
			if a.CreatedAt.Before(cur.Start) {
				cur.Start = a.CreatedAt
			}
			if a.CreatedAt.After(cur.End) {
				cur.End = a.CreatedAt
			}
			// Clock skew never splits a window.
			if a.CreatedAt.After(last) || last.IsZero() {
				last = a.CreatedAt
			}
		}
		if cur != nil {
			out = append(out, *cur)
		}
	}
	return out
}

// BuildDAG canonicalizes a window in a single pass. Runs of the same token
// collapse into one node. Nodes are chained in order, and every node caused
// by a prompt in the window also gets an edge from that prompt's node.
func BuildDAG(w Window) store.DAG {
	g := store.DAG{
		Workspace:   w.Workspace,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		ActivityIDs: make([]string, 0, len(w.Activities)),
		Actions:     []string{},
		Edges:       [][2]int{},
		Intents:     []string{},
	}

	promptNode := make(map[string]int)
	edges := make(map[[2]int]struct{})
	addEdge := func(from, to int) {
		e := [2]int{from, to}
		if from == to {
			return
		}
		if _, ok := edges[e]; ok {
			return
		}
		edges[e] = struct{}{}
		g.Edges = append(g.Edges, e)
	}
	intents := make(map[string]struct{})

	for _, a := range w.Activities {
		tok, ok := Token(a)
		if !ok {
			continue
		}
		g.ActivityIDs = append(g.ActivityIDs, a.ID)

		node := len(g.Actions) - 1
		if node < 0 || g.Actions[node] != tok {
			g.Actions = append(g.Actions, tok)
			if node >= 0 {
				addEdge(node, node+1)
			}
			node++
		}

		if a.Kind == store.ActivityPrompt {
			promptNode[a.RefID] = node
			if in := Intent(a); in != "" {
				intents[in] = struct{}{}
			}
			continue
		}
		if from, ok := promptNode[a.PromptID]; ok && a.PromptID != "" {
			addEdge(from, node)
		}
	}

	for in := range intents {
		g.Intents = append(g.Intents, in)
	}
	sort.Strings(g.Intents)
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i][0] != g.Edges[j][0] {
			return g.Edges[i][0] < g.Edges[j][0]
		}
		return g.Edges[i][1] < g.Edges[j][1]
	})
	g.Signature = strings.Join(g.Actions, ">")
	g.Fingerprint = event.Fingerprint(append([]string{"dag", w.Workspace}, g.ActivityIDs...)...)
	return g
}
