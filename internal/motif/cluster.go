package motif

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/ziadkadry99/devtrail/internal/store"
)

// Cluster groups DAGs whose action sequences are within maxDistance edits
// of a cluster's representative and returns the clusters with at least
// minSize members as motifs, largest first.
//
// The result depends only on the DAGs' contents, not on the order they are
// passed in, so rebuilding from unchanged inputs yields the same motifs.
func Cluster(dags []store.DAG, maxDistance, minSize int) []store.Motif {
	if minSize < 1 {
		minSize = 1
	}

	// Identical signatures are always in the same cluster.
	bySig := make(map[string][]store.DAG)
	for _, g := range dags {
		if len(g.Actions) == 0 {
			continue
		}
		bySig[g.Signature] = append(bySig[g.Signature], g)
	}
	groups := make([]sigGroup, 0, len(bySig))
	for sig, members := range bySig {
		sortDAGs(members)
		groups = append(groups, sigGroup{signature: sig, actions: members[0].Actions, members: members})
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].members) != len(groups[j].members) {
			return len(groups[i].members) > len(groups[j].members)
		}
		return groups[i].signature < groups[j].signature
	})

	enc := newEncoder(groups)
	var clusters []*cluster
	for i := range groups {
		g := &groups[i]
		code := enc.encode(g.actions)
		var home *cluster
		for _, c := range clusters {
			if levenshtein.ComputeDistance(c.code, code) <= maxDistance {
				home = c
				break
			}
		}
		if home == nil {
			home = &cluster{rep: g, code: code}
			clusters = append(clusters, home)
		}
		home.members = append(home.members, g.members...)
	}

	var out []store.Motif
	for _, c := range clusters {
		if len(c.members) < minSize {
			continue
		}
		sortDAGs(c.members)
		ids := make([]string, len(c.members))
		for i, m := range c.members {
			ids[i] = m.ID
		}
		out = append(out, store.Motif{
			RepresentativeDAGID: c.rep.members[0].ID,
			MemberDAGIDs:        ids,
			Size:                len(ids),
			Actions:             c.rep.actions,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Size > out[j].Size
	})
	for i := range out {
		out[i].ClusterID = i + 1
	}
	return out
}

type sigGroup struct {
	signature string
	actions   []string
	members   []store.DAG
}

type cluster struct {
	rep     *sigGroup
	code    string
	members []store.DAG
}

// encoder maps each distinct token to one rune so edit distance counts
// whole actions rather than characters.
type encoder struct {
	runes map[string]rune
}

func newEncoder(groups []sigGroup) *encoder {
	var tokens []string
	seen := make(map[string]struct{})
	for _, g := range groups {
		for _, a := range g.actions {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			tokens = append(tokens, a)
		}
	}
	sort.Strings(tokens)
	e := &encoder{runes: make(map[string]rune, len(tokens))}
	for i, t := range tokens {
		e.runes[t] = rune(0xE000 + i)
	}
	return e
}

func (e *encoder) encode(actions []string) string {
	rs := make([]rune, len(actions))
	for i, a := range actions {
		rs[i] = e.runes[a]
	}
	return string(rs)
}

func sortDAGs(ds []store.DAG) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].WindowStart.Equal(ds[j].WindowStart) {
			return ds[i].WindowStart.Before(ds[j].WindowStart)
		}
		if ds[i].Workspace != ds[j].Workspace {
			return ds[i].Workspace < ds[j].Workspace
		}
		return ds[i].ID < ds[j].ID
	})
}

// sameMotifs reports whether two motif sets have identical member sets.
func sameMotifs(a, b []store.Motif) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(m store.Motif) string {
		ids := append([]string(nil), m.MemberDAGIDs...)
		sort.Strings(ids)
		return strings.Join(ids, ",")
	}
	seen := make(map[string]int, len(a))
	for _, m := range a {
		seen[key(m)]++
	}
	for _, m := range b {
		k := key(m)
		if seen[k] == 0 {
			return false
		}
		seen[k]--
	}
	return true
}
