// Package matcher resolves ambiguous frame-to-frame transitions into a set of
// directed links.
package matcher

import (
	"math"
	"sort"

	"trackcore/pkg/domain"
)

// Cost selects how the distance between two objects is measured.
type Cost int

const (
	// CostCenterDistance uses the euclidean distance of the region centers.
	CostCenterDistance Cost = iota
	// CostOverlap uses one minus the intersection over union of the boxes.
	CostOverlap
)

// DefaultMaxCost rejects nothing in practice while keeping squared costs
// finite: sqrt(math.MaxFloat64) is about 1.3e154.
const DefaultMaxCost = 1e100

// Pair identifies a directed link by object ids.
type Pair struct {
	Prev domain.ObjectID
	Next domain.ObjectID
}

// Options tune a matching run.
type Options struct {
	AllowSplit bool
	AllowMerge bool
	Cost       Cost
	// MaxCost bounds accepted edges; zero means DefaultMaxCost.
	MaxCost float64
	// Existing lists the links present before the run.
	Existing []Pair
}

// Link is one produced correspondence.
type Link struct {
	Prev *domain.TrackedObject
	Next *domain.TrackedObject
	Cost float64
}

// Pair returns the ids of the link.
func (l Link) Pair() Pair { return Pair{Prev: l.Prev.ID, Next: l.Next.ID} }

// Assignment is the result of a run. Existing holds the produced links that
// coincide with Options.Existing.
type Assignment struct {
	Links    []Link
	Existing []Link
}

// OutDegree counts the produced links leaving id.
func (a Assignment) OutDegree(id domain.ObjectID) int {
	n := 0
	for _, l := range a.Links {
		if l.Prev.ID == id {
			n++
		}
	}
	return n
}

// InDegree counts the produced links entering id.
func (a Assignment) InDegree(id domain.ObjectID) int {
	n := 0
	for _, l := range a.Links {
		if l.Next.ID == id {
			n++
		}
	}
	return n
}

// Greedy is the default matcher.
type Greedy struct{}

// Match implements the matcher contract used by the orchestrator.
func (Greedy) Match(prev, cur []*domain.TrackedObject, opts Options) Assignment {
	return Match(prev, cur, opts)
}

type edge struct {
	p, c int
	cost float64
}

// Match assigns cur objects to prev objects. The first pass is a greedy
// one-to-one assignment over edges sorted by cost, prev index and cur index.
// The second pass attaches leftovers as extra split daughters or merge
// members when the options allow it, keeping every connected component a star.
func Match(prev, cur []*domain.TrackedObject, opts Options) Assignment {
	maxCost := opts.MaxCost
	if maxCost <= 0 {
		maxCost = DefaultMaxCost
	}
	var edges []edge
	for i, p := range prev {
		for j, c := range cur {
			cost := Distance(p, c, opts.Cost)
			if math.IsNaN(cost) || cost > maxCost {
				continue
			}
			edges = append(edges, edge{p: i, c: j, cost: cost})
		}
	}
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.cost != b.cost {
			return a.cost < b.cost
		}
		if a.p != b.p {
			return a.p < b.p
		}
		return a.c < b.c
	})

	out := make([][]int, len(prev))
	in := make([][]int, len(cur))
	costs := make(map[[2]int]float64)
	add := func(e edge) {
		out[e.p] = append(out[e.p], e.c)
		in[e.c] = append(in[e.c], e.p)
		costs[[2]int{e.p, e.c}] = e.cost
	}

	for _, e := range edges {
		if len(out[e.p]) == 0 && len(in[e.c]) == 0 {
			add(e)
		}
	}

	if opts.AllowSplit {
		for _, e := range edges {
			if len(in[e.c]) != 0 || len(out[e.p]) == 0 {
				continue
			}
			// p must not already be a merge member.
			if t := out[e.p][0]; len(in[t]) > 1 {
				continue
			}
			add(e)
		}
	}
	if opts.AllowMerge {
		for _, e := range edges {
			if len(out[e.p]) != 0 || len(in[e.c]) == 0 {
				continue
			}
			// c must not already be a split daughter.
			if s := in[e.c][0]; len(out[s]) > 1 {
				continue
			}
			add(e)
		}
	}

	existing := make(map[Pair]struct{}, len(opts.Existing))
	for _, p := range opts.Existing {
		existing[p] = struct{}{}
	}
	var res Assignment
	for i := range prev {
		cs := append([]int(nil), out[i]...)
		sort.Ints(cs)
		for _, j := range cs {
			l := Link{Prev: prev[i], Next: cur[j], Cost: costs[[2]int{i, j}]}
			res.Links = append(res.Links, l)
			if _, ok := existing[l.Pair()]; ok {
				res.Existing = append(res.Existing, l)
			}
		}
	}
	return res
}

// Distance measures two objects with the selected cost.
func Distance(a, b *domain.TrackedObject, cost Cost) float64 {
	switch cost {
	case CostOverlap:
		inter, ok := a.Region.Box.Intersect(b.Region.Box)
		if !ok {
			return 1
		}
		iv := inter.Volume()
		union := a.Region.Box.Volume() + b.Region.Box.Volume() - iv
		if union <= 0 {
			return 1
		}
		return 1 - iv/union
	default:
		return a.Region.Center.Distance(b.Region.Center)
	}
}
