// Package resolve turns overlapping detector candidates into a deterministic,
// non-overlapping entity list.
//
// Precedence between two overlapping entities is lexicographic:
//
//  1. a high-specificity type beats any other type
//  2. higher confidence
//  3. longer span
//  4. the entity already accepted stays
//
// Because the order is lexicographic it is transitive, which keeps cluster
// resolution independent of the order incumbents were accepted in.
package resolve

import (
	"sort"

	"github.com/straja-ai/lexanon/internal/pii"
)

const confidenceEpsilon = 1e-9

// Wins reports whether candidate displaces incumbent. Ties keep the incumbent.
func Wins(candidate, incumbent pii.Entity) bool {
	return compare(candidate, incumbent) > 0
}

// compare orders by precedence; positive means a outranks b.
func compare(a, b pii.Entity) int {
	ah, bh := a.Type.HighSpecificity(), b.Type.HighSpecificity()
	if ah != bh {
		if ah {
			return 1
		}
		return -1
	}
	if d := a.Confidence - b.Confidence; d > confidenceEpsilon {
		return 1
	} else if d < -confidenceEpsilon {
		return -1
	}
	if a.Len() != b.Len() {
		if a.Len() > b.Len() {
			return 1
		}
		return -1
	}
	return 0
}

type item struct {
	id int
	pii.Entity
}

// resolver holds the working state of one Resolve call. accepted is kept
// sorted by start and pairwise non-overlapping at every step.
type resolver struct {
	accepted []item
	rejected []item
	queue    []item
}

// Resolve returns a subset of candidates that is pairwise non-overlapping and
// sorted by start. It is pure and deterministic, and Resolve(Resolve(x)) is
// equal to Resolve(x).
func Resolve(candidates []pii.Entity) []pii.Entity {
	out, _ := ResolveReport(candidates)
	return out
}

// ResolveReport is Resolve that also reports whether the step budget ran out.
// When it does, the candidates still queued are accepted in start order where
// they overlap nothing already accepted, and the rest are dropped.
func ResolveReport(candidates []pii.Entity) ([]pii.Entity, bool) {
	return resolveWithin(candidates, stepBudget(len(candidates)))
}

func resolveWithin(candidates []pii.Entity, budget int) ([]pii.Entity, bool) {
	if len(candidates) == 0 {
		return nil, false
	}

	sorted := make([]pii.Entity, 0, len(candidates))
	for _, c := range candidates {
		if c.End > c.Start && c.Start >= 0 {
			sorted = append(sorted, c)
		}
	}
	pii.SortByStart(sorted)

	r := &resolver{queue: make([]item, len(sorted))}
	for i, e := range sorted {
		r.queue[i] = item{id: i, Entity: e}
	}

	for steps := 0; len(r.queue) > 0 && steps < budget; steps++ {
		c := r.queue[0]
		r.queue = r.queue[1:]
		r.offer(c)
	}
	exhausted := len(r.queue) > 0
	if exhausted {
		r.settle()
	}

	out := make([]pii.Entity, len(r.accepted))
	for i, a := range r.accepted {
		out[i] = a.Entity
	}
	return out, exhausted
}

// settle drains the queue without displacement: an item is accepted only if
// it overlaps nothing accepted.
func (r *resolver) settle() {
	rest := r.queue
	r.queue = nil
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Start != rest[j].Start {
			return rest[i].Start < rest[j].Start
		}
		return rest[i].id < rest[j].id
	})
	for _, c := range rest {
		if lo, hi := r.overlapRange(c.Entity); lo == hi {
			r.insert(c)
		}
	}
}

// stepBudget bounds the worklist. Each step processes one offer; re-offers
// only follow a displacement by a strictly higher-precedence entity.
func stepBudget(n int) int {
	b := n * n
	if b < 64 {
		b = 64
	}
	if b > 1<<24 {
		b = 1 << 24
	}
	return b
}

// offer tests c against the accepted set and applies the tie-break.
func (r *resolver) offer(c item) {
	lo, hi := r.overlapRange(c.Entity)
	if lo == hi {
		r.insert(c)
		return
	}

	cluster := make([]item, 0, hi-lo+1)
	cluster = append(cluster, r.accepted[lo:hi]...)
	incumbents := len(cluster)
	cluster = append(cluster, c)

	// Greedy by precedence; incumbents sort before the candidate on ties.
	order := make([]int, len(cluster))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := cluster[order[i]], cluster[order[j]]
		if cmp := compare(a.Entity, b.Entity); cmp != 0 {
			return cmp > 0
		}
		ai, bi := order[i] < incumbents, order[j] < incumbents
		if ai != bi {
			return ai
		}
		return a.id < b.id
	})

	keep := make([]bool, len(cluster))
	var chosen []pii.Entity
	for _, idx := range order {
		e := cluster[idx].Entity
		clash := false
		for _, k := range chosen {
			if e.Overlaps(k) {
				clash = true
				break
			}
		}
		if !clash {
			keep[idx] = true
			chosen = append(chosen, e)
		}
	}

	if !keep[incumbents] {
		r.rejected = append(r.rejected, c)
		return
	}

	var displaced []item
	for i := 0; i < incumbents; i++ {
		if !keep[i] {
			displaced = append(displaced, cluster[i])
		}
	}
	// Remove the displaced incumbents, then add the candidate.
	kept := r.accepted[:lo:lo]
	for i := 0; i < incumbents; i++ {
		if keep[i] {
			kept = append(kept, cluster[i])
		}
	}
	r.accepted = append(kept, r.accepted[hi:]...)
	r.insert(c)

	for _, d := range displaced {
		r.reoffer(d)
	}
}

// reoffer moves rejected candidates that overlapped a displaced entity back
// onto the queue, and queues the displaced entity itself.
func (r *resolver) reoffer(d item) {
	remaining := r.rejected[:0]
	var back []item
	for _, rj := range r.rejected {
		if rj.Overlaps(d.Entity) {
			back = append(back, rj)
		} else {
			remaining = append(remaining, rj)
		}
	}
	r.rejected = append(remaining, d)
	r.queue = append(r.queue, back...)
}

// overlapRange returns the index range of accepted entities overlapping e.
func (r *resolver) overlapRange(e pii.Entity) (int, int) {
	lo := sort.Search(len(r.accepted), func(i int) bool {
		return r.accepted[i].End > e.Start
	})
	hi := lo
	for hi < len(r.accepted) && r.accepted[hi].Start < e.End {
		hi++
	}
	return lo, hi
}

func (r *resolver) insert(c item) {
	i := sort.Search(len(r.accepted), func(i int) bool {
		return r.accepted[i].Start > c.Start
	})
	r.accepted = append(r.accepted, item{})
	copy(r.accepted[i+1:], r.accepted[i:])
	r.accepted[i] = c
}

// NonOverlapping reports whether entities are sorted by start and pairwise
// disjoint.
func NonOverlapping(entities []pii.Entity) bool {
	for i := 1; i < len(entities); i++ {
		if entities[i].Start < entities[i-1].End {
			return false
		}
	}
	return true
}
