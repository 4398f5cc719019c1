package view

import (
	"fmt"
	"slices"
	"sort"
)

type ChangeKind uint8

const (
	Insert ChangeKind = iota + 1
	Remove
	Move
	Update
)

func (k ChangeKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Remove:
		return "remove"
	case Move:
		return "move"
	case Update:
		return "update"
	default:
		return "unknown"
	}
}

// Change is one step of a diff. Changes in a batch apply in sequence:
// Insert places ID at Index, Remove deletes the item at Index, Move removes
// the item at From and then inserts it at Index, Update leaves the order
// alone and marks the item at Index as changed.
type Change struct {
	Kind  ChangeKind
	ID    string
	Index int
	From  int
}

func (c Change) String() string {
	if c.Kind == Move {
		return fmt.Sprintf("move %s %d->%d", c.ID, c.From, c.Index)
	}
	return fmt.Sprintf("%s %s @%d", c.Kind, c.ID, c.Index)
}

// Batch is the unit delivered to subscribers. An initial batch inserts the
// whole order as of Seq; every later batch has a strictly greater Seq.
type Batch struct {
	Seq     uint64
	Initial bool
	Changes []Change
}

// ApplyChanges replays changes onto a copy of order.
func ApplyChanges(order []string, changes []Change) ([]string, error) {
	out := slices.Clone(order)
	for _, c := range changes {
		switch c.Kind {
		case Insert:
			if c.Index < 0 || c.Index > len(out) {
				return nil, fmt.Errorf("%v: index out of range [0,%d]", c, len(out))
			}
			out = slices.Insert(out, c.Index, c.ID)
		case Remove:
			if err := checkAt(out, c.Index, c); err != nil {
				return nil, err
			}
			out = slices.Delete(out, c.Index, c.Index+1)
		case Move:
			if err := checkAt(out, c.From, c); err != nil {
				return nil, err
			}
			out = slices.Delete(out, c.From, c.From+1)
			if c.Index < 0 || c.Index > len(out) {
				return nil, fmt.Errorf("%v: index out of range [0,%d]", c, len(out))
			}
			out = slices.Insert(out, c.Index, c.ID)
		case Update:
			if err := checkAt(out, c.Index, c); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown change kind %d", c.Kind)
		}
	}
	return out, nil
}

func checkAt(order []string, i int, c Change) error {
	if i < 0 || i >= len(order) {
		return fmt.Errorf("%v: index out of range [0,%d)", c, len(order))
	}
	if order[i] != c.ID {
		return fmt.Errorf("%v: found %s", c, order[i])
	}
	return nil
}

// diffOrders returns the changes turning old into next: removals from the
// back, then the fewest moves over the common items, then insertions from
// the front. Both slices must hold distinct ids.
func diffOrders(old, next []string) []Change {
	inNext := make(map[string]struct{}, len(next))
	for _, id := range next {
		inNext[id] = struct{}{}
	}
	inOld := make(map[string]struct{}, len(old))
	for _, id := range old {
		inOld[id] = struct{}{}
	}

	var changes []Change
	working := make([]string, 0, len(old))
	for _, id := range old {
		if _, ok := inNext[id]; ok {
			working = append(working, id)
		}
	}
	for i := len(old) - 1; i >= 0; i-- {
		if _, ok := inNext[old[i]]; !ok {
			changes = append(changes, Change{Kind: Remove, ID: old[i], Index: i})
		}
	}

	target := make([]string, 0, len(next))
	for _, id := range next {
		if _, ok := inOld[id]; ok {
			target = append(target, id)
		}
	}
	changes = append(changes, moves(working, target)...)

	for i, id := range next {
		if _, ok := inOld[id]; !ok {
			changes = append(changes, Change{Kind: Insert, ID: id, Index: i})
		}
	}
	return changes
}

// moves reorders current into target (same ids) with len - LIS moves. Items
// on a longest increasing subsequence stay put; the rest are visited in
// target order and dropped right after their target predecessor.
func moves(current, target []string) []Change {
	if len(current) < 2 {
		return nil
	}
	pos := make(map[string]int, len(current))
	for i, id := range current {
		pos[id] = i
	}
	seq := make([]int, len(target))
	for i, id := range target {
		seq[i] = pos[id]
	}
	keep := make([]bool, len(target))
	for _, i := range longestIncreasing(seq) {
		keep[i] = true
	}

	var out []Change
	working := slices.Clone(current)
	for t, id := range target {
		if keep[t] {
			continue
		}
		from := slices.Index(working, id)
		working = slices.Delete(working, from, from+1)
		to := 0
		if t > 0 {
			to = slices.Index(working, target[t-1]) + 1
		}
		working = slices.Insert(working, to, id)
		out = append(out, Change{Kind: Move, ID: id, From: from, Index: to})
	}
	return out
}

// longestIncreasing returns the positions in seq of one longest strictly
// increasing subsequence, in ascending order.
func longestIncreasing(seq []int) []int {
	if len(seq) == 0 {
		return nil
	}
	// tails[k] is the position of the smallest tail of an increasing run of length k+1.
	tails := make([]int, 0, len(seq))
	prev := make([]int, len(seq))
	for i, v := range seq {
		k := sort.Search(len(tails), func(j int) bool { return seq[tails[j]] >= v })
		if k > 0 {
			prev[i] = tails[k-1]
		} else {
			prev[i] = -1
		}
		if k == len(tails) {
			tails = append(tails, i)
		} else {
			tails[k] = i
		}
	}
	out := make([]int, len(tails))
	for i, k := len(tails)-1, tails[len(tails)-1]; i >= 0; i, k = i-1, prev[k] {
		out[i] = k
	}
	return out
}
