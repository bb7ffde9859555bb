package cct

import (
	"cmp"
	"iter"
	"slices"

	"github.com/grafana/cctmerge/pkg/structure"
)

// Iterators tolerate the modification of the tree while they are
// consumed: the yielded node and its siblings may be unlinked or
// removed, and new children may be appended. An iterator positioned
// at a node that has been detached resumes with the next sibling that
// is still attached to the same parent.

// PreOrder visits h and its descendants, parents before children.
func (t *Tree) PreOrder(h Handle) iter.Seq[Handle] {
	return func(yield func(Handle) bool) {
		if !yield(h) || t.nodes[h].dead {
			return
		}
		t.preOrder(h, yield)
	}
}

func (t *Tree) preOrder(p Handle, yield func(Handle) bool) bool {
	for c := t.nodes[p].first; c != NoHandle; {
		if !yield(c) {
			return false
		}
		if t.attached(c, p) && !t.preOrder(c, yield) {
			return false
		}
		c = t.successor(c, p)
	}
	return true
}

// PostOrder visits the descendants of h, children before parents,
// and h itself last.
func (t *Tree) PostOrder(h Handle) iter.Seq[Handle] {
	return func(yield func(Handle) bool) {
		if t.postOrder(h, yield) {
			yield(h)
		}
	}
}

func (t *Tree) postOrder(p Handle, yield func(Handle) bool) bool {
	for c := t.nodes[p].first; c != NoHandle; {
		if !t.postOrder(c, yield) || !yield(c) {
			return false
		}
		c = t.successor(c, p)
	}
	return true
}

// SortedPreOrder visits h and its descendants in pre-order, siblings
// ordered by their structure reference, then by their identity. The
// order of siblings is fixed when their parent is visited.
func (t *Tree) SortedPreOrder(h Handle) iter.Seq[Handle] {
	return func(yield func(Handle) bool) {
		if !yield(h) || t.nodes[h].dead {
			return
		}
		t.sortedPreOrder(h, yield)
	}
}

func (t *Tree) sortedPreOrder(p Handle, yield func(Handle) bool) bool {
	children := t.Children(p)
	slices.SortStableFunc(children, t.compare)
	for _, c := range children {
		if !t.attached(c, p) {
			continue
		}
		if !yield(c) {
			return false
		}
		if t.attached(c, p) && !t.sortedPreOrder(c, yield) {
			return false
		}
	}
	return true
}

func (t *Tree) attached(c, p Handle) bool {
	n := &t.nodes[c]
	return !n.dead && n.parent == p
}

// successor returns the sibling to visit after c. If c is no longer
// a child of p, stale sibling pointers are followed until a node
// attached to p is found.
func (t *Tree) successor(c, p Handle) Handle {
	n := t.nodes[c].next
	if t.attached(c, p) {
		return n
	}
	for n != NoHandle && !t.attached(n, p) {
		n = t.nodes[n].next
	}
	return n
}

func (t *Tree) compare(a, b Handle) int {
	x, y := &t.nodes[a], &t.nodes[b]
	return cmp.Or(
		cmp.Compare(refID(x.Ref), refID(y.Ref)),
		cmp.Compare(x.Kind, y.Kind),
		cmp.Compare(x.LoadModule, y.LoadModule),
		cmp.Compare(x.IP, y.IP),
		compareLIP(x.LIP, y.LIP),
		cmp.Compare(x.Label, y.Label),
	)
}

func refID(s *structure.Scope) uint32 {
	if s == nil {
		return 0
	}
	return s.ID
}

func compareLIP(a, b *LIP) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return cmp.Or(
		cmp.Compare(a.LoadModule, b.LoadModule),
		cmp.Compare(a.Offset, b.Offset),
	)
}

// MakeDensePreorderIDs assigns ids 1..N to the nodes in sorted
// pre-order, the root being 1. Trees of identical structure are
// numbered identically regardless of the order in which their nodes
// were inserted. N is returned.
func (t *Tree) MakeDensePreorderIDs() uint32 {
	var id uint32
	for h := range t.SortedPreOrder(t.root) {
		id++
		t.nodes[h].id = id
	}
	t.index = nil
	return id
}
