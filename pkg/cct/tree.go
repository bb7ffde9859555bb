// Package cct implements the Calling-Context Tree: an ownership tree of
// execution contexts with attached metric values, and the merge of trees
// produced by independent execution units.
package cct

import (
	"fmt"

	"github.com/grafana/cctmerge/pkg/loadmodule"
)

// Tree owns an arena of nodes. There is exactly one Root. Trees built
// from raw measurement data have a synthetic root until canonicalized.
type Tree struct {
	nodes     []Node
	root      Handle
	live      int
	synthetic bool

	// Lazily built id -> handle index, invalidated by every
	// structural modification.
	index map[uint32]Handle
}

func NewTree() *Tree {
	t := &Tree{nodes: make([]Node, 0, 64)}
	t.root = t.alloc(KindRoot)
	return t
}

// NewRawTree creates a tree with a synthetic root, as read from a raw
// profile before canonicalization.
func NewRawTree() *Tree {
	t := NewTree()
	t.synthetic = true
	return t
}

func (t *Tree) alloc(kind Kind) Handle {
	h := Handle(len(t.nodes))
	t.nodes = append(t.nodes, newNode(kind))
	t.live++
	return h
}

func (t *Tree) Root() Handle { return t.root }

// Len returns the number of live nodes, including the root.
func (t *Tree) Len() int { return t.live }

// IsCanonical reports whether the root is a canonical Root.
func (t *Tree) IsCanonical() bool { return !t.synthetic }

// Canonicalize turns the synthetic root of a raw tree into a canonical
// Root. Canonicalizing a canonical tree is a no-op.
func (t *Tree) Canonicalize() { t.synthetic = false }

// New allocates a detached node of the given kind.
func (t *Tree) New(kind Kind) Handle {
	if kind == KindRoot {
		panic("bug: a tree has exactly one root")
	}
	return t.alloc(kind)
}

// NewDynamic allocates a detached Call or Stmt node.
func (t *Tree) NewDynamic(kind Kind, d Dynamic) Handle {
	if !kind.IsDynamic() {
		panic(fmt.Sprintf("bug: %s is not a dynamic node kind", kind))
	}
	h := t.alloc(kind)
	t.nodes[h].Dynamic = d
	return h
}

// Node returns the node addressed by h. The pointer must not be
// retained across allocations.
func (t *Tree) Node(h Handle) *Node {
	n := &t.nodes[h]
	if n.dead {
		panic(fmt.Sprintf("bug: access to removed node %d", h))
	}
	return n
}

func (t *Tree) Kind(h Handle) Kind         { return t.nodes[h].Kind }
func (t *Tree) Parent(h Handle) Handle     { return t.nodes[h].parent }
func (t *Tree) FirstChild(h Handle) Handle { return t.nodes[h].first }
func (t *Tree) NextSibling(h Handle) Handle {
	return t.nodes[h].next
}
func (t *Tree) IsLeaf(h Handle) bool { return t.nodes[h].first == NoHandle }
func (t *Tree) ID(h Handle) uint32   { return t.nodes[h].id }

func (t *Tree) SetID(h Handle, id uint32) {
	t.nodes[h].id = id
	t.index = nil
}

// Children returns a snapshot of the children of h.
func (t *Tree) Children(h Handle) []Handle {
	var c []Handle
	for x := t.nodes[h].first; x != NoHandle; x = t.nodes[x].next {
		c = append(c, x)
	}
	return c
}

func (t *Tree) ChildCount(h Handle) int {
	var n int
	for x := t.nodes[h].first; x != NoHandle; x = t.nodes[x].next {
		n++
	}
	return n
}

// Link appends the detached node h, with its subtree, to the children
// of parent.
func (t *Tree) Link(h, parent Handle) {
	n := &t.nodes[h]
	if n.parent != NoHandle || h == t.root {
		panic(fmt.Sprintf("bug: node %d is already linked", h))
	}
	p := &t.nodes[parent]
	n.parent = parent
	n.next = NoHandle
	n.prev = p.last
	if p.last != NoHandle {
		t.nodes[p.last].next = h
	} else {
		p.first = h
	}
	p.last = h
	t.index = nil
}

// Unlink detaches h, with its subtree, from its parent. The sibling
// pointer of h is kept until h is linked again, which lets iterators
// positioned at h resume with the next sibling.
func (t *Tree) Unlink(h Handle) {
	n := &t.nodes[h]
	if n.parent == NoHandle {
		return
	}
	p := &t.nodes[n.parent]
	if n.prev != NoHandle {
		t.nodes[n.prev].next = n.next
	} else {
		p.first = n.next
	}
	if n.next != NoHandle {
		t.nodes[n.next].prev = n.prev
	} else {
		p.last = n.prev
	}
	n.parent = NoHandle
	t.index = nil
}

// Remove unlinks h and frees its subtree.
func (t *Tree) Remove(h Handle) {
	if h == t.root {
		panic("bug: the root cannot be removed")
	}
	t.Unlink(h)
	t.free(h)
}

func (t *Tree) free(h Handle) {
	stack := []Handle{h}
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for c := t.nodes[x].first; c != NoHandle; c = t.nodes[c].next {
			stack = append(stack, c)
		}
		n := &t.nodes[x]
		n.dead = true
		n.Metrics = nil
		n.LIP = nil
		n.Ref = nil
		t.live--
	}
}

// Find returns the live node with the given traversal id.
func (t *Tree) Find(id uint32) (Handle, bool) {
	if t.index == nil {
		t.index = make(map[uint32]Handle, t.live)
		for h := range t.PreOrder(t.root) {
			t.index[t.nodes[h].id] = h
		}
	}
	h, ok := t.index[id]
	return h, ok
}

// CallPaths returns the non-null call path ids of the tree in pre-order.
func (t *Tree) CallPaths() []CallPathID {
	var ids []CallPathID
	for h := range t.PreOrder(t.root) {
		n := &t.nodes[h]
		if n.Kind.IsDynamic() && n.CallPath != NoCallPath {
			ids = append(ids, n.CallPath)
		}
	}
	return ids
}

// MaxCallPath returns the largest call path id of the tree.
func (t *Tree) MaxCallPath() CallPathID {
	var m CallPathID
	for _, id := range t.CallPaths() {
		m = max(m, id)
	}
	return m
}

// Validate checks that non-null call path ids are unique.
func (t *Tree) Validate() error {
	seen := make(map[CallPathID]struct{})
	for _, id := range t.CallPaths() {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate call path id %d", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// RemapLoadModules translates the load module ids of every dynamic
// node, including the load module of logical instruction pointers.
func (t *Tree) RemapLoadModules(remap func(loadmodule.ID) loadmodule.ID) {
	for h := range t.PreOrder(t.root) {
		n := &t.nodes[h]
		if !n.Kind.IsDynamic() {
			continue
		}
		n.LoadModule = remap(n.LoadModule)
		if n.LIP != nil {
			n.LIP.LoadModule = remap(n.LIP.LoadModule)
		}
	}
}

// Depth returns the number of edges between h and the root.
func (t *Tree) Depth(h Handle) int {
	var d int
	for p := t.nodes[h].parent; p != NoHandle; p = t.nodes[p].parent {
		d++
	}
	return d
}
