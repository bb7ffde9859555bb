package cct

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/grafana/cctmerge/pkg/slices"
)

// Merge merges the source tree into t, and consumes the source: the
// subtrees without a counterpart in t are relinked into t, others are
// merged in place. Metric values of the source are written at
// metricBase. Call path id conflicts are resolved by ctx.
//
// Load module ids of the source must have been translated to the id
// space of t before the merge.
//
// Both trees must be canonical, or both must have a synthetic root with
// at most one child. A violation indicates a bug and causes a panic.
func (t *Tree) Merge(src *Tree, metricBase int, ctx *MergeContext) {
	checkMergePrecondition(t, src)
	ctx.Reserve(src.MaxCallPath())
	m := merger{
		dst:     t,
		src:     src,
		base:    metricBase,
		ctx:     ctx,
		indices: make(map[Handle]*childIndex),
	}
	t.MergeMetrics(t.root, src.nodes[src.root].Metrics, metricBase)
	m.merge(t.root, src.root)
	src.reset()
	t.index = nil
}

func checkMergePrecondition(x, y *Tree) {
	if x.IsCanonical() && y.IsCanonical() {
		return
	}
	if !x.IsCanonical() && !y.IsCanonical() &&
		x.ChildCount(x.root) <= 1 && y.ChildCount(y.root) <= 1 {
		return
	}
	panic(fmt.Sprintf("bug: merge precondition violated: canonical=%v/%v, top-level nodes=%d/%d",
		x.IsCanonical(), y.IsCanonical(), x.ChildCount(x.root), y.ChildCount(y.root)))
}

type merger struct {
	dst  *Tree
	src  *Tree
	base int
	ctx  *MergeContext

	indices map[Handle]*childIndex
}

func (m *merger) merge(x, y Handle) {
	if m.src.nodes[y].first == NoHandle {
		return
	}
	for _, yc := range m.src.Children(y) {
		yn := &m.src.nodes[yc]
		if yn.Kind.IsDynamic() {
			if xc, ok := m.index(x).lookup(m.dst, &yn.Dynamic); ok {
				m.mergeNode(xc, yc)
				m.merge(xc, yc)
				continue
			}
		} else if xc, ok := m.structural(x, yn); ok {
			m.mergeNode(xc, yc)
			m.merge(xc, yc)
			continue
		}
		xc := m.relink(yc, x)
		if ix, ok := m.indices[x]; ok {
			ix.add(m.dst, xc)
		}
	}
}

func (m *merger) mergeNode(x, y Handle) {
	yn := &m.src.nodes[y]
	m.dst.MergeMetrics(x, yn.Metrics, m.base)
	xn := &m.dst.nodes[x]
	if xn.Ref == nil {
		xn.Ref = yn.Ref
	}
	if !xn.Kind.IsDynamic() {
		return
	}
	if xn.Kind == KindStmt && yn.first != NoHandle {
		xn.Kind = KindCall
	}
	switch {
	case yn.CallPath == NoCallPath:
	case xn.CallPath == NoCallPath:
		xn.CallPath = m.ctx.Claim(yn.CallPath)
	case xn.CallPath != yn.CallPath:
		// The destination id always wins.
		m.ctx.Record(yn.CallPath, xn.CallPath)
	}
}

func (m *merger) relink(y, parent Handle) Handle {
	return m.dst.Transplant(m.src, y, parent, func(n *Node) {
		n.Metrics = slices.Shift(n.Metrics, m.base)
		if n.Kind.IsDynamic() && n.CallPath != NoCallPath {
			n.CallPath = m.ctx.Claim(n.CallPath)
		}
	})
}

// structural finds a child of x of the same static kind as n, that
// refers to the same structure, or has the same label if neither
// has a reference.
func (m *merger) structural(x Handle, n *Node) (Handle, bool) {
	for c := m.dst.nodes[x].first; c != NoHandle; c = m.dst.nodes[c].next {
		xn := &m.dst.nodes[c]
		if xn.Kind != n.Kind {
			continue
		}
		if xn.Ref != nil || n.Ref != nil {
			if xn.Ref == n.Ref {
				return c, true
			}
			continue
		}
		if xn.Label == n.Label {
			return c, true
		}
	}
	return NoHandle, false
}

func (m *merger) index(x Handle) *childIndex {
	if ix, ok := m.indices[x]; ok {
		return ix
	}
	ix := &childIndex{m: make(map[uint64][]Handle)}
	for c := m.dst.nodes[x].first; c != NoHandle; c = m.dst.nodes[c].next {
		ix.add(m.dst, c)
	}
	m.indices[x] = ix
	return ix
}

// childIndex holds the dynamic descendants of a node that are reachable
// through static structure wrappers, keyed by the hash of their merge
// identity.
type childIndex struct {
	m map[uint64][]Handle
}

func (ix *childIndex) add(t *Tree, h Handle) {
	n := &t.nodes[h]
	if n.Kind.IsDynamic() {
		k := hashDynamic(&n.Dynamic)
		ix.m[k] = append(ix.m[k], h)
		return
	}
	for c := n.first; c != NoHandle; c = t.nodes[c].next {
		ix.add(t, c)
	}
}

func (ix *childIndex) lookup(t *Tree, d *Dynamic) (Handle, bool) {
	for _, h := range ix.m[hashDynamic(d)] {
		// Collisions are resolved by comparison.
		if n := &t.nodes[h]; !n.dead && n.Dynamic.mergable(d) {
			return h, true
		}
	}
	return NoHandle, false
}

func hashDynamic(d *Dynamic) uint64 {
	var b [21]byte
	binary.LittleEndian.PutUint16(b[0:2], uint16(d.LoadModule))
	binary.LittleEndian.PutUint64(b[2:10], d.IP)
	if d.LIP != nil {
		b[10] = 1
		binary.LittleEndian.PutUint16(b[11:13], uint16(d.LIP.LoadModule))
		binary.LittleEndian.PutUint64(b[13:21], d.LIP.Offset)
	}
	return xxhash.Sum64(b[:])
}
