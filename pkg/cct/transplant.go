package cct

// Transplant moves the subtree h of src under parent in t, and returns
// the handle of the subtree root in t. Ownership of node data (metric
// vectors, logical instruction pointers) is transferred. fn, if not nil,
// is called for every moved node. Traversal ids of moved nodes are reset.
func (t *Tree) Transplant(src *Tree, h, parent Handle, fn func(*Node)) Handle {
	if h == src.root {
		panic("bug: the root cannot be transplanted")
	}
	src.Unlink(h)
	if src == t {
		for x := range t.PreOrder(h) {
			t.nodes[x].id = 0
			if fn != nil {
				fn(&t.nodes[x])
			}
		}
		t.Link(h, parent)
		return h
	}
	nh := t.copyFrom(src, h, fn)
	t.Link(nh, parent)
	src.free(h)
	return nh
}

func (t *Tree) copyFrom(src *Tree, h Handle, fn func(*Node)) Handle {
	s := &src.nodes[h]
	nh := t.alloc(s.Kind)
	n := &t.nodes[nh]
	n.Label = s.Label
	n.Ref = s.Ref
	n.Metrics = s.Metrics
	n.Dynamic = s.Dynamic
	s.Metrics = nil
	s.LIP = nil
	if fn != nil {
		fn(n)
	}
	// n must not be used past this point: the arena may grow.
	for c := s.first; c != NoHandle; c = src.nodes[c].next {
		t.Link(t.copyFrom(src, c, fn), nh)
	}
	return nh
}

func (t *Tree) reset() {
	synthetic := t.synthetic
	*t = Tree{}
	t.root = t.alloc(KindRoot)
	t.synthetic = synthetic
}
