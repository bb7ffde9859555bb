package cct

// PruneByMetrics removes the subtrees whose inclusive values of every
// metric in [begin, end) are below threshold percent of the root value.
// Metrics with a zero root value are not considered. A subtree holding
// a call path id for which retain returns true is never removed, so
// that no id referenced by trace records is orphaned. The ids of the
// removed nodes are returned.
//
// Values are expected to be inclusive (see AggregateMetricsIncl).
func (t *Tree) PruneByMetrics(begin, end int, threshold float64, retain func(CallPathID) bool) []uint32 {
	if threshold <= 0 || begin >= end {
		return nil
	}
	root := &t.nodes[t.root]
	limits := make([]float64, 0, end-begin)
	metrics := make([]int, 0, end-begin)
	for i := begin; i < end; i++ {
		if v := root.Metric(i); v != 0 {
			limits = append(limits, v*threshold/100)
			metrics = append(metrics, i)
		}
	}
	if len(metrics) == 0 {
		return nil
	}

	keep := t.retained(retain)
	var removed []uint32
	var prune func(Handle)
	prune = func(p Handle) {
		for _, c := range t.Children(p) {
			if !keep[c] && t.belowLimits(c, metrics, limits) {
				removed = t.appendSubtreeIDs(removed, c)
				t.Remove(c)
				continue
			}
			prune(c)
		}
	}
	prune(t.root)
	return removed
}

func (t *Tree) belowLimits(h Handle, metrics []int, limits []float64) bool {
	n := &t.nodes[h]
	for i, m := range metrics {
		if n.Metric(m) >= limits[i] {
			return false
		}
	}
	return true
}

// retained marks the nodes whose subtree holds a call path id
// that must be retained.
func (t *Tree) retained(retain func(CallPathID) bool) map[Handle]bool {
	keep := make(map[Handle]bool)
	if retain == nil {
		return keep
	}
	for h := range t.PostOrder(t.root) {
		n := &t.nodes[h]
		if (n.Kind.IsDynamic() && n.CallPath != NoCallPath && retain(n.CallPath)) || keep[h] {
			keep[h] = true
			if n.parent != NoHandle {
				keep[n.parent] = true
			}
		}
	}
	return keep
}

func (t *Tree) appendSubtreeIDs(ids []uint32, h Handle) []uint32 {
	for x := range t.PreOrder(h) {
		ids = append(ids, t.nodes[x].id)
	}
	return ids
}

// PruneChildrenByNodeID removes the nodes whose id is in the set, with
// their subtrees, in a single bottom-up pass: the walk resumes with the
// next sibling of a removed node, which is never visited again. The
// root is never removed. The number of removed nodes is returned.
func (t *Tree) PruneChildrenByNodeID(ids map[uint32]struct{}) int {
	if len(ids) == 0 {
		return 0
	}
	before := t.live
	for h := range t.PostOrder(t.root) {
		if h == t.root {
			break
		}
		if _, ok := ids[t.nodes[h].id]; ok {
			t.Remove(h)
		}
	}
	return before - t.live
}
