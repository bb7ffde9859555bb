package cct

import (
	"github.com/grafana/cctmerge/pkg/slices"
)

// AggregateMetricsIncl rolls the values of metrics [begin, end) up the
// tree: afterwards the value of every node is the sum of its own value
// and the values of its descendants. Must be applied once per range.
func (t *Tree) AggregateMetricsIncl(begin, end int) {
	if begin >= end {
		return
	}
	for h := range t.PostOrder(t.root) {
		if h == t.root {
			continue
		}
		t.addMetrics(t.nodes[h].parent, h, begin, end)
	}
}

// AggregateMetricsExcl attributes the values of metrics [begin, end) of
// every statement to its enclosing static structure: each Loop and Proc
// ancestor up to, and including, the nearest enclosing ProcFrame.
// Statements without an enclosing frame only contribute to wrappers
// below the first dynamic ancestor.
func (t *Tree) AggregateMetricsExcl(begin, end int) {
	if begin >= end {
		return
	}
	for h := range t.PreOrder(t.root) {
		if t.nodes[h].Kind != KindStmt {
			continue
		}
		for a := t.nodes[h].parent; a != NoHandle; a = t.nodes[a].parent {
			k := t.nodes[a].Kind
			if k != KindLoop && k != KindProc && k != KindProcFrame {
				break
			}
			t.addMetrics(a, h, begin, end)
			if k == KindProcFrame {
				break
			}
		}
	}
}

// addMetrics adds the values of metrics [begin, end) of src to dst.
func (t *Tree) addMetrics(dst, src Handle, begin, end int) {
	s := t.nodes[src].Metrics
	if begin >= len(s) {
		return
	}
	end = min(end, len(s))
	d := &t.nodes[dst]
	d.Metrics = slices.GrowLen(d.Metrics, end)
	for i := begin; i < end; i++ {
		d.Metrics[i] += s[i]
	}
}

// MergeMetrics adds values to the metric vector of h, starting at
// index base.
func (t *Tree) MergeMetrics(h Handle, values []float64, base int) {
	if len(values) == 0 {
		return
	}
	n := &t.nodes[h]
	n.Metrics = slices.GrowLen(n.Metrics, base+len(values))
	for i, v := range values {
		n.Metrics[base+i] += v
	}
}
