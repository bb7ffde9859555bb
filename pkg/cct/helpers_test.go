package cct

import (
	"github.com/grafana/cctmerge/pkg/loadmodule"
)

// snapshot is a comparable rendition of a subtree, free of handles
// and traversal ids.
type snapshot struct {
	Kind     Kind
	Label    string
	LM       loadmodule.ID
	IP       uint64
	CP       CallPathID
	Metrics  []float64
	Children []snapshot
}

func snapshotOf(t *Tree, h Handle) snapshot {
	n := t.Node(h)
	s := snapshot{
		Kind:    n.Kind,
		Label:   n.Label,
		Metrics: append([]float64(nil), trimZeros(n.Metrics)...),
	}
	if n.Kind.IsDynamic() {
		s.LM = n.LoadModule
		s.IP = n.IP
		s.CP = n.CallPath
	}
	for _, c := range t.Children(h) {
		s.Children = append(s.Children, snapshotOf(t, c))
	}
	return s
}

func trimZeros(m []float64) []float64 {
	i := len(m)
	for i > 0 && m[i-1] == 0 {
		i--
	}
	return m[:i]
}

func call(t *Tree, parent Handle, lm loadmodule.ID, ip uint64, cp CallPathID, metrics ...float64) Handle {
	return dynamicNode(t, KindCall, parent, lm, ip, cp, metrics...)
}

func stmt(t *Tree, parent Handle, lm loadmodule.ID, ip uint64, cp CallPathID, metrics ...float64) Handle {
	return dynamicNode(t, KindStmt, parent, lm, ip, cp, metrics...)
}

func dynamicNode(t *Tree, kind Kind, parent Handle, lm loadmodule.ID, ip uint64, cp CallPathID, metrics ...float64) Handle {
	h := t.NewDynamic(kind, Dynamic{LoadModule: lm, IP: ip, CallPath: cp})
	t.Node(h).Metrics = metrics
	t.Link(h, parent)
	return h
}

func static(t *Tree, kind Kind, parent Handle, label string) Handle {
	h := t.New(kind)
	t.Node(h).Label = label
	t.Link(h, parent)
	return h
}

func collect(seq func(func(Handle) bool)) []Handle {
	var hs []Handle
	for h := range seq {
		hs = append(hs, h)
	}
	return hs
}

func ips(t *Tree, hs []Handle) []uint64 {
	r := make([]uint64, 0, len(hs))
	for _, h := range hs {
		r = append(r, t.Node(h).IP)
	}
	return r
}
