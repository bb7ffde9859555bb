package testhelper

import (
	"github.com/grafana/cctmerge/pkg/cct"
	"github.com/grafana/cctmerge/pkg/loadmodule"
	"github.com/grafana/cctmerge/pkg/metric"
	"github.com/grafana/cctmerge/pkg/profile"
)

// Frame identifies a calling context frame.
type Frame struct {
	LoadModule loadmodule.ID
	IP         uint64
}

type ProfileBuilder struct {
	*profile.Profile
}

// NewProfileBuilder creates a builder of a profile read from the raw
// file with the given name.
func NewProfileBuilder(rawFile string) *ProfileBuilder {
	p := profile.New()
	p.RawFile = rawFile
	return &ProfileBuilder{Profile: p}
}

// WithMetrics registers raw integer metrics sampled with period 1.
func (b *ProfileBuilder) WithMetrics(names ...string) *ProfileBuilder {
	for _, n := range names {
		b.Metrics.Add(metric.Descriptor{
			Name:    n,
			Kind:    metric.KindRaw,
			Period:  1,
			Partner: metric.NoPartner,
			Display: metric.DisplayShow,
		})
	}
	return b
}

// WithLoadModules registers binaries with ids 1..n in order.
func (b *ProfileBuilder) WithLoadModules(names ...string) *ProfileBuilder {
	for _, n := range names {
		b.LoadModules.Insert(n, 0)
	}
	return b
}

func (b *ProfileBuilder) WithTraceFile(path string) *ProfileBuilder {
	b.AddTraceFile(path)
	return b
}

func (b *ProfileBuilder) WithMetadata(granularity uint64, raToCallsite uint32) *ProfileBuilder {
	b.Granularity = granularity
	b.RAToCallsiteOffset = raToCallsite
	return b
}

// Sample adds values to the statement at the leaf of the calling
// context, frames being ordered from the root. Intermediate frames are
// call sites. A non-null call path id is assigned to the leaf.
func (b *ProfileBuilder) Sample(cp cct.CallPathID, values []float64, frames ...Frame) *ProfileBuilder {
	if len(frames) == 0 {
		panic("testhelper: a sample requires at least one frame")
	}
	t := b.CCT
	h := t.Root()
	for i, f := range frames {
		kind := cct.KindCall
		if i == len(frames)-1 {
			kind = cct.KindStmt
		}
		h = b.child(h, kind, f)
	}
	if cp != cct.NoCallPath {
		t.Node(h).CallPath = cp
	}
	t.MergeMetrics(h, values, 0)
	return b
}

func (b *ProfileBuilder) child(parent cct.Handle, kind cct.Kind, f Frame) cct.Handle {
	t := b.CCT
	for c := t.FirstChild(parent); c != cct.NoHandle; c = t.NextSibling(c) {
		n := t.Node(c)
		if n.Kind.IsDynamic() && n.LoadModule == f.LoadModule && n.IP == f.IP && n.LIP == nil {
			if kind == cct.KindCall {
				n.Kind = cct.KindCall
			}
			return c
		}
	}
	h := t.NewDynamic(kind, cct.Dynamic{LoadModule: f.LoadModule, IP: f.IP})
	t.Link(h, parent)
	return h
}
