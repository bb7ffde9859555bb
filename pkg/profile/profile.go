// Package profile binds the metric registry, the load module map and
// the calling-context tree of one measured execution unit, and
// implements the raw profile file format and the merge of profiles.
package profile

import (
	"slices"

	"github.com/samber/lo"

	"github.com/grafana/cctmerge/pkg/cct"
	"github.com/grafana/cctmerge/pkg/loadmodule"
	"github.com/grafana/cctmerge/pkg/metric"
	"github.com/grafana/cctmerge/pkg/structure"
)

const ProgramNameKey = "program-name"

type NameValue struct {
	Name  string
	Value string
}

type Profile struct {
	Version            uint32
	Name               string
	Flags              uint64
	Granularity        uint64
	RAToCallsiteOffset uint32
	NameValues         []NameValue

	Metrics     *metric.Registry
	LoadModules *loadmodule.Map
	CCT         *cct.Tree
	// Structure is shared between profiles and is not owned.
	Structure *structure.Tree

	RawFile    string
	traceFiles map[string]struct{}
}

// New creates an empty profile with a canonical tree.
func New() *Profile {
	return &Profile{
		Version:     FormatV2,
		Metrics:     metric.NewRegistry(),
		LoadModules: loadmodule.NewMap(),
		CCT:         cct.NewTree(),
		traceFiles:  make(map[string]struct{}),
	}
}

func (p *Profile) AddTraceFile(path string) {
	if p.traceFiles == nil {
		p.traceFiles = make(map[string]struct{})
	}
	p.traceFiles[path] = struct{}{}
}

// TraceFiles returns the trace files accumulated across merges, sorted.
func (p *Profile) TraceFiles() []string {
	files := lo.Keys(p.traceFiles)
	slices.Sort(files)
	return files
}

func (p *Profile) IsTraced() bool { return len(p.traceFiles) > 0 }

// NameValue returns the value of the first pair with the given name.
func (p *Profile) NameValue(name string) (string, bool) {
	for _, nv := range p.NameValues {
		if nv.Name == name {
			return nv.Value, true
		}
	}
	return "", false
}

func (p *Profile) setNameValue(name, value string) {
	if _, ok := p.NameValue(name); !ok {
		p.NameValues = append(p.NameValues, NameValue{Name: name, Value: value})
	}
}

// MarkUsedLoadModules sets the used flag of the load modules
// referenced by the tree.
func (p *Profile) MarkUsedLoadModules() {
	for h := range p.CCT.PreOrder(p.CCT.Root()) {
		n := p.CCT.Node(h)
		if !n.Kind.IsDynamic() {
			continue
		}
		if m, ok := p.LoadModules.Lookup(n.LoadModule); ok {
			m.Used = true
		}
		if n.LIP != nil {
			if m, ok := p.LoadModules.Lookup(n.LIP.LoadModule); ok {
				m.Used = true
			}
		}
	}
}

// AttributeUnresolved moves the metric values of nodes in load modules
// whose relocation could not be resolved to the nearest ancestor in a
// resolved module, or to the root. The nodes themselves are kept, so
// that their call path ids remain valid. The number of nodes whose
// values were moved is returned.
func (p *Profile) AttributeUnresolved() int {
	unresolved := make(map[loadmodule.ID]bool)
	for _, m := range p.LoadModules.Modules() {
		if m.Unresolved {
			unresolved[m.ID] = true
		}
	}
	if len(unresolved) == 0 {
		return 0
	}
	t := p.CCT
	isUnresolved := func(h cct.Handle) bool {
		n := t.Node(h)
		return n.Kind.IsDynamic() && unresolved[n.LoadModule]
	}
	var moved int
	for h := range t.PostOrder(t.Root()) {
		if h == t.Root() || !isUnresolved(h) || len(t.Node(h).Metrics) == 0 {
			continue
		}
		a := t.Parent(h)
		for a != t.Root() && (!t.Kind(a).IsDynamic() || isUnresolved(a)) {
			a = t.Parent(a)
		}
		n := t.Node(h)
		values := n.Metrics
		n.Metrics = nil
		t.MergeMetrics(a, values, 0)
		moved++
	}
	return moved
}

// Prune removes the subtrees whose inclusive values are all below
// threshold percent of the total. Nodes holding a call path id are
// retained if the profile is traced. Metric values of the remaining
// nodes are left as they were. The ids of the removed nodes are
// returned.
func (p *Profile) Prune(threshold float64) []uint32 {
	t := p.CCT
	n := p.Metrics.Len()
	if threshold <= 0 || n == 0 {
		return nil
	}
	own := make(map[cct.Handle][]float64, t.Len())
	for h := range t.PreOrder(t.Root()) {
		own[h] = slices.Clone(t.Node(h).Metrics)
	}
	var retain func(cct.CallPathID) bool
	if p.IsTraced() {
		retain = func(cct.CallPathID) bool { return true }
	}
	t.AggregateMetricsIncl(0, n)
	removed := t.PruneByMetrics(0, n, threshold, retain)
	for h := range t.PreOrder(t.Root()) {
		t.Node(h).Metrics = own[h]
	}
	return removed
}
