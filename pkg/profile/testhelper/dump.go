package testhelper

import (
	"cmp"
	"slices"

	"github.com/grafana/cctmerge/pkg/cct"
	"github.com/grafana/cctmerge/pkg/loadmodule"
	"github.com/grafana/cctmerge/pkg/profile"
)

// Node is a comparable rendition of a tree, independent of node ids,
// of load module ids, and of the order of siblings.
type Node struct {
	Kind     cct.Kind
	Label    string
	Module   string
	IP       uint64
	LIP      *LIP
	CallPath cct.CallPathID
	Metrics  []float64
	Children []Node
}

type LIP struct {
	Module string
	Offset uint64
}

// Dump renders the tree of the profile. Trailing zero metric values
// are omitted.
func Dump(p *profile.Profile) Node {
	return dumpNode(p, p.CCT.Root())
}

func dumpNode(p *profile.Profile, h cct.Handle) Node {
	t := p.CCT
	n := t.Node(h)
	d := Node{Kind: n.Kind, Label: n.Label, Metrics: trimZeros(n.Metrics)}
	if n.Kind.IsDynamic() {
		d.Module = moduleName(p, n.LoadModule)
		d.IP = n.IP
		d.CallPath = n.CallPath
		if n.LIP != nil {
			d.LIP = &LIP{Module: moduleName(p, n.LIP.LoadModule), Offset: n.LIP.Offset}
		}
	}
	for _, c := range t.Children(h) {
		d.Children = append(d.Children, dumpNode(p, c))
	}
	slices.SortFunc(d.Children, func(a, b Node) int {
		return cmp.Or(
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.Module, b.Module),
			cmp.Compare(a.IP, b.IP),
			cmp.Compare(a.Label, b.Label),
		)
	})
	return d
}

func moduleName(p *profile.Profile, id loadmodule.ID) string {
	if x, ok := p.LoadModules.Lookup(id); ok {
		return x.Name
	}
	return ""
}

func trimZeros(m []float64) []float64 {
	i := len(m)
	for i > 0 && m[i-1] == 0 {
		i--
	}
	if i == 0 {
		return nil
	}
	return append([]float64(nil), m[:i]...)
}
