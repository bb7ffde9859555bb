package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"github.com/xlab/treeprint"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/cctmerge/pkg/cct"
	"github.com/grafana/cctmerge/pkg/profile"
)

type treeParams struct {
	path     string
	maxDepth int
}

func addTreeParams(cmd *kingpin.CmdClause) *treeParams {
	params := &treeParams{}
	cmd.Flag("max-depth", "Maximum depth of the printed contexts, 0 prints the whole tree.").Default("0").IntVar(&params.maxDepth)
	cmd.Arg("file", "raw profile path").Required().StringVar(&params.path)
	return params
}

func printTree(ctx context.Context, fs afero.Fs, params *treeParams) error {
	p, err := profile.ReadFile(fs, params.path)
	if err != nil {
		return err
	}
	_, err = io.WriteString(output(ctx), renderTree(p, params.maxDepth))
	return err
}

func renderTree(p *profile.Profile, maxDepth int) string {
	type branch struct {
		node  cct.Handle
		depth int
		treeprint.Tree
	}
	t := p.CCT
	root := treeprint.NewWithRoot(p.RawFile)
	remaining := []branch{{node: t.Root(), Tree: root}}
	for len(remaining) > 0 {
		current := remaining[0]
		remaining = remaining[1:]
		if maxDepth > 0 && current.depth >= maxDepth {
			continue
		}
		for c := t.FirstChild(current.node); c != cct.NoHandle; c = t.NextSibling(c) {
			label := nodeLabel(p, c)
			if t.IsLeaf(c) {
				current.Tree.AddNode(label)
				continue
			}
			remaining = append(remaining, branch{node: c, depth: current.depth + 1, Tree: current.Tree.AddBranch(label)})
		}
	}
	return root.String()
}

func nodeLabel(p *profile.Profile, h cct.Handle) string {
	n := p.CCT.Node(h)
	var b strings.Builder
	b.WriteString(n.Kind.String())
	if n.Kind.IsDynamic() {
		name := "?"
		if m, ok := p.LoadModules.Lookup(n.LoadModule); ok {
			name = m.Name
		}
		fmt.Fprintf(&b, " %s+%#x", name, n.IP)
		if n.CallPath != cct.NoCallPath {
			fmt.Fprintf(&b, " cp=%d", n.CallPath)
		}
	} else if n.Label != "" {
		fmt.Fprintf(&b, " %s", n.Label)
	}
	if len(n.Metrics) > 0 {
		fmt.Fprintf(&b, " %v", n.Metrics)
	}
	return b.String()
}
