package cct

import (
	"fmt"

	"github.com/grafana/cctmerge/pkg/loadmodule"
	"github.com/grafana/cctmerge/pkg/structure"
)

// Handle addresses a node in the arena of its tree. Handles are stable
// for the lifetime of the tree: slots of removed nodes are not reused.
type Handle int32

const NoHandle Handle = -1

type Kind uint8

const (
	KindRoot Kind = iota
	KindProcFrame
	KindProc
	KindLoop
	KindCall
	KindStmt

	unknownKind
)

// IsDynamic reports whether nodes of the kind are execution contexts
// observed at runtime, rather than static structure wrappers.
func (k Kind) IsDynamic() bool { return k == KindCall || k == KindStmt }

func (k Kind) Valid() bool { return k < unknownKind }

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "Root"
	case KindProcFrame:
		return "ProcFrame"
	case KindProc:
		return "Proc"
	case KindLoop:
		return "Loop"
	case KindCall:
		return "Call"
	case KindStmt:
		return "Stmt"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// CallPathID correlates a dynamic node with the records of trace files.
type CallPathID uint32

// NoCallPath is the call path id of nodes that are not trace sample points.
const NoCallPath CallPathID = 0

// LIP is the logical instruction pointer of a node unwound through
// a virtualized or collapsed call stack.
type LIP struct {
	LoadModule loadmodule.ID
	Offset     uint64
}

// Dynamic holds the members of Call and Stmt nodes.
type Dynamic struct {
	LoadModule loadmodule.ID
	// IP is the instruction pointer offset, not relocated.
	IP       uint64
	LIP      *LIP
	Assoc    uint32
	CallPath CallPathID
}

func (d *Dynamic) mergable(o *Dynamic) bool {
	return d.LoadModule == o.LoadModule &&
		d.IP == o.IP &&
		lipEqual(d.LIP, o.LIP)
}

func lipEqual(a, b *LIP) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Node is the common envelope of all node kinds. Members of the
// embedded Dynamic are only meaningful for dynamic kinds.
//
// A *Node obtained from Tree.Node is only valid until the next node
// is allocated in the same tree.
type Node struct {
	Kind  Kind
	Label string
	// Ref is a read-only cross-reference to the static structure.
	Ref *structure.Scope
	// Metrics is indexed by the metric id of the profile registry.
	Metrics []float64
	Dynamic

	id     uint32
	parent Handle
	first  Handle
	last   Handle
	next   Handle
	prev   Handle
	dead   bool
}

func (n *Node) ID() uint32 { return n.id }

func (n *Node) Metric(i int) float64 {
	if i < len(n.Metrics) {
		return n.Metrics[i]
	}
	return 0
}

func newNode(kind Kind) Node {
	return Node{
		Kind:   kind,
		parent: NoHandle,
		first:  NoHandle,
		last:   NoHandle,
		next:   NoHandle,
		prev:   NoHandle,
	}
}
