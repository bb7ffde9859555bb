// Package structure describes the static program structure (procedures,
// loops, statements) recovered from binaries. The structure is shared by
// the profiles referencing it and is never modified once built.
package structure

type Kind uint8

const (
	KindFile Kind = iota
	KindProc
	KindLoop
	KindStmt
	KindCallSite
)

type Scope struct {
	ID     uint32
	Kind   Kind
	Name   string
	File   string
	Line   uint32
	Parent *Scope
}

type Tree struct {
	scopes []*Scope
}

func NewTree() *Tree { return new(Tree) }

// Add appends a scope and assigns it the next id, starting at 1.
func (t *Tree) Add(parent *Scope, kind Kind, name, file string, line uint32) *Scope {
	s := &Scope{
		ID:     uint32(len(t.scopes) + 1),
		Kind:   kind,
		Name:   name,
		File:   file,
		Line:   line,
		Parent: parent,
	}
	t.scopes = append(t.scopes, s)
	return s
}

func (t *Tree) Lookup(id uint32) (*Scope, bool) {
	if id == 0 || int(id) > len(t.scopes) {
		return nil, false
	}
	return t.scopes[id-1], true
}

func (t *Tree) Len() int { return len(t.scopes) }
