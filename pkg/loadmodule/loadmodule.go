// Package loadmodule maps the binaries referenced by sampled
// instruction pointers to dense numeric identifiers.
package loadmodule

import (
	"fmt"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
)

type ID uint16

// Null is the load module id of nodes that do not reference a binary.
const Null ID = 0

type Module struct {
	ID       ID
	Name     string
	LoadAddr uint64
	// Reloc is the offset between the runtime address and the
	// addresses found in the symbol data of the binary.
	Reloc      uint64
	Used       bool
	Unresolved bool
}

// Effect records that the module known as Old in the merged
// map is now known as New.
type Effect struct {
	Old ID
	New ID
}

// Canonicalizer returns the canonical name of a binary, so that
// the same file reached through different paths has one name.
type Canonicalizer func(string) string

// CanonicalPath returns a canonicalizer that cleans the path and,
// when fs is backed by the OS, resolves symbolic links.
func CanonicalPath(fs afero.Fs) Canonicalizer {
	_, isOS := fs.(*afero.OsFs)
	return func(name string) string {
		p := filepath.Clean(name)
		if !isOS {
			return p
		}
		if r, err := filepath.EvalSymlinks(p); err == nil {
			return r
		}
		return p
	}
}

// Cached returns a canonicalizer remembering the last size names
// resolved by c. It is safe for concurrent use if c is. A size below 1
// disables caching.
func Cached(c Canonicalizer, size int) Canonicalizer {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return c
	}
	return func(name string) string {
		if r, ok := cache.Get(name); ok {
			return r
		}
		r := c(name)
		cache.Add(name, r)
		return r
	}
}

func identity(s string) string { return s }

type Map struct {
	modules   []*Module // Index is ID-1.
	byName    map[string]*Module
	canonical Canonicalizer
}

func NewMap() *Map { return NewMapWithCanonicalizer(nil) }

func NewMapWithCanonicalizer(c Canonicalizer) *Map {
	if c == nil {
		c = identity
	}
	return &Map{
		byName:    make(map[string]*Module),
		canonical: c,
	}
}

func (m *Map) Len() int { return len(m.modules) }

// Modules returns modules ordered by id.
func (m *Map) Modules() []*Module { return m.modules }

func (m *Map) Lookup(id ID) (*Module, bool) {
	if id == Null || int(id) > len(m.modules) {
		return nil, false
	}
	return m.modules[id-1], true
}

func (m *Map) LookupName(name string) (*Module, bool) {
	x, ok := m.byName[m.canonical(name)]
	return x, ok
}

// Insert registers the binary and returns its module. If a module with
// the same canonical name is already registered, it is returned as is.
func (m *Map) Insert(name string, loadAddr uint64) *Module {
	name = m.canonical(name)
	if x, ok := m.byName[name]; ok {
		return x
	}
	x := &Module{
		ID:       ID(len(m.modules) + 1),
		Name:     name,
		LoadAddr: loadAddr,
	}
	m.modules = append(m.modules, x)
	m.byName[name] = x
	return x
}

// Merge inserts modules of other that are not present in m, and
// returns the remapping of other's module ids to ids in m. Modules
// present in both keep m's id. Identity mappings are omitted.
// Modules new to m keep their relocation state.
func (m *Map) Merge(other *Map) []Effect {
	var effects []Effect
	for _, o := range other.modules {
		n := len(m.modules)
		x := m.Insert(o.Name, o.LoadAddr)
		switch {
		case len(m.modules) > n:
			x.Reloc, x.Unresolved = o.Reloc, o.Unresolved
		case x.Reloc == 0 && !x.Unresolved:
			x.Reloc = o.Reloc
		}
		x.Used = x.Used || o.Used
		if x.ID != o.ID {
			effects = append(effects, Effect{Old: o.ID, New: x.ID})
		}
	}
	return effects
}

// Remapper returns a function translating ids according to the
// effects. The translation is simultaneous: effects are not chained.
func Remapper(effects []Effect) func(ID) ID {
	if len(effects) == 0 {
		return func(id ID) ID { return id }
	}
	t := make(map[ID]ID, len(effects))
	for _, e := range effects {
		t[e.Old] = e.New
	}
	return func(id ID) ID {
		if n, ok := t[id]; ok {
			return n
		}
		return id
	}
}

// RelocResolver computes the relocation amount of a loaded binary.
type RelocResolver interface {
	RelocAmount(name string, loadAddr uint64) (uint64, error)
}

type RelocResolverFunc func(name string, loadAddr uint64) (uint64, error)

func (f RelocResolverFunc) RelocAmount(name string, loadAddr uint64) (uint64, error) {
	return f(name, loadAddr)
}

// ResolveRelocations computes the relocation amount of every module.
// A module that cannot be resolved is marked as such, and a warning is
// logged: the failure is not fatal. The number of unresolved modules
// is returned.
func (m *Map) ResolveRelocations(r RelocResolver, logger log.Logger) int {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	var unresolved int
	for _, x := range m.modules {
		reloc, err := r.RelocAmount(x.Name, x.LoadAddr)
		if err != nil {
			level.Warn(logger).Log("msg", "cannot compute relocation amount", "module", x.Name, "err", err)
			x.Unresolved = true
			unresolved++
			continue
		}
		x.Reloc = reloc
		x.Unresolved = false
	}
	return unresolved
}

func (m *Map) String() string {
	return fmt.Sprintf("loadmodule.Map{%d modules}", len(m.modules))
}
