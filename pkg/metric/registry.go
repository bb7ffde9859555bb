// Package metric holds the ordered performance metric descriptors of a
// profile. The position of a descriptor in its registry is its identity:
// metric value vectors of CCT nodes are indexed by it.
package metric

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
)

type Kind uint8

const (
	// KindRaw is a metric sampled by the measurement runtime.
	KindRaw Kind = iota
	// KindDerivedIncr is computed incrementally while profiles are merged.
	KindDerivedIncr
	// KindDerivedAggregate is computed from other metrics once all the
	// profiles have been merged.
	KindDerivedAggregate

	unknownKind
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindDerivedIncr:
		return "derived-incr"
	case KindDerivedAggregate:
		return "derived-aggregate"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) Valid() bool { return k < unknownKind }

type ValueKind uint8

const (
	ValueInt ValueKind = iota
	ValueReal
)

type Display uint8

const (
	DisplayShow Display = 1 << iota
	DisplayShowPercent
)

// NoPartner indicates that a metric has no inclusive/exclusive counterpart.
const NoPartner = -1

type Descriptor struct {
	Name        string
	Description string
	Kind        Kind
	ValueKind   ValueKind
	Period      uint64
	// Final is set for values that must not be rescaled by the period.
	Final   bool
	Partner int
	Display Display

	id int
}

// ID returns the position of the descriptor in its registry.
func (d *Descriptor) ID() int { return d.id }

type MergePolicy uint8

const (
	// MergeCreateNew appends all metrics of the other registry.
	MergeCreateNew MergePolicy = iota
	// MergeByOffset maps other's metric i to base+i.
	MergeByOffset
	// MergeByName looks for a block of metrics with identical names,
	// and falls back to MergeCreateNew if there is none.
	MergeByName
)

func (p MergePolicy) String() string {
	switch p {
	case MergeCreateNew:
		return "create-new"
	case MergeByOffset:
		return "by-offset"
	case MergeByName:
		return "by-name"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

func ParseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "create-new", "":
		return MergeCreateNew, nil
	case "by-offset":
		return MergeByOffset, nil
	case "by-name":
		return MergeByName, nil
	}
	return 0, fmt.Errorf("unknown metric merge policy %q", s)
}

var (
	ErrOffsetMismatch = errors.New("metric names do not match at the merge offset")
	ErrInvalidOffset  = errors.New("invalid metric merge offset")
)

// Registry is an append-only list of metric descriptors: indices
// that have been assigned are never reordered.
type Registry struct {
	metrics []*Descriptor
}

func NewRegistry() *Registry { return new(Registry) }

// Add appends the descriptor and returns its index.
func (r *Registry) Add(d Descriptor) int {
	d.id = len(r.metrics)
	r.metrics = append(r.metrics, &d)
	return d.id
}

func (r *Registry) Len() int { return len(r.metrics) }

func (r *Registry) At(i int) *Descriptor { return r.metrics[i] }

// Lookup returns the index of the first metric with the given name.
func (r *Registry) Lookup(name string) (int, bool) {
	for i, m := range r.metrics {
		if m.Name == name {
			return i, true
		}
	}
	return -1, false
}

func (r *Registry) Names() []string {
	return lo.Map(r.metrics, func(m *Descriptor, _ int) string { return m.Name })
}

func (r *Registry) Clone() *Registry {
	c := &Registry{metrics: make([]*Descriptor, len(r.metrics))}
	for i, m := range r.metrics {
		d := *m
		c.metrics[i] = &d
	}
	return c
}

// Merge merges the other registry into r according to the policy and
// returns the index at which other's metric 0 now lives. The offset is
// only used by MergeByOffset. The other registry is left intact.
func (r *Registry) Merge(other *Registry, policy MergePolicy, offset int) (int, error) {
	switch policy {
	case MergeCreateNew:
		return r.appendAll(other), nil
	case MergeByOffset:
		return r.mergeByOffset(other, offset)
	case MergeByName:
		if base, ok := r.findBlock(other.Names()); ok {
			return base, nil
		}
		return r.appendAll(other), nil
	}
	return 0, fmt.Errorf("unknown metric merge policy %d", policy)
}

func (r *Registry) appendAll(other *Registry) int {
	base := len(r.metrics)
	for _, m := range other.metrics {
		d := *m
		if d.Partner != NoPartner {
			d.Partner += base
		}
		r.Add(d)
	}
	return base
}

func (r *Registry) mergeByOffset(other *Registry, base int) (int, error) {
	if base < 0 || base > len(r.metrics) {
		return 0, fmt.Errorf("%w: %d (registry size %d)", ErrInvalidOffset, base, len(r.metrics))
	}
	for i, m := range other.metrics {
		j := base + i
		if j < len(r.metrics) {
			if r.metrics[j].Name != m.Name {
				return 0, fmt.Errorf("%w: metric %d is %q, got %q",
					ErrOffsetMismatch, j, r.metrics[j].Name, m.Name)
			}
			continue
		}
		d := *m
		if d.Partner != NoPartner {
			d.Partner += base
		}
		r.Add(d)
	}
	return base, nil
}

// findBlock returns the index of the first contiguous run of
// metrics whose names equal names.
func (r *Registry) findBlock(names []string) (int, bool) {
	if len(names) == 0 {
		return len(r.metrics), true
	}
outer:
	for i := 0; i+len(names) <= len(r.metrics); i++ {
		for j, n := range names {
			if r.metrics[i+j].Name != n {
				continue outer
			}
		}
		return i, true
	}
	return 0, false
}
