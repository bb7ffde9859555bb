package cct

import (
	"fmt"

	"github.com/dolthub/swiss"
)

// Effect records that the call path id Old of the source tree is
// known as New in the merged tree.
type Effect struct {
	Old CallPathID
	New CallPathID
}

// MergeContext resolves call path id conflicts of a single merge: it
// tracks the ids in use in the destination tree, allocates fresh ids,
// and accumulates the effects to be applied to trace records of the
// source. A context must not be shared between merges.
type MergeContext struct {
	used    *swiss.Map[CallPathID, struct{}]
	next    CallPathID
	effects []Effect
}

// NewMergeContext collects the call path ids of the destination tree.
// Ids are expected to be unique.
func NewMergeContext(dst *Tree) *MergeContext {
	ids := dst.CallPaths()
	c := &MergeContext{
		used: swiss.NewMap[CallPathID, struct{}](uint32(len(ids))),
		next: 1,
	}
	for _, id := range ids {
		if c.used.Has(id) {
			panic(fmt.Sprintf("bug: duplicate call path id %d in the destination tree", id))
		}
		c.used.Put(id, struct{}{})
		c.Reserve(id)
	}
	return c
}

// Reserve makes sure that id is never returned by Fresh. Reserving the
// ids of the source tree avoids conflicts between freshly minted ids
// and source ids not yet visited.
func (c *MergeContext) Reserve(id CallPathID) {
	if id >= c.next {
		c.next = id + 1
	}
}

// Used reports whether the id is in use in the destination tree.
func (c *MergeContext) Used(id CallPathID) bool { return c.used.Has(id) }

// Fresh returns a new id and marks it as used.
func (c *MergeContext) Fresh() CallPathID {
	id := c.next
	c.next++
	c.used.Put(id, struct{}{})
	return id
}

// Claim returns the id under which the source id lives in the
// destination: the id itself if it is free, or a fresh one. In the
// latter case an effect is recorded.
func (c *MergeContext) Claim(id CallPathID) CallPathID {
	if !c.used.Has(id) {
		c.used.Put(id, struct{}{})
		c.Reserve(id)
		return id
	}
	n := c.Fresh()
	c.Record(id, n)
	return n
}

func (c *MergeContext) Record(from, to CallPathID) {
	c.effects = append(c.effects, Effect{Old: from, New: to})
}

// Effects returns the effects recorded in the order of emission.
func (c *MergeContext) Effects() []Effect { return c.effects }
