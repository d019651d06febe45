// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crdt

import (
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

// Tag uniquely identifies one add operation: the replica that performed it
// and that replica's add sequence number.
type Tag struct {
	Node ids.NodeID `serialize:"true" json:"node"`
	Seq  uint64     `serialize:"true" json:"seq"`
}

// ORSet is an observed-remove set. Every add carries a fresh tag; a remove
// tombstones only the tags it has observed, so an add unseen by a concurrent
// remove survives the merge (add wins).
type ORSet struct {
	Owner   ids.NodeID              `serialize:"true" json:"owner"`
	NextSeq uint64                  `serialize:"true" json:"nextSeq"`
	Adds    map[string]set.Set[Tag] `serialize:"true" json:"adds"`
	Removed set.Set[Tag]            `serialize:"true" json:"removed"`
}

// NewORSet returns an empty set owned by [owner]. Only the owner should
// mutate it; other replicas interact through merges.
func NewORSet(owner ids.NodeID) ORSet {
	return ORSet{
		Owner:   owner,
		Adds:    make(map[string]set.Set[Tag]),
		Removed: set.NewSet[Tag](0),
	}
}

// Add inserts [element] under a fresh tag.
func (o *ORSet) Add(element string) {
	tag := Tag{Node: o.Owner, Seq: o.NextSeq}
	o.NextSeq++

	tags, ok := o.Adds[element]
	if !ok {
		tags = set.NewSet[Tag](1)
		o.Adds[element] = tags
	}
	tags.Add(tag)
}

// Remove tombstones every tag of [element] observed so far. Removing an
// absent element is a no-op.
func (o *ORSet) Remove(element string) {
	for tag := range o.Adds[element] {
		o.Removed.Add(tag)
	}
}

// Contains reports whether [element] has at least one live tag.
func (o ORSet) Contains(element string) bool {
	for tag := range o.Adds[element] {
		if !o.Removed.Contains(tag) {
			return true
		}
	}
	return false
}

// Elements lists every element with a live tag.
func (o ORSet) Elements() []string {
	out := make([]string, 0, len(o.Adds))
	for element := range o.Adds {
		if o.Contains(element) {
			out = append(out, element)
		}
	}
	return out
}

// Copy returns an independent snapshot sharing no state with the original.
func (o ORSet) Copy() ORSet {
	adds := make(map[string]set.Set[Tag], len(o.Adds))
	for element, tags := range o.Adds {
		adds[element] = set.NewSet[Tag](tags.Len()).Union(tags)
	}
	removed := set.NewSet[Tag](o.Removed.Len()).Union(o.Removed)
	return ORSet{
		Owner:   o.Owner,
		NextSeq: o.NextSeq,
		Adds:    adds,
		Removed: removed,
	}
}

// MergeORSets unions add tags and tombstones into a new set owned by [a]'s
// owner. Neither input is modified.
func MergeORSets(a, b ORSet) ORSet {
	out := a.Copy()
	for element, tags := range b.Adds {
		out.Adds[element] = out.Adds[element].Union(tags)
	}
	out.Removed = out.Removed.Union(b.Removed)
	if b.Owner == a.Owner && b.NextSeq > out.NextSeq {
		out.NextSeq = b.NextSeq
	}
	return out
}
