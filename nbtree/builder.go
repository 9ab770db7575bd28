// Copyright 2018 The amcheck Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package nbtree

import (
	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/petergeoghegan/amcheck/page"
)

// Builder bulk-loads a B-Tree index. Tuples are staged in sorted
// order, then written out bottom-up, one level at a time: leaf pages
// left to right, then the internal level above them, until a level
// fits on a single page, which becomes the root.
type Builder struct {
	rel       *Relation
	staging   *btree.BTreeG[IndexTuple]
	lsn       uint64
	nextBlock page.BlockNumber
}

// NewBuilder returns a builder writing into rel's store. The store
// must be empty.
func NewBuilder(rel *Relation) *Builder {
	less := func(a, b IndexTuple) bool {
		if c := rel.Cmp(a.Key, b.Key); c != 0 {
			return c < 0
		}
		if a.TID.Block != b.TID.Block {
			return a.TID.Block < b.TID.Block
		}
		return a.TID.Offset < b.TID.Offset
	}
	return &Builder{
		rel:       rel,
		staging:   btree.NewG(32, less),
		nextBlock: MetaBlock + 1,
	}
}

// Add stages one tuple. Duplicate keys are fine; a tuple with the same
// key and TID as an earlier one replaces it.
func (b *Builder) Add(tup IndexTuple) {
	b.staging.ReplaceOrInsert(tup)
}

// Count returns the number of staged tuples.
func (b *Builder) Count() int64 { return int64(b.staging.Len()) }

// levelEntry is one item destined for a page at the level currently
// being written. lowKey is the key a parent downlink to this entry's
// page would use; it is nil for the leftmost entry of a level, whose
// key space extends to negative infinity.
type levelEntry struct {
	tup    IndexTuple
	lowKey []byte
}

// childPage describes a page written at the level below the one being
// assembled.
type childPage struct {
	block  page.BlockNumber
	lowKey []byte
}

// Build writes the staged tuples out as a complete index, including
// the meta page. A builder is single-use.
func (b *Builder) Build() error {
	// Reserve block 0; the real meta page is rewritten once the root
	// location is known.
	placeholder, err := WriteMeta(Meta{Magic: Magic, Version: Version})
	if err != nil {
		return err
	}
	if err := b.rel.Store.WritePage(MetaBlock, placeholder); err != nil {
		return err
	}

	entries := make([]levelEntry, 0, b.staging.Len())
	b.staging.Ascend(func(tup IndexTuple) bool {
		entries = append(entries, levelEntry{tup: tup, lowKey: tup.Key})
		return true
	})

	rootBlock := PNone
	var rootLevel uint32
	for level := uint32(0); len(entries) > 0; level++ {
		children, err := b.writeLevel(level, entries)
		if err != nil {
			return err
		}
		if len(children) == 1 {
			rootBlock = children[0].block
			rootLevel = level
			break
		}
		entries = entries[:0]
		for _, c := range children {
			entries = append(entries, levelEntry{
				tup:    IndexTuple{TID: page.ItemPointer{Block: c.block}, Key: c.lowKey},
				lowKey: c.lowKey,
			})
		}
	}

	meta, err := WriteMeta(Meta{
		Magic:     Magic,
		Version:   Version,
		Root:      rootBlock,
		Level:     rootLevel,
		FastRoot:  rootBlock,
		FastLevel: rootLevel,
	})
	if err != nil {
		return err
	}
	return b.rel.Store.WritePage(MetaBlock, meta)
}

// writeLevel materializes one level of the tree from its entries,
// returning a descriptor per page written.
func (b *Builder) writeLevel(level uint32, entries []levelEntry) ([]childPage, error) {
	// Partition entries into pages, reserving room on each
	// non-rightmost page for a high key as large as the next page's
	// low key.
	var groups [][]levelEntry
	var cur []levelEntry
	used := 0
	for _, e := range entries {
		size := tupleHeaderSize + len(e.tup.Key) + page.ItemOverhead
		if size > page.UsableSize/4 {
			return nil, errors.Newf("index tuple of %d bytes exceeds maximum size", size)
		}
		highKeyReserve := tupleHeaderSize + len(e.lowKey) + page.ItemOverhead
		if len(cur) > 0 && used+size > page.UsableSize-highKeyReserve {
			groups = append(groups, cur)
			cur = nil
			used = 0
		}
		cur = append(cur, e)
		used += size
	}
	groups = append(groups, cur)

	children := make([]childPage, len(groups))
	for i, g := range groups {
		block := b.nextBlock
		b.nextBlock++

		opaque := PageOpaque{Level: level}
		if level == 0 {
			opaque.Flags |= FlagLeaf
		}
		if len(groups) == 1 {
			opaque.Flags |= FlagRoot
		}
		if i > 0 {
			opaque.Prev = block - 1
		}
		if i < len(groups)-1 {
			opaque.Next = block + 1
		}

		p := page.New()
		b.lsn++
		p.SetLSN(b.lsn)

		// High key: a copy of the next page's low key, carrying no
		// heap TID. Rightmost pages have none.
		if i < len(groups)-1 {
			hk := IndexTuple{Key: groups[i+1][0].lowKey}
			if _, err := p.AddItem(hk.Encode()); err != nil {
				return nil, errors.Wrapf(err, "high key on block %d", block)
			}
		}
		for j, e := range g {
			tup := e.tup
			if level > 0 && j == 0 {
				// First item of an internal page: truncate to the
				// negative-infinity sentinel, child pointer only.
				tup = IndexTuple{TID: tup.TID}
			}
			if _, err := p.AddItem(tup.Encode()); err != nil {
				return nil, errors.Wrapf(err, "item on block %d", block)
			}
		}
		SetOpaque(p, opaque)

		if err := b.rel.Store.WritePage(block, p); err != nil {
			return nil, err
		}

		lowKey := g[0].lowKey
		if i == 0 {
			lowKey = nil
		}
		children[i] = childPage{block: block, lowKey: lowKey}
	}
	return children, nil
}
