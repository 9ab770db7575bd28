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

package gist

import (
	"github.com/cockroachdb/errors"

	"github.com/petergeoghegan/amcheck/page"
)

// maxFanout is the most entries a page can hold.
const maxFanout = page.UsableSize / (entrySize + page.ItemOverhead)

// Builder bulk-loads a containment-tree index: leaf entries are staged,
// then written out bottom-up, each parent downlink carrying the union
// of its child page's intervals. The final single page of the topmost
// level becomes the root at its fixed block.
type Builder struct {
	rel     *Relation
	staged  []Entry
	lsn     uint64
	nextBlk page.BlockNumber

	// Fanout caps entries per page. The default is full pages; tests
	// lower it to get deeper trees from little data.
	Fanout int
}

// NewBuilder returns a builder writing into rel's store. The store
// must be empty.
func NewBuilder(rel *Relation) *Builder {
	return &Builder{rel: rel, nextBlk: RootBlock + 1, Fanout: maxFanout}
}

// Add stages one leaf entry.
func (b *Builder) Add(e Entry) {
	b.staged = append(b.staged, e)
}

// Build writes the staged entries out as a complete index. A builder
// is single-use.
func (b *Builder) Build() error {
	if b.Fanout < 1 || b.Fanout > maxFanout {
		return errors.Newf("fanout %d out of range [1, %d]", b.Fanout, maxFanout)
	}

	// Reserve the root block; it is rewritten once the tree has been
	// assembled beneath it.
	if err := b.writePage(RootBlock, nil, true, page.InvalidBlockNumber); err != nil {
		return err
	}

	entries := b.staged
	leaf := true
	for {
		groups := b.partition(entries)
		if len(groups) == 1 {
			return b.writePage(RootBlock, groups[0], leaf, page.InvalidBlockNumber)
		}
		downlinks := make([]Entry, 0, len(groups))
		for i, g := range groups {
			block := b.nextBlk
			b.nextBlk++
			rightlink := page.InvalidBlockNumber
			if i < len(groups)-1 {
				rightlink = block + 1
			}
			if err := b.writePage(block, g, leaf, rightlink); err != nil {
				return err
			}
			downlinks = append(downlinks, downlinkFor(block, g))
		}
		entries = downlinks
		leaf = false
	}
}

// partition splits entries into page-sized groups. Null and non-null
// entries never share a page below the root: a downlink is a single
// entry, and its null flag must agree with every entry on the child.
func (b *Builder) partition(entries []Entry) [][]Entry {
	var groups [][]Entry
	var cur []Entry
	for _, e := range entries {
		if len(cur) >= b.Fanout || (len(cur) > 0 && cur[0].Null != e.Null) {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, e)
	}
	return append(groups, cur)
}

// downlinkFor builds the parent entry for a page holding g: the union
// of the group's intervals, or a null entry for a page of nulls.
func downlinkFor(block page.BlockNumber, g []Entry) Entry {
	down := Entry{TID: page.ItemPointer{Block: block}, Null: g[0].Null}
	if down.Null {
		return down
	}
	down.Key = g[0].Key
	for _, e := range g[1:] {
		down.Key = down.Key.Union(e.Key)
	}
	return down
}

func (b *Builder) writePage(block page.BlockNumber, g []Entry, leaf bool, rightlink page.BlockNumber) error {
	p := page.New()
	b.lsn++
	p.SetLSN(b.lsn)
	for _, e := range g {
		if _, err := p.AddItem(e.Encode()); err != nil {
			return errors.Wrapf(err, "entry on block %d", block)
		}
	}
	opaque := PageOpaque{Rightlink: rightlink}
	if leaf {
		opaque.Flags |= FlagLeaf
	}
	SetOpaque(p, opaque)
	return b.rel.Store.WritePage(block, p)
}
