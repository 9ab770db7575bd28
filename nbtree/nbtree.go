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

// Package nbtree defines the on-disk B-Tree index format: page opaque
// data, the meta page, index tuple encoding, the insertion scan key,
// and a bulk builder that loads a well-formed index from sorted input.
//
// The tree follows the Lehman & Yao design: pages at each level are
// chained left to right through sibling links, every non-rightmost
// page carries a high key bounding its contents from above, and parent
// pages hold downlinks whose keys are lower bounds on their child
// pages. Children carry no parent pointers; the only way to reach a
// page is through a downlink or a sibling link, which is why
// verification walks levels rather than an in-memory pointer graph.
package nbtree

import (
	"github.com/petergeoghegan/amcheck/catalog"
	"github.com/petergeoghegan/amcheck/page"
)

const (
	// MetaBlock is the block number of the meta page.
	MetaBlock page.BlockNumber = 0

	// PNone marks the absence of a sibling link. Block 0 is always the
	// meta page, so 0 is free to mean "none" in sibling position.
	PNone page.BlockNumber = 0

	// Magic identifies a B-Tree meta page.
	Magic uint32 = 0x053162

	// Version is the on-disk format version this code reads.
	Version uint32 = 3

	// HighKeyOffset is the offset of the high key on non-rightmost
	// pages.
	HighKeyOffset page.OffsetNumber = 1
)

// Page opaque flag bits.
const (
	FlagLeaf            uint16 = 1 << 0
	FlagRoot            uint16 = 1 << 1
	FlagDeleted         uint16 = 1 << 2
	FlagMeta            uint16 = 1 << 3
	FlagHalfDead        uint16 = 1 << 4
	FlagHasGarbage      uint16 = 1 << 6
	FlagIncompleteSplit uint16 = 1 << 7
)

// PageOpaque is the B-Tree interpretation of a page's special area:
// sibling links, tree level (0 at the leaves, increasing toward the
// root), and status flags.
type PageOpaque struct {
	Prev  page.BlockNumber
	Next  page.BlockNumber
	Level uint32
	Flags uint16
}

// GetOpaque decodes the B-Tree opaque data from p's special area.
func GetOpaque(p page.Page) PageOpaque {
	s := p.Special()
	return PageOpaque{
		Prev:  page.BlockNumber(le.Uint32(s[0:4])),
		Next:  page.BlockNumber(le.Uint32(s[4:8])),
		Level: le.Uint32(s[8:12]),
		Flags: le.Uint16(s[12:14]),
	}
}

// SetOpaque encodes o into p's special area.
func SetOpaque(p page.Page, o PageOpaque) {
	s := p.Special()
	le.PutUint32(s[0:4], uint32(o.Prev))
	le.PutUint32(s[4:8], uint32(o.Next))
	le.PutUint32(s[8:12], o.Level)
	le.PutUint16(s[12:14], o.Flags)
}

// IsLeaf reports whether the page is at the leaf level.
func (o PageOpaque) IsLeaf() bool { return o.Flags&FlagLeaf != 0 }

// IsRoot reports whether the page is flagged as the true root.
func (o PageOpaque) IsRoot() bool { return o.Flags&FlagRoot != 0 }

// IsMeta reports whether the page claims to be the meta page.
func (o PageOpaque) IsMeta() bool { return o.Flags&FlagMeta != 0 }

// IsDeleted reports whether the page was deleted.
func (o PageOpaque) IsDeleted() bool { return o.Flags&FlagDeleted != 0 }

// IsHalfDead reports whether the page is in the first phase of
// deletion.
func (o PageOpaque) IsHalfDead() bool { return o.Flags&FlagHalfDead != 0 }

// IsIgnorable reports whether traversal should skip the page: deleted
// or half-dead pages stay reachable through sibling links but hold no
// checkable content.
func (o PageOpaque) IsIgnorable() bool { return o.IsDeleted() || o.IsHalfDead() }

// HasGarbage reports whether the page is flagged as containing
// known-dead items. Only leaf pages may carry this flag.
func (o PageOpaque) HasGarbage() bool { return o.Flags&FlagHasGarbage != 0 }

// IsRightmost reports whether the page is the rightmost on its level.
// Rightmost pages have no high key.
func (o PageOpaque) IsRightmost() bool { return o.Next == PNone }

// IsLeftmost reports whether the page is the leftmost on its level.
func (o PageOpaque) IsLeftmost() bool { return o.Prev == PNone }

// FirstDataKey returns the offset of the first data item: offset 1 on
// rightmost pages (no high key), offset 2 elsewhere.
func (o PageOpaque) FirstDataKey() page.OffsetNumber {
	if o.IsRightmost() {
		return page.FirstOffsetNumber
	}
	return HighKeyOffset + 1
}

// Relation is a B-Tree index relation: catalog descriptor plus the
// page store holding its blocks.
type Relation struct {
	catalog.IndexRelation
	Store page.Store
}
