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

// Package gist defines a containment-based (GiST-style) index over
// one-dimensional integer intervals, and verifies its graph
// invariants: every tuple on a child page must be contained by the
// downlink tuple that leads to it, internal pages reference either
// only leaf pages or only internal pages, and every internal page has
// at least one downlink.
//
// Unlike the B-Tree, the root is a fixed block with no meta page, and
// pages carry a split sequence number (NSN) plus a rightlink so that
// a reader arriving through a downlink older than a page split can
// find the split-off right half.
package gist

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/petergeoghegan/amcheck/catalog"
	"github.com/petergeoghegan/amcheck/page"
)

// RootBlock is the block number of the root page. There is no meta
// page; an empty index is a single empty leaf root.
const RootBlock page.BlockNumber = 0

var le = binary.LittleEndian

// Page opaque flag bits.
const (
	FlagLeaf    uint16 = 1 << 0
	FlagDeleted uint16 = 1 << 1
	// FlagFollowRight marks a freshly split page whose downlink has
	// not been inserted into the parent yet: readers must also visit
	// the rightlink.
	FlagFollowRight uint16 = 1 << 2
)

// PageOpaque is the GiST interpretation of a page's special area.
type PageOpaque struct {
	// NSN is the split sequence number: the LSN at the time of the
	// page's last split. A reader that noted the parent's LSN before
	// descending compares it against NSN to detect a split that
	// happened in between.
	NSN       uint64
	Rightlink page.BlockNumber
	Flags     uint16
}

// GetOpaque decodes the GiST opaque data from p's special area.
func GetOpaque(p page.Page) PageOpaque {
	s := p.Special()
	return PageOpaque{
		NSN:       le.Uint64(s[0:8]),
		Rightlink: page.BlockNumber(le.Uint32(s[8:12])),
		Flags:     le.Uint16(s[12:14]),
	}
}

// SetOpaque encodes o into p's special area.
func SetOpaque(p page.Page, o PageOpaque) {
	s := p.Special()
	le.PutUint64(s[0:8], o.NSN)
	le.PutUint32(s[8:12], uint32(o.Rightlink))
	le.PutUint16(s[12:14], o.Flags)
}

// IsLeaf reports whether the page is a leaf.
func (o PageOpaque) IsLeaf() bool { return o.Flags&FlagLeaf != 0 }

// IsDeleted reports whether the page was deleted.
func (o PageOpaque) IsDeleted() bool { return o.Flags&FlagDeleted != 0 }

// FollowRight reports whether the page's split is unfinished and the
// rightlink must be treated as an extension of the page.
func (o PageOpaque) FollowRight() bool { return o.Flags&FlagFollowRight != 0 }

// Interval is the key type: a closed one-dimensional integer range.
// Internal entries carry the union of their child page's intervals.
type Interval struct {
	Lo, Hi int64
}

// Contains reports whether other lies entirely within iv.
func (iv Interval) Contains(other Interval) bool {
	return iv.Lo <= other.Lo && other.Hi <= iv.Hi
}

// Union returns the smallest interval covering both operands.
func (iv Interval) Union(other Interval) Interval {
	out := iv
	if other.Lo < out.Lo {
		out.Lo = other.Lo
	}
	if other.Hi > out.Hi {
		out.Hi = other.Hi
	}
	return out
}

// Entry flag bits.
const (
	// entryNull marks a null key. Null keys have no containment
	// semantics; a parent null must lead only to child nulls.
	entryNull uint8 = 1 << 0
	// entryInvalid marks a tuple left behind by an incomplete page
	// split during crash recovery in an old on-disk version. Such
	// tuples carry no usable key.
	entryInvalid uint8 = 1 << 1
)

// Entry is one index entry. On leaf pages the TID points at a heap
// record; on internal pages the TID's block is the child page the
// entry is a downlink to, and Key covers everything on that child.
type Entry struct {
	TID     page.ItemPointer
	Key     Interval
	Null    bool
	Invalid bool
}

// ChildBlock returns the child page a downlink points to.
func (e Entry) ChildBlock() page.BlockNumber { return e.TID.Block }

// entrySize is the fixed encoded size: TID (6), flags (1), padding
// (1), interval bounds (16).
const entrySize = 24

// Encode returns the on-disk representation of the entry.
func (e Entry) Encode() []byte {
	buf := make([]byte, entrySize)
	le.PutUint32(buf[0:4], uint32(e.TID.Block))
	le.PutUint16(buf[4:6], uint16(e.TID.Offset))
	var flags uint8
	if e.Null {
		flags |= entryNull
	}
	if e.Invalid {
		flags |= entryInvalid
	}
	buf[6] = flags
	le.PutUint64(buf[8:16], uint64(e.Key.Lo))
	le.PutUint64(buf[16:24], uint64(e.Key.Hi))
	return buf
}

// DecodeEntry parses an encoded entry.
func DecodeEntry(data []byte) (Entry, error) {
	if len(data) != entrySize {
		return Entry{}, errors.Newf("entry has size %d, expected %d", len(data), entrySize)
	}
	return Entry{
		TID: page.ItemPointer{
			Block:  page.BlockNumber(le.Uint32(data[0:4])),
			Offset: page.OffsetNumber(le.Uint16(data[4:6])),
		},
		Key: Interval{
			Lo: int64(le.Uint64(data[8:16])),
			Hi: int64(le.Uint64(data[16:24])),
		},
		Null:    data[6]&entryNull != 0,
		Invalid: data[6]&entryInvalid != 0,
	}, nil
}

// EntryAt decodes the entry stored at off on p.
func EntryAt(p page.Page, off page.OffsetNumber) (Entry, error) {
	item, err := p.Item(off)
	if err != nil {
		return Entry{}, err
	}
	return DecodeEntry(item)
}

// ReplaceEntry overwrites the entry stored at off on p in place.
// Entries are fixed-size, so any entry can replace any other. Used by
// tests that manufacture corruption.
func ReplaceEntry(p page.Page, off page.OffsetNumber, e Entry) error {
	item, err := p.Item(off)
	if err != nil {
		return err
	}
	copy(item, e.Encode())
	return nil
}

// Relation is a GiST index relation: catalog descriptor plus the page
// store holding its blocks.
type Relation struct {
	catalog.IndexRelation
	Store page.Store
}
