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

// Package page implements the slotted page layout shared by the index
// access methods, and the block-addressed page store they read from.
//
// A page is a fixed-size byte array. Items are addressed by 1-based
// offset numbers through a line pointer array that grows up from the
// page header, while item data grows down from the special area. The
// last specialSize bytes of every page are an opaque area whose
// interpretation belongs to the access method.
package page

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// BlockNumber addresses a page within a relation. Block numbers are
// dense: a relation with N pages uses blocks [0, N).
type BlockNumber uint32

// InvalidBlockNumber is never a valid block within a relation.
const InvalidBlockNumber BlockNumber = 0xFFFFFFFF

// OffsetNumber addresses an item within a page. Offset numbers are
// 1-based; 0 is reserved as invalid.
type OffsetNumber uint16

const (
	// InvalidOffsetNumber is never a valid item offset.
	InvalidOffsetNumber OffsetNumber = 0
	// FirstOffsetNumber is the offset of the first item on a page.
	FirstOffsetNumber OffsetNumber = 1
)

// ItemPointer locates a tuple: a block number plus an item offset
// within that block. Index tuples carry an ItemPointer into the heap
// (leaf tuples) or into the index itself (downlinks).
type ItemPointer struct {
	Block  BlockNumber
	Offset OffsetNumber
}

func (p ItemPointer) String() string {
	return fmt.Sprintf("(%d,%d)", p.Block, p.Offset)
}

const (
	// Size is the fixed size of every page, in bytes.
	Size = 8192

	// headerSize is the fixed page header: LSN (8 bytes), lower (2),
	// upper (2), special (2), padding (2).
	headerSize = 16

	// lineTagSize is one line pointer: item offset (2 bytes), item
	// length (2), item flags (2).
	lineTagSize = 6

	// ItemOverhead is the per-item bookkeeping cost beyond the item
	// data itself, for callers budgeting page capacity.
	ItemOverhead = lineTagSize

	// UsableSize is the space available to items and line pointers.
	UsableSize = Size - headerSize - specialSize

	// specialSize is the fixed opaque area at the end of every page.
	specialSize = 16
)

// Item flag bits stored in the line pointer.
const (
	// itemDead marks an item as known dead. Dead items keep their
	// storage until the page is cleaned up.
	itemDead uint16 = 1 << 0
)

// A Page is a Size-byte slice laid out as header, line pointer array,
// free space, item data, special area.
type Page []byte

// New returns a freshly initialized empty page.
func New() Page {
	p := make(Page, Size)
	p.setLower(headerSize)
	p.setUpper(Size - specialSize)
	binary.LittleEndian.PutUint16(p[12:14], Size-specialSize)
	return p
}

func (p Page) lower() uint16     { return binary.LittleEndian.Uint16(p[8:10]) }
func (p Page) upper() uint16     { return binary.LittleEndian.Uint16(p[10:12]) }
func (p Page) special() uint16   { return binary.LittleEndian.Uint16(p[12:14]) }
func (p Page) setLower(v uint16) { binary.LittleEndian.PutUint16(p[8:10], v) }
func (p Page) setUpper(v uint16) { binary.LittleEndian.PutUint16(p[10:12], v) }

// LSN returns the page's log sequence stamp.
func (p Page) LSN() uint64 { return binary.LittleEndian.Uint64(p[0:8]) }

// SetLSN stamps the page with a log sequence position.
func (p Page) SetLSN(lsn uint64) { binary.LittleEndian.PutUint64(p[0:8], lsn) }

// Special returns the opaque area of the page. The access method owns
// its interpretation.
func (p Page) Special() []byte { return p[Size-specialSize:] }

// MaxOffset returns the number of the last item on the page, or
// InvalidOffsetNumber if the page holds no items.
func (p Page) MaxOffset() OffsetNumber {
	return OffsetNumber((p.lower() - headerSize) / lineTagSize)
}

func (p Page) lineTag(off OffsetNumber) []byte {
	base := headerSize + int(off-1)*lineTagSize
	return p[base : base+lineTagSize]
}

// AddItem appends an item to the page, returning its offset number.
func (p Page) AddItem(data []byte) (OffsetNumber, error) {
	lower, upper := p.lower(), p.upper()
	if int(lower)+lineTagSize > int(upper)-len(data) {
		return InvalidOffsetNumber, errors.Newf(
			"page full: %d bytes free, item needs %d",
			int(upper)-int(lower), len(data)+lineTagSize)
	}
	newUpper := upper - uint16(len(data))
	copy(p[newUpper:upper], data)
	off := p.MaxOffset() + 1
	tag := p.lineTag(off)
	binary.LittleEndian.PutUint16(tag[0:2], newUpper)
	binary.LittleEndian.PutUint16(tag[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint16(tag[4:6], 0)
	p.setLower(lower + lineTagSize)
	p.setUpper(newUpper)
	return off, nil
}

// Item returns the data of the item at off. The returned slice aliases
// the page.
func (p Page) Item(off OffsetNumber) ([]byte, error) {
	if off == InvalidOffsetNumber || off > p.MaxOffset() {
		return nil, errors.Newf("item offset %d out of range (max %d)", off, p.MaxOffset())
	}
	tag := p.lineTag(off)
	start := binary.LittleEndian.Uint16(tag[0:2])
	length := binary.LittleEndian.Uint16(tag[2:4])
	if int(start) < int(p.upper()) || int(start)+int(length) > int(p.special()) {
		return nil, errors.Newf("corrupt line pointer at offset %d: start=%d len=%d", off, start, length)
	}
	return p[start : start+length], nil
}

// ItemIsDead reports whether the item at off is flagged dead.
func (p Page) ItemIsDead(off OffsetNumber) bool {
	if off == InvalidOffsetNumber || off > p.MaxOffset() {
		return false
	}
	return binary.LittleEndian.Uint16(p.lineTag(off)[4:6])&itemDead != 0
}

// SetItemDead flags or unflags the item at off as dead.
func (p Page) SetItemDead(off OffsetNumber, dead bool) {
	tag := p.lineTag(off)
	flags := binary.LittleEndian.Uint16(tag[4:6])
	if dead {
		flags |= itemDead
	} else {
		flags &^= itemDead
	}
	binary.LittleEndian.PutUint16(tag[4:6], flags)
}

// SwapItems exchanges the line pointers of two items, transposing them
// without moving item data. Used by tests that manufacture corruption.
func (p Page) SwapItems(a, b OffsetNumber) {
	ta, tb := p.lineTag(a), p.lineTag(b)
	var tmp [lineTagSize]byte
	copy(tmp[:], ta)
	copy(ta, tb)
	copy(tb, tmp[:])
}

// IsZero reports whether the page is all-zero, i.e. was never
// initialized.
func (p Page) IsZero() bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

// Sane performs layout sanity checks on the page, returning an error
// describing the first problem found. It does not interpret the
// special area or item contents.
func (p Page) Sane() error {
	if len(p) != Size {
		return errors.Newf("page has size %d, expected %d", len(p), Size)
	}
	if p.IsZero() {
		return errors.New("page is unexpectedly all-zero")
	}
	lower, upper, special := p.lower(), p.upper(), p.special()
	if lower < headerSize || lower > upper || upper > special || special != Size-specialSize {
		return errors.Newf("corrupt page bounds: lower=%d upper=%d special=%d", lower, upper, special)
	}
	if (lower-headerSize)%lineTagSize != 0 {
		return errors.Newf("corrupt line pointer array: lower=%d", lower)
	}
	for off := FirstOffsetNumber; off <= p.MaxOffset(); off++ {
		tag := p.lineTag(off)
		start := binary.LittleEndian.Uint16(tag[0:2])
		length := binary.LittleEndian.Uint16(tag[2:4])
		if start < upper || int(start)+int(length) > int(special) {
			return errors.Newf("corrupt line pointer at offset %d: start=%d len=%d", off, start, length)
		}
	}
	return nil
}
