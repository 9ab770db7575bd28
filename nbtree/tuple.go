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
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/petergeoghegan/amcheck/page"
)

var le = binary.LittleEndian

// tupleHeaderSize is the encoded TID (block 4 bytes, offset 2) plus
// the key length (2).
const tupleHeaderSize = 8

// IndexTuple is one index entry. On leaf pages the TID points into
// the heap; on internal pages the TID's block is the child page the
// entry is a downlink to, and the key is a lower bound on the child's
// contents. The first data item of every internal page is the
// "negative infinity" sentinel: an empty key with only a child
// pointer, never meaningful as a comparison operand.
type IndexTuple struct {
	TID page.ItemPointer
	Key []byte
}

// ChildBlock returns the child page a downlink points to.
func (t IndexTuple) ChildBlock() page.BlockNumber { return t.TID.Block }

// Encode returns the on-disk representation of the tuple. The encoded
// form is also the tuple's fingerprint for heap cross-checks, so it
// must be deterministic.
func (t IndexTuple) Encode() []byte {
	buf := make([]byte, tupleHeaderSize+len(t.Key))
	le.PutUint32(buf[0:4], uint32(t.TID.Block))
	le.PutUint16(buf[4:6], uint16(t.TID.Offset))
	le.PutUint16(buf[6:8], uint16(len(t.Key)))
	copy(buf[tupleHeaderSize:], t.Key)
	return buf
}

// DecodeTuple parses an encoded index tuple. The returned key aliases
// data.
func DecodeTuple(data []byte) (IndexTuple, error) {
	if len(data) < tupleHeaderSize {
		return IndexTuple{}, errors.Newf("index tuple too short: %d bytes", len(data))
	}
	keyLen := int(le.Uint16(data[6:8]))
	if tupleHeaderSize+keyLen != len(data) {
		return IndexTuple{}, errors.Newf(
			"index tuple key length %d disagrees with item size %d", keyLen, len(data))
	}
	return IndexTuple{
		TID: page.ItemPointer{
			Block:  page.BlockNumber(le.Uint32(data[0:4])),
			Offset: page.OffsetNumber(le.Uint16(data[4:6])),
		},
		Key: data[tupleHeaderSize : tupleHeaderSize+keyLen],
	}, nil
}

// TupleAt decodes the tuple stored at off on p.
func TupleAt(p page.Page, off page.OffsetNumber) (IndexTuple, error) {
	item, err := p.Item(off)
	if err != nil {
		return IndexTuple{}, err
	}
	return DecodeTuple(item)
}
