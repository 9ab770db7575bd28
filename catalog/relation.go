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

// Package catalog describes relations: the identity and metadata a
// verifier needs before it touches a single page. The verifiers refuse
// any relation that is not a valid, ready, non-foreign-temporary index
// of the expected access method.
package catalog

import "bytes"

// RelKind distinguishes indexes from tables.
type RelKind int8

const (
	// RelKindIndex is an index relation.
	RelKindIndex RelKind = iota
	// RelKindTable is a table (heap) relation.
	RelKindTable
)

// AccessMethod identifies the index access method.
type AccessMethod int8

const (
	// AMBTree is the ordered B-Tree access method.
	AMBTree AccessMethod = iota
	// AMGiST is the containment-based GiST access method.
	AMGiST
)

// Comparator is the index's configured ordering: it must implement
// exactly the ordering contract the index was built under (collation,
// operator class), since corruption is defined relative to that
// contract and not to any assumed total order.
type Comparator func(a, b []byte) int

// KeyFormer deterministically synthesizes the index key for a heap
// record's values and null bitmap. Index tuple formation must be
// deterministic: the same record always yields the same key bytes, or
// heap cross-checks would report false positives.
type KeyFormer func(values [][]byte, nulls []bool) ([]byte, error)

// IndexRelation is the descriptor of an index under verification.
type IndexRelation struct {
	Name string
	Kind RelKind
	AM   AccessMethod

	// Valid and Ready report whether the index finished building and
	// may be used; invalid or unready indexes cannot be checked.
	Valid bool
	Ready bool
	// OtherSessionTemp marks a temporary relation belonging to another
	// session, whose storage is not accessible here.
	OtherSessionTemp bool

	// EstTuples is the estimated number of tuples in the index, used
	// to size the heap cross-check's Bloom filter.
	EstTuples int64

	// Compare orders keys; nil means bytes.Compare.
	Compare Comparator
	// FormKey synthesizes index keys from heap records; nil means the
	// record's first non-null value, verbatim.
	FormKey KeyFormer
}

// Cmp compares two keys under the relation's ordering.
func (r *IndexRelation) Cmp(a, b []byte) int {
	if r.Compare != nil {
		return r.Compare(a, b)
	}
	return bytes.Compare(a, b)
}

// Form synthesizes the index key for a heap record.
func (r *IndexRelation) Form(values [][]byte, nulls []bool) ([]byte, error) {
	if r.FormKey != nil {
		return r.FormKey(values, nulls)
	}
	for i, v := range values {
		if i < len(nulls) && nulls[i] {
			continue
		}
		return v, nil
	}
	return nil, nil
}
