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

// Package heap is a minimal heap (table) relation: live records with
// stable TIDs, per-record creation transaction ids, a visibility
// watermark, and a scan driver that hands each live record to a
// callback. It exists to give index verification something to
// cross-reference; it makes no attempt at being a real storage engine.
package heap

import (
	"context"

	"github.com/petergeoghegan/amcheck/page"
)

// Record is one live heap record.
type Record struct {
	// TID is the record's stable location identifier. Index tuples at
	// the leaf level point at TIDs.
	TID page.ItemPointer
	// Xmin is the id of the transaction that created the record.
	Xmin uint64
	// Values holds the record's field values; Nulls marks which fields
	// are null.
	Values [][]byte
	Nulls  []bool
}

// recordsPerBlock fixes how TIDs are laid out. The value only has to
// be stable and to keep offsets within their uint16 range.
const recordsPerBlock = 256

// Relation is a heap relation.
type Relation struct {
	Name string

	records []Record
	// nextXID is the next transaction id to hand out. Transaction ids
	// below every running transaction's id are guaranteed to belong to
	// transactions that already committed or aborted.
	nextXID uint64
	// oldestRunning is the oldest transaction id still considered in
	// progress, or 0 when there is none.
	oldestRunning uint64
}

// NewRelation returns an empty heap relation.
func NewRelation(name string) *Relation {
	return &Relation{Name: name, nextXID: 1}
}

func (h *Relation) insert(values [][]byte, nulls []bool) Record {
	i := len(h.records)
	rec := Record{
		TID: page.ItemPointer{
			Block:  page.BlockNumber(i / recordsPerBlock),
			Offset: page.OffsetNumber(i%recordsPerBlock + 1),
		},
		Xmin:   h.nextXID,
		Values: values,
		Nulls:  nulls,
	}
	h.nextXID++
	h.records = append(h.records, rec)
	return rec
}

// Insert adds a record whose writing transaction committed
// immediately.
func (h *Relation) Insert(values [][]byte, nulls []bool) Record {
	return h.insert(values, nulls)
}

// InsertInProgress adds a record whose writing transaction is still
// considered running, so the record stays above the visibility
// watermark. Verification under the weaker lock mode must skip it.
func (h *Relation) InsertInProgress(values [][]byte, nulls []bool) Record {
	rec := h.insert(values, nulls)
	if h.oldestRunning == 0 {
		h.oldestRunning = rec.Xmin
	}
	return rec
}

// TransactionXmin returns the visibility watermark: every write
// transaction with an id below it has already committed or aborted.
func (h *Relation) TransactionXmin() uint64 {
	if h.oldestRunning != 0 {
		return h.oldestRunning
	}
	return h.nextXID
}

// NumLive returns the number of live records.
func (h *Relation) NumLive() int64 { return int64(len(h.records)) }

// Scan invokes cb once per live record, in TID order, checking ctx
// between records.
func (h *Relation) Scan(ctx context.Context, cb func(rec Record) error) error {
	for i := range h.records {
		if i%recordsPerBlock == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := cb(h.records[i]); err != nil {
			return err
		}
	}
	return nil
}
