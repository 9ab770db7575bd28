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

package heap

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/petergeoghegan/amcheck/page"
)

// File format: header (magic, version, nextXID, oldestRunning, record
// count), then per record the TID, xmin, and length-prefixed field
// values with a null marker each.
const (
	heapMagic   uint32 = 0x48454150 // "HEAP"
	heapVersion uint32 = 1
)

var le = binary.LittleEndian

// Save writes the relation to path.
func (h *Relation) Save(fs afero.Fs, path string) error {
	var buf bytes.Buffer
	w := func(v interface{}) {
		_ = binary.Write(&buf, le, v)
	}
	w(heapMagic)
	w(heapVersion)
	w(h.nextXID)
	w(h.oldestRunning)
	w(uint32(len(h.records)))
	for _, rec := range h.records {
		w(uint32(rec.TID.Block))
		w(uint16(rec.TID.Offset))
		w(rec.Xmin)
		w(uint16(len(rec.Values)))
		for i, v := range rec.Values {
			null := i < len(rec.Nulls) && rec.Nulls[i]
			w(null)
			w(uint32(len(v)))
			buf.Write(v)
		}
	}
	return errors.Wrapf(afero.WriteFile(fs, path, buf.Bytes(), 0644), "saving heap %q", path)
}

// Load reads a relation previously written by Save.
func Load(fs afero.Fs, path string) (*Relation, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading heap %q", path)
	}
	r := bytes.NewReader(data)
	rd := func(v interface{}) error {
		return binary.Read(r, le, v)
	}
	var magic, version uint32
	if err := rd(&magic); err != nil {
		return nil, errors.Wrapf(err, "heap %q header", path)
	}
	if magic != heapMagic {
		return nil, errors.Newf("heap %q has bad magic %#x", path, magic)
	}
	if err := rd(&version); err != nil {
		return nil, err
	}
	if version != heapVersion {
		return nil, errors.Newf("heap %q has unsupported version %d", path, version)
	}

	h := &Relation{}
	var count uint32
	if err := rd(&h.nextXID); err != nil {
		return nil, err
	}
	if err := rd(&h.oldestRunning); err != nil {
		return nil, err
	}
	if err := rd(&count); err != nil {
		return nil, err
	}
	h.records = make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec Record
		var block uint32
		var offset, natts uint16
		if err := rd(&block); err != nil {
			return nil, errors.Wrapf(err, "heap %q record %d", path, i)
		}
		if err := rd(&offset); err != nil {
			return nil, err
		}
		rec.TID = page.ItemPointer{Block: page.BlockNumber(block), Offset: page.OffsetNumber(offset)}
		if err := rd(&rec.Xmin); err != nil {
			return nil, err
		}
		if err := rd(&natts); err != nil {
			return nil, err
		}
		rec.Values = make([][]byte, natts)
		rec.Nulls = make([]bool, natts)
		for a := 0; a < int(natts); a++ {
			var null bool
			var vlen uint32
			if err := rd(&null); err != nil {
				return nil, err
			}
			if err := rd(&vlen); err != nil {
				return nil, err
			}
			v := make([]byte, vlen)
			if _, err := io.ReadFull(r, v); err != nil {
				return nil, errors.Wrapf(err, "heap %q record %d value %d", path, i, a)
			}
			rec.Nulls[a] = null
			rec.Values[a] = v
		}
		h.records = append(h.records, rec)
	}
	return h, nil
}
