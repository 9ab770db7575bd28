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
	"context"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/petergeoghegan/amcheck/page"
)

func TestInsertAssignsTIDs(t *testing.T) {
	h := NewRelation("t")
	first := h.Insert([][]byte{[]byte("a")}, []bool{false})
	require.Equal(t, page.ItemPointer{Block: 0, Offset: 1}, first.TID)

	for i := 1; i < recordsPerBlock; i++ {
		h.Insert([][]byte{[]byte("x")}, []bool{false})
	}
	overflow := h.Insert([][]byte{[]byte("y")}, []bool{false})
	require.Equal(t, page.ItemPointer{Block: 1, Offset: 1}, overflow.TID)
	require.Equal(t, int64(recordsPerBlock+1), h.NumLive())
}

func TestTransactionXmin(t *testing.T) {
	h := NewRelation("t")
	a := h.Insert([][]byte{[]byte("a")}, []bool{false})
	b := h.Insert([][]byte{[]byte("b")}, []bool{false})
	require.Less(t, a.Xmin, b.Xmin)

	// All writers committed: the watermark is above every record.
	require.Greater(t, h.TransactionXmin(), b.Xmin)

	// An in-progress writer pins the watermark at its own id.
	c := h.InsertInProgress([][]byte{[]byte("c")}, []bool{false})
	require.Equal(t, c.Xmin, h.TransactionXmin())
	d := h.InsertInProgress([][]byte{[]byte("d")}, []bool{false})
	require.Equal(t, c.Xmin, h.TransactionXmin())
	require.Less(t, h.TransactionXmin(), d.Xmin)
}

func TestScan(t *testing.T) {
	h := NewRelation("t")
	const n = 1000
	for i := 0; i < n; i++ {
		h.Insert([][]byte{[]byte(fmt.Sprintf("row-%04d", i))}, []bool{false})
	}

	var seen int
	var prev page.ItemPointer
	err := h.Scan(context.Background(), func(rec Record) error {
		if seen > 0 {
			less := rec.TID.Block > prev.Block ||
				(rec.TID.Block == prev.Block && rec.TID.Offset > prev.Offset)
			require.True(t, less, "TIDs out of order: %s after %s", rec.TID, prev)
		}
		prev = rec.TID
		seen++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, n, seen)
}

func TestScanCancellation(t *testing.T) {
	h := NewRelation("t")
	for i := 0; i < 3*recordsPerBlock; i++ {
		h.Insert([][]byte{[]byte("x")}, []bool{false})
	}
	ctx, cancel := context.WithCancel(context.Background())
	var seen int
	err := h.Scan(ctx, func(rec Record) error {
		seen++
		if seen == recordsPerBlock {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, seen, 3*recordsPerBlock)
}

func TestSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := NewRelation("t")
	h.Insert([][]byte{[]byte("first"), []byte("second")}, []bool{false, false})
	h.Insert([][]byte{nil, []byte("only")}, []bool{true, false})
	h.InsertInProgress([][]byte{[]byte("pending")}, []bool{false})

	require.NoError(t, h.Save(fs, "t.heap"))
	loaded, err := Load(fs, "t.heap")
	require.NoError(t, err)

	require.Equal(t, h.NumLive(), loaded.NumLive())
	require.Equal(t, h.TransactionXmin(), loaded.TransactionXmin())
	for i := range h.records {
		require.Equal(t, h.records[i].TID, loaded.records[i].TID)
		require.Equal(t, h.records[i].Xmin, loaded.records[i].Xmin)
		require.Equal(t, h.records[i].Nulls, loaded.records[i].Nulls)
		for a := range h.records[i].Values {
			require.Equal(t, string(h.records[i].Values[a]), string(loaded.records[i].Values[a]))
		}
	}

	t.Run("bad magic", func(t *testing.T) {
		require.NoError(t, afero.WriteFile(fs, "bad.heap", []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0644))
		_, err := Load(fs, "bad.heap")
		require.ErrorContains(t, err, "bad magic")
	})
}
