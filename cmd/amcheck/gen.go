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

package main

import (
	"context"
	"encoding/binary"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/petergeoghegan/amcheck/catalog"
	"github.com/petergeoghegan/amcheck/gist"
	"github.com/petergeoghegan/amcheck/heap"
	"github.com/petergeoghegan/amcheck/nbtree"
	"github.com/petergeoghegan/amcheck/page"
)

// Well-known file names within a data directory. The heap holds the
// records, the indexes are built over its first field.
const (
	heapFile  = "table.heap"
	btreeFile = "table_key.btree"
	gistFile  = "table_range.gist"
)

func genCmd() *cobra.Command {
	var dir string
	var rows int64
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "generate a table and well-formed indexes over it",
		Long: `Generates a data directory holding a table of sequential integer
keys, a B-Tree index over the key, and a containment-tree (GiST) index
over the key treated as a single-point range. Stands in for a real
system's table and index build machinery so that check has inputs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runGen(logger, afero.NewOsFs(), dir, rows)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "data directory to generate into")
	cmd.Flags().Int64Var(&rows, "rows", 10000, "number of table rows")
	return cmd
}

// encodeKey renders an integer so that bytewise comparison agrees with
// numeric comparison.
func encodeKey(i int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i))
	return buf[:]
}

func runGen(logger *zap.Logger, fs afero.Fs, dir string, rows int64) error {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	table := heap.NewRelation("table")
	for i := int64(0); i < rows; i++ {
		table.Insert([][]byte{encodeKey(i)}, []bool{false})
	}
	if err := table.Save(fs, filepath.Join(dir, heapFile)); err != nil {
		return err
	}

	btStore, err := page.CreateStore(fs, filepath.Join(dir, btreeFile))
	if err != nil {
		return err
	}
	defer func() { _ = btStore.Close() }()
	btRel := &nbtree.Relation{
		IndexRelation: catalog.IndexRelation{
			Name: "table_key", Kind: catalog.RelKindIndex, AM: catalog.AMBTree,
			Valid: true, Ready: true, EstTuples: table.NumLive(),
		},
		Store: btStore,
	}
	builder := nbtree.NewBuilder(btRel)
	err = table.Scan(context.Background(), func(rec heap.Record) error {
		builder.Add(nbtree.IndexTuple{TID: rec.TID, Key: rec.Values[0]})
		return nil
	})
	if err != nil {
		return err
	}
	if err := builder.Build(); err != nil {
		return err
	}

	gStore, err := page.CreateStore(fs, filepath.Join(dir, gistFile))
	if err != nil {
		return err
	}
	defer func() { _ = gStore.Close() }()
	gRel := &gist.Relation{
		IndexRelation: catalog.IndexRelation{
			Name: "table_range", Kind: catalog.RelKindIndex, AM: catalog.AMGiST,
			Valid: true, Ready: true, EstTuples: table.NumLive(),
		},
		Store: gStore,
	}
	gBuilder := gist.NewBuilder(gRel)
	err = table.Scan(context.Background(), func(rec heap.Record) error {
		k := int64(binary.BigEndian.Uint64(rec.Values[0]))
		gBuilder.Add(gist.Entry{TID: rec.TID, Key: gist.Interval{Lo: k, Hi: k}})
		return nil
	})
	if err != nil {
		return err
	}
	if err := gBuilder.Build(); err != nil {
		return err
	}

	logger.Info("generated data directory",
		zap.String("dir", dir),
		zap.Int64("rows", rows),
		zap.Uint32("btreeBlocks", uint32(btStore.NumBlocks())),
		zap.Uint32("gistBlocks", uint32(gStore.NumBlocks())))
	return nil
}
