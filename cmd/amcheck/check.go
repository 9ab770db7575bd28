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
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/petergeoghegan/amcheck/catalog"
	"github.com/petergeoghegan/amcheck/gist"
	"github.com/petergeoghegan/amcheck/heap"
	"github.com/petergeoghegan/amcheck/nbtree"
	"github.com/petergeoghegan/amcheck/page"
	"github.com/petergeoghegan/amcheck/verify"
)

func checkCmd() *cobra.Command {
	var dir string
	var parentCheck, heapAllIndexed bool
	cmd := &cobra.Command{
		Use:   "check [index files...]",
		Short: "verify index files against their table",
		Long: `Verifies the structural integrity of the given index files (all
index files in the data directory when none are named). B-Tree indexes
get the level walk; with --parent-check, additionally the sibling link
and downlink checks that assume no concurrent structural changes. GiST
indexes get the containment graph walk. Index files are verified
concurrently; the first corruption finding fails the command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runCheck(cmd.Context(), logger, afero.NewOsFs(), dir, args, parentCheck, heapAllIndexed)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "data directory holding the table and index files")
	cmd.Flags().BoolVar(&parentCheck, "parent-check", false,
		"also verify sibling links and parent/child downlink bounds (requires exclusive access)")
	cmd.Flags().BoolVar(&heapAllIndexed, "heapallindexed", false,
		"also verify that every table record has its index tuple")
	return cmd
}

func runCheck(
	ctx context.Context,
	logger *zap.Logger,
	fs afero.Fs,
	dir string,
	targets []string,
	parentCheck, heapAllIndexed bool,
) error {
	table, err := heap.Load(fs, filepath.Join(dir, heapFile))
	if err != nil {
		return err
	}
	table.Name = strings.TrimSuffix(heapFile, ".heap")

	if len(targets) == 0 {
		infos, err := afero.ReadDir(fs, dir)
		if err != nil {
			return err
		}
		for _, info := range infos {
			if strings.HasSuffix(info.Name(), ".btree") || strings.HasSuffix(info.Name(), ".gist") {
				targets = append(targets, info.Name())
			}
		}
		if len(targets) == 0 {
			return errors.Newf("no index files in %q", dir)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			err := checkOne(ctx, logger, fs, dir, target, table, parentCheck, heapAllIndexed)
			if err != nil {
				return errors.Wrapf(err, "%s", target)
			}
			logger.Info("index verified", zap.String("index", target))
			return nil
		})
	}
	return g.Wait()
}

func checkOne(
	ctx context.Context,
	logger *zap.Logger,
	fs afero.Fs,
	dir, target string,
	table *heap.Relation,
	parentCheck, heapAllIndexed bool,
) error {
	store, err := page.OpenStore(fs, filepath.Join(dir, target))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	desc := catalog.IndexRelation{
		Name:      strings.TrimSuffix(target, filepath.Ext(target)),
		Kind:      catalog.RelKindIndex,
		Valid:     true,
		Ready:     true,
		EstTuples: table.NumLive(),
	}

	switch filepath.Ext(target) {
	case ".btree":
		desc.AM = catalog.AMBTree
		rel := &nbtree.Relation{IndexRelation: desc, Store: store}
		opts := verify.Options{HeapAllIndexed: heapAllIndexed, Logger: logger}
		if parentCheck {
			return verify.CheckIndexParent(ctx, rel, table, opts)
		}
		return verify.CheckIndex(ctx, rel, table, opts)
	case ".gist":
		desc.AM = catalog.AMGiST
		rel := &gist.Relation{IndexRelation: desc, Store: store}
		return gist.CheckIndex(ctx, rel, gist.Options{Logger: logger})
	default:
		return errors.Newf("unknown index file type %q", target)
	}
}
