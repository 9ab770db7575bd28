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

package verify

import (
	"context"

	"go.uber.org/zap"

	"github.com/petergeoghegan/amcheck/nbtree"
	"github.com/petergeoghegan/amcheck/page"
)

// checkLevelFromLeftmost moves right from the given leftmost block,
// verifying each page individually (with more verification across
// pages for readonly callers).
//
// The caller passes the true root as the leftmost initially, then
// works down by passing back what each call returns, until the leaf
// level (level 0) has been processed; the returned descriptor's
// leftmost is then PNone. Level numbers follow the convention that
// higher levels have higher numbers, because new levels appear only
// through root page splits: before the first root split the root is
// itself a leaf, so there is always a level 0 and it is always the
// last level processed.
func (s *checkState) checkLevelFromLeftmost(ctx context.Context, level btreeLevel) (btreeLevel, error) {
	rel := s.rel

	nextLevel := btreeLevel{
		number:   invalidLevel,
		leftmost: page.InvalidBlockNumber,
	}

	// Iterate across the level using right links.
	leftCurrent := nbtree.PNone
	current := level.leftmost

	s.log.Debug("verifying level",
		zap.Uint32("level", level.number),
		zap.Bool("trueRootLevel", level.isTrueRoot),
		zap.Bool("leafLevel", level.number == 0))

	for {
		// Cancellation is checked at least once per page visited;
		// don't rely on checks at lower levels.
		if err := ctx.Err(); err != nil {
			return nextLevel, err
		}

		s.targetBlock = current
		var err error
		s.target, err = s.fetchPage(current)
		if err != nil {
			return nextLevel, err
		}
		s.targetLSN = s.target.LSN()

		opaque := nbtree.GetOpaque(s.target)
		if opaque.IsIgnorable() {
			// A level must end in a live rightmost page: deleted and
			// half-dead pages are skipped, but never terminate a
			// level.
			if opaque.IsRightmost() {
				return nextLevel, corruptf("block %d fell off the end of index %q",
					current, rel.Name)
			}
			s.log.Debug("block ignored",
				zap.Uint32("block", uint32(current)),
				zap.String("index", rel.Name))
		} else {
			if nextLevel.leftmost == page.InvalidBlockNumber {
				// First live page on the level. A concurrent page
				// split could make the caller-supplied leftmost block
				// no longer contain the leftmost page, or no longer be
				// the true root; where heavyweight locking rules that
				// out, check that it meets expectations.
				if s.readonly {
					if !opaque.IsLeftmost() {
						return nextLevel, corruptf("block %d is not leftmost in index %q",
							current, rel.Name)
					}
					if level.isTrueRoot && !opaque.IsRoot() {
						return nextLevel, corruptf("block %d is not true root in index %q",
							current, rel.Name)
					}
				}

				// Establish the next call's starting point before any
				// non-trivial examination of the level. There should
				// be at least one non-ignorable page per level, unless
				// this is the leaf level, which is the final one.
				if !opaque.IsLeaf() {
					// Internal page: its first downlink is the
					// leftmost block one level down.
					itup, err := nbtree.TupleAt(s.target, opaque.FirstDataKey())
					if err != nil {
						return nextLevel, corruptf(
							"first downlink on block %d of index %q is unreadable: %v",
							current, rel.Name, err)
					}
					nextLevel.leftmost = itup.ChildBlock()
					nextLevel.number = opaque.Level - 1
				} else {
					// Leaf page: final level. This could also be the
					// root, if there has been no root split yet.
					nextLevel.leftmost = nbtree.PNone
					nextLevel.number = invalidLevel
				}
			}

			// With structural changes excluded, the left link of each
			// page must agree with the right link that led here.
			if s.readonly && opaque.Prev != leftCurrent {
				return nextLevel, corruptf(
					"left link/right link pair in index %q not in agreement: block=%d left block=%d left link from block=%d",
					rel.Name, current, leftCurrent, opaque.Prev)
			}

			// The level must be valid for any non-ignorable page.
			if level.number != opaque.Level {
				return nextLevel, corruptf(
					"leftmost down link for level points to block in index %q whose level is not one level down: block pointed to=%d expected level=%d level in pointed to block=%d",
					rel.Name, current, level.number, opaque.Level)
			}

			if err := s.targetPageCheck(ctx); err != nil {
				return nextLevel, err
			}
		}

		// Try to detect circular links.
		if current == leftCurrent || current == opaque.Prev {
			return nextLevel, corruptf("circular link chain found in block %d of index %q",
				current, rel.Name)
		}

		leftCurrent = current
		current = opaque.Next

		// Release this iteration's page copy before fetching the next.
		s.target = nil

		if current == nbtree.PNone {
			return nextLevel, nil
		}
	}
}
