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

package gist

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/petergeoghegan/amcheck/catalog"
	"github.com/petergeoghegan/amcheck/page"
)

// Stable failure categories, mirroring the B-Tree verifier's.
var (
	ErrIndexCorrupted = errors.New("index corrupted")
	ErrNotSupported   = errors.New("feature not supported")
)

func corruptf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrIndexCorrupted)
}

func notSupportedf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotSupported)
}

// Options tunes a verification operation.
type Options struct {
	// Logger receives benign findings at debug level and invalid-tuple
	// findings at warn level. Nil means no logging.
	Logger *zap.Logger
}

// scanItem is one page awaiting a visit, together with the LSN of the
// parent page at the time its downlink was read. The parent LSN is
// what unfinished-split detection compares page split sequence numbers
// against.
type scanItem struct {
	block     page.BlockNumber
	parentLSN uint64
}

type checkState struct {
	rel *Relation
	log *zap.Logger
}

// CheckIndex verifies the key-containment and graph invariants of a
// containment-tree index: every entry on a child page is contained by
// the downlink entry leading to it (nulls lead only to nulls), every
// internal page references children of one kind only and has at least
// one downlink. The caller holds a shared lock; unfinished concurrent
// page splits are followed through rightlinks rather than reported.
func CheckIndex(ctx context.Context, rel *Relation, opts Options) error {
	if err := gistIndexCheckable(rel); err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &checkState{rel: rel, log: logger}
	return s.checkKeysConsistency(ctx)
}

// gistIndexCheckable refuses relations that are not suitable for
// checking as a containment tree, before any page is touched.
func gistIndexCheckable(rel *Relation) error {
	if rel.Kind != catalog.RelKindIndex || rel.AM != catalog.AMGiST {
		return notSupportedf(
			"only GiST indexes are supported as targets for this verification: relation %q is not a GiST index",
			rel.Name)
	}
	if rel.OtherSessionTemp {
		return notSupportedf(
			"cannot access temporary tables of other sessions: index %q is associated with a temporary relation",
			rel.Name)
	}
	if !rel.Valid {
		return notSupportedf("cannot check index %q: index is not valid", rel.Name)
	}
	return nil
}

// checkKeysConsistency walks the tree from the root, depth first.
// Internal pages check all their children (two page copies at a time,
// parent and child); only internal children join the stack.
func (s *checkState) checkKeysConsistency(ctx context.Context) error {
	stack := []scanItem{{block: RootBlock}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		p, err := s.fetchPage(item.block)
		if err != nil {
			return err
		}
		opaque := GetOpaque(p)

		if opaque.IsLeaf() {
			// Leaf entries are checked from their parent; only the
			// root can legitimately be popped as a leaf.
			if item.block != RootBlock {
				return errors.AssertionFailedf(
					"leaf block %d of index %q was scheduled for an internal page visit",
					item.block, s.rel.Name)
			}
			continue
		}

		// A split that finished after the downlink to this page was
		// read may have moved entries onto a right sibling the parent
		// does not know about yet; those entries are covered by the
		// same downlink, so the sibling gets the same visit.
		if split := s.splitRightSibling(item, opaque); split != nil {
			stack = append(stack, *split)
		}

		hasInternals, err := s.internalPageCheck(ctx, item.block, p)
		if err != nil {
			return err
		}
		if hasInternals {
			parentLSN := p.LSN()
			for off := page.FirstOffsetNumber; off <= p.MaxOffset(); off++ {
				entry, err := EntryAt(p, off)
				if err != nil {
					return corruptf("entry at offset %d on block %d of index %q: %v",
						off, item.block, s.rel.Name, err)
				}
				// Invalid entries carry no usable child pointer.
				if entry.Invalid {
					continue
				}
				stack = append(stack, scanItem{block: entry.ChildBlock(), parentLSN: parentLSN})
			}
		}
	}
	return nil
}

// splitRightSibling returns a visit for the page's right sibling when
// the page shows an unfinished split relative to the parent LSN the
// visit was scheduled under: either the follow-right flag is still
// set, or the page split after the downlink was read (parent LSN older
// than the page's split sequence number).
func (s *checkState) splitRightSibling(item scanItem, opaque PageOpaque) *scanItem {
	if item.block == RootBlock || item.parentLSN == 0 {
		return nil
	}
	if !opaque.FollowRight() && item.parentLSN >= opaque.NSN {
		return nil
	}
	if opaque.Rightlink == page.InvalidBlockNumber {
		return nil
	}
	s.log.Debug("following rightlink of block with unfinished split",
		zap.Uint32("block", uint32(item.block)),
		zap.Uint32("rightlink", uint32(opaque.Rightlink)),
		zap.String("index", s.rel.Name))
	return &scanItem{block: opaque.Rightlink, parentLSN: item.parentLSN}
}

// internalPageCheck verifies one internal page against all of its
// children, and reports whether the children are internal pages
// themselves.
func (s *checkState) internalPageCheck(ctx context.Context, block page.BlockNumber, p page.Page) (bool, error) {
	rel := s.rel
	max := p.MaxOffset()
	if max == page.InvalidOffsetNumber {
		return false, corruptf("index %q internal page has no downlink references: block=%d",
			rel.Name, block)
	}

	hasLeafs, hasInternals := false, false
	for off := page.FirstOffsetNumber; off <= max; off++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		down, err := EntryAt(p, off)
		if err != nil {
			return false, corruptf("entry at offset %d on block %d of index %q: %v",
				off, block, rel.Name, err)
		}
		if down.Invalid {
			// Leftover of an incomplete split during crash recovery
			// under an old on-disk version; the key is garbage, so
			// there is nothing to check through it.
			s.logInvalidTuple(block, off)
			continue
		}

		child, err := s.fetchPage(down.ChildBlock())
		if err != nil {
			return false, err
		}
		copaque := GetOpaque(child)
		hasLeafs = hasLeafs || copaque.IsLeaf()
		hasInternals = hasInternals || !copaque.IsLeaf()

		if err := s.checkPageKeys(down, child); err != nil {
			return false, err
		}
	}

	if hasLeafs && hasInternals {
		return false, corruptf("index %q page references both internal and leaf pages: block=%d",
			rel.Name, block)
	}
	return hasInternals, nil
}

// checkPageKeys verifies every entry on a child page against the
// downlink entry that leads to it.
func (s *checkState) checkPageKeys(down Entry, child page.Page) error {
	childBlock := down.ChildBlock()
	for off := page.FirstOffsetNumber; off <= child.MaxOffset(); off++ {
		entry, err := EntryAt(child, off)
		if err != nil {
			return corruptf("entry at offset %d on block %d of index %q: %v",
				off, childBlock, s.rel.Name, err)
		}
		if entry.Invalid {
			s.logInvalidTuple(childBlock, off)
			continue
		}
		if down.Null != entry.Null {
			return corruptf(
				"index %q has inconsistent null records: child block=%d offset=%d",
				s.rel.Name, childBlock, off)
		}
		if down.Null {
			continue
		}
		if !down.Key.Contains(entry.Key) {
			return corruptf(
				"index %q has inconsistent records: entry [%d, %d] at child block=%d offset=%d not contained by its downlink [%d, %d]",
				s.rel.Name, entry.Key.Lo, entry.Key.Hi, childBlock, off,
				down.Key.Lo, down.Key.Hi)
		}
	}
	return nil
}

func (s *checkState) logInvalidTuple(block page.BlockNumber, off page.OffsetNumber) {
	s.log.Warn("index contains an inner tuple marked as invalid",
		zap.String("index", s.rel.Name),
		zap.Uint32("block", uint32(block)),
		zap.Uint16("offset", uint16(off)),
		zap.String("detail", "This is caused by an incomplete page split at crash recovery under an old on-disk version."),
		zap.String("hint", "Please REINDEX it."))
}

// fetchPage reads a copy of the block and sanity-checks its layout.
func (s *checkState) fetchPage(block page.BlockNumber) (page.Page, error) {
	p := make(page.Page, page.Size)
	if err := s.rel.Store.ReadPage(block, p); err != nil {
		return nil, corruptf("could not read block %d of index %q: %v", block, s.rel.Name, err)
	}
	if err := p.Sane(); err != nil {
		return nil, corruptf("block %d of index %q: %v", block, s.rel.Name, err)
	}
	return p, nil
}
