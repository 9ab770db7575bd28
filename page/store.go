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

package page

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// Store supplies pages by block number. ReadPage copies the page into
// the caller's buffer under a short-lived read lock that is released
// before ReadPage returns, so the caller never examines shared memory
// and at most one page lock exists per call.
type Store interface {
	// ReadPage copies block's contents into dst, which must be exactly
	// Size bytes long.
	ReadPage(block BlockNumber, dst Page) error
	// WritePage replaces block's contents with src, extending the
	// relation if block is the first block past the current end.
	WritePage(block BlockNumber, src Page) error
	// NumBlocks returns the current number of blocks in the relation.
	NumBlocks() BlockNumber
}

// FileStore is a Store backed by a single file of Size-byte pages.
// It guards the file with a reader/writer lock; readers copy out and
// release, writers exclude readers for the duration of one page write.
type FileStore struct {
	mu     sync.RWMutex
	file   afero.File
	blocks BlockNumber
}

var _ Store = (*FileStore)(nil)

// CreateStore creates (or truncates) the file at path and returns an
// empty store over it.
func CreateStore(fs afero.Fs, path string) (*FileStore, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating page store %q", path)
	}
	return &FileStore{file: f}, nil
}

// OpenStore opens an existing page store file.
func OpenStore(fs afero.Fs, path string) (*FileStore, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening page store %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat page store %q", path)
	}
	if info.Size()%Size != 0 {
		_ = f.Close()
		return nil, errors.Newf("page store %q has size %d, not a multiple of the page size", path, info.Size())
	}
	return &FileStore{file: f, blocks: BlockNumber(info.Size() / Size)}, nil
}

// ReadPage implements Store.
func (s *FileStore) ReadPage(block BlockNumber, dst Page) error {
	if len(dst) != Size {
		return errors.Newf("read buffer has size %d, expected %d", len(dst), Size)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if block >= s.blocks {
		return errors.Newf("block %d out of range (relation has %d blocks)", block, s.blocks)
	}
	if _, err := s.file.ReadAt(dst, int64(block)*Size); err != nil {
		return errors.Wrapf(err, "reading block %d", block)
	}
	return nil
}

// WritePage implements Store.
func (s *FileStore) WritePage(block BlockNumber, src Page) error {
	if len(src) != Size {
		return errors.Newf("write buffer has size %d, expected %d", len(src), Size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if block > s.blocks {
		return errors.Newf("cannot write block %d past end of relation (%d blocks)", block, s.blocks)
	}
	if _, err := s.file.WriteAt(src, int64(block)*Size); err != nil {
		return errors.Wrapf(err, "writing block %d", block)
	}
	if block == s.blocks {
		s.blocks++
	}
	return nil
}

// NumBlocks implements Store.
func (s *FileStore) NumBlocks() BlockNumber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks
}

// Close releases the underlying file.
func (s *FileStore) Close() error {
	return s.file.Close()
}
