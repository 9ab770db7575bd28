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
	"fmt"

	"github.com/cockroachdb/errors"
)

// Stable failure categories. Callers classify failures with
// errors.Is; the message carries the contextual detail (implicated
// blocks, tuple TIDs, page LSN stamps).
var (
	// ErrIndexCorrupted marks structural corruption findings. The
	// first finding aborts the entire verification.
	ErrIndexCorrupted = errors.New("index corrupted")

	// ErrNotSupported marks relations that cannot be verified here:
	// wrong relation kind or access method, other sessions' temporary
	// relations, indexes that are not valid and ready.
	ErrNotSupported = errors.New("feature not supported")
)

// corruptf builds an index-corruption failure.
func corruptf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrIndexCorrupted)
}

// notSupportedf builds a precondition failure.
func notSupportedf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotSupported)
}

// lsnString renders a page LSN the way write-ahead log positions are
// conventionally printed, high word first.
func lsnString(lsn uint64) string {
	return fmt.Sprintf("%X/%X", uint32(lsn>>32), uint32(lsn))
}
