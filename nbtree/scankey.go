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

package nbtree

import "github.com/petergeoghegan/amcheck/page"

// ScanKey is a comparable representation of an index tuple, usable for
// ordering comparisons against items on arbitrary pages under the
// relation's own comparator.
type ScanKey struct {
	key []byte
}

// MakeScanKey builds the insertion scan key for tup. The caller must
// not pass a negative-infinity sentinel tuple; sentinels carry no key
// and are meaningless as comparison operands in either direction.
func MakeScanKey(tup IndexTuple) ScanKey {
	return ScanKey{key: tup.Key}
}

// CompareAt compares key against the tuple stored at off on p, under
// rel's ordering. It returns <0, 0 or >0 as key sorts before, equal to
// or after the stored tuple.
func CompareAt(rel *Relation, key ScanKey, p page.Page, off page.OffsetNumber) (int, error) {
	tup, err := TupleAt(p, off)
	if err != nil {
		return 0, err
	}
	return rel.Cmp(key.key, tup.Key), nil
}
