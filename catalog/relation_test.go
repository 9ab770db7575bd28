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

package catalog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCmpDefaultsToBytes(t *testing.T) {
	rel := &IndexRelation{}
	require.Negative(t, rel.Cmp([]byte("a"), []byte("b")))
	require.Zero(t, rel.Cmp([]byte("a"), []byte("a")))

	// A custom comparator overrides byte order entirely.
	rel.Compare = func(a, b []byte) int { return -bytes.Compare(a, b) }
	require.Positive(t, rel.Cmp([]byte("a"), []byte("b")))
}

func TestFormDefaultsToFirstNonNull(t *testing.T) {
	rel := &IndexRelation{}

	key, err := rel.Form([][]byte{[]byte("v1"), []byte("v2")}, []bool{false, false})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), key)

	key, err = rel.Form([][]byte{nil, []byte("v2")}, []bool{true, false})
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), key)

	key, err = rel.Form([][]byte{nil}, []bool{true})
	require.NoError(t, err)
	require.Nil(t, key)
}
