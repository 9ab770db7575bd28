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

import (
	"github.com/cockroachdb/errors"

	"github.com/petergeoghegan/amcheck/page"
)

// Meta is the payload of the meta page: the true root and its level,
// plus the "fast root", a cached shortcut that may lag behind the true
// root after certain deletion patterns. Scans start from the fast
// root; verification starts from the true root.
type Meta struct {
	Magic     uint32
	Version   uint32
	Root      page.BlockNumber
	Level     uint32
	FastRoot  page.BlockNumber
	FastLevel uint32
}

const metaPayloadSize = 24

// WriteMeta materializes a meta page for m.
func WriteMeta(m Meta) (page.Page, error) {
	p := page.New()
	SetOpaque(p, PageOpaque{Flags: FlagMeta})
	buf := make([]byte, metaPayloadSize)
	le.PutUint32(buf[0:4], m.Magic)
	le.PutUint32(buf[4:8], m.Version)
	le.PutUint32(buf[8:12], uint32(m.Root))
	le.PutUint32(buf[12:16], m.Level)
	le.PutUint32(buf[16:20], uint32(m.FastRoot))
	le.PutUint32(buf[20:24], m.FastLevel)
	if _, err := p.AddItem(buf); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadMeta decodes the meta payload from a meta page. It does not
// validate the magic or version; that is the page accessor's job, so
// that the failure is reported as corruption.
func ReadMeta(p page.Page) (Meta, error) {
	item, err := p.Item(page.FirstOffsetNumber)
	if err != nil {
		return Meta{}, errors.Wrap(err, "meta page payload")
	}
	if len(item) != metaPayloadSize {
		return Meta{}, errors.Newf("meta page payload has size %d, expected %d", len(item), metaPayloadSize)
	}
	return Meta{
		Magic:     le.Uint32(item[0:4]),
		Version:   le.Uint32(item[4:8]),
		Root:      page.BlockNumber(le.Uint32(item[8:12])),
		Level:     le.Uint32(item[12:16]),
		FastRoot:  page.BlockNumber(le.Uint32(item[16:20])),
		FastLevel: le.Uint32(item[20:24]),
	}, nil
}
