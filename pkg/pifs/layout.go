/*
Copyright 2026 The Perkeep Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pifs

import (
	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/checksum"
	"pifs.dev/pifs/pkg/header"
	"pifs.dev/pifs/pkg/status"
)

// mgmtLayout is the page layout within one management block: header,
// then entry list, FSBM, delta map, wear-level list, each a contiguous
// run of whole pages (spec §2, §3).
type mgmtLayout struct {
	headerPages    uint32
	entryListPages uint32
	fsbmPages      uint32
	deltaPages     uint32
	wearPages      uint32
}

func ceilDiv(n, d uint32) uint32 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

func (c Config) computeLayout() (mgmtLayout, error) {
	hdrSize := uint32(header.Size(c.LeastWornCacheN, c.MostWornCacheM))
	// entry.List never splits a slot across pages, so size by whole slots.
	entriesPerPage := c.PageSize / uint32(c.entryLayout().EncodedSize())
	if entriesPerPage == 0 {
		return mgmtLayout{}, status.New(status.InternalRange, "config: one entry does not fit in a page")
	}
	totalPages := c.BlockCount * c.PagesPerBlock
	fsbmBytes := (totalPages*2 + 7) / 8
	deltaSize := uint32(c.DeltaMapSlots) * (8 + 8 + checksum.Size)
	wearSize := c.BlockCount * (4 + 1 + checksum.Size)

	l := mgmtLayout{
		headerPages:    ceilDiv(hdrSize, c.PageSize),
		entryListPages: ceilDiv(uint32(c.EntryListCapacity), entriesPerPage),
		fsbmPages:      ceilDiv(fsbmBytes, c.PageSize),
		deltaPages:     ceilDiv(deltaSize, c.PageSize),
		wearPages:      ceilDiv(wearSize, c.PageSize),
	}
	if l.headerPages == 0 {
		l.headerPages = 1
	}
	total := l.headerPages + l.entryListPages + l.fsbmPages + l.deltaPages + l.wearPages
	if total > c.PagesPerBlock {
		return mgmtLayout{}, status.New(status.InternalRange, "config: management area layout does not fit in one block")
	}
	return l, nil
}

func (l mgmtLayout) headerAddr(block uint32) address.Address    { return address.Address{Block: block, Page: 0} }
func (l mgmtLayout) entryListAddr(block uint32) address.Address {
	return address.Address{Block: block, Page: l.headerPages}
}
func (l mgmtLayout) fsbmAddr(block uint32) address.Address {
	return address.Address{Block: block, Page: l.headerPages + l.entryListPages}
}
func (l mgmtLayout) deltaAddr(block uint32) address.Address {
	return address.Address{Block: block, Page: l.headerPages + l.entryListPages + l.fsbmPages}
}
func (l mgmtLayout) wearAddr(block uint32) address.Address {
	return address.Address{Block: block, Page: l.headerPages + l.entryListPages + l.fsbmPages + l.deltaPages}
}
func (l mgmtLayout) totalPages() uint32 {
	return l.headerPages + l.entryListPages + l.fsbmPages + l.deltaPages + l.wearPages
}
