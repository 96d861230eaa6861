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

// Package address implements block/page address arithmetic over a flash
// device geometry (spec §4.1). An Address is a value type: (block, page).
package address

import (
	"pifs.dev/pifs/pkg/status"
)

// Invalid is the sentinel address: both fields hold the widest
// representable uint32 value. Rather than carry a separate boolean,
// callers compare against Invalid.
var Invalid = Address{Block: ^uint32(0), Page: ^uint32(0)}

// Address identifies one logical page: a (block, page) pair.
type Address struct {
	Block uint32
	Page  uint32
}

// Geometry describes the fixed layout parameters needed for address
// arithmetic: how many blocks the medium has and how many logical pages
// per block.
type Geometry struct {
	BlockCount     uint32
	PagesPerBlock  uint32
}

func (a Address) IsValid() bool { return a != Invalid }

func (a Address) Equal(b Address) bool { return a.Block == b.Block && a.Page == b.Page }

// Less orders addresses block-major, page-minor; used by merge's run
// coalescing and by sequential FSBM scans.
func (a Address) Less(b Address) bool {
	if a.Block != b.Block {
		return a.Block < b.Block
	}
	return a.Page < b.Page
}

// Linear returns a's position as a single integer offset into the whole
// filesystem area, counting from block 0 page 0.
func (g Geometry) Linear(a Address) uint64 {
	return uint64(a.Block)*uint64(g.PagesPerBlock) + uint64(a.Page)
}

// FromLinear is the inverse of Linear.
func (g Geometry) FromLinear(n uint64) Address {
	return Address{
		Block: uint32(n / uint64(g.PagesPerBlock)),
		Page:  uint32(n % uint64(g.PagesPerBlock)),
	}
}

// TotalPages is the number of logical pages across the whole medium.
func (g Geometry) TotalPages() uint64 {
	return uint64(g.BlockCount) * uint64(g.PagesPerBlock)
}

// Inc advances a by one page, carrying into the next block. Overflowing
// past the last filesystem block fails with OutOfRange.
func (g Geometry) Inc(a Address) (Address, error) {
	return g.Add(a, 1)
}

// Add advances a by n pages, carrying across block boundaries as needed.
func (g Geometry) Add(a Address, n uint32) (Address, error) {
	lin := g.Linear(a) + uint64(n)
	if lin >= g.TotalPages() {
		return Invalid, status.New(status.OutOfRange, "address arithmetic overflowed filesystem area")
	}
	return g.FromLinear(lin), nil
}

// SameBlock reports whether a run of count pages starting at a stays
// within one block.
func (g Geometry) SameBlock(a Address, count uint32) bool {
	return a.Page+count <= g.PagesPerBlock
}

// Validate range-checks a against the geometry.
func (g Geometry) Validate(a Address) error {
	if a.Block >= g.BlockCount || a.Page >= g.PagesPerBlock {
		return status.New(status.InternalRange, "address out of range")
	}
	return nil
}
