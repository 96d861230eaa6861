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

package fsbm

import (
	"testing"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/flashsim"
	"pifs.dev/pifs/pkg/status"
)

func newTestBitmap(t *testing.T, blockCount, pagesPerBlock uint32) *Bitmap {
	t.Helper()
	img := flashsim.New(blockCount, pagesPerBlock, 64, 0xFF)
	cache := flash.NewCache(img, nil)
	geom := address.Geometry{BlockCount: blockCount, PagesPerBlock: pagesPerBlock}
	classify := func(b uint32) BlockType { return BlockData }
	totalPages := uint64(blockCount) * uint64(pagesPerBlock)
	return New(cache, geom, address.Address{Block: 0, Page: 0}, totalPages, classify, nil)
}

func TestFreshBitmapIsAllErased(t *testing.T) {
	b := newTestBitmap(t, 2, 8)
	for i := uint64(0); i < 16; i++ {
		s, err := b.Get(i)
		if err != nil {
			t.Fatalf("Get(%d) = %v", i, err)
		}
		if s != StateErased {
			t.Errorf("Get(%d) = %v, want erased", i, s)
		}
	}
}

func TestMarkAllocatedThenReleasedLattice(t *testing.T) {
	b := newTestBitmap(t, 1, 8)
	a := address.Address{Block: 0, Page: 2}

	if err := b.Mark(a, 1, true, false); err != nil {
		t.Fatalf("Mark allocated = %v", err)
	}
	s, err := b.Get(b.linear(a))
	if err != nil {
		t.Fatal(err)
	}
	if s != StateAllocated {
		t.Fatalf("state after allocate = %v, want allocated", s)
	}

	if err := b.Mark(a, 1, false, true); err != nil {
		t.Fatalf("Mark released = %v", err)
	}
	s, err = b.Get(b.linear(a))
	if err != nil {
		t.Fatal(err)
	}
	if s != StateReleased {
		t.Fatalf("state after release = %v, want released", s)
	}
}

func TestMarkRejectsIllegalTransitions(t *testing.T) {
	b := newTestBitmap(t, 1, 8)
	a := address.Address{Block: 0, Page: 0}

	// Releasing a never-allocated page is illegal: it is not allocated+live.
	if err := b.Mark(a, 1, false, true); !status.Is(err, status.InternalAllocation) {
		t.Errorf("Mark released on erased page = %v, want status.InternalAllocation", err)
	}

	if err := b.Mark(a, 1, true, false); err != nil {
		t.Fatalf("Mark allocated = %v", err)
	}
	// Allocating an already-allocated page is illegal: it is not free.
	if err := b.Mark(a, 1, true, false); !status.Is(err, status.InternalAllocation) {
		t.Errorf("double Mark allocated = %v, want status.InternalAllocation", err)
	}
}

func TestFindReturnsLongestRunAndRespectsDesired(t *testing.T) {
	b := newTestBitmap(t, 1, 8)
	// Allocate page 2 so it's excluded from the free run.
	if err := b.Mark(address.Address{Block: 0, Page: 2}, 1, true, false); err != nil {
		t.Fatal(err)
	}

	addr, n, err := b.Find(FindParams{
		Min: 1, Desired: 10, BlockType: BlockData, Free: true,
		RangeStart: address.Address{Block: 0, Page: 0},
		RangeEnd:   address.Address{Block: 1, Page: 0},
	})
	if err != nil {
		t.Fatalf("Find = %v", err)
	}
	// Pages 3..7 form the longest erased run (5 pages), longer than 0..1 (2 pages).
	if addr != (address.Address{Block: 0, Page: 3}) || n != 5 {
		t.Errorf("Find = (%v, %d), want ({0 3}, 5)", addr, n)
	}
}

func TestFindNoMoreSpaceBelowMin(t *testing.T) {
	b := newTestBitmap(t, 1, 4)
	if err := b.Mark(address.Address{Block: 0, Page: 0}, 4, true, false); err != nil {
		t.Fatalf("Mark allocated whole block = %v", err)
	}
	_, _, err := b.Find(FindParams{
		Min: 1, Desired: 1, BlockType: BlockData, Free: true,
		RangeStart: address.Address{Block: 0, Page: 0},
		RangeEnd:   address.Address{Block: 1, Page: 0},
	})
	if !status.Is(err, status.NoMoreSpace) {
		t.Errorf("Find on a fully allocated block = %v, want status.NoMoreSpace", err)
	}
}

func TestCountPagesTracksFreeAndReleased(t *testing.T) {
	b := newTestBitmap(t, 1, 8)
	if err := b.Mark(address.Address{Block: 0, Page: 0}, 3, true, false); err != nil {
		t.Fatal(err)
	}
	if err := b.Mark(address.Address{Block: 0, Page: 0}, 2, false, true); err != nil {
		t.Fatal(err)
	}

	free, err := b.CountPages(BlockData, true)
	if err != nil {
		t.Fatal(err)
	}
	if free != 5 {
		t.Errorf("free pages = %d, want 5 (8 - 3 allocated)", free)
	}
	released, err := b.CountPages(BlockData, false)
	if err != nil {
		t.Fatal(err)
	}
	if released != 2 {
		t.Errorf("released pages = %d, want 2", released)
	}
}
