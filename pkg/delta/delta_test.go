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

package delta

import (
	"testing"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/flashsim"
	"pifs.dev/pifs/pkg/status"
)

// seqAllocator hands out data pages in block 1 in increasing page order;
// MarkReleased just records what was released, mirroring the minimal
// contract pkg/pifs's real allocator honors for pkg/delta.
type seqAllocator struct {
	next     uint32
	released []address.Address
}

func (a *seqAllocator) AllocateDataPage() (address.Address, error) {
	addr := address.Address{Block: 1, Page: a.next}
	a.next++
	return addr, nil
}

func (a *seqAllocator) MarkReleased(addr address.Address) error {
	a.released = append(a.released, addr)
	return nil
}

func newTestMap(t *testing.T, slots int) (*Map, *flash.Cache, *seqAllocator) {
	t.Helper()
	img := flashsim.New(2, 8, 64, 0xFF)
	cache := flash.NewCache(img, nil)
	geom := address.Geometry{BlockCount: 2, PagesPerBlock: 8}
	alloc := &seqAllocator{}
	m := New(cache, geom, address.Address{Block: 0, Page: 0}, slots, alloc, nil)
	return m, cache, alloc
}

func TestFindDeltaOnUnredirectedAddressIsIdentity(t *testing.T) {
	m, _, _ := newTestMap(t, 4)
	a := address.Address{Block: 1, Page: 3}
	eff, full, err := m.FindDelta(a)
	if err != nil {
		t.Fatalf("FindDelta = %v", err)
	}
	if full {
		t.Error("FindDelta on a fresh map reported full")
	}
	if eff != a {
		t.Errorf("FindDelta(unredirected) = %v, want identity %v", eff, a)
	}
}

func TestRedirectThenFindDelta(t *testing.T) {
	m, _, _ := newTestMap(t, 4)
	orig := address.Address{Block: 1, Page: 0}
	dst := address.Address{Block: 1, Page: 5}
	if err := m.Redirect(orig, dst); err != nil {
		t.Fatalf("Redirect = %v", err)
	}
	eff, _, err := m.FindDelta(orig)
	if err != nil {
		t.Fatalf("FindDelta = %v", err)
	}
	if eff != dst {
		t.Errorf("FindDelta after Redirect = %v, want %v", eff, dst)
	}
}

func TestAppendFullReturnsNoMoreSpace(t *testing.T) {
	m, _, _ := newTestMap(t, 2)
	if err := m.Redirect(address.Address{Block: 1, Page: 0}, address.Address{Block: 1, Page: 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.Redirect(address.Address{Block: 1, Page: 2}, address.Address{Block: 1, Page: 3}); err != nil {
		t.Fatal(err)
	}
	if err := m.Redirect(address.Address{Block: 1, Page: 4}, address.Address{Block: 1, Page: 5}); !status.Is(err, status.NoMoreSpace) {
		t.Errorf("Redirect past capacity = %v, want status.NoMoreSpace", err)
	}
}

func TestIsFull(t *testing.T) {
	m, _, _ := newTestMap(t, 1)
	full, err := m.IsFull()
	if err != nil {
		t.Fatal(err)
	}
	if full {
		t.Fatal("fresh map reported full")
	}
	if err := m.Redirect(address.Address{Block: 1, Page: 0}, address.Address{Block: 1, Page: 1}); err != nil {
		t.Fatal(err)
	}
	full, err = m.IsFull()
	if err != nil {
		t.Fatal(err)
	}
	if !full {
		t.Error("map with every slot written reported not full")
	}
}

func TestWriteDeltaInPlaceWhenProgrammable(t *testing.T) {
	m, cache, alloc := newTestMap(t, 4)
	target := address.Address{Block: 1, Page: 0}
	// The page starts fully erased, so any bytes are programmable in place.
	isDelta, err := m.WriteDelta(target, 0, []byte{0x01, 0x02}, nil)
	if err != nil {
		t.Fatalf("WriteDelta = %v", err)
	}
	if isDelta {
		t.Error("WriteDelta on an erased page took the delta path, want in-place")
	}
	if len(alloc.released) != 0 {
		t.Errorf("in-place write released %d pages, want 0", len(alloc.released))
	}
	got := make([]byte, 2)
	if err := cache.Read(target.Block, target.Page, 0, got); err != nil {
		t.Fatal(err)
	}
	if got[0] != 0x01 || got[1] != 0x02 {
		t.Errorf("read back %v, want [1 2]", got)
	}
}

func TestWriteDeltaRedirectsWhenNotProgrammable(t *testing.T) {
	m, _, alloc := newTestMap(t, 4)
	// Page 7, not page 0: seqAllocator hands out {1,0} first as the
	// replacement page, which must still be erased.
	target := address.Address{Block: 1, Page: 7}

	// First write some non-0xFF bytes so a later write that needs to flip an
	// erased bit back to 1 cannot be satisfied in place.
	if _, err := m.WriteDelta(target, 0, []byte{0x00}, nil); err != nil {
		t.Fatalf("initial write = %v", err)
	}

	isDelta, err := m.WriteDelta(target, 0, []byte{0xFF}, nil)
	if err != nil {
		t.Fatalf("WriteDelta = %v", err)
	}
	if !isDelta {
		t.Fatal("WriteDelta flipping 0 back to 1 in place should have required a delta redirect")
	}
	if len(alloc.released) != 1 || alloc.released[0] != target {
		t.Errorf("released = %v, want [%v]", alloc.released, target)
	}

	eff, _, err := m.FindDelta(target)
	if err != nil {
		t.Fatal(err)
	}
	if eff == target {
		t.Fatal("FindDelta after redirect still resolves to the original address")
	}

	got := make([]byte, 1)
	if err := m.ReadDelta(target, 0, got); err != nil {
		t.Fatalf("ReadDelta = %v", err)
	}
	if got[0] != 0xFF {
		t.Errorf("ReadDelta = %v, want [0xFF]", got)
	}
}

func TestWriteDeltaFullWithoutMergeFails(t *testing.T) {
	m, _, _ := newTestMap(t, 1)
	target := address.Address{Block: 1, Page: 0}
	// Fill the single slot with an unrelated redirect first.
	if err := m.Redirect(address.Address{Block: 1, Page: 6}, address.Address{Block: 1, Page: 7}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.WriteDelta(target, 0, []byte{0x00}, nil); err != nil {
		t.Fatal(err)
	}
	_, err := m.WriteDelta(target, 0, []byte{0xFF}, nil)
	if !status.Is(err, status.NoMoreSpace) {
		t.Errorf("WriteDelta on a full map with no merge = %v, want status.NoMoreSpace", err)
	}
}

// TestWriteDeltaFullWithMergeReportsStaleHandle covers the review-flagged
// gap: a merge triggered mid-write flattens every existing redirection
// and can relocate the physical page `a` names, so WriteDelta must not
// keep going against its own now-stale eff/a; it reports status.StaleHandle
// so the caller re-derives the address from the file's rebuilt map chain.
func TestWriteDeltaFullWithMergeReportsStaleHandle(t *testing.T) {
	m, _, _ := newTestMap(t, 1)
	target := address.Address{Block: 1, Page: 0}
	if err := m.Redirect(address.Address{Block: 1, Page: 6}, address.Address{Block: 1, Page: 7}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.WriteDelta(target, 0, []byte{0x00}, nil); err != nil {
		t.Fatal(err)
	}

	merged := false
	runMerge := func() error {
		merged = true
		return nil
	}
	_, err := m.WriteDelta(target, 0, []byte{0xFF}, runMerge)
	if !merged {
		t.Fatal("WriteDelta on a full map did not invoke runMerge")
	}
	if !status.Is(err, status.StaleHandle) {
		t.Errorf("WriteDelta after merge = %v, want status.StaleHandle", err)
	}
}
