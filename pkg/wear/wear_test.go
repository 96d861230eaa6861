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

package wear

import (
	"testing"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/flashsim"
	"pifs.dev/pifs/pkg/fsbm"
	"pifs.dev/pifs/pkg/status"
)

func newTestTable(t *testing.T, blockCount uint32) (*Table, *flash.Cache) {
	t.Helper()
	img := flashsim.New(blockCount, 8, 64, 0xFF)
	cache := flash.NewCache(img, nil)
	return New(cache, address.Geometry{BlockCount: blockCount, PagesPerBlock: 8}, address.Address{Block: 0, Page: 0}, blockCount, 0xFF, nil), cache
}

func TestResetThenGetIsZero(t *testing.T) {
	table, _ := newTestTable(t, 4)
	for b := uint32(0); b < 4; b++ {
		if err := table.Reset(b); err != nil {
			t.Fatalf("Reset(%d) = %v", b, err)
		}
	}
	for b := uint32(0); b < 4; b++ {
		w, err := table.Get(b)
		if err != nil {
			t.Fatalf("Get(%d) = %v", b, err)
		}
		if w != 0 {
			t.Errorf("Get(%d) = %d, want 0", b, w)
		}
	}
}

func TestGetWithoutResetFailsChecksum(t *testing.T) {
	table, _ := newTestTable(t, 2)
	if _, err := table.Get(0); !status.Is(err, status.Checksum) {
		t.Errorf("Get on an unwritten entry = %v, want status.Checksum", err)
	}
}

func TestIncrementAccumulatesThenExhausts(t *testing.T) {
	table, _ := newTestTable(t, 1)
	if err := table.Reset(0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		if err := table.Increment(0); err != nil {
			t.Fatalf("Increment #%d = %v", i, err)
		}
	}
	w, err := table.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if w != 8 {
		t.Errorf("wear after 8 increments = %d, want 8", w)
	}
	if err := table.Increment(0); !status.Is(err, status.WearCounterExhausted) {
		t.Errorf("Increment past capacity = %v, want status.WearCounterExhausted", err)
	}
}

func TestCopyCarriesForwardAndBumpsJustErased(t *testing.T) {
	old, cache := newTestTable(t, 3)
	for b := uint32(0); b < 3; b++ {
		if err := old.Reset(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := old.Increment(1); err != nil {
		t.Fatal(err)
	}

	newTable := New(cache, old.geom, address.Address{Block: 1, Page: 0}, 3, 0xFF, nil)
	justErased := map[uint32]bool{0: true}
	if err := old.Copy(newTable, justErased); err != nil {
		t.Fatalf("Copy = %v", err)
	}

	got := map[uint32]uint32{}
	for b := uint32(0); b < 3; b++ {
		w, err := newTable.Get(b)
		if err != nil {
			t.Fatalf("Get(%d) after Copy = %v", b, err)
		}
		got[b] = w
	}
	want := map[uint32]uint32{0: 1, 1: 1, 2: 0}
	for b, w := range want {
		if got[b] != w {
			t.Errorf("block %d wear after Copy = %d, want %d", b, got[b], w)
		}
	}
}

func TestLeastAndMostWorn(t *testing.T) {
	table, _ := newTestTable(t, 4)
	for b := uint32(0); b < 4; b++ {
		if err := table.Reset(b); err != nil {
			t.Fatal(err)
		}
	}
	// Block 2 gets the most wear, block 0 stays least worn.
	for i := 0; i < 3; i++ {
		if err := table.Increment(2); err != nil {
			t.Fatal(err)
		}
	}
	if err := table.Increment(1); err != nil {
		t.Fatal(err)
	}

	classify := func(b uint32) fsbm.BlockType { return fsbm.BlockData }

	least, err := table.LeastWorn(2, classify)
	if err != nil {
		t.Fatal(err)
	}
	if len(least) != 2 || least[0] != 0 {
		t.Errorf("LeastWorn(2) = %v, want block 0 first", least)
	}

	most, err := table.MostWorn(2, classify)
	if err != nil {
		t.Fatal(err)
	}
	if len(most) != 2 || most[0] != 2 {
		t.Errorf("MostWorn(2) = %v, want block 2 first", most)
	}
}
