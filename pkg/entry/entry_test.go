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

package entry

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/flashsim"
	"pifs.dev/pifs/pkg/status"
)

var testLayout = Layout{MaxNameLen: 16, UserDataSize: 4}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := Entry{
		Name:     "hello.txt",
		Attr:     AttrArchive,
		UserData: []byte{1, 2, 3, 4},
		FirstMap: address.Address{Block: 3, Page: 7},
		Size:     123,
	}
	buf, err := Encode(e, testLayout)
	if err != nil {
		t.Fatalf("Encode = %v", err)
	}
	got, erased, err := Decode(buf, testLayout, 0xFF)
	if err != nil {
		t.Fatalf("Decode = %v", err)
	}
	if erased {
		t.Fatal("Decode reported erased for a freshly encoded record")
	}
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErasedRecord(t *testing.T) {
	buf := make([]byte, testLayout.EncodedSize())
	for i := range buf {
		buf[i] = 0xFF
	}
	_, erased, err := Decode(buf, testLayout, 0xFF)
	if err != nil {
		t.Fatalf("Decode erased record = %v", err)
	}
	if !erased {
		t.Error("Decode on an all-erased buffer did not report erased")
	}
}

func TestDecodeChecksumMismatch(t *testing.T) {
	e := Entry{Name: "x", FirstMap: address.Address{Block: 1, Page: 1}}
	buf, err := Encode(e, testLayout)
	if err != nil {
		t.Fatal(err)
	}
	buf[0] ^= 0x01 // corrupt a byte covered by the checksum
	if _, _, err := Decode(buf, testLayout, 0xFF); !status.Is(err, status.Checksum) {
		t.Errorf("Decode of a corrupted record = %v, want status.Checksum", err)
	}
}

func TestEncodeRejectsOversizedName(t *testing.T) {
	e := Entry{Name: "this-name-is-way-too-long-for-the-layout"}
	if _, err := Encode(e, testLayout); !status.Is(err, status.InvalidFileName) {
		t.Errorf("Encode with oversized name = %v, want status.InvalidFileName", err)
	}
}

func newTestList(t *testing.T, capacity int) (*List, address.Address) {
	t.Helper()
	img := flashsim.New(1, 8, 256, 0xFF)
	cache := flash.NewCache(img, nil)
	geom := address.Geometry{BlockCount: 1, PagesPerBlock: 8}
	l := NewList(cache, geom, testLayout, nil)
	return l, address.Address{Block: 0, Page: 0}
}

func TestAppendFindDeleteLifecycle(t *testing.T) {
	l, listAddr := newTestList(t, 8)
	e := Entry{Name: "a", Attr: AttrArchive, FirstMap: address.Address{Block: 0, Page: 5}, Size: 10}

	idx, err := l.Append(listAddr, 8, e, 0, false)
	if err != nil {
		t.Fatalf("Append = %v", err)
	}
	if idx != 0 {
		t.Errorf("Append landed at slot %d, want 0", idx)
	}

	got, foundIdx, err := l.Find(listAddr, 8, "a", CmdFind)
	if err != nil {
		t.Fatalf("Find = %v", err)
	}
	if foundIdx != idx || got.Name != "a" {
		t.Errorf("Find = (%+v, %d), want name a at slot %d", got, foundIdx, idx)
	}

	if _, _, err := l.Find(listAddr, 8, "a", CmdDelete); err != nil {
		t.Fatalf("Find(CmdDelete) = %v", err)
	}
	if _, _, err := l.Find(listAddr, 8, "a", CmdFind); !status.Is(err, status.FileNotFound) {
		t.Errorf("Find after delete = %v, want status.FileNotFound", err)
	}
}

func TestAppendNameCollisionIsCallerResponsibility(t *testing.T) {
	// Append itself does not dedupe by name (spec §4.4's "name collisions
	// within one entry list are forbidden" is enforced by pkg/pifs calling
	// Find before Append, not by List.Append scanning for duplicates).
	l, listAddr := newTestList(t, 8)
	e := Entry{Name: "dup", FirstMap: address.Address{Block: 0, Page: 1}}
	if _, err := l.Append(listAddr, 8, e, 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(listAddr, 8, e, 0, false); err != nil {
		t.Fatalf("second Append of the same name = %v, want success (List.Append does not dedupe)", err)
	}
}

func TestAppendReserveEnforcesMaxOpenFiles(t *testing.T) {
	l, listAddr := newTestList(t, 2)
	e := Entry{Name: "a"}
	if _, err := l.Append(listAddr, 2, e, 1, true); err != nil {
		t.Fatalf("first Append with reserve 1 of 2 slots = %v", err)
	}
	// One slot left; reserving 1 more leaves 0, which violates the reserve.
	e2 := Entry{Name: "b"}
	if _, err := l.Append(listAddr, 2, e2, 1, true); !status.Is(err, status.NoMoreEntry) {
		t.Errorf("Append violating reserve = %v, want status.NoMoreEntry", err)
	}
}

func TestAppendNoMoreEntryWhenFull(t *testing.T) {
	l, listAddr := newTestList(t, 2)
	for i, name := range []string{"a", "b"} {
		if _, err := l.Append(listAddr, 2, Entry{Name: name}, 0, false); err != nil {
			t.Fatalf("Append #%d = %v", i, err)
		}
	}
	if _, err := l.Append(listAddr, 2, Entry{Name: "c"}, 0, false); !status.Is(err, status.NoMoreEntry) {
		t.Errorf("Append past capacity = %v, want status.NoMoreEntry", err)
	}
}

func TestUpdateReplacesRecord(t *testing.T) {
	l, listAddr := newTestList(t, 8)
	old := Entry{Name: "f", Size: 1}
	if _, err := l.Append(listAddr, 8, old, 0, false); err != nil {
		t.Fatal(err)
	}
	newer := Entry{Name: "f", Size: 99}
	if err := l.Update(listAddr, 8, "f", newer, 0, nil); err != nil {
		t.Fatalf("Update = %v", err)
	}
	got, _, err := l.Find(listAddr, 8, "f", CmdFind)
	if err != nil {
		t.Fatalf("Find after Update = %v", err)
	}
	if got.Size != 99 {
		t.Errorf("Size after Update = %d, want 99", got.Size)
	}
}

func TestCountFree(t *testing.T) {
	l, listAddr := newTestList(t, 4)
	if _, err := l.Append(listAddr, 4, Entry{Name: "a"}, 0, false); err != nil {
		t.Fatal(err)
	}
	n, err := l.CountFree(listAddr, 4)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CountFree = %d, want 3", n)
	}
}
