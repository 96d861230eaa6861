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

package header

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/flashsim"
	"pifs.dev/pifs/pkg/status"
)

func sampleHeader(gen uint32) Header {
	return Header{
		Magic:             Magic,
		Version:           Version,
		Generation:        gen,
		EntryListAddr:     address.Address{Block: 1, Page: 0},
		FSBMAddr:          address.Address{Block: 1, Page: 1},
		DeltaMapAddr:      address.Address{Block: 1, Page: 2},
		WearListAddr:      address.Address{Block: 1, Page: 3},
		NextMgmtBlock:     2,
		LeastWorn:         []uint32{3, 4},
		LeastWornCounters: []uint32{10, 20},
		MostWorn:          []uint32{5, 6},
		MostWornCounters:  []uint32{100, 200},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := sampleHeader(7)
	buf, err := Encode(h, 2, 2)
	if err != nil {
		t.Fatalf("Encode = %v", err)
	}
	if len(buf) != Size(2, 2) {
		t.Fatalf("Encode produced %d bytes, Size reports %d", len(buf), Size(2, 2))
	}
	got, err := Decode(buf, 2, 2)
	if err != nil {
		t.Fatalf("Decode = %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsChecksumMismatch(t *testing.T) {
	buf, err := Encode(sampleHeader(1), 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	buf[4] ^= 0xFF // corrupt the version field, inside the checksummed body
	if _, err := Decode(buf, 2, 2); !status.Is(err, status.Checksum) {
		t.Errorf("Decode of corrupted buffer = %v, want status.Checksum", err)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	h := sampleHeader(1)
	h.Magic = 0
	buf, err := Encode(h, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(buf, 2, 2); !status.Is(err, status.NotInitialized) {
		t.Errorf("Decode with bad magic = %v, want status.NotInitialized", err)
	}
}

func TestSelectAuthoritativePicksHigherGeneration(t *testing.T) {
	a := sampleHeader(5)
	b := sampleHeader(9)
	got, which, err := SelectAuthoritative(a, true, b, true)
	if err != nil {
		t.Fatalf("SelectAuthoritative = %v", err)
	}
	if which != 1 || got.Generation != 9 {
		t.Errorf("SelectAuthoritative = (gen %d, which %d), want (9, 1)", got.Generation, which)
	}
}

func TestSelectAuthoritativeHandlesOneSidedValidity(t *testing.T) {
	a := sampleHeader(5)
	got, which, err := SelectAuthoritative(a, true, Header{}, false)
	if err != nil {
		t.Fatalf("SelectAuthoritative = %v", err)
	}
	if which != 0 || got.Generation != 5 {
		t.Errorf("SelectAuthoritative(only A valid) = (gen %d, which %d), want (5, 0)", got.Generation, which)
	}
}

func TestSelectAuthoritativeNeitherValidIsNotInitialized(t *testing.T) {
	if _, _, err := SelectAuthoritative(Header{}, false, Header{}, false); !status.Is(err, status.NotInitialized) {
		t.Errorf("SelectAuthoritative(neither valid) = %v, want status.NotInitialized", err)
	}
}

func TestSelectAuthoritativeTieIsImpossibleByConstruction(t *testing.T) {
	a := sampleHeader(5)
	b := sampleHeader(5)
	if _, _, err := SelectAuthoritative(a, true, b, true); !status.Is(err, status.InternalRange) {
		t.Errorf("SelectAuthoritative(tie) = %v, want status.InternalRange", err)
	}
}

// TestTornHeaderWriteNeverLeavesAnInvalidAuthoritativeGeneration exercises
// spec §8 property 6 (header-switchover atomicity) directly against
// pkg/header + pkg/flashsim's fault injector: a header write that is cut
// short by a simulated power loss must decode as either the old header
// (never written) or fail cleanly (status.Checksum/NotInitialized) — it
// must never produce a header that decodes successfully with a newer
// Generation than what was actually completed.
func TestTornHeaderWriteNeverLeavesAnInvalidAuthoritativeGeneration(t *testing.T) {
	img := flashsim.New(2, 4, 128, 0xFF)
	cache := flash.NewCache(img, nil)
	addrA := address.Address{Block: 0, Page: 0}

	old := sampleHeader(1)
	if err := Write(cache, addrA, old, 2, 2); err != nil {
		t.Fatalf("initial Write = %v", err)
	}
	if err := cache.Flush(); err != nil {
		t.Fatalf("Flush = %v", err)
	}

	// A fresh generation's write must go to the erased secondary slot, not
	// reuse addrA in place, so simulate that by writing the new generation
	// to a second address and then injecting a power loss mid-write by
	// capping the write budget at zero further page programs.
	addrB := address.Address{Block: 1, Page: 0}
	img.LimitWrites(0)
	newer := sampleHeader(2)
	// Write only buffers into the cache's write-back line; the driver
	// program call (and thus the injected power loss) doesn't happen until
	// Flush, mirroring how a real torn write lands mid-program rather than
	// mid-buffer-fill.
	if err := Write(cache, addrB, newer, 2, 2); err != nil {
		t.Fatalf("buffering Write into the cache line = %v, want success (not yet flushed)", err)
	}
	if err := cache.Flush(); err == nil {
		t.Fatal("Flush under an exhausted write budget unexpectedly succeeded")
	}

	// Bypass the cache (whose line is now pinned on the failed addrB write)
	// and read both slots straight from the driver: the simulated power
	// loss must not have touched addrA's bytes at all, and addrB must
	// still read back as the untouched erased page it was before the
	// aborted program call (this driver's Write is all-or-nothing per
	// call, so "budget exhausted" models an aborted program cycle, not a
	// partially-flipped page).
	rawA := make([]byte, Size(2, 2))
	if err := img.Read(addrA.Block, addrA.Page, 0, rawA); err != nil {
		t.Fatalf("raw Read(addrA) = %v", err)
	}
	gotA, err := Decode(rawA, 2, 2)
	if err != nil {
		t.Fatalf("Decode(raw addrA) after torn write elsewhere = %v, want the untouched old header", err)
	}
	if diff := cmp.Diff(old, gotA); diff != "" {
		t.Errorf("old header corrupted by an unrelated torn write (-want +got):\n%s", diff)
	}

	rawB := make([]byte, Size(2, 2))
	if err := img.Read(addrB.Block, addrB.Page, 0, rawB); err != nil {
		t.Fatalf("raw Read(addrB) = %v", err)
	}
	if !flash.IsErased(rawB, img.ErasedByte()) {
		t.Error("addrB shows programmed bytes despite the write budget aborting before any program call landed")
	}
}
