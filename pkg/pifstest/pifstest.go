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

// Package pifstest is a shared conformance suite run against any
// pifs.FileSystem configuration, the way the teacher's pkg/storagetest
// runs one suite against every blobserver implementation. It exercises
// spec.md §8's testable properties directly rather than leaving them as
// prose.
package pifstest

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"pifs.dev/pifs/pkg/flashsim"
	"pifs.dev/pifs/pkg/fsbm"
	"pifs.dev/pifs/pkg/pifs"
)

const task = 0

// NewMemFS builds a freshly formatted filesystem over an in-memory
// flashsim.Image, the construction every subtest shares.
func NewMemFS(cfg pifs.Config) *pifs.FileSystem {
	img := flashsim.New(cfg.BlockCount, cfg.PagesPerBlock, cfg.PageSize, cfg.ErasedByte)
	fs, err := pifs.New(cfg, img, nil)
	if err != nil {
		panic(err)
	}
	if err := fs.Format(); err != nil {
		panic(err)
	}
	return fs
}

// Conformance runs every spec §8 property against a fresh filesystem
// returned by newFS for each subtest, so failures in one property cannot
// leak state into another.
func Conformance(t *testing.T, newFS func() *pifs.FileSystem) {
	t.Run("FormatIdempotence", func(t *testing.T) { testFormatIdempotence(t, newFS) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newFS) })
	t.Run("AppendLaw", func(t *testing.T) { testAppendLaw(t, newFS) })
	t.Run("DeleteReclaims", func(t *testing.T) { testDeleteReclaims(t, newFS) })
	t.Run("BitmapMonotonicity", func(t *testing.T) { testBitmapMonotonicity(t, newFS) })
	t.Run("DeltaResolution", func(t *testing.T) { testDeltaResolution(t, newFS) })
}

func testFormatIdempotence(t *testing.T, newFS func() *pifs.FileSystem) {
	fs := newFS()
	free1, err := fs.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}
	if free1.TotalPages() == 0 {
		t.Fatalf("GetFreeSpace after format: got 0, want positive capacity")
	}
	if err := fs.Format(); err != nil {
		t.Fatalf("second Format: %v", err)
	}
	free2, err := fs.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace after second format: %v", err)
	}
	if free1 != free2 {
		t.Errorf("free space changed across idempotent format: %+v -> %+v", free1, free2)
	}
	d, err := fs.Opendir(task)
	if err != nil {
		t.Fatalf("Opendir: %v", err)
	}
	defer fs.Closedir(d)
	var names []string
	for {
		e, err := fs.Readdir(d)
		if err != nil {
			break
		}
		names = append(names, e.Name)
	}
	if diff := cmp.Diff([]string{".", ".."}, names); diff != "" {
		t.Errorf("fresh root directory listing mismatch (-want +got):\n%s", diff)
	}
}

func writeFile(t *testing.T, fs *pifs.FileSystem, name string, data []byte) {
	t.Helper()
	f, err := fs.Fopen(task, name, "w")
	if err != nil {
		t.Fatalf("Fopen(%q, w): %v", name, err)
	}
	if _, err := fs.Fwrite(f, data); err != nil {
		t.Fatalf("Fwrite(%q): %v", name, err)
	}
	if err := fs.Fclose(f); err != nil {
		t.Fatalf("Fclose(%q): %v", name, err)
	}
}

func readFile(t *testing.T, fs *pifs.FileSystem, name string) []byte {
	t.Helper()
	f, err := fs.Fopen(task, name, "r")
	if err != nil {
		t.Fatalf("Fopen(%q, r): %v", name, err)
	}
	defer fs.Fclose(f)
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 64)
	for {
		n, err := fs.Fread(f, chunk)
		buf = append(buf, chunk[:n]...)
		if f.Feof() {
			break
		}
		if err != nil {
			t.Fatalf("Fread(%q): %v", name, err)
		}
		if n == 0 {
			break
		}
	}
	return buf
}

func testRoundTrip(t *testing.T, newFS func() *pifs.FileSystem) {
	fs := newFS()
	want := []byte("the quick brown fox jumps over the lazy dog\n")
	writeFile(t, fs, "a.txt", want)
	got := readFile(t, fs, "a.txt")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	size, err := fs.Filesize(task, "a.txt")
	if err != nil {
		t.Fatalf("Filesize: %v", err)
	}
	if int(size) != len(want) {
		t.Errorf("Filesize = %d, want %d", size, len(want))
	}
}

func testAppendLaw(t *testing.T, newFS func() *pifs.FileSystem) {
	fs := newFS()
	a := []byte("first half ")
	b := []byte("second half")
	writeFile(t, fs, "ab.txt", a)

	f, err := fs.Fopen(task, "ab.txt", "a")
	if err != nil {
		t.Fatalf("Fopen(a): %v", err)
	}
	if _, err := fs.Fwrite(f, b); err != nil {
		t.Fatalf("Fwrite: %v", err)
	}
	if err := fs.Fclose(f); err != nil {
		t.Fatalf("Fclose: %v", err)
	}

	got := readFile(t, fs, "ab.txt")
	want := append(append([]byte{}, a...), b...)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("append law mismatch (-want +got):\n%s", diff)
	}
}

func testDeleteReclaims(t *testing.T, newFS func() *pifs.FileSystem) {
	fs := newFS()
	before, err := fs.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}
	writeFile(t, fs, "tmp.bin", make([]byte, 2000))
	if err := fs.Remove(task, "tmp.bin"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := fs.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	after, err := fs.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}
	if after.TotalPages() < before.TotalPages() {
		t.Errorf("free space after delete+merge (%d) is less than before write (%d)", after.TotalPages(), before.TotalPages())
	}
}

func testBitmapMonotonicity(t *testing.T, newFS func() *pifs.FileSystem) {
	fs := newFS()
	writeFile(t, fs, "x.bin", make([]byte, 500))

	freeBefore, err := fs.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}
	releasedBefore, err := fs.GetToBeReleasedSpace()
	if err != nil {
		t.Fatalf("GetToBeReleasedSpace: %v", err)
	}

	f, err := fs.Fopen(task, "x.bin", "r+")
	if err != nil {
		t.Fatalf("Fopen(r+): %v", err)
	}
	if err := fs.Fseek(f, 100, 0); err != nil {
		t.Fatalf("Fseek: %v", err)
	}
	overlap := make([]byte, 50)
	for i := range overlap {
		overlap[i] = 'B'
	}
	if _, err := fs.Fwrite(f, overlap); err != nil {
		t.Fatalf("Fwrite overlap: %v", err)
	}
	if err := fs.Fclose(f); err != nil {
		t.Fatalf("Fclose: %v", err)
	}

	got := readFile(t, fs, "x.bin")
	if len(got) != 500 {
		t.Fatalf("len(got) = %d, want 500", len(got))
	}
	for i, b := range got {
		want := byte(0)
		if i >= 100 && i < 150 {
			want = 'B'
		}
		if b != want {
			t.Fatalf("byte %d = %q, want %q", i, b, want)
		}
	}

	free, err := fs.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}
	released, err := fs.GetToBeReleasedSpace()
	if err != nil {
		t.Fatalf("GetToBeReleasedSpace: %v", err)
	}
	if free.DataPages == 0 && released.DataPages == 0 {
		t.Errorf("expected some free or released pages after a partial overwrite, got free=%d released=%d", free.DataPages, released.DataPages)
	}
	// Without a merge, pages only move down the lattice: free pages never
	// come back and released pages never leave.
	if free.DataPages > freeBefore.DataPages || released.DataPages < releasedBefore.DataPages {
		t.Errorf("bitmap moved up the lattice without a merge: free %d -> %d, released %d -> %d", freeBefore.DataPages, free.DataPages, releasedBefore.DataPages, released.DataPages)
	}
	_ = fsbm.StateAllocated // keep fsbm imported for the state vocabulary this property is about
}

func testDeltaResolution(t *testing.T, newFS func() *pifs.FileSystem) {
	fs := newFS()
	orig := make([]byte, 300)
	for i := range orig {
		orig[i] = 'A'
	}
	writeFile(t, fs, "d.bin", orig)

	for _, ov := range []struct {
		off  int64
		data []byte
	}{
		{10, []byte("111")},
		{10, []byte("222")},
		{200, []byte("XYZ")},
	} {
		f, err := fs.Fopen(task, "d.bin", "r+")
		if err != nil {
			t.Fatalf("Fopen(r+): %v", err)
		}
		if err := fs.Fseek(f, ov.off, 0); err != nil {
			t.Fatalf("Fseek: %v", err)
		}
		if _, err := fs.Fwrite(f, ov.data); err != nil {
			t.Fatalf("Fwrite: %v", err)
		}
		if err := fs.Fclose(f); err != nil {
			t.Fatalf("Fclose: %v", err)
		}
	}

	got := readFile(t, fs, "d.bin")
	want := append([]byte{}, orig...)
	copy(want[10:], "222")
	copy(want[200:], "XYZ")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delta resolution mismatch (-want +got):\n%s", diff)
	}

	if err := fs.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	gotAfterMerge := readFile(t, fs, "d.bin")
	if diff := cmp.Diff(want, gotAfterMerge); diff != "" {
		t.Errorf("post-merge delta resolution mismatch (-want +got):\n%s", diff)
	}
}
