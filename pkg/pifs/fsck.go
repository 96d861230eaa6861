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
	"fmt"

	"go.uber.org/zap"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/entry"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/fsbm"
	"pifs.dev/pifs/pkg/status"
)

// FsckReport summarizes one consistency pass over the directory tree
// (SPEC_FULL.md "Supplemented features" item 2: the original's offline
// consistency checker, rebuilt here as an always-available, read-only
// operation rather than a separate offline tool, since the whole medium
// is already reachable through the same cache the rest of pifs uses).
type FsckReport struct {
	FilesChecked int
	DirsChecked  int
	Errors       []string
}

func (r *FsckReport) errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Fsck walks the entire directory tree from root, cross-checking every
// directory's ".."/"." wiring, every file's map chain, and every
// resolved data/map page's FSBM state. It never writes anything; a
// non-empty report's Errors describes what a repair tool would need to
// fix.
func (fs *FileSystem) Fsck() (FsckReport, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return FsckReport{}, fs.note(err)
	}

	var report FsckReport
	visited := map[address.Address]bool{}
	rootAddr := fs.rootEntryListAddr()
	if err := fs.fsckWalk(rootAddr, rootAddr, &report, visited); err != nil {
		return report, fs.note(err)
	}
	fs.log.Info("pifs: fsck complete", zap.Int("dirs", report.DirsChecked), zap.Int("files", report.FilesChecked), zap.Int("errors", len(report.Errors)))
	return report, nil
}

// fsckWalk recursively checks the directory rooted at listAddr, whose
// parent's entry list is parentAddr (the root's own address at the root,
// which is its own parent by the root "." / ".." convention, spec §4.4).
func (fs *FileSystem) fsckWalk(listAddr, parentAddr address.Address, report *FsckReport, visited map[address.Address]bool) error {
	if visited[listAddr] {
		report.errorf("directory at %+v revisited: cyclic or aliased entry list", listAddr)
		return nil
	}
	visited[listAddr] = true
	report.DirsChecked++

	sawSelf, sawParent := false, false
	for i := 0; i < fs.cfg.EntryListCapacity; i++ {
		e, erased, err := fs.root.Read(listAddr, i)
		if err != nil {
			if status.Is(err, status.Checksum) {
				// A tombstoned slot (all programmed bytes) fails the
				// checksum by design; any other mismatch is reported.
				size := fs.cfg.entryLayout().EncodedSize()
				perPage := int(fs.cfg.PageSize) / size
				a, _ := fs.geom.Add(listAddr, uint32(i/perPage))
				raw := make([]byte, size)
				if rerr := fs.cache.Read(a.Block, a.Page, uint32(i%perPage*size), raw); rerr != nil {
					return rerr
				}
				if !flash.IsErased(raw, ^fs.cfg.ErasedByte) {
					report.errorf("directory %+v slot %d: checksum mismatch", listAddr, i)
				}
				continue
			}
			return err
		}
		if erased {
			continue
		}
		switch {
		case e.Name == ".":
			sawSelf = true
			if e.FirstMap != listAddr {
				report.errorf("directory %+v: \".\" points at %+v instead of itself", listAddr, e.FirstMap)
			}
			continue
		case e.Name == "..":
			sawParent = true
			if e.FirstMap != parentAddr {
				report.errorf("directory %+v: \"..\" points at %+v, expected %+v", listAddr, e.FirstMap, parentAddr)
			}
			continue
		case e.IsDeleted():
			continue
		}

		if e.IsDirectory() {
			if err := fs.fsckWalk(e.FirstMap, listAddr, report, visited); err != nil {
				return err
			}
			continue
		}
		if err := fs.fsckFile(listAddr, e, report); err != nil {
			return err
		}
	}
	if !sawSelf {
		report.errorf("directory %+v: missing \".\" entry", listAddr)
	}
	if !sawParent {
		report.errorf("directory %+v: missing \"..\" entry", listAddr)
	}
	return nil
}

// fsckFile checks one file's map chain: every resolved data page must be
// marked allocated in the FSBM, and the number of pages reached must be
// consistent with the entry's recorded size.
func (fs *FileSystem) fsckFile(dirAddr address.Address, e entry.Entry, report *FsckReport) error {
	report.FilesChecked++
	size := effectiveSize(e)
	wantPages := (size + fs.cfg.PageSize - 1) / fs.cfg.PageSize
	if size == 0 {
		wantPages = 0
	}

	if !e.FirstMap.IsValid() {
		if wantPages != 0 {
			report.errorf("file %q in dir %+v: size %d implies data but FirstMap is invalid", e.Name, dirAddr, size)
		}
		return nil
	}

	store := fs.filemapStore()
	pages, err := listDataPages(store, e.FirstMap)
	if err != nil {
		report.errorf("file %q in dir %+v: map chain walk failed: %v", e.Name, dirAddr, err)
		return nil
	}
	if uint32(len(pages)) != wantPages {
		report.errorf("file %q in dir %+v: map chain has %d pages, size %d implies %d", e.Name, dirAddr, len(pages), size, wantPages)
	}

	for _, orig := range pages {
		eff, _, err := fs.delta.FindDelta(orig)
		if err != nil {
			report.errorf("file %q in dir %+v: delta resolution for %+v failed: %v", e.Name, dirAddr, orig, err)
			continue
		}
		s, err := fs.fsbm.Get(fs.geom.Linear(eff))
		if err != nil {
			report.errorf("file %q in dir %+v: FSBM read for %+v failed: %v", e.Name, dirAddr, eff, err)
			continue
		}
		if s != fsbm.StateAllocated {
			report.errorf("file %q in dir %+v: data page %+v (resolved from %+v) has FSBM state %s, want allocated", e.Name, dirAddr, eff, orig, s)
		}
	}

	page := e.FirstMap
	for page.IsValid() {
		s, err := fs.fsbm.Get(fs.geom.Linear(page))
		if err != nil {
			report.errorf("file %q in dir %+v: FSBM read for map page %+v failed: %v", e.Name, dirAddr, page, err)
			break
		}
		if s != fsbm.StateAllocated {
			report.errorf("file %q in dir %+v: map page %+v has FSBM state %s, want allocated", e.Name, dirAddr, page, s)
		}
		next, ok, err := store.ReadNext(page)
		if err != nil {
			report.errorf("file %q in dir %+v: map page %+v next-pointer read failed: %v", e.Name, dirAddr, page, err)
			break
		}
		if !ok {
			break
		}
		page = next
	}
	return nil
}
