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
	"context"

	"go.uber.org/zap"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/delta"
	"pifs.dev/pifs/pkg/entry"
	"pifs.dev/pifs/pkg/filemap"
	"pifs.dev/pifs/pkg/fsbm"
	"pifs.dev/pifs/pkg/header"
	"pifs.dev/pifs/pkg/merge"
	"pifs.dev/pifs/pkg/status"
	"pifs.dev/pifs/pkg/wear"
)

// Merge runs the management-area merge (garbage collection) now,
// rebuilding the secondary management block from the live contents of
// the current one and switching over to it (spec §4.8). File and
// directory operations trigger this automatically when a structure
// fills up; it is exposed directly for tests and for cmd/pifs-sim's
// explicit "merge" subcommand.
func (fs *FileSystem) Merge() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mergeLocked()
}

type dataBlockInfo struct {
	block             uint32
	live, released, free uint32
}

func (fs *FileSystem) classifyDataBlock(b uint32) (info dataBlockInfo, err error) {
	info.block = b
	for p := uint32(0); p < fs.cfg.PagesPerBlock; p++ {
		idx := fs.geom.Linear(address.Address{Block: b, Page: p})
		s, err := fs.fsbm.Get(idx)
		if err != nil {
			return info, err
		}
		switch s {
		case fsbm.StateAllocated:
			info.live++
		case fsbm.StateReleased:
			info.released++
		case fsbm.StateErased:
			info.free++
		}
	}
	return info, nil
}

// mergeLocked is the management-area merge body (spec §4.8). It assumes
// fs.mu is already held. Phases, numbered as the "Phase N" comments in
// the body:
//
//  1. erase the target (current secondary) management block
//  2. stand up fresh, empty fsbm/wear/entry-list structures over it
//  3. mark the new management area's own pages allocated
//  4. classify every data block (free / clean-live / released-only / mixed)
//  5. reclaim released-only blocks by erasing them outright
//  6. compact mixed blocks: relocate live pages into free space, then erase
//  7. mark the new bitmap's data-area pages: untouched live pages stay
//     put, relocated pages move to their destination
//  8. carry wear counts forward, bumping every block erased this round
//  9. recompute the least/most-worn caches
//  10. non-recursive worklist: rebuild every directory's entry list from
//      root down, rewriting each live file's map with coalesced runs
//      (mirrors the teacher's pkg/gc.Collector traversal)
//  11. finalize and write the new header with a strictly greater generation
//  12. switch the filesystem over to the rebuilt structures
//  13. update lifetime stats
func (fs *FileSystem) mergeLocked() error {
	oldPrimary := fs.primaryBlock()
	newPrimary := fs.secondaryBlock()
	oldHdr := fs.hdr
	oldRoot := fs.root
	oldDelta := fs.delta

	// Phase 1.
	if err := fs.cache.Erase(newPrimary); err != nil {
		return err
	}
	fs.stats.PagesErased += int(fs.cfg.PagesPerBlock)

	// Phase 2.
	newClassify := func(b uint32) fsbm.BlockType {
		switch {
		case fs.cfg.isReservedBlock(b):
			return fsbm.BlockReserved
		case b == newPrimary:
			return fsbm.BlockManagementPrimary
		case b == oldPrimary:
			return fsbm.BlockManagementSecondary
		case fs.cfg.isDataBlock(b):
			return fsbm.BlockData
		default:
			return fsbm.BlockReserved
		}
	}
	totalPages := fs.geom.TotalPages()
	newFSBMAddr := fs.lay.fsbmAddr(newPrimary)
	newEntryListAddr := fs.lay.entryListAddr(newPrimary)
	newDeltaMapAddr := fs.lay.deltaAddr(newPrimary)
	newWearListAddr := fs.lay.wearAddr(newPrimary)

	newFSBM := fsbm.New(fs.cache, fs.geom, newFSBMAddr, totalPages, newClassify, fs.log)
	newWear := wear.New(fs.cache, fs.geom, newWearListAddr, fs.cfg.BlockCount, fs.cfg.ErasedByte, fs.log)
	newRootList := entry.NewList(fs.cache, fs.geom, fs.cfg.entryLayout(), fs.log)

	// Phase 3.
	if err := newFSBM.Mark(address.Address{Block: newPrimary, Page: 0}, fs.lay.totalPages(), true, false); err != nil {
		return err
	}

	// tmpFS lets the Allocator and allocEntryList helpers (both methods
	// on *FileSystem) draw fresh pages from the new structures while fs
	// itself still reads the old ones.
	tmpFS := &FileSystem{cfg: fs.cfg, geom: fs.geom, lay: fs.lay, log: fs.log, cache: fs.cache, fsbm: newFSBM, wear: newWear}

	// Phase 4.
	start, end := fs.dataRange()
	var infos []dataBlockInfo
	for b := start.Block; b < end.Block; b++ {
		info, err := fs.classifyDataBlock(b)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	// The management block erased in phase 1 counts as erased this round.
	justErased := map[uint32]bool{newPrimary: true}
	var freePagesPool []address.Address

	// Phase 5: released-only and never-touched blocks seed the pool.
	for _, info := range infos {
		switch {
		case info.live == 0 && info.released == 0:
			for p := uint32(0); p < fs.cfg.PagesPerBlock; p++ {
				freePagesPool = append(freePagesPool, address.Address{Block: info.block, Page: p})
			}
		case info.live == 0 && info.released > 0:
			if err := fs.cache.Erase(info.block); err != nil {
				return err
			}
			justErased[info.block] = true
			fs.stats.PagesErased += int(fs.cfg.PagesPerBlock)
			for p := uint32(0); p < fs.cfg.PagesPerBlock; p++ {
				freePagesPool = append(freePagesPool, address.Address{Block: info.block, Page: p})
			}
		}
	}

	// Phase 6: compact mixed blocks.
	remap := map[address.Address]address.Address{}
	for _, info := range infos {
		if info.live == 0 || info.released == 0 {
			continue
		}
		for p := uint32(0); p < fs.cfg.PagesPerBlock; p++ {
			src := address.Address{Block: info.block, Page: p}
			s, err := fs.fsbm.Get(fs.geom.Linear(src))
			if err != nil {
				return err
			}
			if s != fsbm.StateAllocated {
				continue
			}
			if len(freePagesPool) == 0 {
				return status.New(status.NoMoreSpace, "merge: no free space available to compact data blocks")
			}
			dst := freePagesPool[0]
			freePagesPool = freePagesPool[1:]
			buf := make([]byte, fs.cfg.PageSize)
			if err := fs.cache.Read(src.Block, src.Page, 0, buf); err != nil {
				return err
			}
			if err := fs.cache.Write(dst.Block, dst.Page, 0, buf); err != nil {
				return err
			}
			remap[src] = dst
			fs.stats.PagesReclaimed++
		}
		if err := fs.cache.Erase(info.block); err != nil {
			return err
		}
		justErased[info.block] = true
		fs.stats.PagesErased += int(fs.cfg.PagesPerBlock)
		for p := uint32(0); p < fs.cfg.PagesPerBlock; p++ {
			freePagesPool = append(freePagesPool, address.Address{Block: info.block, Page: p})
		}
	}

	// Phase 7.
	for _, info := range infos {
		if justErased[info.block] {
			continue
		}
		for p := uint32(0); p < fs.cfg.PagesPerBlock; p++ {
			a := address.Address{Block: info.block, Page: p}
			s, err := fs.fsbm.Get(fs.geom.Linear(a))
			if err != nil {
				return err
			}
			if s != fsbm.StateAllocated {
				continue
			}
			if err := newFSBM.Mark(a, 1, true, false); err != nil {
				return err
			}
		}
	}
	for _, dst := range remap {
		if err := newFSBM.Mark(dst, 1, true, false); err != nil {
			return err
		}
	}

	// Phase 8.
	if err := fs.wear.Copy(newWear, justErased); err != nil {
		return err
	}

	// Phase 9.
	leastWorn, err := newWear.LeastWorn(fs.cfg.LeastWornCacheN, newClassify)
	if err != nil {
		return err
	}
	mostWorn, err := newWear.MostWorn(fs.cfg.MostWornCacheM, newClassify)
	if err != nil {
		return err
	}
	leastCounters := make([]uint32, len(leastWorn))
	for i, b := range leastWorn {
		if leastCounters[i], err = newWear.Get(b); err != nil {
			return err
		}
	}
	mostCounters := make([]uint32, len(mostWorn))
	for i, b := range mostWorn {
		if mostCounters[i], err = newWear.Get(b); err != nil {
			return err
		}
	}
	for len(leastWorn) < fs.cfg.LeastWornCacheN {
		leastWorn = append(leastWorn, 0)
		leastCounters = append(leastCounters, 0)
	}
	for len(mostWorn) < fs.cfg.MostWornCacheM {
		mostWorn = append(mostWorn, 0)
		mostCounters = append(mostCounters, 0)
	}

	// Phase 10: non-recursive worklist rebuilding the directory tree.
	type work struct {
		oldList, newList, parentNewList address.Address
	}
	queue := []work{{oldHdr.EntryListAddr, newEntryListAddr, newEntryListAddr}}
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]

		self := entry.Entry{Name: ".", Attr: entry.AttrDirectory, FirstMap: w.newList}
		parent := entry.Entry{Name: "..", Attr: entry.AttrDirectory, FirstMap: w.parentNewList}
		for _, se := range []entry.Entry{self, parent} {
			if _, err := newRootList.Append(w.newList, fs.cfg.EntryListCapacity, se, 0, false); err != nil {
				return err
			}
		}

		for i := 0; i < fs.cfg.EntryListCapacity; i++ {
			e, erased, err := oldRoot.Read(w.oldList, i)
			if err != nil {
				if status.Is(err, status.Checksum) {
					continue
				}
				return err
			}
			if erased || e.IsDeleted() || e.Name == "." || e.Name == ".." {
				continue
			}
			if e.IsDirectory() {
				oldChildList := e.FirstMap
				newChildList, err := tmpFS.allocEntryList()
				if err != nil {
					return err
				}
				// The old entry-list region was carried forward as live
				// by phase 7 (it's just another allocated run in the
				// data area); release it in the new bitmap now that its
				// contents live on at newChildList, or it leaks forever.
				if err := tmpFS.fsbm.Mark(oldChildList, fs.lay.entryListPages, false, true); err != nil {
					return err
				}
				e.FirstMap = newChildList
				if _, err := newRootList.Append(w.newList, fs.cfg.EntryListCapacity, e, 0, false); err != nil {
					return err
				}
				queue = append(queue, work{oldList: oldChildList, newList: newChildList, parentNewList: w.newList})
				continue
			}
			newFirstMap, err := fs.rebuildFileMap(e.FirstMap, oldDelta, remap, tmpFS)
			if err != nil {
				return err
			}
			e.FirstMap = newFirstMap
			if _, err := newRootList.Append(w.newList, fs.cfg.EntryListCapacity, e, 0, false); err != nil {
				return err
			}
		}
	}

	// Phase 11.
	newHdr := header.Header{
		Magic:             header.Magic,
		Version:           header.Version,
		Generation:        oldHdr.Generation + 1,
		EntryListAddr:     newEntryListAddr,
		FSBMAddr:          newFSBMAddr,
		DeltaMapAddr:      newDeltaMapAddr,
		WearListAddr:      newWearListAddr,
		NextMgmtBlock:     oldPrimary,
		LeastWorn:         leastWorn,
		LeastWornCounters: leastCounters,
		MostWorn:          mostWorn,
		MostWornCounters:  mostCounters,
	}
	if err := header.Write(fs.cache, fs.lay.headerAddr(newPrimary), newHdr, fs.cfg.LeastWornCacheN, fs.cfg.MostWornCacheM); err != nil {
		return err
	}

	// Phase 12.
	fs.hdr = newHdr
	fs.primaryIsA = newPrimary == fs.cfg.mgmtBlockA()
	fs.fsbm = newFSBM
	fs.wear = newWear
	fs.root = newRootList
	fs.delta = delta.New(fs.cache, fs.geom, newDeltaMapAddr, fs.cfg.DeltaMapSlots, (*allocator)(fs), fs.log)

	// Phase 13.
	fs.stats.MergeCount++
	if err := fs.cache.Flush(); err != nil {
		return err
	}
	fs.log.Info("pifs: merge complete", zap.Uint32("generation", newHdr.Generation), zap.Int("merges", fs.stats.MergeCount))
	return nil
}

// rebuildFileMap re-homes a file's data into the minimal number of map
// entries: every original page is resolved through oldDelta (and then
// through remap, for pages physically relocated by this merge's
// block-compaction phases) before being coalesced into contiguous runs
// (spec §4.8 "rebuild file maps"; pkg/merge.CoalesceRuns).
func (fs *FileSystem) rebuildFileMap(oldFirstMap address.Address, oldDelta *delta.Map, remap map[address.Address]address.Address, tmpFS *FileSystem) (address.Address, error) {
	if !oldFirstMap.IsValid() {
		return address.Invalid, nil
	}
	oldStore := filemap.NewStore(fs.cache, fs.geom)
	origPages, err := listDataPages(oldStore, oldFirstMap)
	if err != nil {
		return address.Invalid, err
	}
	merged := make([]merge.Addr, 0, len(origPages))
	for _, orig := range origPages {
		eff, _, err := oldDelta.FindDelta(orig)
		if err != nil {
			return address.Invalid, err
		}
		if r, ok := remap[eff]; ok {
			eff = r
		}
		merged = append(merged, merge.Addr{Block: eff.Block, Page: eff.Page})
	}
	runs := merge.CoalesceRuns(merged)

	var firstPage address.Address = address.Invalid
	if len(runs) > 0 {
		newStore := filemap.NewStore(fs.cache, fs.geom)
		firstPage, err = (*allocator)(tmpFS).AllocateDataPage()
		if err != nil {
			return address.Invalid, err
		}
		allocPage := func() (address.Address, error) { return (*allocator)(tmpFS).AllocateDataPage() }
		for _, r := range runs {
			run := filemap.Run{Addr: address.Address{Block: r.Addr.Block, Page: r.Addr.Page}, Count: r.Count}
			if _, err := newStore.AppendEntry(firstPage, run, allocPage); err != nil {
				return address.Invalid, err
			}
		}
	}

	// The old map-page chain was carried forward as live by phase 7 (its
	// pages are indistinguishable from data pages to the bitmap); now
	// that the coalesced replacement lives at firstPage, release every
	// page of the old chain in the new bitmap, the same walk-and-release
	// releaseFileData does for an explicit Remove.
	page := oldFirstMap
	for page.IsValid() {
		next, ok, err := oldStore.ReadNext(page)
		if err != nil {
			return address.Invalid, err
		}
		if err := tmpFS.fsbm.Mark(page, 1, false, true); err != nil {
			return address.Invalid, err
		}
		if !ok {
			break
		}
		page = next
	}

	return firstPage, nil
}

// RunStaticWearLeveling migrates live data off the most-worn data
// blocks that exceed cfg.StaticWearLimit, bounded to cfg.StaticWearPercent
// of the data area per call (Open Question decision, see DESIGN.md: the
// spec does not say who triggers this, so it is exposed only as an
// explicit operation; merge does not call it). Each
// relocated page is redirected via the delta map rather than physically
// rewriting every file that references it; this assumes the page is
// addressed canonically (never itself the destination of a prior
// redirection), true for anything reachable by a single merge-free scan
// of the bitmap.
func (fs *FileSystem) RunStaticWearLeveling(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return fs.note(err)
	}

	var counts []merge.WearCount
	for b := uint32(0); b < fs.cfg.dataBlockCount(); b++ {
		block := b + fs.cfg.ReservedBlocks + 2
		w, err := fs.wear.Get(block)
		if err != nil {
			return fs.note(err)
		}
		counts = append(counts, merge.WearCount{Block: block, Wear: w})
	}
	candidates := merge.SelectStaticWearCandidates(counts, fs.cfg.StaticWearLimit)
	if len(candidates) == 0 {
		return nil
	}

	totalDataPages := uint64(fs.cfg.dataBlockCount()) * uint64(fs.cfg.PagesPerBlock)
	budget := int(totalDataPages * uint64(fs.cfg.StaticWearPercent) / 100)
	if budget == 0 {
		budget = 1
	}

	start := address.Address{Block: fs.cfg.ReservedBlocks + 2, Page: 0}
	end := address.Address{Block: fs.cfg.BlockCount, Page: 0}
	moved := 0
	for _, block := range candidates {
		select {
		case <-ctx.Done():
			return fs.note(ctx.Err())
		default:
		}
		for p := uint32(0); p < fs.cfg.PagesPerBlock && moved < budget; p++ {
			src := address.Address{Block: block, Page: p}
			s, err := fs.fsbm.Get(fs.geom.Linear(src))
			if err != nil {
				return fs.note(err)
			}
			if s != fsbm.StateAllocated {
				continue
			}
			dst, _, err := fs.wear.FindFreeWithWearLeveling(fs.fsbm, fs.geom, fs.classify, 1, false, start, end)
			if err != nil {
				return fs.note(err)
			}
			buf := make([]byte, fs.cfg.PageSize)
			if err := fs.cache.Read(src.Block, src.Page, 0, buf); err != nil {
				return fs.note(err)
			}
			if err := fs.cache.Write(dst.Block, dst.Page, 0, buf); err != nil {
				return fs.note(err)
			}
			if err := fs.fsbm.Mark(dst, 1, true, false); err != nil {
				return fs.note(err)
			}
			if err := fs.fsbm.Mark(src, 1, false, true); err != nil {
				return fs.note(err)
			}
			if err := fs.delta.Redirect(src, dst); err != nil {
				return fs.note(err)
			}
			moved++
		}
	}
	fs.log.Info("pifs: static wear leveling migrated pages", zap.Int("pages", moved), zap.Int("candidateBlocks", len(candidates)))
	return fs.note(fs.cache.Flush())
}
