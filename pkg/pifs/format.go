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
	"go.uber.org/zap"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/entry"
	"pifs.dev/pifs/pkg/header"
)

// Init mounts an already-formatted medium: it reads both management
// blocks' headers, picks the authoritative generation, and wires up the
// fsbm/wear/root/delta structures against it (spec §4.1's power-up
// sequence). Returns status.NotInitialized if neither management block
// holds a valid header; callers should then call Format.
func (fs *FileSystem) Init() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, m := fs.cfg.LeastWornCacheN, fs.cfg.MostWornCacheM
	hdrA, errA := header.Read(fs.cache, fs.lay.headerAddr(fs.cfg.mgmtBlockA()), n, m)
	hdrB, errB := header.Read(fs.cache, fs.lay.headerAddr(fs.cfg.mgmtBlockB()), n, m)

	hdr, which, err := header.SelectAuthoritative(hdrA, errA == nil, hdrB, errB == nil)
	if err != nil {
		return fs.note(err)
	}
	fs.hdr = hdr
	fs.primaryIsA = which == 0
	fs.attach()
	fs.log.Info("pifs: mounted", zap.Uint32("generation", hdr.Generation), zap.Bool("primaryIsA", fs.primaryIsA))
	return nil
}

// Format erases both management blocks and every reserved/data block,
// then lays down a fresh generation-1 management area in block A with
// empty fsbm/wear/entry-list/delta-map regions and a two-entry root
// directory (spec §4.1, §4.4's "." self-reference convention extended
// to the root).
func (fs *FileSystem) Format() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for b := uint32(0); b < fs.cfg.BlockCount; b++ {
		if err := fs.cache.Erase(b); err != nil {
			return fs.note(err)
		}
	}

	fs.primaryIsA = true
	primary := fs.cfg.mgmtBlockA()

	hdr := header.Header{
		Magic:             header.Magic,
		Version:           header.Version,
		Generation:        1,
		EntryListAddr:     fs.lay.entryListAddr(primary),
		FSBMAddr:          fs.lay.fsbmAddr(primary),
		DeltaMapAddr:      fs.lay.deltaAddr(primary),
		WearListAddr:      fs.lay.wearAddr(primary),
		NextMgmtBlock:     fs.cfg.mgmtBlockB(),
		LeastWorn:         make([]uint32, fs.cfg.LeastWornCacheN),
		LeastWornCounters: make([]uint32, fs.cfg.LeastWornCacheN),
		MostWorn:          make([]uint32, fs.cfg.MostWornCacheM),
		MostWornCounters:  make([]uint32, fs.cfg.MostWornCacheM),
	}
	fs.hdr = hdr
	fs.attach()

	// Mark the management area's own pages (header, entry list, fsbm,
	// delta map, wear list) allocated so the bitmap reflects reality
	// before anything else is written into them.
	mgmtPages := fs.lay.totalPages()
	if err := fs.fsbm.Mark(address.Address{Block: primary, Page: 0}, mgmtPages, true, false); err != nil {
		return fs.note(err)
	}

	for b := fs.cfg.ReservedBlocks + 2; b < fs.cfg.BlockCount; b++ {
		if err := fs.wear.Reset(b); err != nil {
			return fs.note(err)
		}
	}

	if err := header.Write(fs.cache, fs.lay.headerAddr(primary), hdr, fs.cfg.LeastWornCacheN, fs.cfg.MostWornCacheM); err != nil {
		return fs.note(err)
	}

	rootAddr := hdr.EntryListAddr
	self := entry.Entry{Name: ".", Attr: entry.AttrDirectory, FirstMap: rootAddr, Size: 0}
	parent := entry.Entry{Name: "..", Attr: entry.AttrDirectory, FirstMap: rootAddr, Size: 0}
	for _, e := range []entry.Entry{self, parent} {
		if _, err := fs.root.Append(rootAddr, fs.cfg.EntryListCapacity, e, 0, false); err != nil {
			return fs.note(err)
		}
	}

	if err := fs.cache.Flush(); err != nil {
		return fs.note(err)
	}
	fs.log.Info("pifs: formatted", zap.Uint32("primaryBlock", primary))
	return nil
}

