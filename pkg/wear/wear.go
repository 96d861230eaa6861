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

// Package wear implements the per-block wear-level table: a base erase
// counter plus a bit-extension byte that lets most erases be recorded
// without rewriting the entry (spec §4.3), and the dynamic/static
// wear-leveling allocation policies (spec §4.9).
package wear

import (
	"math/bits"

	"go.uber.org/zap"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/checksum"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/fsbm"
	"pifs.dev/pifs/pkg/status"
)

// entrySize is base(4) + ext(1) + checksum(4).
const entrySize = 4 + 1 + checksum.Size

// Entry is one block's wear record.
type Entry struct {
	Base uint32
	Ext  byte
}

// Wear returns base + popcount(ext) counting bits that have moved away
// from the erased polarity (spec §3's wear invariant).
func (e Entry) Wear(erased byte) uint32 {
	programmed := e.Ext ^ erased
	return e.Base + uint32(bits.OnesCount8(programmed))
}

// Table is the on-flash wear-level list: one Entry per block in the
// medium (reserved blocks carry unused entries, and management-block
// entries never steer allocation, so every slot can be addressed by its
// absolute block number, matching
// fsbm.Classifier's numbering), addressed linearly starting at Base.
type Table struct {
	cache      *flash.Cache
	geom       address.Geometry
	base       address.Address
	blockCount uint32
	erased     byte
	log        *zap.Logger
}

func New(cache *flash.Cache, geom address.Geometry, base address.Address, blockCount uint32, erased byte, log *zap.Logger) *Table {
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{cache: cache, geom: geom, base: base, blockCount: blockCount, erased: erased, log: log}
}

func (t *Table) addrFor(block uint32) (address.Address, uint32) {
	byteOff := uint64(block) * entrySize
	pageSize := uint64(t.cache.PageSize())
	pageIdx := byteOff / pageSize
	inPage := uint32(byteOff % pageSize)
	a, _ := t.geom.Add(t.base, uint32(pageIdx))
	return a, inPage
}

func (t *Table) readRaw(block uint32) (Entry, error) {
	a, off := t.addrFor(block)
	buf := make([]byte, entrySize)
	if err := t.cache.Read(a.Block, a.Page, off, buf); err != nil {
		return Entry{}, err
	}
	e := Entry{
		Base: uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24,
		Ext:  buf[4],
	}
	want := checksum.Get(buf[5:9])
	if checksum.Sum(buf[:5]) != want {
		return Entry{}, status.New(status.Checksum, "wear table entry checksum mismatch")
	}
	return e, nil
}

func (t *Table) writeRaw(block uint32, e Entry) error {
	a, off := t.addrFor(block)
	buf := make([]byte, entrySize)
	buf[0] = byte(e.Base)
	buf[1] = byte(e.Base >> 8)
	buf[2] = byte(e.Base >> 16)
	buf[3] = byte(e.Base >> 24)
	buf[4] = e.Ext
	checksum.Put(buf[5:9], checksum.Sum(buf[:5]))
	return t.cache.Write(a.Block, a.Page, off, buf)
}

// Reset writes a fresh zero-wear entry for block, used once per data
// block when formatting a new management area.
func (t *Table) Reset(block uint32) error {
	return t.writeRaw(block, Entry{Base: 0, Ext: t.erased})
}

// Get returns block's current wear.
func (t *Table) Get(block uint32) (uint32, error) {
	e, err := t.readRaw(block)
	if err != nil {
		return 0, err
	}
	return e.Wear(t.erased), nil
}

// Increment toggles the next still-erased bit in block's extension
// byte. If no such bit remains it fails with WearCounterExhausted; the
// caller (merge) must rewrite the entry with an elevated base and a
// fresh extension (spec §4.3; see DESIGN.md's Open Question decision).
func (t *Table) Increment(block uint32) error {
	e, err := t.readRaw(block)
	if err != nil {
		return err
	}
	programmed := e.Ext ^ t.erased
	if programmed == 0xFF {
		return status.New(status.WearCounterExhausted, "wear extension byte exhausted; rebase on next merge")
	}
	// Find the lowest bit still at the erased polarity and program it.
	stillErased := ^programmed
	bit := stillErased & -stillErased // lowest set bit
	e.Ext ^= bit
	return t.writeRaw(block, e)
}

// Copy streams every block's current wear into newTable with a fresh
// (fully erased) extension byte, incrementing the wear for the blocks in
// justErased (the blocks the merge erased: the management block it is
// writing plus any data blocks it reclaimed; spec §4.8 step 4).
func (t *Table) Copy(newTable *Table, justErased map[uint32]bool) error {
	for b := uint32(0); b < t.blockCount; b++ {
		e, err := t.readRaw(b)
		if err != nil {
			if status.Is(err, status.Checksum) {
				t.log.Warn("wear: checksum mismatch copying entry, treating as zero wear", zap.Uint32("block", b))
				e = Entry{}
			} else {
				return err
			}
		}
		base := e.Wear(t.erased)
		if justErased[b] {
			base++
		}
		if err := newTable.writeRaw(b, Entry{Base: base, Ext: newTable.erased}); err != nil {
			return err
		}
	}
	return nil
}

// LeastWorn returns the n data blocks (as classified by classify) with
// the smallest wear, without recursion: n selection passes over the
// block range (spec §4.3).
func (t *Table) LeastWorn(n int, classify fsbm.Classifier) ([]uint32, error) {
	return t.selectWorn(n, classify, true)
}

// MostWorn is LeastWorn's symmetric counterpart.
func (t *Table) MostWorn(n int, classify fsbm.Classifier) ([]uint32, error) {
	return t.selectWorn(n, classify, false)
}

func (t *Table) selectWorn(n int, classify fsbm.Classifier, least bool) ([]uint32, error) {
	type bw struct {
		block uint32
		wear  uint32
	}
	var candidates []bw
	for b := uint32(0); b < t.blockCount; b++ {
		if classify != nil && classify(b) != fsbm.BlockData {
			continue
		}
		w, err := t.Get(b)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, bw{b, w})
	}
	var result []uint32
	used := make(map[int]bool)
	for pass := 0; pass < n && pass < len(candidates); pass++ {
		best := -1
		for i, c := range candidates {
			if used[i] {
				continue
			}
			if best == -1 {
				best = i
				continue
			}
			if least && c.wear < candidates[best].wear {
				best = i
			}
			if !least && c.wear > candidates[best].wear {
				best = i
			}
		}
		if best == -1 {
			break
		}
		used[best] = true
		result = append(result, candidates[best].block)
	}
	return result, nil
}

// FindFreeWithWearLeveling biases allocation toward the least-worn data
// blocks (normal operation) or the most-worn data blocks (during static
// wear migration, so the migrating writes deliberately consume high-wear
// pages), falling back to a whole-range scan on failure (spec §4.2).
func (t *Table) FindFreeWithWearLeveling(bm *fsbm.Bitmap, geom address.Geometry, classify fsbm.Classifier, desired uint32, static bool, rangeStart, rangeEnd address.Address) (address.Address, uint32, error) {
	var candidates []uint32
	var err error
	if static {
		candidates, err = t.MostWorn(3, classify)
	} else {
		candidates, err = t.LeastWorn(3, classify)
	}
	if err != nil {
		return address.Invalid, 0, err
	}
	for _, blk := range candidates {
		start := address.Address{Block: blk, Page: 0}
		end, e := geom.Add(start, geom.PagesPerBlock)
		if e != nil {
			end = address.Address{Block: blk + 1, Page: 0}
		}
		a, n, err := bm.Find(fsbm.FindParams{
			Min: 1, Desired: desired, BlockType: fsbm.BlockData, Free: true,
			SameBlock: true, RangeStart: start, RangeEnd: end,
		})
		if err == nil {
			return a, n, nil
		}
	}
	return bm.Find(fsbm.FindParams{
		Min: 1, Desired: desired, BlockType: fsbm.BlockData, Free: true,
		RangeStart: rangeStart, RangeEnd: rangeEnd,
	})
}
