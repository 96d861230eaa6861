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

// Package delta implements overwrite-via-indirection: a compact list of
// (original address -> delta address) records that lets a logical
// in-place update be satisfied by redirecting to a freshly written page
// when the proposed bytes are not programmable over the original (spec
// §3, §4.6).
package delta

import (
	"encoding/binary"

	"go.uber.org/zap"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/checksum"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/status"
)

const recordSize = 8 + 8 + checksum.Size // orig(8) + delta(8) + checksum(4)

// Record is one (original -> delta) indirection.
type Record struct {
	Orig  address.Address
	Delta address.Address
}

// Allocator finds a free data page, biased by wear leveling, and marks
// it allocated. Supplied by the owner (pkg/pifs) so this package does
// not need to depend on pkg/wear/pkg/fsbm directly.
type Allocator interface {
	AllocateDataPage() (address.Address, error)
	MarkReleased(a address.Address) error
}

// Map is the on-flash delta map: a fixed array of Record slots spread
// across a small number of reserved pages, addressed linearly from
// Base.
type Map struct {
	cache *flash.Cache
	geom  address.Geometry
	base  address.Address
	slots int
	alloc Allocator
	log   *zap.Logger
}

func New(cache *flash.Cache, geom address.Geometry, base address.Address, slots int, alloc Allocator, log *zap.Logger) *Map {
	if log == nil {
		log = zap.NewNop()
	}
	return &Map{cache: cache, geom: geom, base: base, slots: slots, alloc: alloc, log: log}
}

func (m *Map) slotAddr(i int) (address.Address, uint32) {
	byteOff := uint64(i) * recordSize
	pageSize := uint64(m.cache.PageSize())
	pageIdx := byteOff / pageSize
	inPage := uint32(byteOff % pageSize)
	a, _ := m.geom.Add(m.base, uint32(pageIdx))
	return a, inPage
}

// slotIO applies op (the cache's Read or Write) to slot i's bytes. A
// record whose bytes run past the end of a page is split into one access
// per page.
func (m *Map) slotIO(i int, buf []byte, op func(ba, pa, off uint32, b []byte) error) error {
	a, off := m.slotAddr(i)
	n := int(m.cache.PageSize() - off)
	if n > len(buf) {
		n = len(buf)
	}
	if err := op(a.Block, a.Page, off, buf[:n]); err != nil || n == len(buf) {
		return err
	}
	next, err := m.geom.Inc(a)
	if err != nil {
		return err
	}
	return op(next.Block, next.Page, 0, buf[n:])
}

func (m *Map) readSlot(i int) (Record, bool, error) {
	buf := make([]byte, recordSize)
	if err := m.slotIO(i, buf, m.cache.Read); err != nil {
		return Record{}, false, err
	}
	if flash.IsErased(buf, m.cache.ErasedByte()) {
		return Record{}, true, nil
	}
	r := Record{
		Orig:  address.Address{Block: binary.LittleEndian.Uint32(buf[0:]), Page: binary.LittleEndian.Uint32(buf[4:])},
		Delta: address.Address{Block: binary.LittleEndian.Uint32(buf[8:]), Page: binary.LittleEndian.Uint32(buf[12:])},
	}
	want := checksum.Get(buf[16:])
	if checksum.Sum(buf[:16]) != want {
		return Record{}, false, status.New(status.Checksum, "delta record checksum mismatch")
	}
	return r, false, nil
}

func (m *Map) writeSlot(i int, r Record) error {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:], r.Orig.Block)
	binary.LittleEndian.PutUint32(buf[4:], r.Orig.Page)
	binary.LittleEndian.PutUint32(buf[8:], r.Delta.Block)
	binary.LittleEndian.PutUint32(buf[12:], r.Delta.Page)
	checksum.Put(buf[16:], checksum.Sum(buf[:16]))
	return m.slotIO(i, buf, m.cache.Write)
}

// FindDelta resolves orig to its current effective address by a linear
// scan of all delta-map slots: only the latest matching record (by scan
// order = append order) is authoritative. full reports whether every
// slot is written (the map has no room for another record).
func (m *Map) FindDelta(orig address.Address) (eff address.Address, full bool, err error) {
	eff = orig
	full = true
	for i := 0; i < m.slots; i++ {
		r, erased, err := m.readSlot(i)
		if err != nil {
			if status.Is(err, status.Checksum) {
				continue
			}
			return address.Invalid, false, err
		}
		if erased {
			full = false
			continue
		}
		if r.Orig == orig {
			eff = r.Delta
		}
	}
	return eff, full, nil
}

// append writes a new delta record in the first erased slot. Fails with
// status.NoMoreSpace if the map is full; callers should trigger a merge
// first in that case (spec §4.6).
func (m *Map) append(r Record) error {
	for i := 0; i < m.slots; i++ {
		_, erased, err := m.readSlot(i)
		if err != nil && !status.Is(err, status.Checksum) {
			return err
		}
		if erased {
			return m.writeSlot(i, r)
		}
	}
	return status.New(status.NoMoreSpace, "delta map: full")
}

// ReadDelta resolves (ba, pa) through the delta map, then reads size
// bytes at off.
func (m *Map) ReadDelta(a address.Address, off uint32, buf []byte) error {
	eff, _, err := m.FindDelta(a)
	if err != nil {
		return err
	}
	return m.cache.Read(eff.Block, eff.Page, off, buf)
}

// WriteDelta attempts to write buf at off within the (possibly already
// delta-redirected) page a. If the proposed bytes are programmable in
// place it writes directly and reports isDelta=false. Otherwise it reads
// the current full page, merges in the new bytes, allocates a
// replacement page via the Allocator, writes the merged page there,
// appends a delta record, and marks the old effective page released.
// Reading `a` afterward transparently returns the new bytes.
//
// If the delta map is full, runMerge rebuilds every file's map from
// scratch and flattens away every existing delta redirection (spec
// §4.8). That invalidates a itself: its physical page may have been
// relocated by the same merge's block compaction, so resolving it
// against the post-merge (now empty) map would silently read or write
// the wrong page instead of failing loudly. WriteDelta therefore does
// not attempt to continue the write itself in that case; it reports
// status.StaleHandle so the caller re-derives a from the file's
// current (rebuilt) map chain and retries.
func (m *Map) WriteDelta(a address.Address, off uint32, buf []byte, runMerge func() error) (isDelta bool, err error) {
	eff, full, err := m.FindDelta(a)
	if err != nil {
		return false, err
	}
	if werr := m.cache.Write(eff.Block, eff.Page, off, buf); werr == nil {
		return false, nil
	} else if !status.Is(werr, status.NotProgrammable) {
		return false, werr
	}

	if full {
		if runMerge == nil {
			return false, status.New(status.NoMoreSpace, "delta map: full and no merge available")
		}
		if err := runMerge(); err != nil {
			return false, err
		}
		return false, status.New(status.StaleHandle, "delta map: merge rebuilt file maps, retry against the current map chain")
	}

	pageSize := m.cache.PageSize()
	full_page := make([]byte, pageSize)
	if err := m.cache.Read(eff.Block, eff.Page, 0, full_page); err != nil {
		return false, err
	}
	copy(full_page[off:], buf)

	newAddr, err := m.alloc.AllocateDataPage()
	if err != nil {
		return false, err
	}
	if err := m.cache.Write(newAddr.Block, newAddr.Page, 0, full_page); err != nil {
		return false, err
	}
	if err := m.append(Record{Orig: a, Delta: newAddr}); err != nil {
		return false, err
	}
	if err := m.alloc.MarkReleased(eff); err != nil {
		return false, err
	}
	m.log.Debug("delta: redirected page", zap.Uint32("origBlock", a.Block), zap.Uint32("origPage", a.Page))
	return true, nil
}

// Redirect records an explicit (orig -> dst) indirection without first
// attempting an in-place write, so a caller that has already relocated
// a page's bytes elsewhere (static wear leveling, spec §4.9) can point
// every existing reference to orig at its new home in one record. It
// assumes orig is canonical — not itself already the destination of
// another record — since FindDelta follows only one hop.
func (m *Map) Redirect(orig, dst address.Address) error {
	return m.append(Record{Orig: orig, Delta: dst})
}

// IsFull reports whether every delta-map slot is written.
func (m *Map) IsFull() (bool, error) {
	_, full, err := m.FindDelta(address.Invalid)
	return full, err
}
