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

// Package filemap implements the per-file map-page chain: a doubly
// linked list of map pages, each holding a run of map entries that
// describe contiguous runs of data pages (spec §3, §4.5).
package filemap

import (
	"encoding/binary"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/checksum"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/status"
)

// Run describes a contiguous run of data pages.
type Run struct {
	Addr  address.Address
	Count uint32
}

const runSize = 8 + 4 + checksum.Size // addr(8) + count(4) + checksum(4)
const ptrSize = 8 + checksum.Size     // addr(8) + its own checksum(4)

// Store operates on map pages for a fixed flash geometry.
type Store struct {
	cache *flash.Cache
	geom  address.Geometry
}

func NewStore(cache *flash.Cache, geom address.Geometry) *Store {
	return &Store{cache: cache, geom: geom}
}

// EntriesPerPage is how many map entries fit in one page after the
// prev/next pointer pair.
func (s *Store) EntriesPerPage() int {
	return (int(s.cache.PageSize()) - 2*ptrSize) / runSize
}

func (s *Store) prevOff() uint32 { return 0 }
func (s *Store) nextOff() uint32 { return uint32(ptrSize) }
func (s *Store) entryOff(slot int) uint32 {
	return uint32(2*ptrSize + slot*runSize)
}

func encodePtr(a address.Address) []byte {
	buf := make([]byte, ptrSize)
	binary.LittleEndian.PutUint32(buf[0:], a.Block)
	binary.LittleEndian.PutUint32(buf[4:], a.Page)
	checksum.Put(buf[8:], checksum.Sum(buf[:8]))
	return buf
}

func decodePtr(buf []byte, erasedByte byte) (address.Address, bool, error) {
	if flash.IsErased(buf, erasedByte) {
		return address.Invalid, true, nil
	}
	a := address.Address{Block: binary.LittleEndian.Uint32(buf[0:]), Page: binary.LittleEndian.Uint32(buf[4:])}
	want := checksum.Get(buf[8:])
	if checksum.Sum(buf[:8]) != want {
		return address.Invalid, false, status.New(status.Checksum, "map page pointer checksum mismatch")
	}
	return a, false, nil
}

// WritePrev writes only the prev pointer (and its own checksum),
// independent of Next, so a partial program leaves one pointer intact
// (spec §3: "each with its own checksum to permit partial programming").
func (s *Store) WritePrev(page address.Address, prev address.Address) error {
	return s.cache.Write(page.Block, page.Page, s.prevOff(), encodePtr(prev))
}

// WriteNext writes only the next pointer.
func (s *Store) WriteNext(page address.Address, next address.Address) error {
	return s.cache.Write(page.Block, page.Page, s.nextOff(), encodePtr(next))
}

// ReadPrev reads the prev pointer; ok is false if it is erased
// (unset — the first page in a chain).
func (s *Store) ReadPrev(page address.Address) (addr address.Address, ok bool, err error) {
	buf := make([]byte, ptrSize)
	if err := s.cache.Read(page.Block, page.Page, s.prevOff(), buf); err != nil {
		return address.Invalid, false, err
	}
	a, erased, err := decodePtr(buf, s.cache.ErasedByte())
	return a, !erased, err
}

// ReadNext reads the next pointer; ok is false if it is erased (unset —
// the final page in the chain so far).
func (s *Store) ReadNext(page address.Address) (addr address.Address, ok bool, err error) {
	buf := make([]byte, ptrSize)
	if err := s.cache.Read(page.Block, page.Page, s.nextOff(), buf); err != nil {
		return address.Invalid, false, err
	}
	a, erased, err := decodePtr(buf, s.cache.ErasedByte())
	return a, !erased, err
}

// ReadEntry reads map entry slot within page.
func (s *Store) ReadEntry(page address.Address, slot int) (r Run, erased bool, err error) {
	buf := make([]byte, runSize)
	if err := s.cache.Read(page.Block, page.Page, s.entryOff(slot), buf); err != nil {
		return Run{}, false, err
	}
	if flash.IsErased(buf, s.cache.ErasedByte()) {
		return Run{}, true, nil
	}
	r.Addr.Block = binary.LittleEndian.Uint32(buf[0:])
	r.Addr.Page = binary.LittleEndian.Uint32(buf[4:])
	r.Count = binary.LittleEndian.Uint32(buf[8:])
	want := checksum.Get(buf[12:])
	if checksum.Sum(buf[:12]) != want {
		return Run{}, false, status.New(status.Checksum, "map entry checksum mismatch")
	}
	return r, false, nil
}

// WriteEntry writes map entry slot within page.
func (s *Store) WriteEntry(page address.Address, slot int, r Run) error {
	buf := make([]byte, runSize)
	binary.LittleEndian.PutUint32(buf[0:], r.Addr.Block)
	binary.LittleEndian.PutUint32(buf[4:], r.Addr.Page)
	binary.LittleEndian.PutUint32(buf[8:], r.Count)
	checksum.Put(buf[12:], checksum.Sum(buf[:12]))
	return s.cache.Write(page.Block, page.Page, s.entryOff(slot), buf)
}

// Cursor tracks a read/append position within one file's map chain:
// the current map page address and the entry index within it. It holds
// no on-flash pointers; cycles exist only on flash via the
// prev/next pair (spec §9 "Cyclic references").
type Cursor struct {
	Page  address.Address
	Entry int
}

// First positions a cursor at the first map page's first entry.
func First(firstMap address.Address) Cursor { return Cursor{Page: firstMap, Entry: 0} }

// Next advances the cursor to the next map entry, following the page
// chain's Next pointer (with checksum verification) at a page boundary.
// Reaching an erased map-entry record surfaces as status.EndOfFile.
func (s *Store) Next(c Cursor) (Cursor, Run, error) {
	epp := s.EntriesPerPage()
	if c.Entry >= epp {
		next, ok, err := s.ReadNext(c.Page)
		if err != nil {
			return c, Run{}, err
		}
		if !ok {
			return c, Run{}, status.New(status.EndOfFile, "map: end of chain")
		}
		c = Cursor{Page: next, Entry: 0}
	}
	r, erased, err := s.ReadEntry(c.Page, c.Entry)
	if err != nil {
		return c, Run{}, err
	}
	if erased {
		return c, Run{}, status.New(status.EndOfFile, "map: end of file")
	}
	return Cursor{Page: c.Page, Entry: c.Entry + 1}, r, nil
}

// Read reads the run at the cursor's current position without
// advancing.
func (s *Store) Read(c Cursor) (Run, error) {
	r, erased, err := s.ReadEntry(c.Page, c.Entry)
	if err != nil {
		return Run{}, err
	}
	if erased {
		return Run{}, status.New(status.EndOfFile, "map: end of file")
	}
	return r, nil
}

// AppendEntry finds the first erased slot in the chain starting at
// firstMap, allocating a fresh map page via allocPage if none remains,
// and records run there. allocPage must return a freshly allocated
// (marked-used) page address. Returns the address of the page the entry
// was written to.
func (s *Store) AppendEntry(firstMap address.Address, run Run, allocPage func() (address.Address, error)) (address.Address, error) {
	page := firstMap
	epp := s.EntriesPerPage()
	for {
		slot := -1
		for i := 0; i < epp; i++ {
			_, erased, err := s.ReadEntry(page, i)
			if err != nil && !status.Is(err, status.Checksum) {
				return address.Invalid, err
			}
			if erased {
				slot = i
				break
			}
		}
		if slot >= 0 {
			if err := s.WriteEntry(page, slot, run); err != nil {
				return address.Invalid, err
			}
			return page, nil
		}
		next, ok, err := s.ReadNext(page)
		if err != nil {
			return address.Invalid, err
		}
		if ok {
			page = next
			continue
		}
		// No more entries in this page and no next page: allocate one.
		newPage, err := allocPage()
		if err != nil {
			return address.Invalid, err
		}
		// Write the new page's own prev pointer first, then link it
		// from the current final one, per spec §5's ordering
		// discipline: the new page is fully usable before the old
		// page's forward pointer commits it into the chain, so a crash
		// leaves the chain one page short rather than dangling.
		if err := s.WritePrev(newPage, page); err != nil {
			return address.Invalid, err
		}
		if err := s.WriteNext(page, newPage); err != nil {
			return address.Invalid, err
		}
		page = newPage
	}
}

// Visitor is invoked once per map entry (isMapPage=false) with the
// resolved effective data address, and once more per map page after all
// its entries are visited (isMapPage=true, effAddr equal to the map
// page's own address).
type Visitor func(mapAddr, effAddr address.Address, isMapPage bool) error

// Resolver maps an original data address to its effective (possibly
// delta-redirected) address.
type Resolver func(orig address.Address) (address.Address, error)

// Walk enumerates every data page owned by the file rooted at firstMap,
// resolving each through resolve and invoking visit (spec §4.5).
func (s *Store) Walk(firstMap address.Address, resolve Resolver, visit Visitor) error {
	page := firstMap
	epp := s.EntriesPerPage()
	for {
		for i := 0; i < epp; i++ {
			r, erased, err := s.ReadEntry(page, i)
			if err != nil {
				if status.Is(err, status.Checksum) {
					continue
				}
				return err
			}
			if erased {
				break
			}
			for p := uint32(0); p < r.Count; p++ {
				orig, _ := s.geom.Add(r.Addr, p)
				eff, err := resolve(orig)
				if err != nil {
					return err
				}
				if err := visit(page, eff, false); err != nil {
					return err
				}
			}
		}
		if err := visit(page, page, true); err != nil {
			return err
		}
		next, ok, err := s.ReadNext(page)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		page = next
	}
}
