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

// Package entry implements the on-flash entry record (one file or
// directory item) and the entry list it lives in: a fixed-size
// contiguous array of entries with insertion-order, append-only
// semantics (spec §3, §4.4).
package entry

import (
	"bytes"
	"encoding/binary"

	"go.uber.org/zap"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/checksum"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/status"
)

// Attribute bits (spec §4.4: "the directory bit lives in the attribute
// byte").
const (
	AttrArchive   byte = 1 << 0
	AttrDirectory byte = 1 << 1
	AttrDeleted   byte = 1 << 2
	AttrSystem    byte = 1 << 3
)

// SizeErased is the Size field's sentinel value for an empty/new file.
const SizeErased uint32 = 0xFFFFFFFF

// Entry is one file or directory record.
type Entry struct {
	Name     string // at most Layout.MaxNameLen bytes; NUL-padded on flash
	Attr     byte
	UserData []byte // opaque, length Layout.UserDataSize
	FirstMap address.Address
	Size     uint32
}

func (e Entry) IsDirectory() bool { return e.Attr&AttrDirectory != 0 }
func (e Entry) IsDeleted() bool   { return e.Attr&AttrDeleted != 0 }

// Layout fixes the encoded geometry of an entry: name length and
// user-data blob size are sized once at filesystem construction, never
// resized (spec.md "Integer widths" design note; SPEC_FULL.md
// "Supplemented features" item 3).
type Layout struct {
	MaxNameLen   int
	UserDataSize int
}

// EncodedSize is the on-flash byte length of one entry under l.
func (l Layout) EncodedSize() int {
	// name + attr(1) + userdata + firstmap(8) + size(4) + checksum(4)
	return l.MaxNameLen + 1 + l.UserDataSize + 8 + 4 + checksum.Size
}

// Encode serializes e under layout l.
func Encode(e Entry, l Layout) ([]byte, error) {
	if len(e.Name) > l.MaxNameLen {
		return nil, status.New(status.InvalidFileName, "entry: name too long")
	}
	if len(e.UserData) > l.UserDataSize {
		return nil, status.New(status.InternalRange, "entry: user data too long")
	}
	buf := make([]byte, l.EncodedSize())
	off := 0
	copy(buf[off:off+l.MaxNameLen], e.Name)
	off += l.MaxNameLen
	buf[off] = e.Attr
	off++
	copy(buf[off:off+l.UserDataSize], e.UserData)
	off += l.UserDataSize
	binary.LittleEndian.PutUint32(buf[off:], e.FirstMap.Block)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], e.FirstMap.Page)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], e.Size)
	off += 4
	checksum.Put(buf[off:], checksum.Sum(buf[:off]))
	return buf, nil
}

// Decode is Encode's inverse. erased reports whether buf was entirely
// the erased byte (never written); in that case the returned Entry and
// error are both zero.
func Decode(buf []byte, l Layout, erasedByte byte) (e Entry, erased bool, err error) {
	if flash.IsErased(buf, erasedByte) {
		return Entry{}, true, nil
	}
	off := 0
	name := buf[off : off+l.MaxNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		e.Name = string(name[:i])
	} else {
		e.Name = string(name)
	}
	off += l.MaxNameLen
	e.Attr = buf[off]
	off++
	e.UserData = append([]byte(nil), buf[off:off+l.UserDataSize]...)
	off += l.UserDataSize
	e.FirstMap.Block = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.FirstMap.Page = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.Size = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	want := checksum.Get(buf[off:])
	if checksum.Sum(buf[:off]) != want {
		return Entry{}, false, status.New(status.Checksum, "entry checksum mismatch")
	}
	return e, false, nil
}

// Command selects Find's side effect on a match.
type Command int

const (
	CmdFind Command = iota
	CmdDelete
	CmdClear
)

// List is a fixed-size contiguous run of pages holding a flat array of
// entries, addressed by slot index.
type List struct {
	cache  *flash.Cache
	geom   address.Geometry
	layout Layout
	log    *zap.Logger
}

func NewList(cache *flash.Cache, geom address.Geometry, layout Layout, log *zap.Logger) *List {
	if log == nil {
		log = zap.NewNop()
	}
	return &List{cache: cache, geom: geom, layout: layout, log: log}
}

func (l *List) slotsPerPage() int { return int(l.cache.PageSize()) / l.layout.EncodedSize() }

func (l *List) slotAddr(listAddr address.Address, idx int) (address.Address, uint32) {
	spp := l.slotsPerPage()
	pageIdx := idx / spp
	inPageSlot := idx % spp
	a, _ := l.geom.Add(listAddr, uint32(pageIdx))
	return a, uint32(inPageSlot * l.layout.EncodedSize())
}

// Read reads the entry at idx within the list rooted at listAddr.
func (l *List) Read(listAddr address.Address, idx int) (e Entry, erased bool, err error) {
	a, off := l.slotAddr(listAddr, idx)
	buf := make([]byte, l.layout.EncodedSize())
	if err := l.cache.Read(a.Block, a.Page, off, buf); err != nil {
		return Entry{}, false, err
	}
	return Decode(buf, l.layout, l.cache.ErasedByte())
}

// Write writes entry at idx within the list rooted at listAddr.
func (l *List) Write(listAddr address.Address, idx int, e Entry) error {
	buf, err := Encode(e, l.layout)
	if err != nil {
		return err
	}
	a, off := l.slotAddr(listAddr, idx)
	return l.cache.Write(a.Block, a.Page, off, buf)
}

// tombstone overwrites the slot with all-programmed bytes (a value that
// is neither erased nor a valid checksummed record), marking it deleted
// permanently without requiring a fresh block erase.
func (l *List) tombstone(listAddr address.Address, idx int) error {
	buf := make([]byte, l.layout.EncodedSize())
	programmed := ^l.cache.ErasedByte()
	for i := range buf {
		buf[i] = programmed
	}
	a, off := l.slotAddr(listAddr, idx)
	return l.cache.Write(a.Block, a.Page, off, buf)
}

// Append scans listAddr linearly, skipping written slots, and writes e
// in the first wholly-erased slot. capacity is the number of slots the
// list region holds. reserve is the number of free slots append must
// leave behind afterward (MAX_OPEN_FILES, spec §4.4) when enforceReserve
// is true; append fails with NoMoreEntry if honoring the reserve (or simply
// finding any slot) is impossible.
func (l *List) Append(listAddr address.Address, capacity int, e Entry, reserve int, enforceReserve bool) (int, error) {
	free := 0
	target := -1
	for i := 0; i < capacity; i++ {
		_, erased, err := l.Read(listAddr, i)
		if err != nil && !status.Is(err, status.Checksum) {
			return -1, err
		}
		if erased {
			free++
			if target == -1 {
				target = i
			}
		}
	}
	if target == -1 {
		return -1, status.New(status.NoMoreEntry, "entry list: no erased slot remains")
	}
	if enforceReserve && free-1 < reserve {
		return -1, status.New(status.NoMoreEntry, "entry list: appending would violate MAX_OPEN_FILES reserve")
	}
	if err := l.Write(listAddr, target, e); err != nil {
		return -1, err
	}
	return target, nil
}

// Find linearly scans listAddr for a non-deleted entry named name. On a
// match, cmd==CmdDelete or CmdClear tombstones the slot (overwrites with
// all-programmed bytes); the returned Entry is the pre-tombstone value.
func (l *List) Find(listAddr address.Address, capacity int, name string, cmd Command) (Entry, int, error) {
	for i := 0; i < capacity; i++ {
		e, erased, err := l.Read(listAddr, i)
		if err != nil {
			if status.Is(err, status.Checksum) {
				continue
			}
			return Entry{}, -1, err
		}
		if erased || e.IsDeleted() {
			continue
		}
		if e.Name == name {
			if cmd == CmdDelete || cmd == CmdClear {
				if err := l.tombstone(listAddr, i); err != nil {
					return Entry{}, -1, err
				}
			}
			return e, i, nil
		}
	}
	return Entry{}, -1, status.New(status.FileNotFound, "entry list: name not found")
}

// Update tombstones the old record named name and appends newEntry. If
// the append would leave too few free slots, merge is invoked (via the
// caller-supplied runMerge, which may be nil to disable automatic
// merge) before retrying once.
func (l *List) Update(listAddr address.Address, capacity int, name string, newEntry Entry, reserve int, runMerge func() error) error {
	if _, _, err := l.Find(listAddr, capacity, name, CmdClear); err != nil {
		return err
	}
	_, err := l.Append(listAddr, capacity, newEntry, reserve, true)
	if status.Is(err, status.NoMoreEntry) && runMerge != nil {
		if merr := runMerge(); merr != nil {
			return merr
		}
		_, err = l.Append(listAddr, capacity, newEntry, reserve, true)
	}
	return err
}

// CountFree returns the number of wholly-erased slots in listAddr.
func (l *List) CountFree(listAddr address.Address, capacity int) (int, error) {
	n := 0
	for i := 0; i < capacity; i++ {
		_, erased, err := l.Read(listAddr, i)
		if err != nil && !status.Is(err, status.Checksum) {
			return 0, err
		}
		if erased {
			n++
		}
	}
	return n, nil
}
