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

// Package fsbm implements the free-space bitmap: two bits per logical
// page, encoding four allocation states in a monotone lattice that only
// falls (without an intervening block erase). See spec §3 and §4.2.
package fsbm

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/status"
)

// State is one of the four two-bit lattice states for a page.
type State byte

const (
	// StateErased is "free": bit0=1 (free), bit1=1 (live). 0b11.
	StateErased State = 0b11
	// StateAllocated: bit0=0, bit1=1. 0b10.
	StateAllocated State = 0b10
	// StateReleased: bit0=0, bit1=0. 0b00.
	StateReleased State = 0b00
	// StateError is the illegal (01) combination: released but free,
	// which indicates corruption.
	StateError State = 0b01
)

func (s State) IsFree() bool     { return s&0b01 != 0 }
func (s State) IsLive() bool     { return s&0b10 != 0 }
func (s State) IsError() bool    { return s == StateError }

func (s State) String() string {
	switch s {
	case StateErased:
		return "erased"
	case StateAllocated:
		return "allocated"
	case StateReleased:
		return "released"
	default:
		return "ERROR"
	}
}

// BlockType classifies a block for Find's block-type predicate.
type BlockType int

const (
	BlockAny BlockType = iota
	BlockManagementPrimary
	BlockManagementSecondary
	BlockData
	BlockReserved
)

// Classifier maps a block index to its BlockType. Supplied by the owner
// (pkg/pifs) which alone knows the current management-area layout.
type Classifier func(block uint32) BlockType

// Bitmap is the free-space bitmap, laid out contiguously starting at
// Base on the flash medium.
type Bitmap struct {
	cache      *flash.Cache
	geom       address.Geometry
	base       address.Address
	totalPages uint64
	classify   Classifier
	log        *zap.Logger
}

// New returns a Bitmap for a medium described by geom, whose bitmap
// region begins at base and covers totalPages logical pages.
func New(cache *flash.Cache, geom address.Geometry, base address.Address, totalPages uint64, classify Classifier, log *zap.Logger) *Bitmap {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bitmap{cache: cache, geom: geom, base: base, totalPages: totalPages, classify: classify, log: log}
}

// SizeBytes is the number of bytes the bitmap occupies on flash: two
// bits per page, rounded up to a whole byte.
func (b *Bitmap) SizeBytes() uint64 {
	return (b.totalPages*2 + 7) / 8
}

// addrForBit returns the on-flash address and intra-page byte offset of
// the byte holding page index i's bit pair.
func (b *Bitmap) addrForBit(i uint64) (address.Address, uint32) {
	byteOff := i / 4
	pageSize := uint64(b.cache.PageSize())
	pageIdx := byteOff / pageSize
	inPage := uint32(byteOff % pageSize)
	a, _ := b.geom.Add(b.base, uint32(pageIdx))
	return a, inPage
}

func (b *Bitmap) readByte(i uint64) (byte, error) {
	a, off := b.addrForBit(i)
	buf := make([]byte, 1)
	if err := b.cache.Read(a.Block, a.Page, off, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (b *Bitmap) writeByte(i uint64, v byte) error {
	a, off := b.addrForBit(i)
	return b.cache.Write(a.Block, a.Page, off, []byte{v})
}

func stateOf(byteVal byte, i uint64) State {
	shift := (i % 4) * 2
	return State((byteVal >> shift) & 0b11)
}

// Get returns the state of logical page index i (block-major linear
// index into the filesystem area).
func (b *Bitmap) Get(i uint64) (State, error) {
	byteVal, err := b.readByte(i)
	if err != nil {
		return 0, err
	}
	return stateOf(byteVal, i), nil
}

// set writes state into bit-pair i, honoring the monotone-lattice rule:
// flash programming can only clear bits, so a transition may only move
// from a state whose bit pattern has more 1s to one with a subset of
// those 1s (erased -> allocated -> released, or erased -> error).
func (b *Bitmap) set(i uint64, want State) error {
	cur, err := b.Get(i)
	if err != nil {
		return err
	}
	if byte(want)&^byte(cur) != 0 {
		return status.New(status.InternalAllocation, fmt.Sprintf("illegal FSBM transition at page %d: %s -> %s", i, cur, want))
	}
	byteVal, err := b.readByte(i)
	if err != nil {
		return err
	}
	shift := (i % 4) * 2
	mask := byte(0b11) << shift
	byteVal = (byteVal &^ mask) | (byte(want) << shift)
	return b.writeByte(i, byteVal)
}

func (b *Bitmap) linear(a address.Address) uint64 { return b.geom.Linear(a) }

// IsFree reports whether the page at a is free (erased, never
// allocated).
func (b *Bitmap) IsFree(a address.Address) (bool, error) {
	s, err := b.Get(b.linear(a))
	if err != nil {
		return false, err
	}
	return s == StateErased, nil
}

// IsReleased reports whether the page at a is released (to be
// reclaimed by the next merge).
func (b *Bitmap) IsReleased(a address.Address) (bool, error) {
	s, err := b.Get(b.linear(a))
	if err != nil {
		return false, err
	}
	return s == StateReleased, nil
}

// Mark transitions count contiguous pages starting at a. Marking
// allocated requires every page currently be free; marking released
// requires every page currently be allocated and live. Violations fail
// with InternalAllocation and dump the bitmap state for diagnostics.
func (b *Bitmap) Mark(a address.Address, count uint32, markAllocated, markReleased bool) error {
	start := b.linear(a)
	for i := uint64(0); i < uint64(count); i++ {
		idx := start + i
		cur, err := b.Get(idx)
		if err != nil {
			return err
		}
		var want State
		switch {
		case markReleased:
			if cur != StateAllocated {
				b.dumpOnError(idx, cur, "release requires allocated+live")
				return status.New(status.InternalAllocation, "mark released: page is not allocated")
			}
			want = StateReleased
		case markAllocated:
			if cur != StateErased {
				b.dumpOnError(idx, cur, "allocate requires free")
				return status.New(status.InternalAllocation, "mark allocated: page is not free")
			}
			want = StateAllocated
		default:
			continue
		}
		if err := b.set(idx, want); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bitmap) dumpOnError(idx uint64, cur State, why string) {
	var grid strings.Builder
	b.DumpState(&grid)
	b.log.Error("fsbm: illegal allocation transition", zap.Uint64("page", idx), zap.String("state", cur.String()), zap.String("reason", why), zap.String("bitmap", grid.String()))
}

// FindParams configures Find.
type FindParams struct {
	Min, Desired  uint32
	BlockType     BlockType
	Free          bool // true: search for free/erased runs; false: search for released runs
	SameBlock     bool
	RangeStart    address.Address
	RangeEnd      address.Address // exclusive
	CheckIfErased func(a address.Address) (bool, error)
}

// Find walks the bitmap sequentially across the requested range, reading
// one bit pair at a time, looking for the longest run of pages whose
// block matches BlockType and whose state matches Free. It returns as
// soon as Desired is reached; if the range is exhausted it returns the
// longest run found provided it meets Min, else NoMoreSpace (spec
// §4.2).
func (b *Bitmap) Find(p FindParams) (address.Address, uint32, error) {
	start := b.linear(p.RangeStart)
	end := b.linear(p.RangeEnd)

	var bestAddr address.Address
	var bestLen uint32
	var runAddr address.Address
	var runLen uint32

	flush := func() {
		if runLen > bestLen {
			bestAddr, bestLen = runAddr, runLen
		}
		runLen = 0
	}

	for i := start; i < end; i++ {
		a := b.geom.FromLinear(i)
		blockOK := p.BlockType == BlockAny || (b.classify != nil && b.classify(a.Block) == p.BlockType)
		if !blockOK {
			flush()
			continue
		}
		s, err := b.Get(i)
		if err != nil {
			return address.Invalid, 0, err
		}
		if p.CheckIfErased != nil && s == StateErased {
			erased, err := p.CheckIfErased(a)
			if err != nil {
				return address.Invalid, 0, err
			}
			if !erased {
				b.log.Warn("fsbm: self-healing: page flagged free but not erased", zap.Uint32("block", a.Block), zap.Uint32("page", a.Page))
				if err := b.set(i, StateReleased); err != nil {
					return address.Invalid, 0, err
				}
				s = StateReleased
			}
		}
		matches := (p.Free && s == StateErased) || (!p.Free && s == StateReleased)
		if !matches {
			flush()
			continue
		}
		if runLen == 0 {
			runAddr = a
		}
		runLen++

		if p.SameBlock && !b.geom.SameBlock(runAddr, runLen) {
			// Crosses a block boundary without filling the whole block: reset.
			if runLen-1 < b.geom.PagesPerBlock {
				runAddr = a
				runLen = 1
			}
		}

		if runLen >= p.Desired {
			flush()
			if bestLen >= p.Desired {
				return bestAddr, p.Desired, nil
			}
		}
	}
	flush()
	if bestLen >= p.Min {
		if bestLen > p.Desired && p.Desired > 0 {
			bestLen = p.Desired
		}
		return bestAddr, bestLen, nil
	}
	return address.Invalid, 0, status.New(status.NoMoreSpace, "fsbm: no run satisfying min found in range")
}

// CountPages scans the bitmap once and returns the number of pages
// matching blockType and the free/released predicate.
func (b *Bitmap) CountPages(blockType BlockType, free bool) (uint64, error) {
	var n uint64
	for i := uint64(0); i < b.totalPages; i++ {
		a := b.geom.FromLinear(i)
		if blockType != BlockAny && (b.classify == nil || b.classify(a.Block) != blockType) {
			continue
		}
		s, err := b.Get(i)
		if err != nil {
			return 0, err
		}
		if (free && s == StateErased) || (!free && s == StateReleased) {
			n++
		}
	}
	return n, nil
}

// DumpState writes a human-readable F/A/R/! grid of the bitmap to w, one
// line per block (supplementing the original_source/ debug dump; see
// SPEC_FULL.md "Supplemented features").
func (b *Bitmap) DumpState(w io.Writer) {
	for blk := uint32(0); uint64(blk)*uint64(b.geom.PagesPerBlock) < b.totalPages; blk++ {
		fmt.Fprintf(w, "block %3d: ", blk)
		for pg := uint32(0); pg < b.geom.PagesPerBlock; pg++ {
			i := b.geom.Linear(address.Address{Block: blk, Page: pg})
			if i >= b.totalPages {
				break
			}
			s, err := b.Get(i)
			if err != nil {
				fmt.Fprint(w, "?")
				continue
			}
			switch s {
			case StateErased:
				fmt.Fprint(w, "F")
			case StateAllocated:
				fmt.Fprint(w, "A")
			case StateReleased:
				fmt.Fprint(w, "R")
			default:
				fmt.Fprint(w, "!")
			}
		}
		fmt.Fprintln(w)
	}
}
