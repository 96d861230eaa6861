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
	"pifs.dev/pifs/pkg/entry"
	"pifs.dev/pifs/pkg/status"
)

// Config fixes the filesystem's geometry and compile-time-sized tables,
// the way the original's generated config headers do (spec.md "Integer
// widths" design note; SPEC_FULL.md "Supplemented features" item 3).
// Unlike the teacher's pkg/jsonconfig.Obj (a map validated after the
// fact), Config is a plain struct with the same "reject after
// construction, no optional-parameter setters" spirit.
type Config struct {
	BlockCount    uint32
	PagesPerBlock uint32
	PageSize      uint32

	// ReservedBlocks sit before the two management blocks and are never
	// allocated (spec §2 layout diagram).
	ReservedBlocks uint32

	MaxOpenFiles int
	MaxOpenDirs  int
	MaxTasks     int // bound on tracked per-task current-working-directories (spec §5)

	MaxNameLen   int
	UserDataSize int

	EntryListCapacity int // slots per entry list (root or subdirectory)

	DeltaMapSlots int

	StaticWearLimit   uint32
	StaticWearPercent uint32
	LeastWornCacheN   int
	MostWornCacheM    int

	ErasedByte    byte
	PathSeparator byte
}

// DefaultConfig returns sane defaults matching the concrete scenario in
// spec §8 (256 B pages, 256 pages/block, 8 blocks, 1 reserved block, one
// block per management generation).
func DefaultConfig() Config {
	return Config{
		BlockCount:        8,
		PagesPerBlock:     256,
		PageSize:          256,
		ReservedBlocks:    1,
		MaxOpenFiles:      4,
		MaxOpenDirs:       4,
		MaxTasks:          4,
		MaxNameLen:        32,
		UserDataSize:      16,
		EntryListCapacity: 32,
		DeltaMapSlots:     32,
		StaticWearLimit:   1000,
		StaticWearPercent: 10,
		LeastWornCacheN:   3,
		MostWornCacheM:    3,
		ErasedByte:        0xFF,
		PathSeparator:     '/',
	}
}

func (c Config) Validate() error {
	switch {
	case c.BlockCount < c.ReservedBlocks+3:
		return status.New(status.InternalRange, "config: need at least reserved+2 management+1 data block")
	case c.PagesPerBlock == 0 || c.PageSize == 0:
		return status.New(status.InternalRange, "config: zero geometry")
	case c.MaxOpenFiles <= 0 || c.MaxOpenDirs <= 0 || c.MaxTasks <= 0:
		return status.New(status.InternalRange, "config: resource bounds must be positive")
	case c.MaxNameLen <= 0 || c.UserDataSize < 0:
		return status.New(status.InternalRange, "config: bad entry layout")
	case c.EntryListCapacity <= 2:
		return status.New(status.InternalRange, "config: entry list must hold at least . and ..")
	case c.DeltaMapSlots <= 0:
		return status.New(status.InternalRange, "config: delta map needs at least one slot")
	case c.LeastWornCacheN <= 0 || c.MostWornCacheM <= 0:
		return status.New(status.InternalRange, "config: least/most worn cache sizes must be positive")
	}
	return nil
}

func (c Config) entryLayout() entry.Layout {
	return entry.Layout{MaxNameLen: c.MaxNameLen, UserDataSize: c.UserDataSize}
}

// dataBlockCount is the number of blocks available for file/map data
// after reserved and management blocks.
func (c Config) dataBlockCount() uint32 {
	return c.BlockCount - c.ReservedBlocks - 2
}

func (c Config) mgmtBlockA() uint32 { return c.ReservedBlocks }
func (c Config) mgmtBlockB() uint32 { return c.ReservedBlocks + 1 }

func (c Config) isDataBlock(b uint32) bool {
	return b >= c.ReservedBlocks+2 && b < c.BlockCount
}

func (c Config) isReservedBlock(b uint32) bool {
	return b < c.ReservedBlocks
}
