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

// Package pifs assembles address/flash/fsbm/wear/entry/filemap/delta/
// header/merge into the public filesystem surface: a single-threaded,
// coarse-mutex-guarded engine exposing named files, optional
// directories, and wear leveling over a raw NOR-flash medium (spec §5,
// §6).
package pifs

import (
	"sync"

	"go.uber.org/zap"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/delta"
	"pifs.dev/pifs/pkg/entry"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/fsbm"
	"pifs.dev/pifs/pkg/header"
	"pifs.dev/pifs/pkg/status"
	"pifs.dev/pifs/pkg/wear"
)

// Stats are filesystem-lifetime counters (SPEC_FULL.md "Supplemented
// features" item 5), updated only by merge, read under FileSystem.mu.
type Stats struct {
	MergeCount     int
	PagesErased    int
	PagesReclaimed int
}

// FileSystem is the filesystem singleton: all durable state lives in
// flash, the only shared in-memory state is this struct (spec §5).
// Every public method acquires mu on entry and releases it on every
// exit path.
type FileSystem struct {
	mu  sync.Mutex
	cfg Config
	geom address.Geometry
	lay  mgmtLayout
	log  *zap.Logger

	cache *flash.Cache
	drv   flash.Driver

	hdr          header.Header
	primaryIsA   bool // true: mgmt block A is primary, B is secondary

	fsbm  *fsbm.Bitmap
	wear  *wear.Table
	root  *entry.List
	delta *delta.Map

	openFiles map[int]*File
	openDirs  map[int]*Dir
	nextFH    int
	nextDH    int

	cwd map[uint32]address.Address // task id -> cwd's entry-list address
	cwdPath map[uint32]string

	lastErr error
	stats   Stats
}

// New constructs an unopened filesystem over drv. Call Init (or Format)
// before any other operation.
func New(cfg Config, drv flash.Driver, log *zap.Logger) (*FileSystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lay, err := cfg.computeLayout()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	fs := &FileSystem{
		cfg:   cfg,
		geom:  address.Geometry{BlockCount: cfg.BlockCount, PagesPerBlock: cfg.PagesPerBlock},
		lay:   lay,
		log:   log,
		drv:   drv,
		cache: flash.NewCache(drv, log),

		openFiles: make(map[int]*File),
		openDirs:  make(map[int]*Dir),
		cwd:       make(map[uint32]address.Address),
		cwdPath:   make(map[uint32]string),
	}
	return fs, nil
}

// Logger returns the filesystem's configured logger.
func (fs *FileSystem) Logger() *zap.Logger { return fs.log }

// Config returns the filesystem's configuration.
func (fs *FileSystem) Config() Config { return fs.cfg }

// Stats returns a snapshot of the lifetime counters.
func (fs *FileSystem) Stats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.stats
}

// Ferror returns the last status recorded by a public operation,
// mirroring the process-wide last-error variable of spec §7.
func (fs *FileSystem) Ferror() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lastErr
}

func (fs *FileSystem) note(err error) error {
	if err != nil {
		fs.lastErr = err
	}
	return err
}

// secondaryBlock returns the block index of the currently secondary
// management block (the one the next merge will write into).
func (fs *FileSystem) secondaryBlock() uint32 {
	if fs.primaryIsA {
		return fs.cfg.mgmtBlockB()
	}
	return fs.cfg.mgmtBlockA()
}

func (fs *FileSystem) primaryBlock() uint32 {
	if fs.primaryIsA {
		return fs.cfg.mgmtBlockA()
	}
	return fs.cfg.mgmtBlockB()
}

func (fs *FileSystem) classify(b uint32) fsbm.BlockType {
	switch {
	case fs.cfg.isReservedBlock(b):
		return fsbm.BlockReserved
	case b == fs.primaryBlock():
		return fsbm.BlockManagementPrimary
	case b == fs.secondaryBlock():
		return fsbm.BlockManagementSecondary
	case fs.cfg.isDataBlock(b):
		return fsbm.BlockData
	default:
		return fsbm.BlockReserved
	}
}

// attach wires fsbm/wear/root/delta against fs.hdr, which must already
// hold valid region addresses (from Init, Format, or a just-completed
// merge).
func (fs *FileSystem) attach() {
	totalPages := uint64(fs.cfg.BlockCount) * uint64(fs.cfg.PagesPerBlock)
	fs.fsbm = fsbm.New(fs.cache, fs.geom, fs.hdr.FSBMAddr, totalPages, fs.classify, fs.log)
	fs.wear = wear.New(fs.cache, fs.geom, fs.hdr.WearListAddr, fs.cfg.BlockCount, fs.cfg.ErasedByte, fs.log)
	fs.root = entry.NewList(fs.cache, fs.geom, fs.cfg.entryLayout(), fs.log)
	fs.delta = delta.New(fs.cache, fs.geom, fs.hdr.DeltaMapAddr, fs.cfg.DeltaMapSlots, (*allocator)(fs), fs.log)
}

// allocator adapts FileSystem to delta.Allocator without delta
// depending on fsbm/wear directly.
type allocator FileSystem

func (a *allocator) AllocateDataPage() (address.Address, error) {
	fs := (*FileSystem)(a)
	start := address.Address{Block: fs.cfg.ReservedBlocks + 2, Page: 0}
	end := address.Address{Block: fs.cfg.BlockCount, Page: 0}
	addr, _, err := fs.wear.FindFreeWithWearLeveling(fs.fsbm, fs.geom, fs.classify, 1, false, start, end)
	if err != nil {
		return address.Invalid, err
	}
	if err := fs.fsbm.Mark(addr, 1, true, false); err != nil {
		return address.Invalid, err
	}
	return addr, nil
}

func (a *allocator) MarkReleased(addr address.Address) error {
	fs := (*FileSystem)(a)
	return fs.fsbm.Mark(addr, 1, false, true)
}

// rootEntryListAddr is the address of the currently-authoritative root
// directory's entry list.
func (fs *FileSystem) rootEntryListAddr() address.Address { return fs.hdr.EntryListAddr }

// resolveCWD returns the entry-list address a task should operate
// relative to, defaulting to root.
func (fs *FileSystem) resolveCWD(task uint32) address.Address {
	if a, ok := fs.cwd[task]; ok {
		return a
	}
	return fs.rootEntryListAddr()
}

func (fs *FileSystem) checkOpen() error {
	if fs.hdr.Magic != header.Magic {
		return status.New(status.NotInitialized, "pifs: filesystem not initialized")
	}
	return nil
}
