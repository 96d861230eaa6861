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
	"pifs.dev/pifs/pkg/filemap"
	"pifs.dev/pifs/pkg/status"
)

// OpenMode mirrors the C standard library's fopen mode strings (spec
// §6's file I/O surface).
type OpenMode int

const (
	ModeRead OpenMode = iota
	ModeWrite
	ModeAppend
	ModeReadWrite
)

// ParseMode maps an fopen-style mode string ("r", "w", "a", "r+", ...)
// to an OpenMode.
func ParseMode(s string) (OpenMode, error) {
	switch s {
	case "r":
		return ModeRead, nil
	case "w":
		return ModeWrite, nil
	case "a":
		return ModeAppend, nil
	case "r+", "w+", "a+":
		return ModeReadWrite, nil
	default:
		return 0, status.New(status.InvalidOpenMode, "pifs: unrecognized open mode "+s)
	}
}

// File is an open file handle (spec §6). It is not safe for concurrent
// use from multiple goroutines; the owning FileSystem's coarse mutex
// serializes every operation that touches it.
type File struct {
	fs   *FileSystem
	task uint32

	dirListAddr address.Address // entry list the file's entry lives in
	name        string
	mode        OpenMode

	entry entry.Entry // cached copy; Size/FirstMap kept current
	pos   uint32

	eof     bool
	lastErr error
}

// Name returns the file's name.
func (f *File) Name() string { return f.name }

// Feof reports whether the last read hit end-of-file.
func (f *File) Feof() bool { return f.eof }

// Ferror returns the last error recorded on this handle.
func (f *File) Ferror() error { return f.lastErr }

func (f *File) note(err error) error {
	if err != nil {
		f.lastErr = err
	}
	return err
}

func (fs *FileSystem) filemapStore() *filemap.Store { return filemap.NewStore(fs.cache, fs.geom) }

func filemapFirst(firstMap address.Address) filemap.Cursor { return filemap.First(firstMap) }

func effectiveSize(e entry.Entry) uint32 {
	if e.Size == entry.SizeErased {
		return 0
	}
	return e.Size
}

// listDataPages flattens the run-chain rooted at firstMap into one
// original data-page address per logical page, in file order.
func listDataPages(store *filemap.Store, firstMap address.Address) ([]address.Address, error) {
	if !firstMap.IsValid() {
		return nil, nil
	}
	var pages []address.Address
	c := filemap.First(firstMap)
	for {
		nc, r, err := store.Next(c)
		if err != nil {
			if status.Is(err, status.EndOfFile) {
				return pages, nil
			}
			return nil, err
		}
		for p := uint32(0); p < r.Count; p++ {
			pages = append(pages, address.Address{Block: r.Addr.Block, Page: r.Addr.Page + p})
		}
		c = nc
	}
}

// Fopen opens name (relative to task's current directory) under mode,
// creating it if mode is write/append and it does not exist (spec §6.1).
func (fs *FileSystem) Fopen(task uint32, name string, modeStr string) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkOpen(); err != nil {
		return nil, fs.note(err)
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, fs.note(err)
	}
	if len(fs.openFiles) >= fs.cfg.MaxOpenFiles {
		return nil, fs.note(status.New(status.NoMoreResource, "pifs: too many open files"))
	}

	dirAddr := fs.resolveCWD(task)
	e, _, ferr := fs.root.Find(dirAddr, fs.cfg.EntryListCapacity, name, entry.CmdFind)
	switch {
	case ferr == nil && e.IsDirectory():
		return nil, fs.note(status.New(status.IsDirectory, "pifs: fopen: "+name+" is a directory"))
	case ferr != nil && !status.Is(ferr, status.FileNotFound):
		return nil, fs.note(ferr)
	case ferr != nil:
		if mode == ModeRead {
			return nil, fs.note(ferr)
		}
		e = entry.Entry{Name: name, Attr: entry.AttrArchive, FirstMap: address.Invalid, Size: entry.SizeErased}
		reserve := fs.cfg.MaxOpenFiles - len(fs.openFiles) - 1
		if _, err := fs.root.Append(dirAddr, fs.cfg.EntryListCapacity, e, reserve, true); err != nil {
			return nil, fs.note(err)
		}
	}
	if mode == ModeWrite {
		e.Size = 0
		e.FirstMap = address.Invalid
		reserve := fs.cfg.MaxOpenFiles - len(fs.openFiles) - 1
		if err := fs.root.Update(dirAddr, fs.cfg.EntryListCapacity, name, e, reserve, fs.runMerge); err != nil {
			return nil, fs.note(err)
		}
	}

	f := &File{fs: fs, task: task, dirListAddr: dirAddr, name: name, mode: mode, entry: e}
	if mode == ModeAppend {
		f.pos = effectiveSize(e)
	}
	fh := fs.nextFH
	fs.nextFH++
	fs.openFiles[fh] = f
	fs.log.Debug("pifs: fopen", zap.String("name", name), zap.Int("handle", fh))
	return f, nil
}

// Fclose flushes pending writes and releases f.
func (fs *FileSystem) Fclose(f *File) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for fh, of := range fs.openFiles {
		if of == f {
			delete(fs.openFiles, fh)
		}
	}
	return fs.note(fs.cache.Flush())
}

// Fseek repositions f's cursor (spec §6.1; whence follows io.Seeker
// conventions: 0=start, 1=current, 2=end).
func (fs *FileSystem) Fseek(f *File, offset int64, whence int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	size := int64(effectiveSize(f.entry))
	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = int64(f.pos)
	case 2:
		base = size
	default:
		return fs.note(status.New(status.SeekNotPossible, "pifs: fseek: bad whence"))
	}
	np := base + offset
	if np < 0 {
		return fs.note(status.New(status.SeekNotPossible, "pifs: fseek: negative position"))
	}
	f.pos = uint32(np)
	f.eof = false
	return nil
}

// Ftell returns f's current cursor position.
func (fs *FileSystem) Ftell(f *File) uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return f.pos
}

// Fread reads up to len(buf) bytes starting at f's cursor, advancing it
// by the number of bytes actually read. A short read sets f.eof.
func (fs *FileSystem) Fread(f *File, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if f.mode == ModeWrite || f.mode == ModeAppend {
		return 0, f.note(status.New(status.InvalidOpenMode, "pifs: fread: file not open for reading"))
	}
	size := effectiveSize(f.entry)
	if f.pos >= size {
		f.eof = true
		return 0, nil
	}
	n := len(buf)
	if uint32(n) > size-f.pos {
		n = int(size - f.pos)
	}

	store := filemap.NewStore(fs.cache, fs.geom)
	pages, err := listDataPages(store, f.entry.FirstMap)
	if err != nil {
		return 0, f.note(err)
	}

	read := 0
	pos := f.pos
	for read < n {
		pageIdx := pos / fs.cfg.PageSize
		inPage := pos % fs.cfg.PageSize
		if int(pageIdx) >= len(pages) {
			break
		}
		want := fs.cfg.PageSize - inPage
		if want > uint32(n-read) {
			want = uint32(n - read)
		}
		if err := fs.delta.ReadDelta(pages[pageIdx], inPage, buf[read:read+int(want)]); err != nil {
			return read, f.note(err)
		}
		read += int(want)
		pos += want
	}
	f.pos += uint32(read)
	if read < len(buf) {
		f.eof = true
	}
	return read, nil
}

// ensureMapPage allocates the file's first map page if it has none yet.
func (fs *FileSystem) ensureMapPage(f *File) error {
	if f.entry.FirstMap.IsValid() {
		return nil
	}
	mp, err := fs.allocateDataPage()
	if err != nil {
		return err
	}
	f.entry.FirstMap = mp
	return nil
}

// allocateDataPage allocates one data page, merging once and retrying if
// the bitmap reports NoMoreSpace (spec §4.8 merge "when free data pages
// drop below a caller-supplied minimum"; §4.7's merge_check). Mirrors the
// merge-and-retry entry.List.Update and delta.Map.WriteDelta already do
// for their own full-structure cases.
func (fs *FileSystem) allocateDataPage() (address.Address, error) {
	a, err := (*allocator)(fs).AllocateDataPage()
	if status.Is(err, status.NoMoreSpace) {
		if merr := fs.runMerge(); merr != nil {
			return address.Invalid, merr
		}
		a, err = (*allocator)(fs).AllocateDataPage()
	}
	return a, err
}

// allocateDataRun allocates up to desired contiguous free data pages in
// one bitmap search (spec §4.7: a write records "a single map entry
// describing the maximal contiguous run just written" rather than one
// entry per page), merging once and retrying if none are free at all.
// n, the number actually granted, may be less than desired.
func (fs *FileSystem) allocateDataRun(desired uint32) (a address.Address, n uint32, err error) {
	start := address.Address{Block: fs.cfg.ReservedBlocks + 2, Page: 0}
	end := address.Address{Block: fs.cfg.BlockCount, Page: 0}
	a, n, err = fs.wear.FindFreeWithWearLeveling(fs.fsbm, fs.geom, fs.classify, desired, false, start, end)
	if status.Is(err, status.NoMoreSpace) {
		if merr := fs.runMerge(); merr != nil {
			return address.Invalid, 0, merr
		}
		a, n, err = fs.wear.FindFreeWithWearLeveling(fs.fsbm, fs.geom, fs.classify, desired, false, start, end)
	}
	if err != nil {
		return address.Invalid, 0, err
	}
	if err := fs.fsbm.Mark(a, n, true, false); err != nil {
		return address.Invalid, 0, err
	}
	return a, n, nil
}

// Fwrite writes len(buf) bytes at f's cursor, extending the file (and
// allocating new data pages / map pages as needed) when the cursor is at
// or past the current size (spec §6.1, §4.5).
func (fs *FileSystem) Fwrite(f *File, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if f.mode == ModeRead {
		return 0, f.note(status.New(status.InvalidOpenMode, "pifs: fwrite: file not open for writing"))
	}
	if err := fs.ensureMapPage(f); err != nil {
		return 0, f.note(err)
	}

	store := filemap.NewStore(fs.cache, fs.geom)
	pages, err := listDataPages(store, f.entry.FirstMap)
	if err != nil {
		return 0, f.note(err)
	}

	written := 0
	pos := f.pos
	if len(buf) > 0 {
		lastPageIdx := (pos + uint32(len(buf)) - 1) / fs.cfg.PageSize
		for uint32(len(pages)) <= lastPageIdx {
			need := lastPageIdx - uint32(len(pages)) + 1
			runAddr, n, err := fs.allocateDataRun(need)
			if err != nil {
				return written, f.note(err)
			}
			if _, err := store.AppendEntry(f.entry.FirstMap, filemap.Run{Addr: runAddr, Count: n}, fs.allocateDataPage); err != nil {
				return written, f.note(err)
			}
			for p := uint32(0); p < n; p++ {
				pa, err := fs.geom.Add(runAddr, p)
				if err != nil {
					return written, f.note(err)
				}
				pages = append(pages, pa)
			}
		}
	}
	for written < len(buf) {
		pageIdx := pos / fs.cfg.PageSize
		inPage := pos % fs.cfg.PageSize
		want := fs.cfg.PageSize - inPage
		if want > uint32(len(buf)-written) {
			want = uint32(len(buf) - written)
		}
		if _, err := fs.delta.WriteDelta(pages[pageIdx], inPage, buf[written:written+int(want)], fs.runMerge); err != nil {
			return written, f.note(err)
		}
		written += int(want)
		pos += want
	}

	f.pos = pos
	if f.pos > effectiveSize(f.entry) {
		f.entry.Size = f.pos
	}
	if err := fs.root.Update(f.dirListAddr, fs.cfg.EntryListCapacity, f.name, f.entry, 0, fs.runMerge); err != nil {
		return written, f.note(err)
	}
	return written, nil
}

// runMerge is passed to sub-packages as the "merge and retry" callback.
// It assumes the caller already holds fs.mu (every public FileSystem
// method does), so it invokes the lock-free merge body directly instead
// of the public, lock-taking Merge.
func (fs *FileSystem) runMerge() error {
	return fs.mergeLocked()
}
