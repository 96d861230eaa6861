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
	"strings"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/entry"
	"pifs.dev/pifs/pkg/fsbm"
	"pifs.dev/pifs/pkg/status"
)

// Dir is an open directory iteration handle (spec §6.2).
type Dir struct {
	fs      *FileSystem
	listAddr address.Address
	next    int
}

// dataRange is the scannable data-block address range (spec §2: blocks
// after the reserved + two management blocks).
func (fs *FileSystem) dataRange() (address.Address, address.Address) {
	return address.Address{Block: fs.cfg.ReservedBlocks + 2, Page: 0}, address.Address{Block: fs.cfg.BlockCount, Page: 0}
}

// allocEntryList reserves a fresh, contiguous entry-list region of
// fs.lay.entryListPages pages from the data area — the same "a
// directory's entry list is a fixed-size contiguous run" mechanism the
// root directory uses, just located in the data area instead of a
// management block.
func (fs *FileSystem) allocEntryList() (address.Address, error) {
	start, end := fs.dataRange()
	a, _, err := fs.fsbm.Find(fsbm.FindParams{
		Min: fs.lay.entryListPages, Desired: fs.lay.entryListPages,
		BlockType: fsbm.BlockData, Free: true, SameBlock: true,
		RangeStart: start, RangeEnd: end,
	})
	if err != nil {
		return address.Invalid, err
	}
	if err := fs.fsbm.Mark(a, fs.lay.entryListPages, true, false); err != nil {
		return address.Invalid, err
	}
	return a, nil
}

func (fs *FileSystem) dirIsEmpty(listAddr address.Address) (bool, error) {
	for i := 0; i < fs.cfg.EntryListCapacity; i++ {
		e, erased, err := fs.root.Read(listAddr, i)
		if err != nil {
			if status.Is(err, status.Checksum) {
				continue
			}
			return false, err
		}
		if erased || e.IsDeleted() || e.Name == "." || e.Name == ".." {
			continue
		}
		return false, nil
	}
	return true, nil
}

// Mkdir creates a subdirectory named name under task's current
// directory, seeded with "." and ".." entries pointing at itself and
// its parent (spec §4.4).
func (fs *FileSystem) Mkdir(task uint32, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return fs.note(err)
	}
	dirAddr := fs.resolveCWD(task)
	if _, _, err := fs.root.Find(dirAddr, fs.cfg.EntryListCapacity, name, entry.CmdFind); err == nil {
		return fs.note(status.New(status.FileAlreadyExist, "pifs: mkdir: "+name+" already exists"))
	} else if !status.Is(err, status.FileNotFound) {
		return fs.note(err)
	}

	newList, err := fs.allocEntryList()
	if err != nil {
		return fs.note(err)
	}
	self := entry.Entry{Name: ".", Attr: entry.AttrDirectory, FirstMap: newList}
	parent := entry.Entry{Name: "..", Attr: entry.AttrDirectory, FirstMap: dirAddr}
	for _, e := range []entry.Entry{self, parent} {
		if _, err := fs.root.Append(newList, fs.cfg.EntryListCapacity, e, 0, false); err != nil {
			return fs.note(err)
		}
	}

	de := entry.Entry{Name: name, Attr: entry.AttrDirectory, FirstMap: newList}
	if _, err := fs.root.Append(dirAddr, fs.cfg.EntryListCapacity, de, 0, true); err != nil {
		return fs.note(err)
	}
	return nil
}

// Rmdir removes the empty subdirectory name under task's current
// directory (spec §4.4's empty-directory precondition).
func (fs *FileSystem) Rmdir(task uint32, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return fs.note(err)
	}
	dirAddr := fs.resolveCWD(task)
	e, _, err := fs.root.Find(dirAddr, fs.cfg.EntryListCapacity, name, entry.CmdFind)
	if err != nil {
		return fs.note(err)
	}
	if !e.IsDirectory() {
		return fs.note(status.New(status.IsNotDirectory, "pifs: rmdir: "+name+" is not a directory"))
	}
	empty, err := fs.dirIsEmpty(e.FirstMap)
	if err != nil {
		return fs.note(err)
	}
	if !empty {
		return fs.note(status.New(status.DirectoryNotEmpty, "pifs: rmdir: "+name+" is not empty"))
	}
	if _, _, err := fs.root.Find(dirAddr, fs.cfg.EntryListCapacity, name, entry.CmdDelete); err != nil {
		return fs.note(err)
	}
	return fs.note(fs.fsbm.Mark(e.FirstMap, fs.lay.entryListPages, false, true))
}

// splitPath splits a slash-separated path into components, dropping
// empty segments (so "/a//b/" -> ["a","b"]).
func (fs *FileSystem) splitPath(path string) []string {
	sep := string(fs.cfg.PathSeparator)
	var out []string
	for _, p := range strings.Split(path, sep) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Chdir changes task's current directory. An absolute path (leading
// path separator) resolves from the root; otherwise it resolves
// relative to task's existing current directory (spec §6.2).
func (fs *FileSystem) Chdir(task uint32, path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return fs.note(err)
	}
	cur := fs.resolveCWD(task)
	curPath := fs.cwdPath[task]
	if len(path) > 0 && path[0] == fs.cfg.PathSeparator {
		cur = fs.rootEntryListAddr()
		curPath = ""
	}
	for _, comp := range fs.splitPath(path) {
		if comp == "." {
			continue
		}
		e, _, err := fs.root.Find(cur, fs.cfg.EntryListCapacity, comp, entry.CmdFind)
		if err != nil {
			return fs.note(err)
		}
		if !e.IsDirectory() {
			return fs.note(status.New(status.IsNotDirectory, "pifs: chdir: "+comp+" is not a directory"))
		}
		cur = e.FirstMap
		switch comp {
		case "..":
			if i := strings.LastIndexByte(curPath, fs.cfg.PathSeparator); i >= 0 {
				curPath = curPath[:i]
			} else {
				curPath = ""
			}
		default:
			curPath = curPath + string(fs.cfg.PathSeparator) + comp
		}
	}
	if len(fs.cwd) >= fs.cfg.MaxTasks {
		if _, ok := fs.cwd[task]; !ok {
			return fs.note(status.New(status.NoMoreResource, "pifs: chdir: too many tracked tasks"))
		}
	}
	fs.cwd[task] = cur
	fs.cwdPath[task] = curPath
	return nil
}

// Getcwd returns task's current directory path, "/" at the root.
func (fs *FileSystem) Getcwd(task uint32) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if p := fs.cwdPath[task]; p != "" {
		return p
	}
	return string(fs.cfg.PathSeparator)
}

// Opendir begins a directory listing of task's current directory.
func (fs *FileSystem) Opendir(task uint32) (*Dir, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return nil, fs.note(err)
	}
	if len(fs.openDirs) >= fs.cfg.MaxOpenDirs {
		return nil, fs.note(status.New(status.NoMoreResource, "pifs: too many open directories"))
	}
	d := &Dir{fs: fs, listAddr: fs.resolveCWD(task)}
	dh := fs.nextDH
	fs.nextDH++
	fs.openDirs[dh] = d
	return d, nil
}

// Readdir returns the next live (non-tombstoned) entry, or
// status.EndOfFile once the list is exhausted.
func (fs *FileSystem) Readdir(d *Dir) (entry.Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for d.next < fs.cfg.EntryListCapacity {
		idx := d.next
		d.next++
		e, erased, err := fs.root.Read(d.listAddr, idx)
		if err != nil {
			if status.Is(err, status.Checksum) {
				continue
			}
			return entry.Entry{}, fs.note(err)
		}
		if erased || e.IsDeleted() {
			continue
		}
		return e, nil
	}
	return entry.Entry{}, fs.note(status.New(status.EndOfFile, "pifs: readdir: no more entries"))
}

// Closedir releases d.
func (fs *FileSystem) Closedir(d *Dir) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for k, od := range fs.openDirs {
		if od == d {
			delete(fs.openDirs, k)
		}
	}
	return nil
}

// Remove deletes the file named name from task's current directory and
// releases its data pages (spec §6.1).
func (fs *FileSystem) Remove(task uint32, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return fs.note(err)
	}
	dirAddr := fs.resolveCWD(task)
	e, _, err := fs.root.Find(dirAddr, fs.cfg.EntryListCapacity, name, entry.CmdFind)
	if err != nil {
		return fs.note(err)
	}
	if e.IsDirectory() {
		return fs.note(status.New(status.IsDirectory, "pifs: remove: "+name+" is a directory"))
	}
	if err := fs.releaseFileData(e); err != nil {
		return fs.note(err)
	}
	_, _, err = fs.root.Find(dirAddr, fs.cfg.EntryListCapacity, name, entry.CmdDelete)
	return fs.note(err)
}

// releaseFileData walks e's map chain, marking every data page and map
// page released in the FSBM.
func (fs *FileSystem) releaseFileData(e entry.Entry) error {
	if !e.FirstMap.IsValid() {
		return nil
	}
	c := filemapFirst(e.FirstMap)
	store := fs.filemapStore()
	for {
		nc, r, err := store.Next(c)
		if err != nil {
			if status.Is(err, status.EndOfFile) {
				break
			}
			return err
		}
		for p := uint32(0); p < r.Count; p++ {
			orig := address.Address{Block: r.Addr.Block, Page: r.Addr.Page + p}
			eff, _, err := fs.delta.FindDelta(orig)
			if err != nil {
				return err
			}
			if err := fs.fsbm.Mark(eff, 1, false, true); err != nil {
				return err
			}
		}
		c = nc
	}
	page := e.FirstMap
	for page.IsValid() {
		next, ok, err := store.ReadNext(page)
		if err != nil {
			return err
		}
		if err := fs.fsbm.Mark(page, 1, false, true); err != nil {
			return err
		}
		if !ok {
			break
		}
		page = next
	}
	return nil
}

// Rename renames oldName to newName within task's current directory.
func (fs *FileSystem) Rename(task uint32, oldName, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return fs.note(err)
	}
	dirAddr := fs.resolveCWD(task)
	if _, _, err := fs.root.Find(dirAddr, fs.cfg.EntryListCapacity, newName, entry.CmdFind); err == nil {
		return fs.note(status.New(status.FileAlreadyExist, "pifs: rename: "+newName+" already exists"))
	}
	e, _, err := fs.root.Find(dirAddr, fs.cfg.EntryListCapacity, oldName, entry.CmdDelete)
	if err != nil {
		return fs.note(err)
	}
	e.Name = newName
	_, err = fs.root.Append(dirAddr, fs.cfg.EntryListCapacity, e, 0, false)
	return fs.note(err)
}

// Copy duplicates srcName's bytes into a new file dstName, both within
// task's current directory.
func (fs *FileSystem) Copy(task uint32, srcName, dstName string) error {
	src, err := fs.Fopen(task, srcName, "r")
	if err != nil {
		return err
	}
	defer fs.Fclose(src)
	dst, err := fs.Fopen(task, dstName, "w")
	if err != nil {
		return err
	}
	defer fs.Fclose(dst)

	buf := make([]byte, fs.cfg.PageSize)
	for {
		n, err := fs.Fread(src, buf)
		if n > 0 {
			if _, werr := fs.Fwrite(dst, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if src.Feof() {
			return nil
		}
	}
}

// Filesize returns the current size of name in task's current
// directory.
func (fs *FileSystem) Filesize(task uint32, name string) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return 0, fs.note(err)
	}
	dirAddr := fs.resolveCWD(task)
	e, _, err := fs.root.Find(dirAddr, fs.cfg.EntryListCapacity, name, entry.CmdFind)
	if err != nil {
		return 0, fs.note(err)
	}
	return effectiveSize(e), nil
}

// IsFileExist reports whether name exists in task's current directory.
func (fs *FileSystem) IsFileExist(task uint32, name string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return false
	}
	dirAddr := fs.resolveCWD(task)
	_, _, err := fs.root.Find(dirAddr, fs.cfg.EntryListCapacity, name, entry.CmdFind)
	return err == nil
}

// SpaceTotals reports a page/byte count split between the management
// area (both management blocks — the live one plus the merge target) and
// the data area (spec §6: get_free_space/get_to_be_released_space return
// "totals in bytes and pages, split between management and data").
type SpaceTotals struct {
	ManagementPages uint64
	ManagementBytes uint64
	DataPages       uint64
	DataBytes       uint64
}

// TotalPages is the combined management+data page count.
func (t SpaceTotals) TotalPages() uint64 { return t.ManagementPages + t.DataPages }

// TotalBytes is the combined management+data byte count.
func (t SpaceTotals) TotalBytes() uint64 { return t.ManagementBytes + t.DataBytes }

func (fs *FileSystem) spaceTotals(free bool) (SpaceTotals, error) {
	dataPages, err := fs.fsbm.CountPages(fsbm.BlockData, free)
	if err != nil {
		return SpaceTotals{}, err
	}
	primary, err := fs.fsbm.CountPages(fsbm.BlockManagementPrimary, free)
	if err != nil {
		return SpaceTotals{}, err
	}
	secondary, err := fs.fsbm.CountPages(fsbm.BlockManagementSecondary, free)
	if err != nil {
		return SpaceTotals{}, err
	}
	mgmtPages := primary + secondary
	pageSize := uint64(fs.cfg.PageSize)
	return SpaceTotals{
		ManagementPages: mgmtPages,
		ManagementBytes: mgmtPages * pageSize,
		DataPages:       dataPages,
		DataBytes:       dataPages * pageSize,
	}, nil
}

// GetFreeSpace returns the erased (never-allocated) space, in both
// pages and bytes, split between the management and data areas.
func (fs *FileSystem) GetFreeSpace() (SpaceTotals, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return SpaceTotals{}, fs.note(err)
	}
	t, err := fs.spaceTotals(true)
	return t, fs.note(err)
}

// GetToBeReleasedSpace returns the released space awaiting reclamation
// by the next merge, in both pages and bytes, split between the
// management and data areas.
func (fs *FileSystem) GetToBeReleasedSpace() (SpaceTotals, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.checkOpen(); err != nil {
		return SpaceTotals{}, fs.note(err)
	}
	t, err := fs.spaceTotals(false)
	return t, fs.note(err)
}
