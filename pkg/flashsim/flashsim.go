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

// Package flashsim is a naive in-memory implementation of flash.Driver,
// for test & development purposes only (grounded on the teacher's
// pkg/sorted.NewMemoryKeyValue, a same-spirit in-memory double for a
// durable interface). It enforces the NOR write-only-toward-programmed
// polarity rule so that a caller bug that bypasses the delta map is
// caught exactly the way real hardware would reject it, and it supports
// fault injection (stop accepting writes after N page programs) for
// exercising spec §8 property 6, the header-switchover atomicity test.
package flashsim

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/status"
)

// Image is an in-memory flash.Driver. The zero value is not usable; use
// New.
type Image struct {
	mu sync.Mutex

	pageSize    uint32
	pagesPerBlk uint32
	erased      byte

	blocks [][]byte // one contiguous buffer per block

	// Fault injection.
	writesBudget int  // -1 means unlimited
	writesDone   int
	eraseBudget  int
	erasesDone   int

	EraseCount map[uint32]int
	WriteCount int
}

// New returns a fully erased image with blockCount blocks of
// pagesPerBlock pages of pageSize bytes each.
func New(blockCount, pagesPerBlock, pageSize uint32, erasedByte byte) *Image {
	img := &Image{
		pageSize:     pageSize,
		pagesPerBlk:  pagesPerBlock,
		erased:       erasedByte,
		blocks:       make([][]byte, blockCount),
		writesBudget: -1,
		eraseBudget:  -1,
		EraseCount:   make(map[uint32]int),
	}
	for i := range img.blocks {
		buf := make([]byte, int(pagesPerBlock)*int(pageSize))
		for j := range buf {
			buf[j] = erasedByte
		}
		img.blocks[i] = buf
	}
	return img
}

func (img *Image) PageSize() uint32 { return img.pageSize }
func (img *Image) ErasedByte() byte { return img.erased }

// LimitWrites causes the (n+1)th page-program call onward to fail, to
// simulate power loss mid-operation (spec §8 property 6).
func (img *Image) LimitWrites(n int) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.writesBudget = n
	img.writesDone = 0
}

func (img *Image) offset(pa uint32, off uint32) int { return int(pa)*int(img.pageSize) + int(off) }

func (img *Image) Read(ba, pa uint32, off uint32, buf []byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := img.rangeCheck(ba, pa, off, len(buf)); err != nil {
		return err
	}
	o := img.offset(pa, off)
	copy(buf, img.blocks[ba][o:o+len(buf)])
	return nil
}

func (img *Image) Write(ba, pa uint32, off uint32, buf []byte) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if err := img.rangeCheck(ba, pa, off, len(buf)); err != nil {
		return err
	}
	if img.writesBudget >= 0 && img.writesDone >= img.writesBudget {
		return fmt.Errorf("flashsim: write budget exhausted (simulated power loss)")
	}
	o := img.offset(pa, off)
	dst := img.blocks[ba][o : o+len(buf)]
	if !flash.ProgrammableBuf(dst, buf, img.erased) {
		return fmt.Errorf("flashsim: write at block %d page %d is not programmable in place", ba, pa)
	}
	copy(dst, buf)
	img.writesDone++
	img.WriteCount++
	return nil
}

func (img *Image) Erase(ba uint32) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if ba >= uint32(len(img.blocks)) {
		return status.New(status.OutOfRange, "erase: block out of range")
	}
	if img.eraseBudget >= 0 && img.erasesDone >= img.eraseBudget {
		return fmt.Errorf("flashsim: erase budget exhausted (simulated power loss)")
	}
	buf := img.blocks[ba]
	for i := range buf {
		buf[i] = img.erased
	}
	img.erasesDone++
	img.EraseCount[ba]++
	return nil
}

// WriteTo serializes the whole image (every block's raw bytes,
// concatenated in block order) to w, so that cmd/pifs-sim can persist a
// session's medium to an on-disk image file between invocations.
func (img *Image) WriteTo(w io.Writer) (int64, error) {
	img.mu.Lock()
	defer img.mu.Unlock()
	var total int64
	for _, b := range img.blocks {
		n, err := w.Write(b)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Load reconstructs an Image from bytes previously produced by WriteTo,
// validating that the byte count matches the requested geometry exactly.
func Load(r io.Reader, blockCount, pagesPerBlock, pageSize uint32, erasedByte byte) (*Image, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	want := int(blockCount) * int(pagesPerBlock) * int(pageSize)
	if buf.Len() != want {
		return nil, fmt.Errorf("flashsim: image is %d bytes, want %d for %dx%dx%d geometry", buf.Len(), want, blockCount, pagesPerBlock, pageSize)
	}
	img := New(blockCount, pagesPerBlock, pageSize, erasedByte)
	data := buf.Bytes()
	blockBytes := int(pagesPerBlock) * int(pageSize)
	for i := range img.blocks {
		copy(img.blocks[i], data[i*blockBytes:(i+1)*blockBytes])
	}
	return img, nil
}

func (img *Image) rangeCheck(ba, pa, off uint32, n int) error {
	if ba >= uint32(len(img.blocks)) || pa >= img.pagesPerBlk {
		return status.New(status.OutOfRange, "flashsim: address out of range")
	}
	if off+uint32(n) > img.pageSize {
		return status.New(status.OutOfRange, "flashsim: access past page bounds")
	}
	return nil
}
