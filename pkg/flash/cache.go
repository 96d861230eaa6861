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

package flash

import (
	"go.uber.org/zap"

	"pifs.dev/pifs/pkg/status"
)

// Cache is a one-page write-back buffer in front of a Driver (spec
// §4.1). It is not safe for concurrent use; pifs.FileSystem serializes
// all access behind its single coarse mutex (spec §5).
type Cache struct {
	drv Driver
	log *zap.Logger

	valid bool
	dirty bool
	ba    uint32
	pa    uint32
	buf   []byte
}

// NewCache wraps drv with one page of write-back cache.
func NewCache(drv Driver, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		drv: drv,
		log: log,
		buf: make([]byte, drv.PageSize()),
	}
}

func (c *Cache) PageSize() uint32  { return c.drv.PageSize() }
func (c *Cache) ErasedByte() byte  { return c.drv.ErasedByte() }
func (c *Cache) Driver() Driver    { return c.drv }

func (c *Cache) sameLine(ba, pa uint32) bool {
	return c.valid && c.ba == ba && c.pa == pa
}

// loadLine makes the cache hold (ba, pa), flushing any dirty line first.
func (c *Cache) loadLine(ba, pa uint32) error {
	if c.sameLine(ba, pa) {
		return nil
	}
	if err := c.Flush(); err != nil {
		return err
	}
	if err := c.drv.Read(ba, pa, 0, c.buf); err != nil {
		return status.Wrap(status.FlashRead, err)
	}
	c.ba, c.pa, c.valid, c.dirty = ba, pa, true, false
	return nil
}

// Read satisfies a read of size bytes at (ba, pa, off) from cache,
// refilling the cache line from the driver on a miss.
func (c *Cache) Read(ba, pa, off uint32, buf []byte) error {
	if err := c.loadLine(ba, pa); err != nil {
		return err
	}
	n := copy(buf, c.buf[off:])
	if n < len(buf) {
		return status.New(status.InternalRange, "short read past page bounds")
	}
	return nil
}

// Write updates the cache line (loading it first on a partial write) and
// marks it dirty. The proposed bytes must be programmable in place; a
// non-programmable write is a caller bug (the delta-page logic should
// have routed around it) and fails with NotProgrammable.
func (c *Cache) Write(ba, pa, off uint32, buf []byte) error {
	if !c.sameLine(ba, pa) {
		if err := c.loadLine(ba, pa); err != nil {
			return err
		}
	}
	candidate := make([]byte, len(buf))
	copy(candidate, buf)
	if !ProgrammableBuf(c.buf[off:off+uint32(len(buf))], candidate, c.ErasedByte()) {
		c.log.Warn("flash: non-programmable write rejected", zap.Uint32("block", ba), zap.Uint32("page", pa))
		return status.New(status.NotProgrammable, "write is not programmable in place; route through delta map")
	}
	copy(c.buf[off:], buf)
	c.dirty = true
	return nil
}

// Flush writes back the dirty cache line, if any.
func (c *Cache) Flush() error {
	if !c.valid || !c.dirty {
		return nil
	}
	if err := c.drv.Write(c.ba, c.pa, 0, c.buf); err != nil {
		return status.Wrap(status.FlashWrite, err)
	}
	c.dirty = false
	return nil
}

// Invalidate drops the cache line without flushing it. Used after an
// Erase of the cached block so stale bytes aren't trusted.
func (c *Cache) Invalidate() {
	c.valid = false
	c.dirty = false
}

// Erase erases block ba and invalidates the cache line if it pointed
// into that block.
func (c *Cache) Erase(ba uint32) error {
	if err := c.drv.Erase(ba); err != nil {
		return status.Wrap(status.FlashErase, err)
	}
	if c.valid && c.ba == ba {
		c.Invalidate()
	}
	return nil
}
