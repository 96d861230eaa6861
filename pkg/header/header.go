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

// Package header implements the management-area header: the one record
// per generation naming every other management structure's root address,
// plus the authoritative-generation selection rule (spec §3).
package header

import (
	"encoding/binary"

	"pifs.dev/pifs/pkg/address"
	"pifs.dev/pifs/pkg/checksum"
	"pifs.dev/pifs/pkg/flash"
	"pifs.dev/pifs/pkg/status"
)

// Magic identifies a valid pifs header record.
const Magic uint32 = 0x50494653 // "PIFS"

// Version is the on-flash header layout version this package writes.
const Version uint16 = 1

// Header is one management generation's root record.
type Header struct {
	Magic   uint32
	Version uint16

	// Generation is the monotonic generation counter; among valid
	// headers across both management blocks, the higher Generation is
	// authoritative. Merge always produces a strictly greater value.
	Generation uint32

	EntryListAddr address.Address
	FSBMAddr      address.Address
	DeltaMapAddr  address.Address
	WearListAddr  address.Address

	// NextMgmtBlock names the block the next merge writes into (the
	// other management block). Format and merge write it together with
	// the rest of the header; no header is stored with it left erased.
	NextMgmtBlock uint32

	LeastWorn         []uint32
	LeastWornCounters []uint32
	MostWorn          []uint32
	MostWornCounters  []uint32
}

// addrSize is the encoded width of one address.Address (two uint32s).
const addrSize = 8

// Size returns the encoded byte length of a header with the given
// least/most-worn cache sizes N and M.
func Size(n, m int) int {
	// magic(4) version(2) generation(4) + 4 addresses(8 each) +
	// nextMgmtBlock(4) + N blocks(4)+N counters(4) + M blocks(4)+M counters(4) + checksum(4)
	return 4 + 2 + 4 + 4*addrSize + 4 + n*4 + n*4 + m*4 + m*4 + checksum.Size
}

func putAddr(buf []byte, a address.Address) {
	binary.LittleEndian.PutUint32(buf[0:4], a.Block)
	binary.LittleEndian.PutUint32(buf[4:8], a.Page)
}

func getAddr(buf []byte) address.Address {
	return address.Address{
		Block: binary.LittleEndian.Uint32(buf[0:4]),
		Page:  binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Encode serializes h (whose LeastWorn/MostWorn lists must already have
// length n and m respectively) to a checksummed byte buffer.
func Encode(h Header, n, m int) ([]byte, error) {
	if len(h.LeastWorn) != n || len(h.LeastWornCounters) != n || len(h.MostWorn) != m || len(h.MostWornCounters) != m {
		return nil, status.New(status.InternalRange, "header: least/most-worn cache length mismatch")
	}
	buf := make([]byte, Size(n, m))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], h.Magic)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], h.Version)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:], h.Generation)
	off += 4
	for _, a := range []address.Address{h.EntryListAddr, h.FSBMAddr, h.DeltaMapAddr, h.WearListAddr} {
		putAddr(buf[off:], a)
		off += addrSize
	}
	binary.LittleEndian.PutUint32(buf[off:], h.NextMgmtBlock)
	off += 4
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[off:], h.LeastWorn[i])
		off += 4
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[off:], h.LeastWornCounters[i])
		off += 4
	}
	for i := 0; i < m; i++ {
		binary.LittleEndian.PutUint32(buf[off:], h.MostWorn[i])
		off += 4
	}
	for i := 0; i < m; i++ {
		binary.LittleEndian.PutUint32(buf[off:], h.MostWornCounters[i])
		off += 4
	}
	checksum.Put(buf[off:], checksum.Sum(buf[:off]))
	return buf, nil
}

// Decode is Encode's inverse; it returns status.Checksum if the stored
// checksum doesn't match.
func Decode(buf []byte, n, m int) (Header, error) {
	if len(buf) != Size(n, m) {
		return Header{}, status.New(status.InternalRange, "header: buffer size mismatch")
	}
	body := buf[:len(buf)-checksum.Size]
	want := checksum.Get(buf[len(buf)-checksum.Size:])
	if checksum.Sum(body) != want {
		return Header{}, status.New(status.Checksum, "header checksum mismatch")
	}
	var h Header
	off := 0
	h.Magic = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Version = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.Generation = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	addrs := make([]address.Address, 4)
	for i := range addrs {
		addrs[i] = getAddr(buf[off:])
		off += addrSize
	}
	h.EntryListAddr, h.FSBMAddr, h.DeltaMapAddr, h.WearListAddr = addrs[0], addrs[1], addrs[2], addrs[3]
	h.NextMgmtBlock = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.LeastWorn = make([]uint32, n)
	for i := 0; i < n; i++ {
		h.LeastWorn[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	h.LeastWornCounters = make([]uint32, n)
	for i := 0; i < n; i++ {
		h.LeastWornCounters[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	h.MostWorn = make([]uint32, m)
	for i := 0; i < m; i++ {
		h.MostWorn[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	h.MostWornCounters = make([]uint32, m)
	for i := 0; i < m; i++ {
		h.MostWornCounters[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	if h.Magic != Magic {
		return Header{}, status.New(status.NotInitialized, "header: bad magic")
	}
	return h, nil
}

// Read decodes a header from addr via cache.
func Read(cache *flash.Cache, addr address.Address, n, m int) (Header, error) {
	buf := make([]byte, Size(n, m))
	if err := cache.Read(addr.Block, addr.Page, 0, buf); err != nil {
		return Header{}, err
	}
	if flash.IsErased(buf, cache.ErasedByte()) {
		return Header{}, status.New(status.NotInitialized, "header: page is erased")
	}
	return Decode(buf, n, m)
}

// Write encodes and writes h to addr via cache.
func Write(cache *flash.Cache, addr address.Address, h Header, n, m int) error {
	buf, err := Encode(h, n, m)
	if err != nil {
		return err
	}
	return cache.Write(addr.Block, addr.Page, 0, buf)
}

// SelectAuthoritative picks the authoritative generation between two
// candidate headers, each of which may be absent/invalid (ok=false).
// Ties are impossible by construction (merge always produces a strictly
// greater counter); if both are invalid, the filesystem is
// uninitialized.
func SelectAuthoritative(a Header, okA bool, b Header, okB bool) (Header, int, error) {
	switch {
	case okA && okB:
		if a.Generation == b.Generation {
			return Header{}, -1, status.New(status.InternalRange, "header: impossible generation tie")
		}
		if a.Generation > b.Generation {
			return a, 0, nil
		}
		return b, 1, nil
	case okA:
		return a, 0, nil
	case okB:
		return b, 1, nil
	default:
		return Header{}, -1, status.New(status.NotInitialized, "header: no valid header in either management block")
	}
}
