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

// Package checksum wraps a fixed-width checksum over record bytes. Per
// spec §1, the exact polynomial is out of scope: this package treats it
// as an opaque function, defaulting to the standard library's CRC-32
// (IEEE) the way the teacher treats content hashes as pluggable behind a
// narrow interface (pkg/blob's digestType).
package checksum

import (
	"encoding/binary"
	"hash/crc32"
)

// Value is the fixed-width checksum stored at the end of every record.
type Value uint32

// Erased is the value a checksum field reads as when the record has
// never been written with the usual 0xFF erased byte (four erased
// bytes decode, little-endian, to this value).
const Erased Value = 0xFFFFFFFF

// Func computes a checksum over b. It is swappable for tests that want a
// weaker/faster function, but production code uses Sum.
type Func func(b []byte) Value

// Sum is the default checksum function: CRC-32 (IEEE polynomial).
func Sum(b []byte) Value {
	return Value(crc32.ChecksumIEEE(b))
}

// Verify recomputes the checksum over data and compares it to want.
func Verify(data []byte, want Value) bool {
	return Sum(data) == want
}

// Size is the on-flash width of a checksum field, in bytes.
const Size = 4

// Put encodes v into b[:Size] (little-endian, see DESIGN.md's Open
// Question decision on endianness).
func Put(b []byte, v Value) {
	binary.LittleEndian.PutUint32(b, uint32(v))
}

// Get decodes a checksum from b[:Size].
func Get(b []byte) Value {
	return Value(binary.LittleEndian.Uint32(b))
}
