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

// Package merge holds the pure, host-agnostic helpers the management
// area merge (garbage collection) uses: coalescing a file's scattered
// data pages back into the longest possible contiguous runs, and
// selecting static wear-leveling migration candidates. The stateful,
// 13-phase merge orchestration itself lives in pkg/pifs, which is the
// only package that knows how to read and rewrite the management area;
// this package is deliberately kept free of any flash/cache dependency,
// mirroring how the teacher's pkg/gc.Collector takes its storage
// interfaces as parameters instead of importing a concrete blobserver
// implementation.
package merge

import "sort"

// Addr is the minimal (block, page) pair this package operates on,
// decoupled from pkg/address so merge has zero flash-layer imports.
type Addr struct {
	Block, Page uint32
}

// Run is a contiguous range of pages starting at Addr, Count pages long.
type Run struct {
	Addr  Addr
	Count uint32
}

// CoalesceRuns takes an ordered list of logical-page addresses (the
// per-page expansion of a file's map, already resolved through any
// delta indirection) and returns the minimal list of contiguous runs
// describing the same pages in the same order. Rewriting a file's map
// during merge with coalesced runs is what lets fragmented-by-delta
// files shrink back to a handful of map entries (spec §4.8 step "rebuild
// file maps").
func CoalesceRuns(pages []Addr) []Run {
	var runs []Run
	for _, p := range pages {
		if n := len(runs); n > 0 {
			last := runs[n-1]
			if last.Addr.Block == p.Block && last.Addr.Page+last.Count == p.Page {
				runs[n-1].Count++
				continue
			}
		}
		runs = append(runs, Run{Addr: p, Count: 1})
	}
	return runs
}

// WearCount pairs a block with its current wear count.
type WearCount struct {
	Block uint32
	Wear  uint32
}

// SelectStaticWearCandidates returns the blocks in counts whose wear
// exceeds limit, ordered from most-worn to least-worn — the set static
// wear leveling should consider migrating live data off of next (spec
// §4.9).
func SelectStaticWearCandidates(counts []WearCount, limit uint32) []uint32 {
	var over []WearCount
	for _, c := range counts {
		if c.Wear > limit {
			over = append(over, c)
		}
	}
	sort.Slice(over, func(i, j int) bool { return over[i].Wear > over[j].Wear })
	out := make([]uint32, len(over))
	for i, c := range over {
		out[i] = c.Block
	}
	return out
}
