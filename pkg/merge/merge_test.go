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

package merge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var coalesceTests = []struct {
	name  string
	pages []Addr
	want  []Run
}{
	{
		name:  "empty",
		pages: nil,
		want:  nil,
	},
	{
		name:  "single page",
		pages: []Addr{{Block: 3, Page: 5}},
		want:  []Run{{Addr: Addr{Block: 3, Page: 5}, Count: 1}},
	},
	{
		name:  "one contiguous run",
		pages: []Addr{{Block: 3, Page: 5}, {Block: 3, Page: 6}, {Block: 3, Page: 7}},
		want:  []Run{{Addr: Addr{Block: 3, Page: 5}, Count: 3}},
	},
	{
		name:  "gap within a block breaks the run",
		pages: []Addr{{Block: 3, Page: 5}, {Block: 3, Page: 6}, {Block: 3, Page: 9}},
		want: []Run{
			{Addr: Addr{Block: 3, Page: 5}, Count: 2},
			{Addr: Addr{Block: 3, Page: 9}, Count: 1},
		},
	},
	{
		name:  "crossing a block boundary never coalesces, even at adjoining page numbers",
		pages: []Addr{{Block: 3, Page: 254}, {Block: 3, Page: 255}, {Block: 4, Page: 0}},
		want: []Run{
			{Addr: Addr{Block: 3, Page: 254}, Count: 2},
			{Addr: Addr{Block: 4, Page: 0}, Count: 1},
		},
	},
	{
		name:  "out of order input never coalesces backward",
		pages: []Addr{{Block: 3, Page: 7}, {Block: 3, Page: 5}, {Block: 3, Page: 6}},
		want: []Run{
			{Addr: Addr{Block: 3, Page: 7}, Count: 1},
			{Addr: Addr{Block: 3, Page: 5}, Count: 1},
			{Addr: Addr{Block: 3, Page: 6}, Count: 1},
		},
	},
}

func TestCoalesceRuns(t *testing.T) {
	for _, tt := range coalesceTests {
		t.Run(tt.name, func(t *testing.T) {
			got := CoalesceRuns(tt.pages)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("CoalesceRuns(%v) mismatch (-want +got):\n%s", tt.pages, diff)
			}
		})
	}
}

var staticWearTests = []struct {
	name   string
	counts []WearCount
	limit  uint32
	want   []uint32
}{
	{
		name:   "nothing exceeds the limit",
		counts: []WearCount{{Block: 1, Wear: 10}, {Block: 2, Wear: 20}},
		limit:  50,
		want:   nil,
	},
	{
		name:   "most-worn first",
		counts: []WearCount{{Block: 1, Wear: 100}, {Block: 2, Wear: 300}, {Block: 3, Wear: 200}},
		limit:  50,
		want:   []uint32{2, 3, 1},
	},
	{
		name:   "exactly at the limit does not count as over",
		counts: []WearCount{{Block: 1, Wear: 50}},
		limit:  50,
		want:   nil,
	},
}

func TestSelectStaticWearCandidates(t *testing.T) {
	for _, tt := range staticWearTests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectStaticWearCandidates(tt.counts, tt.limit)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("SelectStaticWearCandidates(%v, %d) mismatch (-want +got):\n%s", tt.counts, tt.limit, diff)
			}
		})
	}
}
