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

package address

import (
	"testing"

	"pifs.dev/pifs/pkg/status"
)

func TestLinearFromLinearRoundTrip(t *testing.T) {
	g := Geometry{BlockCount: 4, PagesPerBlock: 16}
	for _, a := range []Address{{0, 0}, {0, 15}, {1, 0}, {3, 15}} {
		n := g.Linear(a)
		got := g.FromLinear(n)
		if got != a {
			t.Errorf("FromLinear(Linear(%v)) = %v, want %v", a, got, a)
		}
	}
}

func TestAddCarriesAcrossBlocks(t *testing.T) {
	g := Geometry{BlockCount: 2, PagesPerBlock: 8}
	got, err := g.Add(Address{Block: 0, Page: 6}, 3)
	if err != nil {
		t.Fatalf("Add = %v", err)
	}
	want := Address{Block: 1, Page: 1}
	if got != want {
		t.Errorf("Add = %v, want %v", got, want)
	}
}

func TestAddOverflowsOutOfRange(t *testing.T) {
	g := Geometry{BlockCount: 1, PagesPerBlock: 4}
	if _, err := g.Add(Address{Block: 0, Page: 3}, 1); !status.Is(err, status.OutOfRange) {
		t.Errorf("Add past the last page = %v, want status.OutOfRange", err)
	}
}

func TestIncIsAddOne(t *testing.T) {
	g := Geometry{BlockCount: 2, PagesPerBlock: 4}
	got, err := g.Inc(Address{Block: 0, Page: 3})
	if err != nil {
		t.Fatalf("Inc = %v", err)
	}
	if got != (Address{Block: 1, Page: 0}) {
		t.Errorf("Inc = %v, want {1 0}", got)
	}
}

func TestLess(t *testing.T) {
	cases := []struct {
		a, b Address
		want bool
	}{
		{Address{0, 5}, Address{1, 0}, true},
		{Address{1, 0}, Address{0, 5}, false},
		{Address{2, 3}, Address{2, 4}, true},
		{Address{2, 4}, Address{2, 4}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%v.Less(%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSameBlock(t *testing.T) {
	g := Geometry{BlockCount: 1, PagesPerBlock: 8}
	if !g.SameBlock(Address{Block: 0, Page: 2}, 6) {
		t.Error("SameBlock(page 2, count 6) = false, want true (2..7 fits in an 8-page block)")
	}
	if g.SameBlock(Address{Block: 0, Page: 2}, 7) {
		t.Error("SameBlock(page 2, count 7) = true, want false (2..8 overruns an 8-page block)")
	}
}

func TestValidate(t *testing.T) {
	g := Geometry{BlockCount: 2, PagesPerBlock: 4}
	if err := g.Validate(Address{Block: 1, Page: 3}); err != nil {
		t.Errorf("Validate(in range) = %v, want nil", err)
	}
	if err := g.Validate(Address{Block: 2, Page: 0}); !status.Is(err, status.InternalRange) {
		t.Errorf("Validate(block out of range) = %v, want status.InternalRange", err)
	}
	if err := g.Validate(Address{Block: 0, Page: 4}); !status.Is(err, status.InternalRange) {
		t.Errorf("Validate(page out of range) = %v, want status.InternalRange", err)
	}
}

func TestInvalidSentinel(t *testing.T) {
	if Invalid.IsValid() {
		t.Error("Invalid.IsValid() = true, want false")
	}
	if !(Address{Block: 0, Page: 0}).IsValid() {
		t.Error("{0,0}.IsValid() = false, want true")
	}
}
