// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func build(bits ...uint32) Bitmap {
	b := New(128)
	for _, i := range bits {
		b.Add(i)
	}
	return b
}

func TestAddRemove(t *testing.T) {
	b := New(64)
	b.Add(3)
	b.Add(3)
	b.Add(200) // Grows.
	if got := b.GetNumOnes(); got != 2 {
		t.Fatalf("GetNumOnes() = %d, want 2", got)
	}
	if !b.Test(200) || b.Test(199) {
		t.Errorf("Test mismatch after growing: %v", b.ToSlice())
	}
	b.Remove(3)
	b.Remove(1000) // Out of range is a no-op.
	if diff := cmp.Diff([]uint32{200}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}
}

func TestFindNext(t *testing.T) {
	b := build(0, 1, 2, 64, 65, 100)
	for _, tc := range []struct {
		name       string
		start, end uint32
		zero       bool
		want       uint32
	}{
		{name: "first one", start: 0, end: 128, want: 0},
		{name: "one after run", start: 3, end: 128, want: 64},
		{name: "one bounded by end", start: 3, end: 64, want: 64},
		{name: "one at end of storage", start: 101, end: 500, want: 500},
		{name: "zero after run", start: 0, end: 128, zero: true, want: 3},
		{name: "zero across word", start: 64, end: 128, zero: true, want: 66},
		{name: "zero past storage", start: 127, end: 500, zero: true, want: 127},
		{name: "zero none", start: 0, end: 3, zero: true, want: 3},
		{name: "empty range", start: 10, end: 10, want: 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got uint32
			if tc.zero {
				got = b.FindNextZero(tc.start, tc.end)
			} else {
				got = b.FindNextOne(tc.start, tc.end)
			}
			if got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestUnionIntersect(t *testing.T) {
	a := build(1, 5, 70)
	b := New(0)
	b.Add(5)
	b.Add(300)

	u := a.Clone()
	u.Union(&b)
	if diff := cmp.Diff([]uint32{1, 5, 70, 300}, u.ToSlice()); diff != "" {
		t.Errorf("Union mismatch (-want +got):\n%s", diff)
	}
	if got := u.GetNumOnes(); got != 4 {
		t.Errorf("Union GetNumOnes() = %d, want 4", got)
	}

	i := a.Clone()
	i.Intersect(&b)
	if diff := cmp.Diff([]uint32{5}, i.ToSlice()); diff != "" {
		t.Errorf("Intersect mismatch (-want +got):\n%s", diff)
	}
}

func TestRanges(t *testing.T) {
	b := New(0)
	b.AddRange(60, 70)
	if got := b.GetNumOnes(); got != 10 {
		t.Fatalf("GetNumOnes() = %d, want 10", got)
	}
	b.ClearRange(62, 68)
	if diff := cmp.Diff([]uint32{60, 61, 68, 69}, b.ToSlice()); diff != "" {
		t.Errorf("ToSlice() mismatch (-want +got):\n%s", diff)
	}
}
