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

package hostarch

import "testing"

func TestIsCanonical(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want bool
	}{
		{0, true},
		{0x00007fffffffffff, true},
		{0x0000800000000000, false},
		{0xffff7fffffffffff, false},
		{0xffff800000000000, true},
		{0xffffffffffffffff, true},
	} {
		if got := tc.addr.IsCanonical(); got != tc.want {
			t.Errorf("%v.IsCanonical() = %t, want %t", tc.addr, got, tc.want)
		}
	}
}

func TestOffsets(t *testing.T) {
	v := Addr(0xffff82c000000000 + 3<<L2PagetableShift + 7<<L1PagetableShift + 0x123)
	if got, want := v.L4Offset(), 261; got != want {
		t.Errorf("L4Offset = %d, want %d", got, want)
	}
	if got, want := v.L3Offset(), 256; got != want {
		t.Errorf("L3Offset = %d, want %d", got, want)
	}
	if got, want := v.L2Offset(), 3; got != want {
		t.Errorf("L2Offset = %d, want %d", got, want)
	}
	if got, want := v.L1Offset(), 7; got != want {
		t.Errorf("L1Offset = %d, want %d", got, want)
	}
	for level := 1; level <= 4; level++ {
		if v.Offset(level) != []int{v.L1Offset(), v.L2Offset(), v.L3Offset(), v.L4Offset()}[level-1] {
			t.Errorf("Offset(%d) disagrees with the named accessor", level)
		}
	}
	if got, want := v.PageOffset(), uint64(0x123); got != want {
		t.Errorf("PageOffset = %#x, want %#x", got, want)
	}
}

func TestCanonicalize(t *testing.T) {
	if got, want := Canonicalize(0x0000800000000000), Addr(0xffff800000000000); got != want {
		t.Errorf("Canonicalize = %v, want %v", got, want)
	}
	if got, want := Canonicalize(0x1000), Addr(0x1000); got != want {
		t.Errorf("Canonicalize = %v, want %v", got, want)
	}
}
