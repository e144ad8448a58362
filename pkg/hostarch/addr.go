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

import "fmt"

// Addr represents a virtual address.
type Addr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// HugeRoundDown returns the address rounded down to the nearest 2 MiB
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v & ^Addr(HugePageSize-1)
}

// SuperRoundDown returns the address rounded down to the nearest 1 GiB
// boundary.
func (v Addr) SuperRoundDown() Addr {
	return v & ^Addr(SuperPageSize-1)
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to v and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// IsCanonical returns true if bits 63 through VAddrBits-1 all equal bit
// VAddrBits-1.
func (v Addr) IsCanonical() bool {
	top := int64(v) >> (VAddrBits - 1)
	return top == 0 || top == -1
}

// L1Offset returns the index of v in its L1 table.
func (v Addr) L1Offset() int {
	return int((v >> L1PagetableShift) & (PagetableEntries - 1))
}

// L2Offset returns the index of v in its L2 table.
func (v Addr) L2Offset() int {
	return int((v >> L2PagetableShift) & (PagetableEntries - 1))
}

// L3Offset returns the index of v in its L3 table.
func (v Addr) L3Offset() int {
	return int((v >> L3PagetableShift) & (PagetableEntries - 1))
}

// L4Offset returns the index of v in the root table.
func (v Addr) L4Offset() int {
	return int((v >> L4PagetableShift) & (PagetableEntries - 1))
}

// Offset returns the index of v in a table of the given level (1-4).
func (v Addr) Offset(level int) int {
	return int((v >> (PageShift + PagetableOrder*uint(level-1))) & (PagetableEntries - 1))
}

// LevelShift returns the shift of the address span covered by one entry of
// a table at the given level.
func LevelShift(level int) uint {
	return PageShift + PagetableOrder*uint(level-1)
}

// Canonicalize sign-extends bit VAddrBits-1 of v.
func Canonicalize(v uint64) Addr {
	return Addr(int64(v<<(64-VAddrBits)) >> (64 - VAddrBits))
}
