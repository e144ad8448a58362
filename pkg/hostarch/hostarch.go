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

// Package hostarch describes the x86-64 paging geometry used by the
// hypervisor and its paravirtualized guests.
package hostarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a base page.
	PageMask = PageSize - 1

	// PagetableOrder is the binary log of the number of entries in a
	// single page table.
	PagetableOrder = 9

	// PagetableEntries is the number of entries in a single page table.
	PagetableEntries = 1 << PagetableOrder

	// L1PagetableShift through L4PagetableShift are the shifts that select
	// the index into the table of each level.
	L1PagetableShift = PageShift
	L2PagetableShift = L1PagetableShift + PagetableOrder
	L3PagetableShift = L2PagetableShift + PagetableOrder
	L4PagetableShift = L3PagetableShift + PagetableOrder

	// HugePageShift is the binary log of an L2 superpage (2 MiB).
	HugePageShift = L2PagetableShift

	// HugePageSize is the size of an L2 superpage.
	HugePageSize = 1 << HugePageShift

	// SuperPageShift is the binary log of an L3 superpage (1 GiB).
	SuperPageShift = L3PagetableShift

	// SuperPageSize is the size of an L3 superpage.
	SuperPageSize = 1 << SuperPageShift

	// L4EntryBytes is the span of address space covered by one root entry.
	L4EntryBytes = 1 << L4PagetableShift

	// PagesPerHugePage and PagesPerSuperPage are frame counts of the two
	// superpage sizes.
	PagesPerHugePage  = 1 << (HugePageShift - PageShift)
	PagesPerSuperPage = 1 << (SuperPageShift - PageShift)

	// VAddrBits is the number of implemented virtual address bits with
	// four-level paging.
	VAddrBits = 48

	// PAddrBits is the architectural limit of physical address bits.
	PAddrBits = 52
)

// PFNUp returns the number of frames needed to hold n bytes.
func PFNUp(n uint64) uint64 {
	return (n + PageSize - 1) >> PageShift
}

// PFNDown returns the frame containing byte offset n.
func PFNDown(n uint64) uint64 {
	return n >> PageShift
}
