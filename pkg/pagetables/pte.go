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

package pagetables

import (
	"fmt"
	"strings"

	"gvisor.dev/hvmm/pkg/physmem"
)

// PTE is a page table entry.
type PTE uint64

// Entry flags.
const (
	Present  PTE = 1 << 0
	Writable PTE = 1 << 1
	User     PTE = 1 << 2
	Accessed PTE = 1 << 5
	Dirty    PTE = 1 << 6
	Super    PTE = 1 << 7
	Global   PTE = 1 << 8
	NX       PTE = 1 << 63

	addrMask PTE = 0x000ffffffffff000
	flagMask     = ^addrMask
)

// Common flag sets for hypervisor mappings.
const (
	HypervisorRW = Present | Writable | Accessed | Dirty | NX
	HypervisorRO = Present | Accessed | NX
	TableFlags   = Present | Writable | Accessed | Dirty
)

// NewPTE returns an entry pointing at mfn with the given flags.
func NewPTE(mfn physmem.MFN, flags PTE) PTE {
	return PTE(mfn.Addr())&addrMask | flags&flagMask
}

// Valid returns true if the entry is present.
func (p PTE) Valid() bool {
	return p&Present != 0
}

// IsSuper returns true if the entry maps a superpage. It is only meaningful
// for L2 and L3 entries.
func (p PTE) IsSuper() bool {
	return p&Super != 0
}

// MFN returns the frame the entry points at.
func (p PTE) MFN() physmem.MFN {
	return physmem.AddrToMFN(uint64(p & addrMask))
}

// Flags returns the flag bits of the entry.
func (p PTE) Flags() PTE {
	return p & flagMask
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if p == 0 {
		return "empty"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%v", p.MFN())
	for _, f := range []struct {
		bit  PTE
		name string
	}{
		{Present, "P"},
		{Writable, "RW"},
		{User, "U"},
		{Super, "PSE"},
		{Global, "G"},
		{NX, "NX"},
	} {
		if p&f.bit != 0 {
			b.WriteString("|")
			b.WriteString(f.name)
		}
	}
	return b.String()
}

// ReadEntry reads entry index of the table in frame table.
func ReadEntry(mem *physmem.Memory, table physmem.MFN, index int) PTE {
	mp := mem.Map(table)
	defer mp.Release()
	return PTE(mp.ReadUint64(uint64(index) * 8))
}

// WriteEntry writes entry index of the table in frame table.
func WriteEntry(mem *physmem.Memory, table physmem.MFN, index int, e PTE) {
	mp := mem.Map(table)
	defer mp.Release()
	mp.WriteUint64(uint64(index)*8, uint64(e))
}
