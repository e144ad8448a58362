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

package mm

import (
	"fmt"
	"math/bits"

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/physmem"
)

// DomID identifies a domain.
type DomID uint16

// Reserved domain identifiers.
const (
	DomIDIO      DomID = 0x7FF1
	DomIDXen     DomID = 0x7FF2
	DomIDCOW     DomID = 0x7FF3
	DomIDInvalid DomID = 0x7FF4
)

// String implements fmt.Stringer.String.
func (id DomID) String() string {
	switch id {
	case DomIDIO:
		return "dom_io"
	case DomIDXen:
		return "dom_xen"
	case DomIDCOW:
		return "dom_cow"
	case DomIDInvalid:
		return "dom_invalid"
	}
	return fmt.Sprintf("d%d", uint16(id))
}

// Domain is the part of a guest the memory core cares about.
type Domain struct {
	ID DomID

	// PV is set for paravirtualized guests. Other guests use hardware
	// assisted paging and are not walked here.
	PV bool

	// PV32 is set for 32-bit compatibility PV guests.
	PV32 bool

	// HypervisorCompatVirtStart is the start of the hypervisor hole in
	// a compat guest's address space, which begins with its M2P window.
	HypervisorCompatVirtStart uint32

	// PhysAddrBitsize limits the machine addresses of memory allocated
	// to the domain. Zero means no limit.
	PhysAddrBitsize uint
}

// compatVirtStart returns the start of the domain's compat M2P window.
func (d *Domain) compatVirtStart() uint32 {
	if d.HypervisorCompatVirtStart == 0 {
		return DefaultHypervisorCompatVirtStart
	}
	return d.HypervisorCompatVirtStart
}

// compatL2FirstSlot returns the index of the first L2 slot of the compat
// M2P window.
func (d *Domain) compatL2FirstSlot() int {
	return hostarch.Addr(d.compatVirtStart()).L2Offset()
}

// MachPhysCompatNrEntries returns the number of M2P entries a compat guest
// can see through its window.
func (d *Domain) MachPhysCompatNrEntries() uint64 {
	return uint64(MachPhysCompatVirtEnd-d.compatVirtStart()) >> 2
}

// VCPU is a virtual processor of a domain.
type VCPU struct {
	Domain *Domain
	ID     int

	// CPU is the physical processor the vCPU runs on.
	CPU int

	// GuestTable is the root of the guest's active page tables.
	GuestTable physmem.MFN

	// CR3 is the root loaded on the processor while the vCPU runs. For
	// compat guests it is the monitor table whose first slot points at
	// the guest's L3. Zero or InvalidMFN selects GuestTable.
	CR3 physmem.MFN
}

func (v *VCPU) cr3() physmem.MFN {
	if v.CR3 == 0 || v.CR3 == physmem.InvalidMFN {
		return v.GuestTable
	}
	return v.CR3
}

// NewDomain returns a domain whose compat window starts where boot placed
// the compat M2P table.
func (m *Machine) NewDomain(id DomID, pv, pv32 bool) *Domain {
	d := &Domain{ID: id, PV: pv || pv32, PV32: pv32}
	if pv32 {
		d.HypervisorCompatVirtStart = m.m2pCompatVStart
		m.DomainSetAllocBitsize(d)
	}
	return d
}

// DomainSetAllocBitsize limits allocations for a compat guest whose M2P
// window cannot describe every machine frame.
func (m *Machine) DomainSetAllocBitsize(d *Domain) {
	entries := d.MachPhysCompatNrEntries()
	if !d.PV32 || entries >= m.MaxPage() || d.PhysAddrBitsize > 0 {
		return
	}
	// 2^n entries fit in the window; 2^n frames span n+PageShift bits.
	d.PhysAddrBitsize = uint(bits.Len64(entries)-1) + hostarch.PageShift
}

// DomainClampAllocBitsize returns width limited by the domain's allocation
// width.
func DomainClampAllocBitsize(d *Domain, width uint) uint {
	if d == nil || d.PhysAddrBitsize == 0 {
		return width
	}
	return min(d.PhysAddrBitsize, width)
}
