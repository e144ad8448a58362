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
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/pagetables"
	"gvisor.dev/hvmm/pkg/physmem"
)

// FaultResult is the outcome of a fault handler.
type FaultResult int

const (
	// FaultNotHandled means the fault must be handled elsewhere.
	FaultNotHandled FaultResult = iota

	// FaultFixed means the faulting access can be retried.
	FaultFixed
)

// String implements fmt.Stringer.String.
func (r FaultResult) String() string {
	if r == FaultFixed {
		return "fixed"
	}
	return "not handled"
}

// inCompatM2PWindow returns true if addr lies in d's compat M2P window.
func inCompatM2PWindow(d *Domain, addr uint64) bool {
	return addr >= uint64(d.compatVirtStart()) && addr < MachPhysCompatVirtEnd
}

// PagefaultByMemadd returns true if a fault at addr may have been caused by
// a compat M2P extension the guest has not seen yet.
func (m *Machine) PagefaultByMemadd(v *VCPU, addr uint64, guestMode bool) bool {
	return m.memHotplug != 0 && guestMode && v.Domain.PV32 && inCompatM2PWindow(v.Domain, addr)
}

// HandleMemaddFault fixes a fault on the compat M2P window of v's domain by
// copying the missing L2 entry from the hypervisor's compat M2P directory.
func (m *Machine) HandleMemaddFault(v *VCPU, addr uint64) FaultResult {
	d := v.Domain
	if !d.PV32 || !inCompatM2PWindow(d, addr) || !m.pv32 {
		m.metrics.faultDeclined.Increment()
		return FaultNotHandled
	}
	va := hostarch.Addr(addr)

	l4 := m.mem.Map(v.cr3())
	l4e := pagetables.PTE(l4.ReadUint64(0))
	l4.Release()
	if !l4e.Valid() {
		return m.declineFault(v, addr, "L4")
	}

	l3 := m.mem.Map(l4e.MFN())
	l3e := pagetables.PTE(l3.ReadUint64(compatM2PL3Slot * 8))
	l3.Release()
	if !l3e.Valid() {
		return m.declineFault(v, addr, "L3")
	}

	l2 := m.mem.Map(l3e.MFN())
	defer l2.Release()
	slot := va.L2Offset()
	if pagetables.PTE(l2.ReadUint64(uint64(slot)*8)).Valid() {
		return m.declineFault(v, addr, "L2 already present")
	}
	idle := pagetables.ReadEntry(m.mem, m.compatIdleL2, slot-d.compatL2FirstSlot())
	if !idle.Valid() {
		return m.declineFault(v, addr, "compat M2P not present")
	}
	l2.WriteUint64(uint64(slot)*8, uint64(idle))

	m.metrics.faultFixups.Increment()
	m.faultLog.Infof("%v v%d: compat M2P fault at %#x fixed, L2 slot %d -> %v", d.ID, v.ID, addr, slot, idle.MFN())
	return FaultFixed
}

func (m *Machine) declineFault(v *VCPU, addr uint64, why string) FaultResult {
	m.metrics.faultDeclined.Increment()
	m.faultLog.Debugf("%v v%d: compat M2P fault at %#x not handled: %s", v.Domain.ID, v.ID, addr, why)
	return FaultNotHandled
}

// SetupCompatL2 copies the compat M2P directory entries into l2, the L2
// table of a new compat guest covering its top gigabyte.
func (m *Machine) SetupCompatL2(d *Domain, l2 physmem.MFN) {
	if !m.pv32 {
		return
	}
	first := d.compatL2FirstSlot()
	for slot := first; slot < hostarch.PagetableEntries; slot++ {
		pagetables.WriteEntry(m.mem, l2, slot, pagetables.ReadEntry(m.mem, m.compatIdleL2, slot-first))
	}
}
