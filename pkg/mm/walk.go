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

// readGuestEntry returns entry index of the guest table at mfn. The table
// is mapped only for the read. Unpopulated tables read as empty.
func (m *Machine) readGuestEntry(mfn physmem.MFN, index int) pagetables.PTE {
	if !m.mem.Valid(mfn) {
		return 0
	}
	mp := m.mem.Map(mfn)
	defer mp.Release()
	return pagetables.PTE(mp.ReadUint64(uint64(index) * 8))
}

// PageWalk resolves addr through the page tables of PV vCPU v and returns
// a mapping of the byte it translates to. The caller must release the
// mapping.
func (m *Machine) PageWalk(v *VCPU, addr uint64) (*physmem.Mapping, bool) {
	va := hostarch.Addr(addr)
	if !v.Domain.PV || !va.IsCanonical() {
		return nil, false
	}

	l4e := m.readGuestEntry(v.GuestTable, va.L4Offset())
	if !l4e.Valid() {
		return nil, false
	}

	l3e := m.readGuestEntry(l4e.MFN(), va.L3Offset())
	mfn := l3e.MFN()
	if !l3e.Valid() || !m.MFNValid(mfn) {
		return nil, false
	}
	if l3e.IsSuper() {
		mfn = mfn.Add(hostarch.PFNDown(addr & (hostarch.SuperPageSize - 1)))
		return m.mapFinal(mfn, va)
	}

	l2e := m.readGuestEntry(mfn, va.L2Offset())
	mfn = l2e.MFN()
	if !l2e.Valid() || !m.MFNValid(mfn) {
		return nil, false
	}
	if l2e.IsSuper() {
		mfn = mfn.Add(hostarch.PFNDown(addr & (hostarch.HugePageSize - 1)))
		return m.mapFinal(mfn, va)
	}

	l1e := m.readGuestEntry(mfn, va.L1Offset())
	mfn = l1e.MFN()
	if !l1e.Valid() || !m.MFNValid(mfn) {
		return nil, false
	}
	return m.mapFinal(mfn, va)
}

func (m *Machine) mapFinal(mfn physmem.MFN, va hostarch.Addr) (*physmem.Mapping, bool) {
	if !m.mem.Valid(mfn) {
		return nil, false
	}
	return m.mem.MapAddr(mfn.Addr() + va.PageOffset()), true
}
