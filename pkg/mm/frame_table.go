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
	"bytes"
	"fmt"

	"gvisor.dev/hvmm/pkg/errors/linuxerr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/pagetables"
	"gvisor.dev/hvmm/pkg/physmem"
)

// PageInfoSize is the size of a frame table entry.
const PageInfoSize = 32

// CountInfo bits.
const (
	PGCAllocated uint64 = 1 << 63
	PGCXenHeap   uint64 = 1 << 62

	pgcStateShift        = 59
	PGCStateMask  uint64 = 3 << pgcStateShift

	PGCCountMask uint64 = 1<<32 - 1
)

// TypeInfo bits.
const (
	PGTTypeMask      uint64 = 7 << 61
	PGTNone          uint64 = 0
	PGTWritablePage  uint64 = 7 << 61
	PGTValidated     uint64 = 1 << 60
	PGTCountMask     uint64 = 1<<32 - 1
	pageOwnerPresent uint32 = 1 << 31
)

// PageState is the allocation state of a frame.
type PageState int

// Frame states.
const (
	StateInUse PageState = iota
	StateOfflining
	StateOffline
	StateFree
)

// String implements fmt.Stringer.String.
func (s PageState) String() string {
	switch s {
	case StateInUse:
		return "inuse"
	case StateOfflining:
		return "offlining"
	case StateOffline:
		return "offlined"
	case StateFree:
		return "free"
	}
	return fmt.Sprintf("PageState(%d)", int(s))
}

// PageInfo is the frame table entry of a frame.
type PageInfo struct {
	CountInfo uint64
	TypeInfo  uint64
	owner     uint32
}

// Owner returns the owning domain, if any.
func (p PageInfo) Owner() (DomID, bool) {
	if p.owner&pageOwnerPresent == 0 {
		return 0, false
	}
	return DomID(p.owner), true
}

// SetOwner sets the owning domain.
func (p *PageInfo) SetOwner(id DomID) {
	p.owner = pageOwnerPresent | uint32(id)
}

// State returns the state recorded in CountInfo.
func (p PageInfo) State() PageState {
	return PageState((p.CountInfo & PGCStateMask) >> pgcStateShift)
}

// String implements fmt.Stringer.String.
func (p PageInfo) String() string {
	owner := "none"
	if id, ok := p.Owner(); ok {
		owner = id.String()
	}
	return fmt.Sprintf("count_info=%#x type_info=%#x owner=%s", p.CountInfo, p.TypeInfo, owner)
}

func (m *Machine) frameTableVA(mfn physmem.MFN) hostarch.Addr {
	return FrameTableVirtStart + hostarch.Addr(m.pdx.pfnToPDX(uint64(mfn))*PageInfoSize)
}

// MFNValid returns true if mfn has frame table backing.
func (m *Machine) MFNValid(mfn physmem.MFN) bool {
	if uint64(mfn) >= m.MaxPage() || !m.pdx.compressible(uint64(mfn), 1) {
		return false
	}
	m.pdxMu.RLock()
	defer m.pdxMu.RUnlock()
	return m.pdxGroupValid.Test(uint32(m.pdx.pfnToPDX(uint64(mfn)) / PDXGroupCount))
}

// PageInfo returns the frame table entry of mfn.
func (m *Machine) PageInfo(mfn physmem.MFN) (PageInfo, bool) {
	if !m.MFNValid(mfn) {
		return PageInfo{}, false
	}
	return m.readPageInfo(mfn), true
}

func (m *Machine) readPageInfo(mfn physmem.MFN) PageInfo {
	va := m.frameTableVA(mfn)
	return PageInfo{
		CountInfo: m.tlb.ReadUint64(hypervisorCPU, va),
		TypeInfo:  m.tlb.ReadUint64(hypervisorCPU, va+8),
		owner:     m.tlb.ReadUint32(hypervisorCPU, va+16),
	}
}

func (m *Machine) writePageInfo(mfn physmem.MFN, p PageInfo) {
	va := m.frameTableVA(mfn)
	m.tlb.WriteUint64(hypervisorCPU, va, p.CountInfo)
	m.tlb.WriteUint64(hypervisorCPU, va+8, p.TypeInfo)
	m.tlb.WriteUint32(hypervisorCPU, va+16, p.owner)
}

// PageState returns the allocation state of mfn. Frames held by the heap
// are free regardless of their frame table entry.
func (m *Machine) PageState(mfn physmem.MFN) (PageState, bool) {
	if !m.MFNValid(mfn) {
		return 0, false
	}
	if m.heap.IsFree(mfn) {
		return StateFree, true
	}
	return m.readPageInfo(mfn).State(), true
}

// SetPageOwner assigns mfn to domain id.
func (m *Machine) SetPageOwner(mfn physmem.MFN, id DomID) error {
	if !m.MFNValid(mfn) {
		return fmt.Errorf("assigning %v to %v: %w", mfn, id, linuxerr.EINVAL)
	}
	p := m.readPageInfo(mfn)
	p.SetOwner(id)
	p.CountInfo |= PGCAllocated
	m.writePageInfo(mfn, p)
	return nil
}

// sharePrivileged makes mfn readable by privileged guests by giving it to
// the hypervisor's pseudo-domain as a read-only page.
func (m *Machine) sharePrivileged(mfn physmem.MFN) {
	p := m.readPageInfo(mfn)
	p.TypeInfo = PGTNone | PGTValidated | 1
	p.SetOwner(DomIDXen)
	p.CountInfo = (p.CountInfo &^ PGCCountMask) | PGCAllocated | 1
	m.writePageInfo(mfn, p)
}

// fillHypervisor sets every mapped byte of [start, end) in the hypervisor's
// address space to value. Unmapped pages are skipped.
func (m *Machine) fillHypervisor(start, end hostarch.Addr, value byte) {
	for va := start; va < end; {
		tr, ok := m.idle.Lookup(va)
		if !ok {
			va = va.RoundDown() + hostarch.PageSize
			continue
		}
		leaf := hostarch.Addr(1) << hostarch.LevelShift(tr.Level)
		segEnd := min((va&^(leaf-1))+leaf, end)
		m.fillPhys(tr.PAddr, uint64(segEnd-va), value)
		va = segEnd
	}
}

// fillPhys sets n bytes of machine memory starting at paddr to value.
func (m *Machine) fillPhys(paddr, n uint64, value byte) {
	if head := min(n, roundUp(paddr, hostarch.PageSize)-paddr); head > 0 {
		m.mem.Write(paddr, bytes.Repeat([]byte{value}, int(head)))
		paddr += head
		n -= head
	}
	if frames := n >> hostarch.PageShift; frames > 0 {
		m.mem.Fill(physmem.AddrToMFN(paddr), frames, value)
		paddr += frames << hostarch.PageShift
		n -= frames << hostarch.PageShift
	}
	if n > 0 {
		m.mem.Write(paddr, bytes.Repeat([]byte{value}, int(n)))
	}
}

// frameTableChunkVA returns the address of the frame table chunk holding
// pdx group idx.
func frameTableChunkVA(idx uint32) hostarch.Addr {
	return FrameTableVirtStart + hostarch.Addr(idx)*hostarch.HugePageSize
}

// initFrameTable backs the frame table for every valid pdx group with
// zeroed heap memory.
func (m *Machine) initFrameTable() error {
	m.pdxMu.RLock()
	groups := m.pdxGroupValid.ToSlice()
	m.pdxMu.RUnlock()
	for _, idx := range groups {
		node := int(m.numa.NodeOf(physmem.MFN(m.pdx.pdxToPFN(uint64(idx) * PDXGroupCount))))
		mfn, err := m.heap.Alloc(hostarch.PagetableOrder, node)
		if err != nil {
			return fmt.Errorf("allocating frame table for pdx group %d: %w", idx, err)
		}
		m.mem.Zero(mfn, hostarch.PagesPerHugePage)
		if err := m.idle.MapPages(frameTableChunkVA(idx), mfn, hostarch.PagesPerHugePage, pagetables.HypervisorRW); err != nil {
			return fmt.Errorf("mapping frame table for pdx group %d: %w", idx, err)
		}
	}
	log.Debugf("Frame table: %d pdx groups backed", len(groups))
	return nil
}

// extendFrameTable backs the frame table for the pdx groups of info that
// have no backing yet, using frames from info, and clears the entries of
// the new range.
func (m *Machine) extendFrameTable(info *hotaddInfo) error {
	eidx := uint32((m.pdx.pfnToPDX(uint64(info.epfn)) + PDXGroupCount - 1) / PDXGroupCount)
	cidx := uint32(m.pdx.pfnToPDX(uint64(info.spfn)) / PDXGroupCount)

	m.pdxMu.RLock()
	valid := m.pdxGroupValid.Clone()
	m.pdxMu.RUnlock()

	if valid.Test(cidx) {
		cidx = valid.FindNextZero(cidx, eidx)
	}
	for cidx < eidx {
		nidx := valid.FindNextOne(cidx, eidx)
		for idx := cidx; idx < nidx; idx++ {
			mfn, err := info.allocMFN()
			if err != nil {
				return err
			}
			m.mem.Fill(mfn, hostarch.PagesPerHugePage, 0xFF)
			if err := m.idle.MapPages(frameTableChunkVA(idx), mfn, hostarch.PagesPerHugePage, pagetables.HypervisorRW); err != nil {
				return err
			}
		}
		cidx = valid.FindNextZero(nidx, eidx)
	}
	m.fillHypervisor(m.frameTableVA(info.spfn), m.frameTableVA(info.epfn), 0)
	return nil
}

// cleanupFrameTable undoes extendFrameTable: the entries of the range are
// invalidated and chunks backed by frames of info are unmapped.
func (m *Machine) cleanupFrameTable(info *hotaddInfo) {
	sva, eva := m.frameTableVA(info.spfn), m.frameTableVA(info.epfn)
	m.fillHypervisor(sva, eva, 0xFF)
	for sva < eva {
		l3e, _, ok := m.idle.EntryAt(sva, 3)
		if !ok || !l3e.Valid() || l3e.IsSuper() {
			sva = sva.SuperRoundDown() + hostarch.SuperPageSize
			continue
		}
		chunk := sva.HugeRoundDown()
		if l2e, _, ok := m.idle.EntryAt(sva, 2); ok && l2e.Valid() && l2e.IsSuper() && info.owns(l2e.MFN()) {
			m.idle.DestroyMappings(chunk, chunk+hostarch.HugePageSize)
		}
		sva = chunk + hostarch.HugePageSize
	}
	m.tlb.FlushAll()
}
