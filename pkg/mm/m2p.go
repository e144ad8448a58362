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

	"gvisor.dev/hvmm/pkg/errors/linuxerr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/pagetables"
	"gvisor.dev/hvmm/pkg/physmem"
)

// Number of pdx groups described by one 2 MiB chunk of each table. A chunk
// is only backed if one of its groups is valid.
const (
	m2pChunkGroups    = m2pChunkFrames / PDXGroupCount
	compatChunkGroups = compatChunkFrames / PDXGroupCount
)

// Leaf flags of the user-visible M2P windows. They cannot be global: guest
// user mode must not see them after a switch to another address space.
const (
	roM2PLeafFlags     = pagetables.Present | pagetables.User | pagetables.Super
	compatM2PLeafFlags = pagetables.Present | pagetables.Super
	roM2PTableFlags    = pagetables.HypervisorRO | pagetables.User
)

// ValidM2P returns true if e is a frame number rather than a sentinel.
func ValidM2P(e uint64) bool {
	return e&(1<<63) == 0
}

// SharedM2P returns true if e marks a frame shared copy-on-write.
func SharedM2P(e uint64) bool {
	return e == SharedM2PEntry
}

// chunkHasValid returns true if any of the groups pdx groups starting at
// frame first has frame table backing.
func (m *Machine) chunkHasValid(first uint64, groups int) bool {
	for n := 0; n < groups; n++ {
		if m.MFNValid(physmem.MFN(first + uint64(n)*PDXGroupCount)) {
			return true
		}
	}
	return false
}

// PagingInit builds the M2P table and its compat mirror for the frames
// present at boot, and reserves the direct map root entries for
// hot-pluggable memory. Every chunk is filled with the invalid sentinel
// before it is published. The directories created here stay linked for the
// life of the machine. PagingInit panics if the tables cannot be allocated.
func (m *Machine) PagingInit() {
	if m.memHotplug != 0 {
		limit := directMapVA(uint64(m.memHotplug))
		for va := DirectMapVirtStart; va < DirectMapVirtEnd && va < limit; va += hostarch.L4EntryBytes {
			l3, err := m.idle.EnsureTable(va, 3, pagetables.TableFlags)
			if err != nil {
				panic(fmt.Sprintf("reserving direct map at %v: %v", va, err))
			}
			m.idle.Pin(l3)
		}
	}

	l3, err := m.idle.EnsureTable(ROMPTVirtStart, 3, roM2PTableFlags)
	if err != nil {
		panic(fmt.Sprintf("allocating M2P directory: %v", err))
	}
	m.idle.Pin(l3)

	mptSize := roundUp(m.MaxPage()*8, hostarch.HugePageSize)
	chunks := mptSize >> hostarch.HugePageShift
	for i := uint64(0); i < chunks; i++ {
		va := ROMPTVirtStart + hostarch.Addr(i<<hostarch.HugePageShift)
		rwva := RDWRMPTVirtStart + hostarch.Addr(i<<hostarch.HugePageShift)
		node := int(m.numa.NodeOf(physmem.MFN(i * m2pChunkFrames)))

		if m.page1GB && i%hostarch.PagetableEntries == 0 && mptSize>>hostarch.SuperPageShift > i>>hostarch.PagetableOrder {
			holes := 0
			for k := uint64(0); k < hostarch.PagetableEntries; k++ {
				if !m.chunkHasValid((i+k)*m2pChunkFrames, m2pChunkGroups) {
					holes++
				}
			}
			if holes == hostarch.PagetableEntries {
				i += hostarch.PagetableEntries - 1
				continue
			}
			if holes == 0 {
				if mfn, err := m.heap.AllocNode(2*hostarch.PagetableOrder, node); err == nil {
					m.mem.Fill(mfn, hostarch.PagesPerSuperPage, 0xFF)
					if err := m.idle.MapPages(rwva, mfn, hostarch.PagesPerSuperPage, pagetables.HypervisorRW); err != nil {
						panic(fmt.Sprintf("mapping M2P at %v: %v", rwva, err))
					}
					if err := m.idle.SetEntry(va, 3, pagetables.NewPTE(mfn, roM2PLeafFlags)); err != nil {
						panic(fmt.Sprintf("publishing M2P at %v: %v", va, err))
					}
					i += hostarch.PagetableEntries - 1
					continue
				}
			}
		}

		mfn := physmem.InvalidMFN
		if m.chunkHasValid(i*m2pChunkFrames, m2pChunkGroups) {
			var err error
			if mfn, err = m.heap.Alloc(hostarch.PagetableOrder, node); err != nil {
				panic(fmt.Sprintf("allocating M2P chunk %d: %v", i, err))
			}
			m.mem.Fill(mfn, hostarch.PagesPerHugePage, 0xFF)
			if err := m.idle.MapPages(rwva, mfn, hostarch.PagesPerHugePage, pagetables.HypervisorRW); err != nil {
				panic(fmt.Sprintf("mapping M2P at %v: %v", rwva, err))
			}
		}
		if i%hostarch.PagetableEntries == 0 {
			l2, err := m.idle.EnsureTable(va, 2, roM2PTableFlags)
			if err != nil {
				panic(fmt.Sprintf("allocating M2P directory for %v: %v", va, err))
			}
			m.idle.Pin(l2)
		}
		if mfn != physmem.InvalidMFN {
			if err := m.idle.SetEntry(va, 2, pagetables.NewPTE(mfn, roM2PLeafFlags)); err != nil {
				panic(fmt.Sprintf("publishing M2P at %v: %v", va, err))
			}
		}
	}

	if m.pv32 {
		m.compatPagingInit(mptSize)
	}
	m.m2pValid.Store(true)
	log.Infof("M2P: %d KiB at %v, compat window at %#x", mptSize>>10, RDWRMPTVirtStart, m.m2pCompatVStart)
}

// compatPagingInit builds the compat M2P table, half the size of the native
// one, and moves the compat window start down to fit it.
func (m *Machine) compatPagingInit(mptSize uint64) {
	alloc := pagetables.HeapAllocator{Mem: m.mem, Heap: m.heap, Node: 0}
	l2, err := alloc.NewTable()
	if err != nil {
		panic(fmt.Sprintf("allocating compat M2P directory: %v", err))
	}
	m.compatIdleL2 = l2

	mptSize = mptSize>>1 + hostarch.HugePageSize>>1
	mptSize = min(mptSize, CompatMPTVirtSize)
	mptSize &^= hostarch.HugePageSize - 1
	if uint64(m.m2pCompatVStart)+mptSize < MachPhysCompatVirtEnd {
		m.m2pCompatVStart = uint32(MachPhysCompatVirtEnd - mptSize)
	}
	for i := uint64(0); i < mptSize>>hostarch.HugePageShift; i++ {
		if !m.chunkHasValid(i*compatChunkFrames, compatChunkGroups) {
			continue
		}
		node := int(m.numa.NodeOf(physmem.MFN(i * compatChunkFrames)))
		mfn, err := m.heap.Alloc(hostarch.PagetableOrder, node)
		if err != nil {
			panic(fmt.Sprintf("allocating compat M2P chunk %d: %v", i, err))
		}
		rwva := RDWRCompatMPTVirtStart + hostarch.Addr(i<<hostarch.HugePageShift)
		m.mem.Fill(mfn, hostarch.PagesPerHugePage, 0xFF)
		if err := m.idle.MapPages(rwva, mfn, hostarch.PagesPerHugePage, pagetables.HypervisorRW); err != nil {
			panic(fmt.Sprintf("mapping compat M2P at %v: %v", rwva, err))
		}
		pagetables.WriteEntry(m.mem, m.compatIdleL2, int(i), pagetables.NewPTE(mfn, compatM2PLeafFlags))
	}
}

// forEachM2PChunk calls fn with the first frame and frame count of every
// leaf backing the M2P table.
func (m *Machine) forEachM2PChunk(fn func(start physmem.MFN, n uint64)) {
	end := roM2PVA(roundUp(m.MaxPage(), m2pChunkFrames))
	for va := ROMPTVirtStart; va < end; {
		l3e, _, ok := m.idle.EntryAt(va, 3)
		if !ok || !l3e.Valid() {
			va = va.SuperRoundDown() + hostarch.SuperPageSize
			continue
		}
		if l3e.IsSuper() {
			fn(l3e.MFN(), hostarch.PagesPerSuperPage)
			va = va.SuperRoundDown() + hostarch.SuperPageSize
			continue
		}
		if l2e, _, ok := m.idle.EntryAt(va, 2); ok && l2e.Valid() {
			fn(l2e.MFN(), hostarch.PagesPerHugePage)
		}
		va = va.HugeRoundDown() + hostarch.HugePageSize
	}
}

// forEachCompatM2PChunk is forEachM2PChunk for the compat table.
func (m *Machine) forEachCompatM2PChunk(fn func(start physmem.MFN, n uint64)) {
	if !m.pv32 {
		return
	}
	for i := 0; i < hostarch.PagetableEntries; i++ {
		if e := pagetables.ReadEntry(m.mem, m.compatIdleL2, i); e.Valid() {
			fn(e.MFN(), hostarch.PagesPerHugePage)
		}
	}
}

// SubarchInitMemory shares every frame of the M2P tables read-only with
// privileged guests, so they can read the tables directly.
func (m *Machine) SubarchInitMemory() {
	share := func(start physmem.MFN, n uint64) {
		for i := uint64(0); i < n; i++ {
			m.sharePrivileged(start.Add(i))
		}
	}
	m.forEachM2PChunk(share)
	m.forEachCompatM2PChunk(share)
}

// SetGPFNFromMFN records that mfn backs guest frame gfn. Frames owned by
// the copy-on-write domain get the shared sentinel instead, unless gfn is
// the invalid sentinel. It does nothing before the table is built.
func (m *Machine) SetGPFNFromMFN(mfn physmem.MFN, gfn uint64) error {
	if !m.MFNValid(mfn) {
		return fmt.Errorf("setting M2P entry of %v: %w", mfn, linuxerr.EINVAL)
	}
	if !m.m2pValid.Load() {
		return nil
	}
	entry := gfn
	if gfn != InvalidM2PEntry {
		if owner, ok := m.readPageInfo(mfn).Owner(); ok && owner == DomIDCOW {
			entry = SharedM2PEntry
		}
	}
	if m.pv32 && uint64(mfn) < CompatM2PEntries {
		m.tlb.WriteUint32(hypervisorCPU, compatM2PVA(uint64(mfn)), uint32(entry))
	}
	m.tlb.WriteUint64(hypervisorCPU, m2pVA(uint64(mfn)), entry)
	return nil
}

// GetGPFNFromMFN returns the M2P entry of mfn.
func (m *Machine) GetGPFNFromMFN(mfn physmem.MFN) (uint64, error) {
	if !m.MFNValid(mfn) {
		return InvalidM2PEntry, fmt.Errorf("reading M2P entry of %v: %w", mfn, linuxerr.EINVAL)
	}
	if !m.m2pValid.Load() {
		return InvalidM2PEntry, nil
	}
	return m.tlb.ReadUint64(hypervisorCPU, m2pVA(uint64(mfn))), nil
}

// GetGPFNFromMFNRO is GetGPFNFromMFN through the window guests read.
func (m *Machine) GetGPFNFromMFNRO(mfn physmem.MFN) (uint64, error) {
	if !m.MFNValid(mfn) {
		return InvalidM2PEntry, fmt.Errorf("reading M2P entry of %v: %w", mfn, linuxerr.EINVAL)
	}
	if !m.m2pValid.Load() {
		return InvalidM2PEntry, nil
	}
	return m.tlb.ReadUint64(hypervisorCPU, roM2PVA(uint64(mfn))), nil
}

// GetCompatGPFNFromMFN returns the compat M2P entry of mfn.
func (m *Machine) GetCompatGPFNFromMFN(mfn physmem.MFN) (uint32, error) {
	if !m.pv32 {
		return InvalidCompatM2PEntry, fmt.Errorf("compat M2P: %w", linuxerr.EOPNOTSUPP)
	}
	if uint64(mfn) >= CompatM2PEntries || !m.MFNValid(mfn) {
		return InvalidCompatM2PEntry, fmt.Errorf("reading compat M2P entry of %v: %w", mfn, linuxerr.EINVAL)
	}
	if !m.m2pValid.Load() {
		return InvalidCompatM2PEntry, nil
	}
	return m.tlb.ReadUint32(hypervisorCPU, compatM2PVA(uint64(mfn))), nil
}
