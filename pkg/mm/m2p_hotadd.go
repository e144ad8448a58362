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
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/pagetables"
	"gvisor.dev/hvmm/pkg/physmem"
)

type m2pMapping int

const (
	m2pNotMapped m2pMapping = iota
	m2p2MMapped
	m2p1GMapped
)

// m2pMapped returns how the M2P entry of frame mfn is backed.
func (m *Machine) m2pMapped(mfn uint64) m2pMapping {
	va := roM2PVA(mfn)
	l3e, _, ok := m.idle.EntryAt(va, 3)
	if !ok || !l3e.Valid() {
		return m2pNotMapped
	}
	if l3e.IsSuper() {
		return m2p1GMapped
	}
	if l2e, _, ok := m.idle.EntryAt(va, 2); ok && l2e.Valid() {
		return m2p2MMapped
	}
	return m2pNotMapped
}

// setupM2PTable backs the M2P entries of info with frames from info.
// Chunks that are already backed are left alone.
func (m *Machine) setupM2PTable(info *hotaddInfo) error {
	smap := roundDown(uint64(info.spfn), m2pChunkFrames)
	emap := roundUp(uint64(info.epfn), m2pChunkFrames)
	for i := smap; i < emap; {
		switch m.m2pMapped(i) {
		case m2p1GMapped:
			// Boot never leaves part of a 1 GiB leaf unbacked, so the
			// frames are already covered.
			log.Debugf("M2P: %v straddles a 1 GiB M2P leaf at frame %#x", info, roundDown(i, m2pSuperFrames))
			i = roundDown(i, m2pSuperFrames) + m2pSuperFrames
			continue
		case m2p2MMapped:
			i = roundDown(i, m2pChunkFrames) + m2pChunkFrames
			continue
		}
		if m.chunkHasValid(i, m2pChunkGroups) {
			va := roM2PVA(i)
			if _, err := m.idle.EnsureTable(va, 2, roM2PTableFlags); err != nil {
				return err
			}
			mfn, err := info.allocMFN()
			if err != nil {
				return err
			}
			m.mem.Fill(mfn, hostarch.PagesPerHugePage, 0xFF)
			if err := m.idle.MapPages(m2pVA(i), mfn, hostarch.PagesPerHugePage, pagetables.HypervisorRW); err != nil {
				return err
			}
			if err := m.idle.SetEntry(va, 2, pagetables.NewPTE(mfn, roM2PLeafFlags)); err != nil {
				return err
			}
		}
		i += m2pChunkFrames
	}
	if !m.pv32 {
		return nil
	}
	return m.setupCompatM2PTable(info)
}

// setupCompatM2PTable is setupM2PTable for the compat table. Only frames
// below the end of the compat window are described.
func (m *Machine) setupCompatM2PTable(info *hotaddInfo) error {
	smap := roundDown(uint64(info.spfn), compatChunkFrames)
	if smap >= CompatM2PEntries {
		return nil
	}
	epfn := min(uint64(info.epfn), CompatM2PEntries)
	emap := roundUp(epfn, compatChunkFrames)
	for i := smap; i < emap; i += compatChunkFrames {
		rwva := compatM2PVA(i)
		slot := rwva.L2Offset()
		if pagetables.ReadEntry(m.mem, m.compatIdleL2, slot).Valid() {
			continue
		}
		if !m.chunkHasValid(i, compatChunkGroups) {
			continue
		}
		mfn, err := info.allocMFN()
		if err != nil {
			return err
		}
		m.mem.Fill(mfn, hostarch.PagesPerHugePage, 0xFF)
		if err := m.idle.MapPages(rwva, mfn, hostarch.PagesPerHugePage, pagetables.HypervisorRW); err != nil {
			return err
		}
		pagetables.WriteEntry(m.mem, m.compatIdleL2, slot, pagetables.NewPTE(mfn, compatM2PLeafFlags))
	}
	return nil
}

// shareHotaddM2PTable shares the M2P frames taken from info with
// privileged guests.
func (m *Machine) shareHotaddM2PTable(info *hotaddInfo) {
	share := func(start physmem.MFN, n uint64) {
		for i := uint64(0); i < n; i++ {
			if mfn := start.Add(i); info.owns(mfn) {
				m.sharePrivileged(mfn)
			}
		}
	}
	m.forEachM2PChunk(share)
	m.forEachCompatM2PChunk(share)
}

// destroyM2PMapping removes the M2P chunks backed by frames of info. Chunks
// that existed before the hot-add are kept. Read-only directories created
// for info are released with the next flush.
func (m *Machine) destroyM2PMapping(info *hotaddInfo) {
	for i := uint64(info.spfn); i < uint64(info.epfn); {
		va := roM2PVA(i)
		l3e, _, ok := m.idle.EntryAt(va, 3)
		if !ok || !l3e.Valid() || l3e.IsSuper() {
			i = roundDown(i, m2pSuperFrames) + m2pSuperFrames
			continue
		}
		if l2e, _, ok := m.idle.EntryAt(va, 2); ok && l2e.Valid() && info.owns(l2e.MFN()) {
			rwva := m2pVA(roundDown(i, m2pChunkFrames))
			m.idle.DestroyMappings(rwva, rwva+hostarch.HugePageSize)
			rova := roM2PVA(roundDown(i, m2pChunkFrames))
			m.idle.DestroyMappings(rova, rova+hostarch.HugePageSize)
		}
		i = roundDown(i, m2pChunkFrames) + m2pChunkFrames
	}
	if m.pv32 {
		m.destroyCompatM2PMapping(info)
	}
	m.tlb.FlushAll()
}

func (m *Machine) destroyCompatM2PMapping(info *hotaddInfo) {
	smap := uint64(info.spfn)
	if smap >= CompatM2PEntries {
		return
	}
	emap := min(uint64(info.epfn), CompatM2PEntries)
	for i := smap; i < emap; {
		rwva := compatM2PVA(roundDown(i, compatChunkFrames))
		slot := rwva.L2Offset()
		if e := pagetables.ReadEntry(m.mem, m.compatIdleL2, slot); e.Valid() && info.owns(e.MFN()) {
			m.idle.DestroyMappings(rwva, rwva+hostarch.HugePageSize)
			pagetables.WriteEntry(m.mem, m.compatIdleL2, slot, 0)
		}
		i = roundDown(i, compatChunkFrames) + compatChunkFrames
	}
}
