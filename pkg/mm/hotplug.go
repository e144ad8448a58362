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

	"gvisor.dev/hvmm/pkg/cleanup"
	"gvisor.dev/hvmm/pkg/errors/linuxerr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/iommu"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/numa"
	"gvisor.dev/hvmm/pkg/pagetables"
	"gvisor.dev/hvmm/pkg/physmem"
)

// hotaddInfo tracks a range being hot-added. Frames [spfn, cur) have been
// consumed by the range's own bookkeeping.
type hotaddInfo struct {
	spfn physmem.MFN
	epfn physmem.MFN
	cur  physmem.MFN
}

// String implements fmt.Stringer.String.
func (info *hotaddInfo) String() string {
	return fmt.Sprintf("[%v, %v) cur %v", info.spfn, info.epfn, info.cur)
}

// allocMFN takes the next 2 MiB of the range. The last chunk of the range
// is never handed out.
func (info *hotaddInfo) allocMFN() (physmem.MFN, error) {
	if uint64(info.cur)+hostarch.PagesPerHugePage >= uint64(info.epfn) {
		return physmem.InvalidMFN, fmt.Errorf("hot-add %v: no frames left for bookkeeping: %w", info, linuxerr.ENOMEM)
	}
	mfn := info.cur
	info.cur = info.cur.Add(hostarch.PagesPerHugePage)
	return mfn, nil
}

// owns returns true if mfn was consumed by the range's bookkeeping.
func (info *hotaddInfo) owns(mfn physmem.MFN) bool {
	return mfn >= info.spfn && mfn < info.cur
}

// memHotaddCheck validates a hot-add request before anything is changed.
func (m *Machine) memHotaddCheck(spfn, epfn physmem.MFN) error {
	r := physmem.Range{Start: spfn, End: epfn}
	switch {
	case m.memHotplug == 0:
		return fmt.Errorf("memory hot-add is disabled: %w", linuxerr.EINVAL)
	case spfn >= epfn:
		return fmt.Errorf("empty range %v: %w", r, linuxerr.EINVAL)
	case epfn > m.memHotplug:
		return fmt.Errorf("range %v beyond hot-plug limit %v: %w", r, m.memHotplug, linuxerr.EINVAL)
	case uint64(epfn) > DirectMapFrames:
		return fmt.Errorf("range %v beyond the direct map: %w", r, linuxerr.EINVAL)
	case (spfn|epfn)&(hostarch.PagetableEntries-1) != 0:
		return fmt.Errorf("range %v is not 2 MiB aligned: %w", r, linuxerr.EINVAL)
	case !m.pdx.compressible(uint64(spfn), r.Len()):
		return fmt.Errorf("range %v is not pdx compressible: %w", r, linuxerr.EINVAL)
	case m.pdx.pfnToPDX(uint64(epfn-1)) >= FrameTableNR:
		return fmt.Errorf("range %v beyond the frame table: %w", r, linuxerr.EINVAL)
	case !m.mem.ValidRange(r):
		return fmt.Errorf("range %v is not plugged: %w", r, linuxerr.EINVAL)
	}

	m.pdxMu.RLock()
	for _, p := range m.present {
		if p.Overlaps(r) {
			m.pdxMu.RUnlock()
			return fmt.Errorf("range %v overlaps present memory %v: %w", r, p, linuxerr.EEXIST)
		}
	}
	// A group wholly inside the range must not have backing already.
	sidx := uint32((m.pdx.pfnToPDX(uint64(spfn)) + PDXGroupCount - 1) / PDXGroupCount)
	eidx := uint32(m.pdx.pfnToPDX(uint64(epfn)) / PDXGroupCount)
	if sidx < eidx {
		if s := m.pdxGroupValid.FindNextOne(sidx, eidx); s < eidx {
			m.pdxMu.RUnlock()
			return fmt.Errorf("range %v: pdx group %d already present: %w", r, s, linuxerr.EEXIST)
		}
	}
	m.pdxMu.RUnlock()

	// The range's bookkeeping comes out of the range itself.
	s := roundDown(uint64(spfn), m2pChunkFrames)
	e := roundUp(uint64(epfn), m2pChunkFrames)
	length := (e - s) * 8
	if m.pv32 {
		s = roundDown(uint64(spfn), compatChunkFrames)
		e = min(roundUp(uint64(epfn), compatChunkFrames), CompatM2PEntries)
		if e > s {
			length += (e - s) * 4
		}
	}
	s = roundDown(m.pdx.pfnToPDX(uint64(spfn)), PDXGroupCount)
	e = roundUp(m.pdx.pfnToPDX(uint64(epfn)), PDXGroupCount)
	length += (e - s) * PageInfoSize
	if length>>hostarch.PageShift > r.Len() {
		return fmt.Errorf("range %v too small for its %d bytes of bookkeeping: %w", r, length, linuxerr.EINVAL)
	}
	return nil
}

// MemoryAdd hot-adds frames [spfn, epfn) on proximity domain pxm. The
// frames must have been plugged. On failure the machine is left as it was.
func (m *Machine) MemoryAdd(spfn, epfn physmem.MFN, pxm uint32) error {
	m.hotplugMu.Lock()
	defer m.hotplugMu.Unlock()

	log.Infof("memory_add %v ~ %v with pxm %#x", spfn, epfn, pxm)
	if err := m.memoryAddLocked(spfn, epfn, pxm); err != nil {
		m.metrics.hotaddFailure.Increment()
		log.Warningf("Hot-add of [%v, %v) failed: %v", spfn, epfn, err)
		return err
	}
	m.metrics.hotaddSuccess.Increment()
	m.metrics.maxPage.Set(m.MaxPage())
	m.metrics.totalPages.Set(m.TotalPages())
	return nil
}

// Preconditions: m.hotplugMu is locked.
func (m *Machine) memoryAddLocked(spfn, epfn physmem.MFN, pxm uint32) error {
	if err := m.memHotaddCheck(spfn, epfn); err != nil {
		return err
	}
	node, ok := m.numa.NodeOfPXM(pxm)
	if !ok {
		return fmt.Errorf("no node for pxm %#x: %w", pxm, linuxerr.EINVAL)
	}
	if !m.numa.ValidRange(spfn, epfn, node) {
		log.Warningf("pfn range %v..%v PXM %#x node %d is not NUMA-valid", spfn, epfn, pxm, node)
		return fmt.Errorf("range [%v, %v) not on node %d: %w", spfn, epfn, node, linuxerr.EINVAL)
	}

	info := &hotaddInfo{spfn: spfn, epfn: epfn, cur: spfn}
	cu := cleanup.Make(func() {
		m.metrics.rollbacks.Increment()
		log.Infof("Rolled back hot-add %v", info)
	})
	defer cu.Clean()

	// Stage 1: direct map.
	dstart, dend := directMapVA(uint64(spfn)), directMapVA(uint64(epfn))
	cu.Add(func() {
		m.idle.DestroyMappings(dstart, dend)
		m.tlb.FlushAll()
	})
	if err := m.idle.MapPages(dstart, spfn, uint64(epfn-spfn), pagetables.HypervisorRW); err != nil {
		return fmt.Errorf("mapping %v into the direct map: %w", info, err)
	}

	// Stage 2: node span.
	saved := m.numa.Save(node)
	cu.Add(func() { m.numa.Restore(node, saved) })
	if m.numa.Extend(node, spfn, epfn) {
		log.Warningf("node %d pxm %#x is not online", node, pxm)
	}

	// Stage 3: frame table.
	cu.Add(func() { m.cleanupFrameTable(info) })
	if err := m.extendFrameTable(info); err != nil {
		return fmt.Errorf("extending the frame table: %w", err)
	}

	// Stage 4: global counters. The M2P setup sizes against them.
	oldMaxPage, oldMaxPDX, oldTotal := m.MaxPage(), m.MaxPDX(), m.TotalPages()
	if oldMaxPage < uint64(epfn) {
		m.setMaxPage(uint64(epfn))
	}
	m.totalPages.Add(uint64(epfn - spfn))
	groups := m.setPDXRange(spfn, epfn)
	cu.Add(func() {
		m.maxPage.Store(oldMaxPage)
		m.maxPDX.Store(oldMaxPDX)
		m.totalPages.Store(oldTotal)
		m.clearPDXGroups(groups)
	})

	// Stage 5: M2P tables.
	cu.Add(func() { m.destroyM2PMapping(info) })
	if err := m.setupM2PTable(info); err != nil {
		return fmt.Errorf("extending the M2P table: %w", err)
	}

	// Stage 6: I/O translation.
	if m.iommu.Mode().NeedsExplicitMap() {
		if err := m.iommuMap(spfn, epfn); err != nil {
			return err
		}
	}

	// Stage 7: commit. Nothing below can be undone.
	cu.Release()
	m.transferPagesToHeap(info, node)
	m.shareHotaddM2PTable(info)
	m.numa.AddPresent(node, spfn, epfn)
	m.pdxMu.Lock()
	m.present = append(m.present, physmem.Range{Start: spfn, End: epfn})
	m.pdxMu.Unlock()
	log.Infof("Hot-added %v on node %d: %d frames of bookkeeping, max_page %#x", info, node, uint64(info.cur-info.spfn), m.MaxPage())
	return nil
}

// iommuMap identity maps [spfn, epfn) for the hardware domain. On failure
// the frames mapped so far are unmapped again.
func (m *Machine) iommuMap(spfn, epfn physmem.MFN) error {
	for mfn := spfn; mfn < epfn; mfn++ {
		if err := m.iommu.Map(uint64(mfn), mfn, iommu.Readable|iommu.Writable); err != nil {
			for undo := spfn; undo < mfn; undo++ {
				if uerr := m.iommu.Unmap(uint64(undo)); uerr != nil {
					log.Warningf("IOMMU: unmapping %v: %v", undo, uerr)
				}
			}
			return fmt.Errorf("IOMMU mapping of %v: %w: %w", mfn, linuxerr.EIO, err)
		}
	}
	return nil
}

// transferPagesToHeap marks the bookkeeping frames of info in use and gives
// the rest of the range to the heap.
func (m *Machine) transferPagesToHeap(info *hotaddInfo, node numa.NodeID) {
	for mfn := info.spfn; mfn < info.cur; mfn++ {
		m.writePageInfo(mfn, PageInfo{})
	}
	m.heap.Init(info.cur, info.epfn, int(node))
}
