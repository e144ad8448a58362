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

// Package mm is the physical-memory core of the hypervisor: the frame
// table, the machine-to-physical (M2P) table and its compat mirror, memory
// hot-add, the PV guest page-table walker and the compat M2P fault fixup.
//
// A Machine is created once by Boot. Structural changes (boot-time table
// construction and hot-add) are serialized by the machine's hotplug lock;
// the walker, the M2P readers and the export queries may run concurrently
// with them and observe tables either before or after each entry write.
package mm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/hvmm/pkg/bitmap"
	"gvisor.dev/hvmm/pkg/errors/linuxerr"
	"gvisor.dev/hvmm/pkg/heap"
	"gvisor.dev/hvmm/pkg/iommu"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/metric"
	"gvisor.dev/hvmm/pkg/numa"
	"gvisor.dev/hvmm/pkg/pagetables"
	"gvisor.dev/hvmm/pkg/physmem"
)

// hypervisorCPU is the processor hypervisor-internal accesses are issued
// from.
const hypervisorCPU = 0

// Options describe the machine at boot.
type Options struct {
	// Banks are the populated frame ranges at boot.
	Banks []physmem.Range

	// NUMABlocks are the firmware memory affinity blocks, including
	// hot-pluggable ones.
	NUMABlocks []numa.Block

	// NumCPUs is the number of processors.
	NumCPUs int

	// Page1GB is set if the processor supports 1 GiB pages.
	Page1GB bool

	// PV32 enables support for 32-bit PV guests and the compat M2P.
	PV32 bool

	// MemHotplug is the end of the hot-pluggable frame range. Zero
	// disables hot-add.
	MemHotplug physmem.MFN

	// PDXHoleShift and PDXHoleBits describe frame number bits that are
	// always zero and compressed out of pdx values.
	PDXHoleShift uint
	PDXHoleBits  uint

	// IOMMU is the hardware domain's I/O translation unit. If nil, an
	// in-memory unit in IOMMUMode is created.
	IOMMU     iommu.Unit
	IOMMUMode iommu.Mode

	// ReservedFrames at the start of the first bank hold the hypervisor
	// image and are never given to the heap.
	ReservedFrames uint64

	// Metrics receives the machine's counters. If nil, a private
	// registry is used.
	Metrics *metric.Registry
}

// Validate checks o for consistency.
func (o *Options) Validate() error {
	if len(o.Banks) == 0 {
		return fmt.Errorf("no memory banks")
	}
	if o.NumCPUs <= 0 {
		return fmt.Errorf("invalid number of CPUs %d", o.NumCPUs)
	}
	banks := append([]physmem.Range(nil), o.Banks...)
	sort.Slice(banks, func(i, j int) bool { return banks[i].Start < banks[j].Start })
	for i, b := range banks {
		if b.Start >= b.End {
			return fmt.Errorf("empty bank %v", b)
		}
		if i > 0 && banks[i-1].End > b.Start {
			return fmt.Errorf("bank %v overlaps %v", b, banks[i-1])
		}
	}
	if o.ReservedFrames >= banks[0].Len() {
		return fmt.Errorf("%d reserved frames do not fit in bank %v", o.ReservedFrames, banks[0])
	}
	last := banks[len(banks)-1].End
	if o.MemHotplug != 0 && o.MemHotplug < last {
		return fmt.Errorf("hot-plug limit %v below end of boot memory %v", o.MemHotplug, last)
	}
	if uint64(last) > DirectMapFrames {
		return fmt.Errorf("boot memory ends at %v, beyond the direct map", last)
	}
	return nil
}

type machineMetrics struct {
	hotaddSuccess *metric.Uint64Metric
	hotaddFailure *metric.Uint64Metric
	rollbacks     *metric.Uint64Metric
	faultFixups   *metric.Uint64Metric
	faultDeclined *metric.Uint64Metric
	maxPage       *metric.Uint64Metric
	totalPages    *metric.Uint64Metric
}

func newMachineMetrics(r *metric.Registry) machineMetrics {
	return machineMetrics{
		hotaddSuccess: r.MustCreateNewUint64Metric("/mm/hotadd/success", "Number of successful memory hot-adds."),
		hotaddFailure: r.MustCreateNewUint64Metric("/mm/hotadd/failure", "Number of rejected or failed memory hot-adds."),
		rollbacks:     r.MustCreateNewUint64Metric("/mm/hotadd/rollbacks", "Number of hot-adds rolled back after partial setup."),
		faultFixups:   r.MustCreateNewUint64Metric("/mm/compat_fault/fixed", "Number of compat M2P faults fixed up."),
		faultDeclined: r.MustCreateNewUint64Metric("/mm/compat_fault/declined", "Number of compat M2P faults left unhandled."),
		maxPage:       r.MustCreateNewUint64Gauge("/mm/max_page", "One past the highest machine frame."),
		totalPages:    r.MustCreateNewUint64Gauge("/mm/total_pages", "Number of populated machine frames."),
	}
}

// Machine is the hypervisor's view of physical memory.
type Machine struct {
	mem   *physmem.Memory
	heap  *heap.Heap
	idle  *pagetables.Tables
	tlb   *pagetables.TLB
	numa  *numa.Topology
	iommu iommu.Unit
	pdx   pdxCompressor

	page1GB    bool
	pv32       bool
	memHotplug physmem.MFN

	// hotplugMu serializes boot-time initialization and hot-add.
	hotplugMu sync.Mutex

	// pdxMu protects pdxGroupValid and present.
	pdxMu sync.RWMutex

	// pdxGroupValid has a bit set for each pdx group with frame table
	// backing.
	pdxGroupValid bitmap.Bitmap

	// present are the ranges added to the machine, at boot or by hot-add.
	present []physmem.Range

	maxPage    atomic.Uint64
	maxPDX     atomic.Uint64
	totalPages atomic.Uint64

	// m2pValid is set once the M2P table has been built.
	m2pValid atomic.Bool

	// m2pCompatVStart is the compat guest address of the start of the
	// compat M2P window, adjusted at boot to the table's size.
	m2pCompatVStart uint32

	// compatIdleL2 is the L2 table mapping the compat M2P. Compat guests
	// get copies of its entries.
	compatIdleL2 physmem.MFN

	registry *metric.Registry
	metrics  machineMetrics
	faultLog log.Logger
}

// Boot builds a machine from opts: it populates memory, brings up the heap
// and the hypervisor page tables, and constructs the frame table and the
// M2P tables.
func Boot(opts Options) (*Machine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid machine: %w", err)
	}
	pdx, err := newPDXCompressor(opts.PDXHoleShift, opts.PDXHoleBits)
	if err != nil {
		return nil, err
	}
	registry := opts.Metrics
	if registry == nil {
		registry = metric.NewRegistry()
	}
	m := &Machine{
		mem:             physmem.New(),
		heap:            heap.New(),
		numa:            numa.New(),
		pdx:             pdx,
		page1GB:         opts.Page1GB,
		pv32:            opts.PV32,
		memHotplug:      opts.MemHotplug,
		pdxGroupValid:   bitmap.New(FrameTableNR / PDXGroupCount),
		m2pCompatVStart: DefaultHypervisorCompatVirtStart,
		compatIdleL2:    physmem.InvalidMFN,
		registry:        registry,
		metrics:         newMachineMetrics(registry),
		faultLog:        log.BasicRateLimitedLogger(time.Second),
	}
	m.hotplugMu.Lock()
	defer m.hotplugMu.Unlock()

	for _, b := range opts.NUMABlocks {
		if err := m.numa.AddBlock(b); err != nil {
			return nil, err
		}
		if m.numa.SetupNode(b.PXM) == numa.NoNode {
			return nil, fmt.Errorf("no node for pxm %#x", b.PXM)
		}
	}

	banks := append([]physmem.Range(nil), opts.Banks...)
	sort.Slice(banks, func(i, j int) bool { return banks[i].Start < banks[j].Start })
	var total uint64
	for _, b := range banks {
		if !m.pdx.compressible(uint64(b.Start), b.Len()) {
			return nil, fmt.Errorf("bank %v is not pdx compressible: %w", b, linuxerr.EINVAL)
		}
		if err := m.mem.AddBank(b.Start, b.End); err != nil {
			return nil, err
		}
		node := m.numa.NodeOf(b.Start)
		m.numa.Extend(node, b.Start, b.End)
		m.numa.AddPresent(node, b.Start, b.End)
		m.setPDXRange(b.Start, b.End)
		total += b.Len()
	}
	m.pdxMu.Lock()
	m.present = banks
	m.pdxMu.Unlock()
	m.setMaxPage(uint64(banks[len(banks)-1].End))
	m.totalPages.Store(total)

	for i, b := range banks {
		start := b.Start
		if i == 0 {
			start += physmem.MFN(opts.ReservedFrames)
		}
		m.initHeapRange(start, b.End)
	}

	m.idle, err = pagetables.New(m.mem, &pagetables.HeapAllocator{Mem: m.mem, Heap: m.heap, Node: heap.AnyNode}, pagetables.Options{
		Page1GB: opts.Page1GB,
		NumCPUs: opts.NumCPUs,
	})
	if err != nil {
		return nil, fmt.Errorf("allocating idle page tables: %w", err)
	}
	m.tlb = m.idle.TLB()
	m.heap.SetStaleChecker(m.tlb)

	m.iommu = opts.IOMMU
	if m.iommu == nil {
		m.iommu = iommu.NewTable(opts.IOMMUMode)
	}

	for _, b := range banks {
		if err := m.idle.MapPages(directMapVA(uint64(b.Start)), b.Start, b.Len(), pagetables.HypervisorRW); err != nil {
			return nil, fmt.Errorf("mapping bank %v into the direct map: %w", b, err)
		}
	}
	if err := m.initFrameTable(); err != nil {
		return nil, err
	}
	m.PagingInit()
	m.SubarchInitMemory()

	m.metrics.maxPage.Set(m.MaxPage())
	m.metrics.totalPages.Set(m.TotalPages())
	log.Infof("Booted machine: max_page %#x, %d pages, %d free, %d CPUs", m.MaxPage(), m.TotalPages(), m.heap.FreePages(), opts.NumCPUs)
	return m, nil
}

// initHeapRange gives [start, end) to the heap, split along NUMA blocks.
func (m *Machine) initHeapRange(start, end physmem.MFN) {
	blocks := m.numa.Blocks()
	for s := start; s < end; {
		e := end
		for _, b := range blocks {
			if b.Start > s && b.Start < e {
				e = b.Start
			}
			if b.Start <= s && s < b.End && b.End < e {
				e = b.End
			}
		}
		m.heap.Init(s, e, int(m.numa.NodeOf(s)))
		s = e
	}
}

// setMaxPage sets max_page and the derived max_pdx.
func (m *Machine) setMaxPage(maxPage uint64) {
	m.maxPage.Store(maxPage)
	m.maxPDX.Store(m.pdx.pfnToPDX(maxPage-1) + 1)
}

// setPDXRange marks the pdx groups covering [start, end) valid and returns
// the groups that were newly set.
func (m *Machine) setPDXRange(start, end physmem.MFN) []uint32 {
	m.pdxMu.Lock()
	defer m.pdxMu.Unlock()
	idx := uint32(m.pdx.pfnToPDX(uint64(start)) / PDXGroupCount)
	eidx := uint32((m.pdx.pfnToPDX(uint64(end)-1) + PDXGroupCount) / PDXGroupCount)
	var set []uint32
	for ; idx < eidx; idx++ {
		if !m.pdxGroupValid.Test(idx) {
			m.pdxGroupValid.Add(idx)
			set = append(set, idx)
		}
	}
	return set
}

// clearPDXGroups undoes setPDXRange.
func (m *Machine) clearPDXGroups(groups []uint32) {
	m.pdxMu.Lock()
	defer m.pdxMu.Unlock()
	for _, idx := range groups {
		m.pdxGroupValid.Remove(idx)
	}
}

// MaxPage returns one past the highest machine frame.
func (m *Machine) MaxPage() uint64 {
	return m.maxPage.Load()
}

// MaxPDX returns one past the highest pdx.
func (m *Machine) MaxPDX() uint64 {
	return m.maxPDX.Load()
}

// TotalPages returns the number of populated frames.
func (m *Machine) TotalPages() uint64 {
	return m.totalPages.Load()
}

// Memory returns the machine's physical memory.
func (m *Machine) Memory() *physmem.Memory {
	return m.mem
}

// Heap returns the general frame allocator.
func (m *Machine) Heap() *heap.Heap {
	return m.heap
}

// Topology returns the NUMA topology.
func (m *Machine) Topology() *numa.Topology {
	return m.numa
}

// IdleTables returns the hypervisor's own page tables.
func (m *Machine) IdleTables() *pagetables.Tables {
	return m.idle
}

// IOMMU returns the hardware domain's I/O translation unit.
func (m *Machine) IOMMU() iommu.Unit {
	return m.iommu
}

// Metrics returns the registry holding the machine's counters.
func (m *Machine) Metrics() *metric.Registry {
	return m.registry
}

// CompatM2PStart returns the compat guest address at which the compat M2P
// window of new compat guests starts.
func (m *Machine) CompatM2PStart() uint32 {
	return m.m2pCompatVStart
}

// PV32 returns true if compat guests are supported.
func (m *Machine) PV32() bool {
	return m.pv32
}

// Present returns the ranges added to the machine.
func (m *Machine) Present() []physmem.Range {
	m.pdxMu.RLock()
	defer m.pdxMu.RUnlock()
	return append([]physmem.Range(nil), m.present...)
}

// PlugMemory makes [start, end) addressable, as the platform does before
// notifying the hypervisor of new memory.
func (m *Machine) PlugMemory(start, end physmem.MFN) error {
	if err := m.mem.AddBank(start, end); err != nil {
		return fmt.Errorf("plugging %v: %w", physmem.Range{Start: start, End: end}, linuxerr.EINVAL)
	}
	log.Infof("Plugged memory %v", physmem.Range{Start: start, End: end})
	return nil
}

// Close releases the machine's memory.
func (m *Machine) Close() {
	m.mem.Release()
}
