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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hvmm/pkg/heap"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/physmem"
)

const lowerTopAligned = hostarch.Addr(0x00007f0000000000)

type testTables struct {
	*Tables
	mem  *physmem.Memory
	heap *heap.Heap
}

func newTestTables(t *testing.T, opts Options) *testTables {
	t.Helper()
	mem := physmem.New()
	if err := mem.AddBank(0, 0x4000); err != nil {
		t.Fatalf("AddBank failed: %v", err)
	}
	t.Cleanup(mem.Release)
	h := heap.New()
	h.Init(0x100, 0x4000, 0)
	pt, err := New(mem, &HeapAllocator{Mem: mem, Heap: h, Node: heap.AnyNode}, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.SetStaleChecker(pt.TLB())
	return &testTables{Tables: pt, mem: mem, heap: h}
}

type mapping struct {
	va    hostarch.Addr
	level int
	frame physmem.MFN
}

func checkMappings(t *testing.T, pt *testTables, want []mapping) {
	t.Helper()
	for _, m := range want {
		tr, ok := pt.Lookup(m.va)
		if !ok {
			t.Errorf("Lookup(%v) failed, want frame %v", m.va, m.frame)
			continue
		}
		got := mapping{va: m.va, level: tr.Level, frame: tr.Frame}
		if diff := cmp.Diff(m, got, cmp.AllowUnexported(mapping{})); diff != "" {
			t.Errorf("Lookup(%v) mismatch (-want +got):\n%s", m.va, diff)
		}
	}
}

func checkUnmapped(t *testing.T, pt *testTables, vas ...hostarch.Addr) {
	t.Helper()
	for _, va := range vas {
		if tr, ok := pt.Lookup(va); ok {
			t.Errorf("Lookup(%v) = %v, want unmapped", va, tr.Entry)
		}
	}
}

func Test2MAnd4K(t *testing.T) {
	pt := newTestTables(t, Options{})
	if err := pt.MapPages(0x400000, 42, 1, HypervisorRW); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	if err := pt.MapPages(lowerTopAligned, 0x200*47, hostarch.PagesPerHugePage, HypervisorRO); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, 1, 42},
		{lowerTopAligned, 2, 0x200 * 47},
		{lowerTopAligned + 0x3000, 2, 0x200*47 + 3},
	})
	checkUnmapped(t, pt, 0x401000, lowerTopAligned+hostarch.HugePageSize)
}

func Test1GAnd4K(t *testing.T) {
	for _, tc := range []struct {
		page1GB bool
		level   int
	}{
		{page1GB: true, level: 3},
		{page1GB: false, level: 2},
	} {
		pt := newTestTables(t, Options{Page1GB: tc.page1GB})
		if err := pt.MapPages(0x400000, 42, 1, HypervisorRW); err != nil {
			t.Fatalf("MapPages failed: %v", err)
		}
		base := physmem.MFN(hostarch.PagesPerSuperPage * 47)
		if err := pt.MapPages(lowerTopAligned, base, hostarch.PagesPerSuperPage, HypervisorRO); err != nil {
			t.Fatalf("MapPages failed: %v", err)
		}
		checkMappings(t, pt, []mapping{
			{0x400000, 1, 42},
			{lowerTopAligned, tc.level, base},
			{lowerTopAligned + hostarch.SuperPageSize - hostarch.PageSize, tc.level, base + hostarch.PagesPerSuperPage - 1},
		})
	}
}

func TestUnalignedFramesUseSmallPages(t *testing.T) {
	pt := newTestTables(t, Options{Page1GB: true})
	if err := pt.MapPages(lowerTopAligned, 0x201, hostarch.PagesPerHugePage, HypervisorRW); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	checkMappings(t, pt, []mapping{
		{lowerTopAligned, 1, 0x201},
		{lowerTopAligned + hostarch.HugePageSize - hostarch.PageSize, 1, 0x400},
	})
}

func TestSplit1GPage(t *testing.T) {
	pt := newTestTables(t, Options{Page1GB: true})
	base := physmem.MFN(hostarch.PagesPerSuperPage * 42)
	if err := pt.MapPages(lowerTopAligned, base, hostarch.PagesPerSuperPage, HypervisorRO); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	pt.DestroyMappings(lowerTopAligned+hostarch.PageSize, lowerTopAligned+hostarch.SuperPageSize-hostarch.PageSize)

	checkMappings(t, pt, []mapping{
		{lowerTopAligned, 1, base},
		{lowerTopAligned + hostarch.SuperPageSize - hostarch.PageSize, 1, base + hostarch.PagesPerSuperPage - 1},
	})
	checkUnmapped(t, pt, lowerTopAligned+hostarch.PageSize, lowerTopAligned+hostarch.HugePageSize)
}

func TestSplit2MPage(t *testing.T) {
	pt := newTestTables(t, Options{})
	if err := pt.MapPages(lowerTopAligned, 0x200*42, hostarch.PagesPerHugePage, HypervisorRO); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	pt.DestroyMappings(lowerTopAligned+hostarch.PageSize, lowerTopAligned+hostarch.HugePageSize-hostarch.PageSize)

	checkMappings(t, pt, []mapping{
		{lowerTopAligned, 1, 0x200 * 42},
		{lowerTopAligned + hostarch.HugePageSize - hostarch.PageSize, 1, 0x200*42 + 511},
	})
	checkUnmapped(t, pt, lowerTopAligned+hostarch.PageSize)
}

func TestDestroyQueuesTables(t *testing.T) {
	pt := newTestTables(t, Options{})
	before := pt.heap.FreePages()
	if err := pt.MapPages(0x400000, 42, 1, HypervisorRW); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	if got := before - pt.heap.FreePages(); got != 3 {
		t.Errorf("MapPages allocated %d tables, want 3", got)
	}
	if n := pt.DestroyMappings(0x400000, 0x401000); n != 1 {
		t.Errorf("DestroyMappings removed %d entries, want 1", n)
	}
	if got := pt.Pending(); got != 3 {
		t.Errorf("Pending() = %d, want 3", got)
	}
	if got := before - pt.heap.FreePages(); got != 3 {
		t.Errorf("tables released before flush: %d still allocated, want 3", got)
	}
	pt.TLB().FlushAll()
	if got := pt.heap.FreePages(); got != before {
		t.Errorf("FreePages() after flush = %d, want %d", got, before)
	}
	if e := ReadEntry(pt.mem, pt.Root(), hostarch.Addr(0x400000).L4Offset()); e.Valid() {
		t.Errorf("root entry still present after destroy: %v", e)
	}
}

func TestDestroyKeepsPinnedTables(t *testing.T) {
	pt := newTestTables(t, Options{})
	const va = hostarch.Addr(0x400000)
	l3, err := pt.EnsureTable(va, 3, TableFlags)
	if err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	pt.Pin(l3)
	if err := pt.MapPages(va, 42, 1, HypervisorRW); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	pt.DestroyMappings(va, va+hostarch.PageSize)

	// The L2 and L1 tables go; the pinned L3 stays.
	if got := pt.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
	pt.TLB().FlushAll()
	if pt.heap.IsFree(l3) {
		t.Errorf("pinned table %v was freed", l3)
	}
	if got, err := pt.EnsureTable(va, 3, TableFlags); err != nil || got != l3 {
		t.Errorf("EnsureTable = %v, %v, want %v", got, err, l3)
	}
}

func TestStaleTranslation(t *testing.T) {
	pt := newTestTables(t, Options{NumCPUs: 4})
	tlb := pt.TLB()
	frame, err := pt.heap.Alloc(0, heap.AnyNode)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := pt.MapPages(lowerTopAligned, frame, 1, HypervisorRW); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	tlb.WriteUint64(2, lowerTopAligned+8, 0xabcd)
	if got := pt.mem.ReadUint64(frame.Addr() + 8); got != 0xabcd {
		t.Errorf("write through TLB not visible in memory: got %#x", got)
	}

	pt.DestroyMappings(lowerTopAligned, lowerTopAligned+hostarch.PageSize)
	if _, _, ok := tlb.Translate(2, lowerTopAligned); !ok {
		t.Errorf("CPU 2 lost its cached translation before a flush")
	}
	if _, _, ok := tlb.Translate(1, lowerTopAligned); ok {
		t.Errorf("CPU 1 translated a destroyed mapping")
	}
	r := physmem.Range{Start: frame, End: frame + 1}
	if !tlb.HasStale(r) {
		t.Fatalf("HasStale(%v) = false with a cached translation", r)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("freeing a frame with a stale translation did not panic")
			}
		}()
		pt.heap.Free(frame, 0)
	}()

	tlb.FlushAll()
	if tlb.HasStale(r) {
		t.Errorf("HasStale(%v) = true after flush", r)
	}
	pt.heap.Free(frame, 0)
	if got := tlb.Flushes(); got != 1 {
		t.Errorf("Flushes() = %d, want 1", got)
	}
}

func TestRemapFlushes(t *testing.T) {
	pt := newTestTables(t, Options{NumCPUs: 2})
	tlb := pt.TLB()
	if err := pt.MapPages(lowerTopAligned, 0x10, 1, HypervisorRW); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	if paddr, _, _ := tlb.Translate(0, lowerTopAligned); paddr != physmem.MFN(0x10).Addr() {
		t.Fatalf("Translate = %#x, want frame 0x10", paddr)
	}
	if err := pt.MapPages(lowerTopAligned, 0x20, 1, HypervisorRW); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	if got := tlb.Flushes(); got != 1 {
		t.Errorf("Flushes() after remap = %d, want 1", got)
	}
	if paddr, _, _ := tlb.Translate(0, lowerTopAligned); paddr != physmem.MFN(0x20).Addr() {
		t.Errorf("Translate after remap = %#x, want frame 0x20", paddr)
	}
}

func TestReadOnlyWritePanics(t *testing.T) {
	pt := newTestTables(t, Options{})
	if err := pt.MapPages(lowerTopAligned, 0x10, 1, HypervisorRO); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("write through a read-only mapping did not panic")
		}
	}()
	pt.TLB().WriteUint64(0, lowerTopAligned, 1)
}

func TestEntryAt(t *testing.T) {
	pt := newTestTables(t, Options{})
	va := lowerTopAligned + 5*hostarch.HugePageSize
	if _, _, ok := pt.EntryAt(va, 2); ok {
		t.Errorf("EntryAt on empty tables succeeded")
	}
	table, err := pt.EnsureTable(va, 2, Present|User)
	if err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	want := NewPTE(0x1200, Present|User|Super)
	if err := pt.SetEntry(va, 2, want); err != nil {
		t.Fatalf("SetEntry failed: %v", err)
	}
	e, got, ok := pt.EntryAt(va, 2)
	if !ok || got != table || e != want {
		t.Errorf("EntryAt = (%v, %v, %t), want (%v, %v, true)", e, got, ok, want, table)
	}
	l3, _, _ := pt.EntryAt(va, 3)
	if l3.Flags()&Writable != 0 {
		t.Errorf("intermediate entry %v is writable", l3)
	}
	checkMappings(t, pt, []mapping{{va + 0x5000, 2, 0x1205}})
	if err := pt.SetEntry(va+hostarch.SuperPageSize, 2, want); err == nil {
		t.Errorf("SetEntry without an L2 table succeeded")
	}
}

func TestPTEString(t *testing.T) {
	for _, tc := range []struct {
		e    PTE
		want string
	}{
		{0, "empty"},
		{NewPTE(0x42, Present|Writable), "0x42|P|RW"},
		{NewPTE(0x200, Present|User|Super), "0x200|P|U|PSE"},
		{NewPTE(1, HypervisorRO), "0x1|P|NX"},
	} {
		if got := tc.e.String(); got != tc.want {
			t.Errorf("PTE(%#x).String() = %q, want %q", uint64(tc.e), got, tc.want)
		}
	}
}
