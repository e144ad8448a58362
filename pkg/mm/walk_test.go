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
	"testing"

	"gvisor.dev/hvmm/pkg/pagetables"
	"gvisor.dev/hvmm/pkg/physmem"
)

func TestPageWalk(t *testing.T) {
	m := bootMachine(t, testOptions())
	mem := m.Memory()
	l4, l3, l2, l1 := newTable(t, m), newTable(t, m), newTable(t, m), newTable(t, m)
	l2huge := newTable(t, m)
	const userRW = pagetables.Present | pagetables.Writable | pagetables.User

	pagetables.WriteEntry(mem, l4, 0, pagetables.NewPTE(l3, userRW))
	// [0, 1G) through 4K pages.
	pagetables.WriteEntry(mem, l3, 0, pagetables.NewPTE(l2, userRW))
	pagetables.WriteEntry(mem, l2, 0, pagetables.NewPTE(l1, userRW))
	pagetables.WriteEntry(mem, l1, 1, pagetables.NewPTE(0x9000, userRW))
	pagetables.WriteEntry(mem, l1, 2, pagetables.NewPTE(0x100000, userRW))
	pagetables.WriteEntry(mem, l1, 4, pagetables.NewPTE(0x9001, userRW&^pagetables.Present))
	// [1G, 2G) through 2M pages.
	pagetables.WriteEntry(mem, l3, 1, pagetables.NewPTE(l2huge, userRW))
	pagetables.WriteEntry(mem, l2huge, 0, pagetables.NewPTE(0x8000, userRW|pagetables.Super))
	pagetables.WriteEntry(mem, l2huge, 1, pagetables.NewPTE(0x200000, userRW|pagetables.Super))
	// [2G, 3G) through a 1G page.
	pagetables.WriteEntry(mem, l3, 2, pagetables.NewPTE(0, userRW|pagetables.Super))

	mem.WriteUint64(physmem.MFN(0x9000).Addr()+0xab8, 0xdeadbeef)

	pv := &VCPU{Domain: &Domain{ID: 1, PV: true}, GuestTable: l4}
	hvm := &VCPU{Domain: &Domain{ID: 2}, GuestTable: l4}

	for _, tc := range []struct {
		name string
		v    *VCPU
		addr uint64
		ok   bool
		want uint64
	}{
		{"4K page", pv, 0x1ab8, true, physmem.MFN(0x9000).Addr() + 0xab8},
		{"2M page", pv, 0x40000000 + 3<<12 + 0x234, true, physmem.MFN(0x8003).Addr() + 0x234},
		{"1G page", pv, 0x80000000 + 5<<12 + 8, true, physmem.MFN(5).Addr() + 8},
		{"invalid 4K frame", pv, 0x2000, false, 0},
		{"invalid 2M frame", pv, 0x40200000, false, 0},
		{"not present L1", pv, 0x4000, false, 0},
		{"empty L1", pv, 0x3000, false, 0},
		{"empty L2", pv, 0x200000, false, 0},
		{"empty L3", pv, 0xc0000000, false, 0},
		{"empty L4", pv, 0x8000000000, false, 0},
		{"non-canonical", pv, 0x0000800000000000, false, 0},
		{"hardware paging", hvm, 0x1ab8, false, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mp, ok := m.PageWalk(tc.v, tc.addr)
			if ok != tc.ok {
				t.Fatalf("PageWalk(%#x) = %t, want %t", tc.addr, ok, tc.ok)
			}
			if !ok {
				return
			}
			defer mp.Release()
			if got := mp.Addr(); got != tc.want {
				t.Errorf("PageWalk(%#x) maps %#x, want %#x", tc.addr, got, tc.want)
			}
		})
	}

	mp, ok := m.PageWalk(pv, 0x1ab8)
	if !ok {
		t.Fatalf("PageWalk failed")
	}
	if got := mp.Load(); got != 0xdeadbeef {
		t.Errorf("Load = %#x, want 0xdeadbeef", got)
	}
	mp.Store(0x1234)
	mp.Release()
	if got := mem.ReadUint64(physmem.MFN(0x9000).Addr() + 0xab8); got != 0x1234 {
		t.Errorf("ReadUint64 = %#x after Store, want 0x1234", got)
	}
	if n := mem.Outstanding(); n != 0 {
		t.Errorf("%d mappings outstanding", n)
	}
}

func TestPageWalkUnpopulatedTable(t *testing.T) {
	m := bootMachine(t, testOptions())
	l4 := newTable(t, m)
	// The L3 lies in a hole of the machine's memory.
	pagetables.WriteEntry(m.Memory(), l4, 0, pagetables.NewPTE(0x180000, pagetables.TableFlags))
	v := &VCPU{Domain: &Domain{ID: 1, PV: true}, GuestTable: l4}
	if _, ok := m.PageWalk(v, 0x1000); ok {
		t.Errorf("PageWalk through an unpopulated table succeeded")
	}
}
