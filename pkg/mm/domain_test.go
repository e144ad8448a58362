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

import "testing"

func TestDomIDString(t *testing.T) {
	for _, tc := range []struct {
		id   DomID
		want string
	}{
		{0, "d0"},
		{17, "d17"},
		{DomIDXen, "dom_xen"},
		{DomIDCOW, "dom_cow"},
		{DomIDIO, "dom_io"},
	} {
		if got := tc.id.String(); got != tc.want {
			t.Errorf("DomID(%#x).String() = %q, want %q", uint16(tc.id), got, tc.want)
		}
	}
}

func TestNewDomain(t *testing.T) {
	m := bootMachine(t, testOptions())

	d := m.NewDomain(1, false, true)
	if !d.PV || !d.PV32 {
		t.Errorf("NewDomain(pv32) = %+v, want a PV compat domain", d)
	}
	if got, want := d.HypervisorCompatVirtStart, uint32(0xFFC00000); got != want {
		t.Errorf("HypervisorCompatVirtStart = %#x, want %#x", got, want)
	}
	if got, want := d.MachPhysCompatNrEntries(), uint64(0x80000); got != want {
		t.Errorf("MachPhysCompatNrEntries = %#x, want %#x", got, want)
	}
	if d.PhysAddrBitsize != 0 {
		t.Errorf("PhysAddrBitsize = %d, want no limit", d.PhysAddrBitsize)
	}

	native := m.NewDomain(2, true, false)
	if native.HypervisorCompatVirtStart != 0 || native.PV32 {
		t.Errorf("NewDomain(pv) = %+v", native)
	}
}

func TestDomainAllocBitsize(t *testing.T) {
	m := bootMachine(t, testOptions())
	for _, tc := range []struct {
		name string
		d    Domain
		want uint
	}{
		{
			name: "window covers memory",
			d:    Domain{PV32: true, HypervisorCompatVirtStart: MachPhysCompatVirtEnd - 1<<20},
			want: 0,
		},
		{
			// 0x4000 entries describe frames below 64 MiB.
			name: "window too small",
			d:    Domain{PV32: true, HypervisorCompatVirtStart: MachPhysCompatVirtEnd - 1<<16},
			want: 26,
		},
		{
			name: "already limited",
			d:    Domain{PV32: true, HypervisorCompatVirtStart: MachPhysCompatVirtEnd - 1<<16, PhysAddrBitsize: 24},
			want: 24,
		},
		{
			name: "native",
			d:    Domain{PV: true, HypervisorCompatVirtStart: MachPhysCompatVirtEnd - 1<<16},
			want: 0,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := tc.d
			m.DomainSetAllocBitsize(&d)
			if d.PhysAddrBitsize != tc.want {
				t.Errorf("PhysAddrBitsize = %d, want %d", d.PhysAddrBitsize, tc.want)
			}
		})
	}
}

func TestDomainClampAllocBitsize(t *testing.T) {
	limited := &Domain{PV32: true, PhysAddrBitsize: 30}
	for _, tc := range []struct {
		d     *Domain
		width uint
		want  uint
	}{
		{nil, 40, 40},
		{&Domain{}, 40, 40},
		{limited, 40, 30},
		{limited, 20, 20},
	} {
		if got := DomainClampAllocBitsize(tc.d, tc.width); got != tc.want {
			t.Errorf("DomainClampAllocBitsize(%+v, %d) = %d, want %d", tc.d, tc.width, got, tc.want)
		}
	}
}
