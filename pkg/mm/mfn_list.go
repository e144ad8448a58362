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
	"gvisor.dev/hvmm/pkg/pagetables"
	"gvisor.dev/hvmm/pkg/physmem"
)

// exportExtents returns the frames backing each 2 MiB of [start, limit), at
// most maxExtents of them. A stretch without backing reports the frame of
// the stretch before it.
func exportExtents(maxExtents int, start, limit hostarch.Addr, lookup func(hostarch.Addr) (physmem.MFN, bool)) []physmem.MFN {
	var (
		out  []physmem.MFN
		last physmem.MFN
	)
	for v := start; len(out) != maxExtents && v < limit; v += hostarch.HugePageSize {
		mfn, ok := lookup(v)
		if !ok {
			mfn = last
		}
		out = append(out, mfn)
		last = mfn
	}
	return out
}

// MachphysMFNList returns up to maxExtents frames backing consecutive 2 MiB
// chunks of the M2P table.
func (m *Machine) MachphysMFNList(maxExtents int) ([]physmem.MFN, error) {
	if maxExtents < 0 {
		return nil, fmt.Errorf("invalid extent count %d: %w", maxExtents, linuxerr.EINVAL)
	}
	return exportExtents(maxExtents, RDWRMPTVirtStart, m2pVA(m.MaxPage()), func(v hostarch.Addr) (physmem.MFN, bool) {
		l3e, _, ok := m.idle.EntryAt(v, 3)
		if !ok || !l3e.Valid() {
			return 0, false
		}
		if l3e.IsSuper() {
			return l3e.MFN().Add(uint64(v.L2Offset()) << hostarch.PagetableOrder), true
		}
		l2e, _, ok := m.idle.EntryAt(v, 2)
		if !ok || !l2e.Valid() {
			return 0, false
		}
		return l2e.MFN(), true
	}), nil
}

// MachphysCompatMFNList is MachphysMFNList for the compat M2P table.
func (m *Machine) MachphysCompatMFNList(maxExtents int) ([]physmem.MFN, error) {
	if !m.pv32 {
		return nil, fmt.Errorf("compat M2P: %w", linuxerr.EOPNOTSUPP)
	}
	if maxExtents < 0 {
		return nil, fmt.Errorf("invalid extent count %d: %w", maxExtents, linuxerr.EINVAL)
	}
	limit := min(compatM2PVA(m.MaxPage()), RDWRCompatMPTVirtEnd)
	return exportExtents(maxExtents, RDWRCompatMPTVirtStart, limit, func(v hostarch.Addr) (physmem.MFN, bool) {
		e := pagetables.ReadEntry(m.mem, m.compatIdleL2, v.L2Offset())
		return e.MFN(), e.Valid()
	}), nil
}
