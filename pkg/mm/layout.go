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
)

// Hypervisor virtual layout. Every region is 1 GiB aligned.
const (
	// ROMPTVirtStart is the read-only M2P window visible to PV guests.
	ROMPTVirtStart hostarch.Addr = 0xffff800000000000
	ROMPTVirtEnd                 = ROMPTVirtStart + 256<<30

	// RDWRMPTVirtStart is the writable M2P window.
	RDWRMPTVirtStart hostarch.Addr = 0xffff828000000000
	RDWRMPTVirtEnd                 = RDWRMPTVirtStart + 256<<30

	// RDWRCompatMPTVirtStart is the writable compat M2P window.
	RDWRCompatMPTVirtStart hostarch.Addr = 0xffff82c000000000
	RDWRCompatMPTVirtEnd                 = RDWRCompatMPTVirtStart + CompatMPTVirtSize

	// FrameTableVirtStart is the base of the frame table.
	FrameTableVirtStart hostarch.Addr = 0xffff82e000000000
	FrameTableSize                    = 128 << 30

	// DirectMapVirtStart is the 1:1 map of machine memory.
	DirectMapVirtStart hostarch.Addr = 0xffff830000000000
	DirectMapSize                    = 5 << 40
	DirectMapVirtEnd                 = DirectMapVirtStart + DirectMapSize
)

const (
	// CompatMPTVirtSize bounds the compat M2P table.
	CompatMPTVirtSize = 1 << 30

	// CompatM2PEntries is the number of frames the compat table can
	// describe.
	CompatM2PEntries = CompatMPTVirtSize / 4

	// FrameTableNR is the number of pdx values the frame table can
	// describe.
	FrameTableNR = FrameTableSize / PageInfoSize

	// DirectMapFrames is the number of frames the direct map can hold.
	DirectMapFrames = DirectMapSize >> hostarch.PageShift
)

// Compat guest layout, in the guest's 32-bit address space.
const (
	// MachPhysCompatVirtEnd is the end of a compat guest's M2P window.
	MachPhysCompatVirtEnd = 0xFFE00000

	// DefaultHypervisorCompatVirtStart is the default start of the
	// hypervisor hole in a compat guest.
	DefaultHypervisorCompatVirtStart = 0xF5800000

	// compatM2PL3Slot is the L3 slot holding a compat guest's M2P window.
	compatM2PL3Slot = 3
)

// M2P sentinels.
const (
	// InvalidM2PEntry marks an M2P slot with no guest frame.
	InvalidM2PEntry = ^uint64(0)

	// SharedM2PEntry marks a frame owned by the copy-on-write domain.
	SharedM2PEntry = ^uint64(0) - 1

	// InvalidCompatM2PEntry and SharedCompatM2PEntry are the 32-bit forms.
	InvalidCompatM2PEntry = ^uint32(0)
	SharedCompatM2PEntry  = ^uint32(0) - 1
)

// m2pChunkFrames is the number of frames described by one 2 MiB chunk of
// the M2P table, and compatChunkFrames the same for the compat table.
const (
	m2pChunkFrames    = hostarch.HugePageSize / 8
	compatChunkFrames = hostarch.HugePageSize / 4

	// m2pSuperFrames is the number of frames described by one 1 GiB leaf.
	m2pSuperFrames = hostarch.SuperPageSize / 8
)

func m2pVA(mfn uint64) hostarch.Addr {
	return RDWRMPTVirtStart + hostarch.Addr(mfn*8)
}

func roM2PVA(mfn uint64) hostarch.Addr {
	return ROMPTVirtStart + hostarch.Addr(mfn*8)
}

func compatM2PVA(mfn uint64) hostarch.Addr {
	return RDWRCompatMPTVirtStart + hostarch.Addr(mfn*4)
}

func directMapVA(mfn uint64) hostarch.Addr {
	return DirectMapVirtStart + hostarch.Addr(mfn<<hostarch.PageShift)
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func roundDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
