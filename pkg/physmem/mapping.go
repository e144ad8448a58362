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

package physmem

import (
	"fmt"

	"gvisor.dev/hvmm/pkg/hostarch"
)

// Mapping is a temporary mapping of one frame, positioned at an offset
// within it. Every Mapping must be released exactly once.
type Mapping struct {
	mem      *Memory
	mfn      MFN
	offset   uint64
	released bool
}

// Map returns a temporary mapping of mfn at offset zero.
func (m *Memory) Map(mfn MFN) *Mapping {
	return m.MapAddr(mfn.Addr())
}

// MapAddr returns a temporary mapping of the frame containing paddr,
// positioned at paddr.
func (m *Memory) MapAddr(paddr uint64) *Mapping {
	mfn := AddrToMFN(paddr)
	if !m.Valid(mfn) {
		panic(fmt.Sprintf("mapping unpopulated frame %v", mfn))
	}
	m.outstanding.Add(1)
	return &Mapping{mem: m, mfn: mfn, offset: paddr & hostarch.PageMask}
}

// Outstanding returns the number of mappings not yet released.
func (m *Memory) Outstanding() int64 {
	return m.outstanding.Load()
}

// MFN returns the mapped frame.
func (mp *Mapping) MFN() MFN {
	return mp.mfn
}

// Offset returns the position of the mapping within its frame.
func (mp *Mapping) Offset() uint64 {
	return mp.offset
}

// Addr returns the physical address the mapping points at.
func (mp *Mapping) Addr() uint64 {
	return mp.mfn.Addr() + mp.offset
}

func (mp *Mapping) addr(off uint64) uint64 {
	if mp.released {
		panic(fmt.Sprintf("use of released mapping of frame %v", mp.mfn))
	}
	return mp.mfn.Addr() + off
}

// ReadUint64 reads the 64-bit word at byte offset off within the frame.
func (mp *Mapping) ReadUint64(off uint64) uint64 {
	return mp.mem.ReadUint64(mp.addr(off))
}

// WriteUint64 writes the 64-bit word at byte offset off within the frame.
func (mp *Mapping) WriteUint64(off, v uint64) {
	mp.mem.WriteUint64(mp.addr(off), v)
}

// ReadUint32 reads the 32-bit word at byte offset off within the frame.
func (mp *Mapping) ReadUint32(off uint64) uint32 {
	return mp.mem.ReadUint32(mp.addr(off))
}

// WriteUint32 writes the 32-bit word at byte offset off within the frame.
func (mp *Mapping) WriteUint32(off uint64, v uint32) {
	mp.mem.WriteUint32(mp.addr(off), v)
}

// Load reads the 64-bit word the mapping points at.
func (mp *Mapping) Load() uint64 {
	return mp.ReadUint64(mp.offset)
}

// Store writes the 64-bit word the mapping points at.
func (mp *Mapping) Store(v uint64) {
	mp.WriteUint64(mp.offset, v)
}

// Release drops the mapping.
func (mp *Mapping) Release() {
	if mp.released {
		panic(fmt.Sprintf("double release of mapping of frame %v", mp.mfn))
	}
	mp.released = true
	mp.mem.outstanding.Add(-1)
}
