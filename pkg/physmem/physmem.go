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

// Package physmem models the machine's physical memory: banks of frames that
// the platform makes addressable, their contents, and the short-lived
// mappings the hypervisor uses to read and write them.
//
// Frame contents are sparse. A frame that was never written reads as the
// byte pattern last filled over it (zero by default); the first write
// materializes a private copy carved out of an mmap-ed slab.
package physmem

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
)

// MFN is a machine frame number.
type MFN uint64

// InvalidMFN is never a valid machine frame.
const InvalidMFN = ^MFN(0)

// Addr returns the physical address of the first byte of the frame.
func (m MFN) Addr() uint64 {
	return uint64(m) << hostarch.PageShift
}

// Add returns m+n.
func (m MFN) Add(n uint64) MFN {
	return m + MFN(n)
}

// String implements fmt.Stringer.String.
func (m MFN) String() string {
	return fmt.Sprintf("%#x", uint64(m))
}

// AddrToMFN returns the frame containing physical address paddr.
func AddrToMFN(paddr uint64) MFN {
	return MFN(paddr >> hostarch.PageShift)
}

// Range is a half-open range of frames.
type Range struct {
	Start MFN
	End   MFN
}

// Len returns the number of frames in r.
func (r Range) Len() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if mfn lies in r.
func (r Range) Contains(mfn MFN) bool {
	return mfn >= r.Start && mfn < r.End
}

// Overlaps returns true if r and o share a frame.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}

// fillRange records that every unmaterialized frame in [start, end) reads
// as value.
type fillRange struct {
	start MFN
	end   MFN
	value byte
}

func fillLess(a, b fillRange) bool {
	return a.start < b.start
}

// slabFrames is the number of frames carved out of one mmap-ed slab.
const slabFrames = hostarch.PagesPerHugePage

// Memory is the machine's physical memory.
type Memory struct {
	mu sync.RWMutex

	// banks are the populated ranges, sorted by start.
	banks []Range

	// frames holds materialized frame contents.
	frames map[MFN][]byte

	// fills holds the fill patterns of unmaterialized frames.
	fills *btree.BTreeG[fillRange]

	// slabs are the mmap-ed regions frame buffers are carved from.
	slabs [][]byte

	// spare holds frame buffers that can be reused.
	spare [][]byte

	// outstanding is the number of unreleased temporary mappings.
	outstanding atomic.Int64
}

// New returns an empty Memory with no banks.
func New() *Memory {
	return &Memory{
		frames: make(map[MFN][]byte),
		fills:  btree.NewG[fillRange](16, fillLess),
	}
}

// AddBank makes [start, end) addressable. New frames read as zero.
func (m *Memory) AddBank(start, end MFN) error {
	if start >= end {
		return fmt.Errorf("empty bank [%#x, %#x)", uint64(start), uint64(end))
	}
	r := Range{Start: start, End: end}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.banks {
		if b.Overlaps(r) {
			return fmt.Errorf("bank %v overlaps existing bank %v", r, b)
		}
	}
	m.banks = append(m.banks, r)
	sort.Slice(m.banks, func(i, j int) bool { return m.banks[i].Start < m.banks[j].Start })
	return nil
}

// Banks returns a copy of the populated ranges, sorted by start.
func (m *Memory) Banks() []Range {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Range(nil), m.banks...)
}

// Valid returns true if mfn is backed by a bank.
func (m *Memory) Valid(mfn MFN) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validLocked(mfn)
}

// ValidRange returns true if every frame of r is backed by a bank.
func (m *Memory) ValidRange(r Range) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.banks {
		if r.Start >= b.Start && r.End <= b.End {
			return true
		}
	}
	return false
}

// Preconditions: m.mu is locked.
func (m *Memory) validLocked(mfn MFN) bool {
	i := sort.Search(len(m.banks), func(i int) bool { return m.banks[i].End > mfn })
	return i < len(m.banks) && m.banks[i].Contains(mfn)
}

// Preconditions: m.mu is locked.
func (m *Memory) checkLocked(mfn MFN) {
	if !m.validLocked(mfn) {
		panic(fmt.Sprintf("machine check: access to unpopulated frame %v", mfn))
	}
}

// fillValueLocked returns the byte an unmaterialized frame reads as.
//
// Preconditions: m.mu is locked.
func (m *Memory) fillValueLocked(mfn MFN) byte {
	value := byte(0)
	m.fills.DescendLessOrEqual(fillRange{start: mfn}, func(r fillRange) bool {
		if mfn < r.end {
			value = r.value
		}
		return false
	})
	return value
}

// materializeLocked returns the private buffer of mfn, creating it if needed.
//
// Preconditions: m.mu is locked for writing.
func (m *Memory) materializeLocked(mfn MFN) []byte {
	if buf, ok := m.frames[mfn]; ok {
		return buf
	}
	buf := m.newBufferLocked()
	if v := m.fillValueLocked(mfn); v != 0 {
		for i := range buf {
			buf[i] = v
		}
	}
	m.frames[mfn] = buf
	return buf
}

// newBufferLocked returns a zeroed frame-sized buffer.
//
// Preconditions: m.mu is locked for writing.
func (m *Memory) newBufferLocked() []byte {
	if n := len(m.spare); n > 0 {
		buf := m.spare[n-1]
		m.spare = m.spare[:n-1]
		clear(buf)
		return buf
	}
	slab, err := unix.Mmap(-1, 0, slabFrames*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(fmt.Sprintf("failed to mmap frame slab: %v", err))
	}
	m.slabs = append(m.slabs, slab)
	for i := 1; i < slabFrames; i++ {
		m.spare = append(m.spare, slab[i*hostarch.PageSize:(i+1)*hostarch.PageSize:(i+1)*hostarch.PageSize])
	}
	return slab[:hostarch.PageSize:hostarch.PageSize]
}

// Fill sets every byte of frames [mfn, mfn+n) to value.
func (m *Memory) Fill(mfn MFN, n uint64, value byte) {
	if n == 0 {
		return
	}
	end := mfn.Add(n)
	m.mu.Lock()
	defer m.mu.Unlock()
	for f := mfn; f < end; f++ {
		m.checkLocked(f)
		if buf, ok := m.frames[f]; ok {
			delete(m.frames, f)
			m.spare = append(m.spare, buf)
		}
	}
	m.clearFillsLocked(mfn, end)
	if value != 0 {
		m.fills.ReplaceOrInsert(fillRange{start: mfn, end: end, value: value})
	}
}

// Zero clears frames [mfn, mfn+n).
func (m *Memory) Zero(mfn MFN, n uint64) {
	m.Fill(mfn, n, 0)
}

// clearFillsLocked drops fill patterns for [start, end), trimming ranges that
// straddle either edge.
//
// Preconditions: m.mu is locked for writing.
func (m *Memory) clearFillsLocked(start, end MFN) {
	var hit []fillRange
	m.fills.DescendLessOrEqual(fillRange{start: start}, func(r fillRange) bool {
		if r.end > start {
			hit = append(hit, r)
		}
		return false
	})
	m.fills.AscendGreaterOrEqual(fillRange{start: start + 1}, func(r fillRange) bool {
		if r.start >= end {
			return false
		}
		hit = append(hit, r)
		return true
	})
	for _, r := range hit {
		m.fills.Delete(r)
		if r.start < start {
			m.fills.ReplaceOrInsert(fillRange{start: r.start, end: start, value: r.value})
		}
		if r.end > end {
			m.fills.ReplaceOrInsert(fillRange{start: end, end: r.end, value: r.value})
		}
	}
}

// Read copies len(dst) bytes starting at physical address paddr. The range
// must not cross a frame boundary.
func (m *Memory) Read(paddr uint64, dst []byte) {
	mfn, off := AddrToMFN(paddr), paddr&hostarch.PageMask
	if off+uint64(len(dst)) > hostarch.PageSize {
		panic(fmt.Sprintf("read of %d bytes at %#x crosses a frame boundary", len(dst), paddr))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.checkLocked(mfn)
	if buf, ok := m.frames[mfn]; ok {
		copy(dst, buf[off:])
		return
	}
	v := m.fillValueLocked(mfn)
	for i := range dst {
		dst[i] = v
	}
}

// Write copies src to physical address paddr. The range must not cross a
// frame boundary.
func (m *Memory) Write(paddr uint64, src []byte) {
	mfn, off := AddrToMFN(paddr), paddr&hostarch.PageMask
	if off+uint64(len(src)) > hostarch.PageSize {
		panic(fmt.Sprintf("write of %d bytes at %#x crosses a frame boundary", len(src), paddr))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLocked(mfn)
	copy(m.materializeLocked(mfn)[off:], src)
}

// ReadUint64 reads the little-endian 64-bit word at paddr.
func (m *Memory) ReadUint64(paddr uint64) uint64 {
	var b [8]byte
	m.Read(paddr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// WriteUint64 writes v as a little-endian 64-bit word at paddr.
func (m *Memory) WriteUint64(paddr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.Write(paddr, b[:])
}

// ReadUint32 reads the little-endian 32-bit word at paddr.
func (m *Memory) ReadUint32(paddr uint64) uint32 {
	var b [4]byte
	m.Read(paddr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// WriteUint32 writes v as a little-endian 32-bit word at paddr.
func (m *Memory) WriteUint32(paddr uint64, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	m.Write(paddr, b[:])
}

// Materialized returns the number of frames holding private contents.
func (m *Memory) Materialized() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.frames)
}

// munmap is replaced in tests.
var munmap = unix.Munmap

// Release returns all slabs to the host. m must not be used afterwards.
func (m *Memory) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, slab := range m.slabs {
		if err := munmap(slab); err != nil {
			log.Warningf("Releasing slab of %d bytes: %v", len(slab), err)
		}
	}
	m.slabs = nil
	m.spare = nil
	m.frames = nil
	m.fills.Clear(false)
}
