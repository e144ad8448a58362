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

	"gvisor.dev/hvmm/pkg/hostarch"
)

// PDXGroupCount is the number of frames whose metadata fills one 2 MiB
// chunk of the frame table. Frame table backing is managed per group.
const PDXGroupCount = hostarch.HugePageSize / PageInfoSize

// pdxCompressor squeezes a run of always-zero frame number bits out of
// frame numbers, so the frame table does not have to cover the gap.
type pdxCompressor struct {
	bottomMask uint64
	topMask    uint64
	holeMask   uint64
	holeShift  uint
}

// newPDXCompressor returns a compressor removing bits [shift, shift+bits)
// of the frame number. bits == 0 disables compression.
func newPDXCompressor(shift, bits uint) (pdxCompressor, error) {
	if bits == 0 {
		return pdxCompressor{bottomMask: ^uint64(0)}, nil
	}
	if shift+bits > hostarch.PAddrBits-hostarch.PageShift {
		return pdxCompressor{}, fmt.Errorf("pdx hole [%d, %d) beyond frame number width", shift, shift+bits)
	}
	if shift < PDXGroupShift {
		return pdxCompressor{}, fmt.Errorf("pdx hole at bit %d splits a pdx group", shift)
	}
	c := pdxCompressor{
		bottomMask: uint64(1)<<shift - 1,
		topMask:    ^(uint64(1)<<(shift+bits) - 1),
		holeShift:  bits,
	}
	c.holeMask = ^(c.bottomMask | c.topMask)
	return c, nil
}

// PDXGroupShift is the binary log of PDXGroupCount.
const PDXGroupShift = 16

func (c *pdxCompressor) pfnToPDX(pfn uint64) uint64 {
	return (pfn & c.bottomMask) | (pfn&c.topMask)>>c.holeShift
}

func (c *pdxCompressor) pdxToPFN(pdx uint64) uint64 {
	return (pdx & c.bottomMask) | (pdx<<c.holeShift)&c.topMask
}

// compressible returns true if no frame of [pfn, pfn+n) has a bit set in
// the hole.
func (c *pdxCompressor) compressible(pfn, n uint64) bool {
	if c.holeMask == 0 || n == 0 {
		return true
	}
	last := pfn + n - 1
	if pfn&c.holeMask != 0 || last&c.holeMask != 0 {
		return false
	}
	return pfn&c.topMask == last&c.topMask
}
