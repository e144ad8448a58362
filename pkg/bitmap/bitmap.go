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

// Package bitmap provides a fixed-width set of small non-negative integers
// backed by 64-bit words.
package bitmap

import (
	"math/bits"
)

// Bitmap is a set of indices. The zero value is an empty set that grows on
// Add.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits, 64 per word.
	bitBlock []uint64
}

// New creates a new empty Bitmap able to hold indices below size without
// growing.
func New(size uint32) Bitmap {
	return Bitmap{bitBlock: make([]uint64, (size+63)/64)}
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the number of indices the bitmap holds without growing.
func (b *Bitmap) Size() uint32 {
	return uint32(len(b.bitBlock) * 64)
}

// GetNumOnes returns the number of ones in the bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Test returns true iff i is in the set.
func (b *Bitmap) Test(i uint32) bool {
	blockNum := int(i / 64)
	if blockNum >= len(b.bitBlock) {
		return false
	}
	return b.bitBlock[blockNum]&(uint64(1)<<(i%64)) != 0
}

// Add adds i to the set, growing the bitmap if necessary.
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if x, y := int(blockNum), len(b.bitBlock); x >= y {
		b.bitBlock = append(b.bitBlock, make([]uint64, x-y+1)...)
	}
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove removes i from the set.
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if int(blockNum) >= len(b.bitBlock) {
		return
	}
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// AddRange adds every index in [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// ClearRange removes every index in [begin, end).
func (b *Bitmap) ClearRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Remove(i)
	}
}

// FindNextOne returns the first index in [start, end) that is set, or end if
// there is none.
func (b *Bitmap) FindNextOne(start, end uint32) uint32 {
	return b.findNext(start, end, false)
}

// FindNextZero returns the first index in [start, end) that is clear, or end
// if there is none.
func (b *Bitmap) FindNextZero(start, end uint32) uint32 {
	return b.findNext(start, end, true)
}

// FindFirstOne returns the lowest index in [0, end) that is set, or end.
func (b *Bitmap) FindFirstOne(end uint32) uint32 {
	return b.FindNextOne(0, end)
}

func (b *Bitmap) findNext(start, end uint32, invert bool) uint32 {
	if start >= end {
		return end
	}
	i := int(start / 64)
	w := b.word(i, invert) & (^uint64(0) << (start % 64))
	for {
		if w != 0 {
			r := uint32(i*64 + bits.TrailingZeros64(w))
			if r >= end {
				return end
			}
			return r
		}
		i++
		if uint32(i*64) >= end {
			return end
		}
		w = b.word(i, invert)
	}
}

// word returns block i, or zero past the end of the storage. When invert is
// set the complement is returned, so absent blocks read as all ones.
func (b *Bitmap) word(i int, invert bool) uint64 {
	var w uint64
	if i < len(b.bitBlock) {
		w = b.bitBlock[i]
	}
	if invert {
		return ^w
	}
	return w
}

// Union adds every index of other to b.
func (b *Bitmap) Union(other *Bitmap) {
	if len(other.bitBlock) > len(b.bitBlock) {
		b.bitBlock = append(b.bitBlock, make([]uint64, len(other.bitBlock)-len(b.bitBlock))...)
	}
	for i, w := range other.bitBlock {
		b.bitBlock[i] |= w
	}
	b.recount()
}

// Intersect removes every index of b that is not in other.
func (b *Bitmap) Intersect(other *Bitmap) {
	for i := range b.bitBlock {
		var w uint64
		if i < len(other.bitBlock) {
			w = other.bitBlock[i]
		}
		b.bitBlock[i] &= w
	}
	b.recount()
}

func (b *Bitmap) recount() {
	ones := 0
	for _, w := range b.bitBlock {
		ones += bits.OnesCount64(w)
	}
	b.numOnes = uint32(ones)
}

// Clone creates a copy of the bitmap.
func (b *Bitmap) Clone() Bitmap {
	bitmap := Bitmap{b.numOnes, make([]uint64, len(b.bitBlock))}
	copy(bitmap.bitBlock, b.bitBlock)
	return bitmap
}

// ToSlice transforms a Bitmap into a sorted slice.
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	for i, block := range b.bitBlock {
		for block != 0 {
			bitmapSlice = append(bitmapSlice, uint32(i*64+bits.TrailingZeros64(block)))
			block &= block - 1
		}
	}
	return bitmapSlice
}
