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
	"gvisor.dev/hvmm/pkg/heap"
	"gvisor.dev/hvmm/pkg/physmem"
)

// Allocator provides frames for page tables.
type Allocator interface {
	// NewTable returns a zeroed frame.
	NewTable() (physmem.MFN, error)

	// FreeTable releases a frame returned by NewTable. It is only called
	// once no cached translation can reach the frame.
	FreeTable(mfn physmem.MFN)
}

// HeapAllocator allocates table frames from a heap.
type HeapAllocator struct {
	Mem  *physmem.Memory
	Heap *heap.Heap

	// Node is the preferred NUMA node, or heap.AnyNode.
	Node int
}

// NewTable implements Allocator.NewTable.
func (a *HeapAllocator) NewTable() (physmem.MFN, error) {
	mfn, err := a.Heap.Alloc(0, a.Node)
	if err != nil {
		return physmem.InvalidMFN, err
	}
	a.Mem.Zero(mfn, 1)
	return mfn, nil
}

// FreeTable implements Allocator.FreeTable.
func (a *HeapAllocator) FreeTable(mfn physmem.MFN) {
	a.Heap.Free(mfn, 0)
}
