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

// Package heap implements the general machine-frame allocator.
//
// Frames are handed to the heap in ranges tagged with the NUMA node they
// belong to, and come back out as naturally aligned power-of-two blocks.
// The heap refuses to take back frames that a translation cache may still
// reach; see StaleChecker.
package heap

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/hvmm/pkg/errors/linuxerr"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/physmem"
)

// AnyNode places no node constraint on an allocation.
const AnyNode = -1

// MaxOrder is the largest supported allocation order.
const MaxOrder = 20

// StaleChecker reports whether any cached translation still references a
// frame in the given range.
type StaleChecker interface {
	HasStale(r physmem.Range) bool
}

// extent is a run of free frames on a single node.
type extent struct {
	start physmem.MFN
	end   physmem.MFN
	node  int
}

func extentLess(a, b extent) bool {
	return a.start < b.start
}

// Heap is a node-aware frame allocator.
type Heap struct {
	mu sync.Mutex

	// free holds disjoint free extents ordered by start. Adjacent extents
	// on the same node are always merged.
	free *btree.BTreeG[extent]

	// spans records which node owns each range given to Init.
	spans *btree.BTreeG[extent]

	freePages uint64

	stale StaleChecker
}

// New returns an empty heap.
func New() *Heap {
	return &Heap{
		free:  btree.NewG[extent](8, extentLess),
		spans: btree.NewG[extent](8, extentLess),
	}
}

// SetStaleChecker installs c. Frames reported stale by c are never accepted.
func (h *Heap) SetStaleChecker(c StaleChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stale = c
}

// Init hands [start, end) on node to the heap.
func (h *Heap) Init(start, end physmem.MFN, node int) {
	if start >= end {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.spans.ReplaceOrInsert(extent{start: start, end: end, node: node})
	h.insertLocked(extent{start: start, end: end, node: node})
	log.Debugf("Heap: added [%v, %v) on node %d", start, end, node)
}

// Alloc returns 1<<order contiguous frames aligned to their size,
// preferring node. It falls back to any node when node has no room.
func (h *Heap) Alloc(order uint, node int) (physmem.MFN, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mfn, ok := h.allocLocked(order, node); ok {
		return mfn, nil
	}
	if node != AnyNode {
		if mfn, ok := h.allocLocked(order, AnyNode); ok {
			return mfn, nil
		}
	}
	return physmem.InvalidMFN, fmt.Errorf("allocating order %d on node %d: %w", order, node, linuxerr.ENOMEM)
}

// AllocNode is like Alloc but never falls back to another node.
func (h *Heap) AllocNode(order uint, node int) (physmem.MFN, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mfn, ok := h.allocLocked(order, node); ok {
		return mfn, nil
	}
	return physmem.InvalidMFN, fmt.Errorf("allocating order %d on node %d: %w", order, node, linuxerr.ENOMEM)
}

// Preconditions: h.mu is locked.
func (h *Heap) allocLocked(order uint, node int) (physmem.MFN, bool) {
	if order > MaxOrder {
		return physmem.InvalidMFN, false
	}
	size := physmem.MFN(1) << order
	var (
		found extent
		at    physmem.MFN
		ok    bool
	)
	h.free.Ascend(func(e extent) bool {
		if node != AnyNode && e.node != node {
			return true
		}
		a := (e.start + size - 1) &^ (size - 1)
		if a < e.start || a+size > e.end {
			return true
		}
		found, at, ok = e, a, true
		return false
	})
	if !ok {
		return physmem.InvalidMFN, false
	}
	h.free.Delete(found)
	if found.start < at {
		h.free.ReplaceOrInsert(extent{start: found.start, end: at, node: found.node})
	}
	if at+size < found.end {
		h.free.ReplaceOrInsert(extent{start: at + size, end: found.end, node: found.node})
	}
	h.freePages -= uint64(size)
	return at, true
}

// Free returns 1<<order frames starting at mfn.
func (h *Heap) Free(mfn physmem.MFN, order uint) {
	h.FreeRange(mfn, mfn+physmem.MFN(1)<<order)
}

// FreeRange returns [start, end) to the heap. The frames must have come
// from the heap and must not be reachable through any cached translation.
func (h *Heap) FreeRange(start, end physmem.MFN) {
	if start >= end {
		return
	}
	// The checker takes the translation cache locks, which must not nest
	// inside h.mu.
	h.mu.Lock()
	stale := h.stale
	h.mu.Unlock()
	r := physmem.Range{Start: start, End: end}
	if stale != nil && stale.HasStale(r) {
		panic(fmt.Sprintf("freeing frames %v still reachable through a cached translation", r))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// Split along node spans.
	for s := start; s < end; {
		span, ok := h.spanLocked(s)
		if !ok {
			panic(fmt.Sprintf("freeing frame %v not owned by the heap", s))
		}
		e := min(end, span.end)
		h.insertLocked(extent{start: s, end: e, node: span.node})
		s = e
	}
}

// Preconditions: h.mu is locked.
func (h *Heap) spanLocked(mfn physmem.MFN) (extent, bool) {
	var (
		span extent
		ok   bool
	)
	h.spans.DescendLessOrEqual(extent{start: mfn}, func(e extent) bool {
		span, ok = e, mfn < e.end
		return false
	})
	return span, ok
}

// insertLocked adds e to the free set, merging with same-node neighbours.
//
// Preconditions: h.mu is locked.
func (h *Heap) insertLocked(e extent) {
	h.free.DescendLessOrEqual(extent{start: e.end - 1}, func(p extent) bool {
		if p.end > e.start {
			panic(fmt.Sprintf("double free of [%v, %v): overlaps free [%v, %v)", e.start, e.end, p.start, p.end))
		}
		return false
	})
	h.freePages += uint64(e.end - e.start)
	var (
		prev    extent
		hasPrev bool
	)
	h.free.DescendLessOrEqual(extent{start: e.start}, func(p extent) bool {
		prev, hasPrev = p, p.end == e.start && p.node == e.node
		return false
	})
	if hasPrev {
		h.free.Delete(prev)
		e.start = prev.start
	}
	if n, ok := h.free.Get(extent{start: e.end}); ok && n.node == e.node {
		h.free.Delete(n)
		e.end = n.end
	}
	h.free.ReplaceOrInsert(e)
}

// IsFree returns true if mfn is currently free.
func (h *Heap) IsFree(mfn physmem.MFN) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	free := false
	h.free.DescendLessOrEqual(extent{start: mfn}, func(e extent) bool {
		free = mfn < e.end
		return false
	})
	return free
}

// FreePages returns the number of free frames.
func (h *Heap) FreePages() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freePages
}

// NodeFreePages returns the number of free frames on node.
func (h *Heap) NodeFreePages(node int) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n uint64
	h.free.Ascend(func(e extent) bool {
		if e.node == node {
			n += uint64(e.end - e.start)
		}
		return true
	})
	return n
}
