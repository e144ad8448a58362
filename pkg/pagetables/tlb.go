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
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/physmem"
)

// cacheCapacity bounds the number of translations one processor caches.
const cacheCapacity = 4096

// cachedTranslation is a translation held by one processor. It pins the
// leaf frame and every table frame walked to produce it.
type cachedTranslation struct {
	frame  physmem.MFN
	entry  PTE
	tables []physmem.MFN
}

// cpuCache is the translation cache of a single processor.
type cpuCache struct {
	mu      sync.Mutex
	entries map[hostarch.Addr]cachedTranslation
}

// TLB is the set of per-processor translation caches for a page table.
// Cached translations survive changes to the tables until flushed.
type TLB struct {
	pt      *Tables
	cpus    []*cpuCache
	flushes atomic.Uint64
}

func newTLB(pt *Tables, numCPUs int) *TLB {
	t := &TLB{pt: pt, cpus: make([]*cpuCache, numCPUs)}
	for i := range t.cpus {
		t.cpus[i] = &cpuCache{entries: make(map[hostarch.Addr]cachedTranslation)}
	}
	return t
}

// NumCPUs returns the number of processors.
func (t *TLB) NumCPUs() int {
	return len(t.cpus)
}

// Translate returns the physical address of va as seen by cpu, filling the
// cache on a miss.
func (t *TLB) Translate(cpu int, va hostarch.Addr) (uint64, PTE, bool) {
	c := t.cpus[cpu]
	page := va.RoundDown()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ct, ok := c.entries[page]; ok {
		return ct.frame.Addr() + va.PageOffset(), ct.entry, true
	}
	tr, ok := t.pt.Lookup(va)
	if !ok {
		return 0, 0, false
	}
	if len(c.entries) >= cacheCapacity {
		clear(c.entries)
	}
	c.entries[page] = cachedTranslation{frame: tr.Frame, entry: tr.Entry, tables: tr.Tables}
	return tr.PAddr, tr.Entry, true
}

// Cached returns the number of translations held by cpu.
func (t *TLB) Cached(cpu int) int {
	c := t.cpus[cpu]
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FlushAll drops every cached translation on every processor, then
// releases the table frames queued by earlier narrowing operations.
func (t *TLB) FlushAll() {
	var g errgroup.Group
	for i, c := range t.cpus {
		i, c := i, c
		g.Go(func() error {
			c.mu.Lock()
			defer c.mu.Unlock()
			n := len(c.entries)
			clear(c.entries)
			if n > 0 {
				log.Debugf("CPU %d: flushed %d translations", i, n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		panic(fmt.Sprintf("TLB flush failed: %v", err))
	}
	t.flushes.Add(1)
	if n := t.pt.releasePending(); n > 0 {
		log.Debugf("Released %d page table frames after flush", n)
	}
}

// Flushes returns the number of global flushes performed.
func (t *TLB) Flushes() uint64 {
	return t.flushes.Load()
}

// HasStale returns true if any processor caches a translation that reaches
// a frame in r, either as its target or as a table walked to produce it.
func (t *TLB) HasStale(r physmem.Range) bool {
	for _, c := range t.cpus {
		c.mu.Lock()
		stale := c.staleLocked(r)
		c.mu.Unlock()
		if stale {
			return true
		}
	}
	return false
}

// Preconditions: c.mu is locked.
func (c *cpuCache) staleLocked(r physmem.Range) bool {
	for _, ct := range c.entries {
		if r.Contains(ct.frame) {
			return true
		}
		for _, table := range ct.tables {
			if r.Contains(table) {
				return true
			}
		}
	}
	return false
}

func (t *TLB) translateOrPanic(cpu int, va hostarch.Addr, write bool) uint64 {
	paddr, e, ok := t.Translate(cpu, va)
	if !ok {
		panic(fmt.Sprintf("CPU %d: page fault at %v", cpu, va))
	}
	if write && e&Writable == 0 {
		panic(fmt.Sprintf("CPU %d: write to read-only mapping at %v", cpu, va))
	}
	return paddr
}

// ReadUint64 reads the 64-bit word at va through cpu's translations.
func (t *TLB) ReadUint64(cpu int, va hostarch.Addr) uint64 {
	return t.pt.mem.ReadUint64(t.translateOrPanic(cpu, va, false))
}

// WriteUint64 writes the 64-bit word at va through cpu's translations.
func (t *TLB) WriteUint64(cpu int, va hostarch.Addr, v uint64) {
	t.pt.mem.WriteUint64(t.translateOrPanic(cpu, va, true), v)
}

// ReadUint32 reads the 32-bit word at va through cpu's translations.
func (t *TLB) ReadUint32(cpu int, va hostarch.Addr) uint32 {
	return t.pt.mem.ReadUint32(t.translateOrPanic(cpu, va, false))
}

// WriteUint32 writes the 32-bit word at va through cpu's translations.
func (t *TLB) WriteUint32(cpu int, va hostarch.Addr, v uint32) {
	t.pt.mem.WriteUint32(t.translateOrPanic(cpu, va, true), v)
}
