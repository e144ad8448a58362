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

// Package pagetables manages 4-level x86-64 page tables that live in
// machine frames, together with the per-CPU translation caches that read
// them.
//
// Tables never free a frame directly. Table frames that become unused are
// queued and only handed back to the Allocator by TLB.FlushAll, once no
// processor can still hold a translation through them.
package pagetables

import (
	"fmt"
	"sync"

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/physmem"
)

// Options configures a set of page tables.
type Options struct {
	// Page1GB allows MapPages to install L3 superpages.
	Page1GB bool

	// NumCPUs is the number of processors with a translation cache.
	NumCPUs int

	// TableFlags are the flags of newly created non-leaf entries. Zero
	// selects TableFlags.
	TableFlags PTE
}

// Tables is a set of page tables rooted at a single L4 frame.
type Tables struct {
	mem   *physmem.Memory
	alloc Allocator

	// mu protects the contents of every table frame reachable from root,
	// and pending.
	mu sync.RWMutex

	root       physmem.MFN
	page1GB    bool
	tableFlags PTE

	// pending holds table frames waiting for the next global flush.
	pending []physmem.MFN

	// pinned holds tables that stay linked even when they become empty.
	pinned map[physmem.MFN]struct{}

	tlb *TLB
}

// New allocates an empty root table.
func New(mem *physmem.Memory, alloc Allocator, opts Options) (*Tables, error) {
	root, err := alloc.NewTable()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	if opts.TableFlags == 0 {
		opts.TableFlags = TableFlags
	}
	if opts.NumCPUs <= 0 {
		opts.NumCPUs = 1
	}
	t := &Tables{
		mem:        mem,
		alloc:      alloc,
		root:       root,
		page1GB:    opts.Page1GB,
		tableFlags: opts.TableFlags,
	}
	t.tlb = newTLB(t, opts.NumCPUs)
	return t, nil
}

// Root returns the frame of the root table.
func (t *Tables) Root() physmem.MFN {
	return t.root
}

// TLB returns the translation caches that read t.
func (t *Tables) TLB() *TLB {
	return t.tlb
}

// Memory returns the memory the tables live in.
func (t *Tables) Memory() *physmem.Memory {
	return t.mem
}

func (t *Tables) readEntry(table physmem.MFN, index int) PTE {
	return ReadEntry(t.mem, table, index)
}

func (t *Tables) writeEntry(table physmem.MFN, index int, e PTE) {
	WriteEntry(t.mem, table, index, e)
}

func (t *Tables) newTable() (physmem.MFN, error) {
	return t.alloc.NewTable()
}

// tableEmpty returns true if no entry of table is present.
func (t *Tables) tableEmpty(table physmem.MFN) bool {
	mp := t.mem.Map(table)
	defer mp.Release()
	for i := uint64(0); i < hostarch.PagetableEntries; i++ {
		if PTE(mp.ReadUint64(i*8)).Valid() {
			return false
		}
	}
	return true
}

// queueFree defers the release of a table frame to the next flush.
//
// Preconditions: t.mu is locked for writing.
func (t *Tables) queueFree(mfn physmem.MFN) {
	t.pending = append(t.pending, mfn)
}

// releasePending hands queued table frames back to the allocator.
func (t *Tables) releasePending() int {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, mfn := range pending {
		t.alloc.FreeTable(mfn)
	}
	return len(pending)
}

// Pin keeps table linked when it becomes empty.
func (t *Tables) Pin(table physmem.MFN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pinned == nil {
		t.pinned = make(map[physmem.MFN]struct{})
	}
	t.pinned[table] = struct{}{}
}

// Preconditions: t.mu is locked.
func (t *Tables) isPinned(table physmem.MFN) bool {
	_, ok := t.pinned[table]
	return ok
}

// Pending returns the number of table frames waiting for a flush.
func (t *Tables) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// shatter returns a new table of the next level down that maps exactly
// what the superpage e at level maps.
func (t *Tables) shatter(e PTE, level int) (physmem.MFN, error) {
	table, err := t.newTable()
	if err != nil {
		return physmem.InvalidMFN, err
	}
	flags := e.Flags()
	if level == 2 {
		flags &^= Super
	}
	step := uint64(1) << (hostarch.LevelShift(level-1) - hostarch.PageShift)
	for i := 0; i < hostarch.PagetableEntries; i++ {
		t.writeEntry(table, i, NewPTE(e.MFN().Add(uint64(i)*step), flags))
	}
	log.Debugf("Shattered L%d superpage %v into table %v", level, e, table)
	return table, nil
}

// MapPages maps nr frames starting at mfn at va, using superpages where
// alignment allows. Existing mappings in the range are replaced; when that
// happens all translation caches are flushed before MapPages returns.
func (t *Tables) MapPages(va hostarch.Addr, mfn physmem.MFN, nr uint64, flags PTE) error {
	if !va.IsPageAligned() || !va.IsCanonical() {
		return fmt.Errorf("mapping at bad address %v", va)
	}
	end, ok := va.AddLength(nr << hostarch.PageShift)
	if !ok {
		return fmt.Errorf("mapping %d frames at %v overflows", nr, va)
	}
	v := &mapVisitor{
		base:    uint64(va),
		mfn:     mfn,
		flags:   flags | Present,
		allow1G: t.page1GB,
	}
	t.mu.Lock()
	w := walker{pt: t, visitor: v}
	err := w.iterateRange(uint64(va), uint64(end))
	t.mu.Unlock()
	if v.replaced {
		t.tlb.FlushAll()
	}
	return err
}

// DestroyMappings removes every mapping in [start, end), breaking up
// superpages that straddle either edge. Emptied tables are queued for
// release; the caller must flush before relying on their reuse.
func (t *Tables) DestroyMappings(start, end hostarch.Addr) int {
	start = start.RoundDown()
	end, ok := end.RoundUp()
	if !ok {
		panic(fmt.Sprintf("destroying mappings up to %v overflows", end))
	}
	v := &unmapVisitor{}
	t.mu.Lock()
	defer t.mu.Unlock()
	w := walker{pt: t, visitor: v}
	if err := w.iterateRange(uint64(start), uint64(end)); err != nil {
		// Splitting a superpage needs a table frame; without it the
		// range cannot be narrowed.
		panic(fmt.Sprintf("destroying mappings [%v, %v): %v", start, end, err))
	}
	return v.count
}

// Translation is the result of a page table lookup.
type Translation struct {
	// Frame is the frame that holds the looked-up address.
	Frame physmem.MFN

	// PAddr is the physical address of the looked-up address.
	PAddr uint64

	// Entry is the leaf entry.
	Entry PTE

	// Level is the level of the leaf entry.
	Level int

	// Tables are the table frames traversed, root first.
	Tables []physmem.MFN
}

// Lookup translates va.
func (t *Tables) Lookup(va hostarch.Addr) (Translation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookupLocked(va)
}

// Preconditions: t.mu is locked.
func (t *Tables) lookupLocked(va hostarch.Addr) (Translation, bool) {
	if !va.IsCanonical() {
		return Translation{}, false
	}
	tr := Translation{Tables: make([]physmem.MFN, 0, 4)}
	table := t.root
	for level := 4; level >= 1; level-- {
		tr.Tables = append(tr.Tables, table)
		e := t.readEntry(table, va.Offset(level))
		if !e.Valid() {
			return Translation{}, false
		}
		if level == 1 || (level <= 3 && e.IsSuper()) {
			offset := uint64(va) & (uint64(1)<<hostarch.LevelShift(level) - 1)
			tr.Entry = e
			tr.Level = level
			tr.PAddr = e.MFN().Addr() + offset
			tr.Frame = physmem.AddrToMFN(tr.PAddr)
			return tr, true
		}
		table = e.MFN()
	}
	panic("unreachable")
}

// EntryAt returns the entry of the level table that translates va, and the
// frame of that table. It returns false if a higher level entry is missing
// or maps a superpage.
func (t *Tables) EntryAt(va hostarch.Addr, level int) (PTE, physmem.MFN, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	table, ok := t.tableLocked(va, level)
	if !ok {
		return 0, physmem.InvalidMFN, false
	}
	return t.readEntry(table, va.Offset(level)), table, true
}

// Preconditions: t.mu is locked.
func (t *Tables) tableLocked(va hostarch.Addr, level int) (physmem.MFN, bool) {
	table := t.root
	for l := 4; l > level; l-- {
		e := t.readEntry(table, va.Offset(l))
		if !e.Valid() || (l <= 3 && e.IsSuper()) {
			return physmem.InvalidMFN, false
		}
		table = e.MFN()
	}
	return table, true
}

// EnsureTable returns the level table that translates va, creating missing
// intermediate tables with entries carrying flags.
func (t *Tables) EnsureTable(va hostarch.Addr, level int, flags PTE) (physmem.MFN, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	table := t.root
	for l := 4; l > level; l-- {
		index := va.Offset(l)
		e := t.readEntry(table, index)
		switch {
		case !e.Valid():
			next, err := t.newTable()
			if err != nil {
				return physmem.InvalidMFN, err
			}
			t.writeEntry(table, index, NewPTE(next, flags|Present))
			table = next
		case l <= 3 && e.IsSuper():
			return physmem.InvalidMFN, fmt.Errorf("%v is covered by an L%d superpage", va, l)
		default:
			table = e.MFN()
		}
	}
	return table, nil
}

// SetEntry writes the entry of the level table that translates va. The
// table must exist. Narrowing an entry requires a flush before the old
// target is reused.
func (t *Tables) SetEntry(va hostarch.Addr, level int, e PTE) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	table, ok := t.tableLocked(va, level)
	if !ok {
		return fmt.Errorf("no L%d table for %v", level, va)
	}
	t.writeEntry(table, va.Offset(level), e)
	return nil
}
