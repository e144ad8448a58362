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
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/physmem"
)

// visitor is the per-operation logic applied by a walker.
type visitor interface {
	// requiresAlloc returns true if missing tables should be created.
	requiresAlloc() bool

	// requiresSplit returns true if partially covered superpages must be
	// broken up into the next level.
	requiresSplit() bool

	// visit is called for each leaf entry covering the walked range,
	// including empty entries when requiresAlloc. start is the address the
	// entry maps. For an empty L2 or L3 entry, e arrives with only Super
	// set; the visitor either installs a superpage or clears e, in which
	// case the walker descends into a new table.
	visit(start uint64, e *PTE, level int) error
}

// walker iterates over the page tables of pt in a given range.
type walker struct {
	pt      *Tables
	visitor visitor
}

// addrEnd returns the next boundary of size after addr, or end if that
// comes earlier.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange walks [start, end). Both must be page aligned and lie in
// the same canonical half.
func (w *walker) iterateRange(start, end uint64) error {
	if start >= end {
		return nil
	}
	_, err := w.walkTable(w.pt.root, 4, start, end)
	return err
}

// walkTable visits the entries of table (at level) covering [start, end)
// and returns the number of entries of the range that ended up empty.
func (w *walker) walkTable(table physmem.MFN, level int, start, end uint64) (int, error) {
	var (
		clear int
		shift = hostarch.LevelShift(level)
		size  = uint64(1) << shift
	)
	for start < end {
		nextBoundary := addrEnd(start, end, size)
		index := hostarch.Addr(start).Offset(level)
		entry := w.pt.readEntry(table, index)
		old := entry

		if level == 1 {
			if !entry.Valid() && !w.visitor.requiresAlloc() {
				clear++
				start = nextBoundary
				continue
			}
			if err := w.visitor.visit(start&^(size-1), &entry, level); err != nil {
				return clear, err
			}
			if entry != old {
				w.pt.writeEntry(table, index, entry)
			}
			if !entry.Valid() {
				clear++
			}
			start = nextBoundary
			continue
		}

		covered := start&(size-1) == 0 && end-start >= size
		var next physmem.MFN
		switch {
		case !entry.Valid():
			if !w.visitor.requiresAlloc() {
				clear++
				start = nextBoundary
				continue
			}
			// Try a superpage first when the range covers the whole
			// entry.
			if level <= 3 && covered {
				entry = Super
				if err := w.visitor.visit(start, &entry, level); err != nil {
					return clear, err
				}
				if entry.Valid() {
					w.pt.writeEntry(table, index, entry)
					start = nextBoundary
					continue
				}
			}
			mfn, err := w.pt.newTable()
			if err != nil {
				return clear, err
			}
			next = mfn
			w.pt.writeEntry(table, index, NewPTE(next, w.pt.tableFlags))

		case entry.IsSuper() && level <= 3:
			if !covered && w.visitor.requiresSplit() {
				mfn, err := w.pt.shatter(entry, level)
				if err != nil {
					return clear, err
				}
				next = mfn
				w.pt.writeEntry(table, index, NewPTE(next, w.pt.tableFlags))
				break
			}
			if err := w.visitor.visit(start&^(size-1), &entry, level); err != nil {
				return clear, err
			}
			if entry.Valid() || !w.visitor.requiresAlloc() {
				if entry != old {
					w.pt.writeEntry(table, index, entry)
				}
				if !entry.Valid() {
					clear++
				}
				start = nextBoundary
				continue
			}
			// The visitor dropped the superpage but wants the range
			// mapped at a finer granularity.
			mfn, err := w.pt.newTable()
			if err != nil {
				return clear, err
			}
			next = mfn
			w.pt.writeEntry(table, index, NewPTE(next, w.pt.tableFlags))

		default:
			next = entry.MFN()
		}

		n, err := w.walkTable(next, level-1, start, nextBoundary)
		if err != nil {
			return clear, err
		}

		// Check if we no longer need this table.
		if !w.pt.isPinned(next) && (n == hostarch.PagetableEntries || (n > 0 && w.pt.tableEmpty(next))) {
			w.pt.writeEntry(table, index, 0)
			w.pt.queueFree(next)
			clear++
		}
		start = nextBoundary
	}
	return clear, nil
}

// mapVisitor installs a linear mapping of frames starting at mfn for the
// range starting at base.
type mapVisitor struct {
	base    uint64
	mfn     physmem.MFN
	flags   PTE
	allow1G bool

	// replaced is set if a present entry was overwritten.
	replaced bool
}

func (*mapVisitor) requiresAlloc() bool { return true }

func (*mapVisitor) requiresSplit() bool { return true }

func (v *mapVisitor) visit(start uint64, e *PTE, level int) error {
	target := v.mfn.Add((start - v.base) >> hostarch.PageShift)
	if level == 1 {
		if e.Valid() {
			v.replaced = true
		}
		*e = NewPTE(target, v.flags&^Super)
		return nil
	}
	frames := physmem.MFN(1) << (hostarch.LevelShift(level) - hostarch.PageShift)
	if target&(frames-1) != 0 || (level == 3 && !v.allow1G) {
		if e.Valid() {
			v.replaced = true
		}
		*e = 0
		return nil
	}
	if e.Valid() {
		v.replaced = true
	}
	*e = NewPTE(target, v.flags|Super)
	return nil
}

// unmapVisitor clears every entry it visits.
type unmapVisitor struct {
	count int
}

func (*unmapVisitor) requiresAlloc() bool { return false }

func (*unmapVisitor) requiresSplit() bool { return true }

func (v *unmapVisitor) visit(start uint64, e *PTE, level int) error {
	if e.Valid() {
		v.count++
	}
	*e = 0
	return nil
}
