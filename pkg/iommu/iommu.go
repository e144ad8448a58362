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

// Package iommu models the I/O translation tables of the hardware domain.
package iommu

import (
	"fmt"
	"sync"

	"gvisor.dev/hvmm/pkg/errors/linuxerr"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/physmem"
)

// Mode describes how the I/O translation tables track the domain's own
// page tables.
type Mode int

const (
	// ModeDisabled means there is no I/O translation.
	ModeDisabled Mode = iota

	// ModeSharedHAP shares the domain's hardware-assisted paging tables.
	ModeSharedHAP

	// ModeSyncPT keeps separate tables synchronized on every p2m update.
	ModeSyncPT

	// ModeLegacy keeps separate tables that are only updated on request.
	ModeLegacy
)

var modeNames = map[Mode]string{
	ModeDisabled:  "disabled",
	ModeSharedHAP: "shared-hap",
	ModeSyncPT:    "sync-pt",
	ModeLegacy:    "legacy",
}

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses the String form of a Mode.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModeDisabled, fmt.Errorf("invalid IOMMU mode %q", s)
}

// Enabled returns true if I/O translation is active.
func (m Mode) Enabled() bool {
	return m != ModeDisabled
}

// NeedsExplicitMap returns true if new memory must be mapped into the I/O
// tables by whoever adds it.
func (m Mode) NeedsExplicitMap() bool {
	return m == ModeLegacy
}

// Flags are I/O mapping permissions.
type Flags uint32

const (
	Readable Flags = 1 << iota
	Writable
)

// Unit is the I/O translation sync hook.
type Unit interface {
	// Mode returns the current mode.
	Mode() Mode

	// Map installs an identity-style mapping of dfn to mfn.
	Map(dfn uint64, mfn physmem.MFN, flags Flags) error

	// Unmap removes the mapping of dfn.
	Unmap(dfn uint64) error
}

type entry struct {
	mfn   physmem.MFN
	flags Flags
}

// Op identifies an operation passed to a fault hook.
type Op int

const (
	OpMap Op = iota
	OpUnmap
)

// Table is an in-memory Unit.
type Table struct {
	mu      sync.Mutex
	mode    Mode
	entries map[uint64]entry
	fault   func(op Op, dfn uint64) error
}

// NewTable returns an empty table in the given mode.
func NewTable(mode Mode) *Table {
	return &Table{
		mode:    mode,
		entries: make(map[uint64]entry),
	}
}

// SetFaultHook installs fn, which is consulted before every operation. A
// non-nil result fails the operation with that error.
func (t *Table) SetFaultHook(fn func(op Op, dfn uint64) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fault = fn
}

// Mode implements Unit.Mode.
func (t *Table) Mode() Mode {
	return t.mode
}

// Map implements Unit.Map.
func (t *Table) Map(dfn uint64, mfn physmem.MFN, flags Flags) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mode.Enabled() {
		return fmt.Errorf("mapping dfn %#x: %w", dfn, linuxerr.EOPNOTSUPP)
	}
	if t.fault != nil {
		if err := t.fault(OpMap, dfn); err != nil {
			return fmt.Errorf("mapping dfn %#x: %w", dfn, err)
		}
	}
	t.entries[dfn] = entry{mfn: mfn, flags: flags}
	return nil
}

// Unmap implements Unit.Unmap.
func (t *Table) Unmap(dfn uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fault != nil {
		if err := t.fault(OpUnmap, dfn); err != nil {
			return fmt.Errorf("unmapping dfn %#x: %w", dfn, err)
		}
	}
	if _, ok := t.entries[dfn]; !ok {
		log.Debugf("IOMMU: unmapping dfn %#x which is not mapped", dfn)
		return fmt.Errorf("unmapping dfn %#x: %w", dfn, linuxerr.ENOENT)
	}
	delete(t.entries, dfn)
	return nil
}

// Lookup returns the mapping of dfn.
func (t *Table) Lookup(dfn uint64) (physmem.MFN, Flags, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[dfn]
	return e.mfn, e.flags, ok
}

// Len returns the number of mapped dfns.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
