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

package heap

import (
	"errors"
	"testing"

	"gvisor.dev/hvmm/pkg/errors/linuxerr"
	"gvisor.dev/hvmm/pkg/physmem"
)

type staleSet struct {
	r physmem.Range
}

func (s *staleSet) HasStale(r physmem.Range) bool {
	return s.r.Overlaps(r)
}

func TestAllocAlignment(t *testing.T) {
	h := New()
	h.Init(0x3, 0x1000, 0)
	for _, order := range []uint{0, 1, 4, 9} {
		mfn, err := h.Alloc(order, 0)
		if err != nil {
			t.Fatalf("Alloc(%d) failed: %v", order, err)
		}
		if mfn&(physmem.MFN(1)<<order-1) != 0 {
			t.Errorf("Alloc(%d) = %v, not aligned", order, mfn)
		}
	}
	if got, want := h.FreePages(), uint64(0x1000-0x3-1-2-16-512); got != want {
		t.Errorf("FreePages() = %d, want %d", got, want)
	}
}

func TestAllocExhaustion(t *testing.T) {
	h := New()
	h.Init(0, 0x200, 0)
	if _, err := h.Alloc(9, 0); err != nil {
		t.Fatalf("Alloc(9) failed: %v", err)
	}
	_, err := h.Alloc(0, 0)
	if !errors.Is(err, linuxerr.ENOMEM) {
		t.Errorf("Alloc on empty heap returned %v, want ENOMEM", err)
	}
}

func TestNodePreference(t *testing.T) {
	h := New()
	h.Init(0, 0x100, 0)
	h.Init(0x100, 0x200, 1)

	mfn, err := h.Alloc(4, 1)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if mfn < 0x100 {
		t.Errorf("Alloc(4, node 1) = %v, want a node 1 frame", mfn)
	}
	if _, err := h.AllocNode(8, 1); err == nil {
		t.Errorf("AllocNode(8, node 1) succeeded with only 0xf0 frames left on node 1")
	}
	mfn, err = h.Alloc(8, 1)
	if err != nil {
		t.Fatalf("Alloc with fallback failed: %v", err)
	}
	if mfn != 0 {
		t.Errorf("fallback allocation = %v, want 0x0", mfn)
	}
	if got := h.NodeFreePages(0); got != 0 {
		t.Errorf("NodeFreePages(0) = %d, want 0", got)
	}
}

func TestFreeMerges(t *testing.T) {
	h := New()
	h.Init(0, 0x400, 0)
	a, _ := h.Alloc(9, 0)
	b, _ := h.Alloc(9, 0)
	if _, err := h.Alloc(10, 0); err == nil {
		t.Fatalf("Alloc(10) succeeded on a drained heap")
	}
	h.Free(b, 9)
	h.Free(a, 9)
	if !h.IsFree(0) || !h.IsFree(0x3ff) {
		t.Errorf("freed frames not reported free")
	}
	if _, err := h.Alloc(10, 0); err != nil {
		t.Errorf("Alloc(10) after merging frees failed: %v", err)
	}
}

func TestFreePanics(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func(h *Heap)
	}{
		{
			name: "double free",
			fn:   func(h *Heap) { h.Free(0x10, 0) },
		},
		{
			name: "foreign frame",
			fn:   func(h *Heap) { h.FreeRange(0x1000, 0x1001) },
		},
		{
			name: "stale translation",
			fn: func(h *Heap) {
				mfn, _ := h.Alloc(0, 0)
				h.SetStaleChecker(&staleSet{r: physmem.Range{Start: mfn, End: mfn + 1}})
				h.Free(mfn, 0)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := New()
			h.Init(0, 0x100, 0)
			defer func() {
				if recover() == nil {
					t.Errorf("%s did not panic", tc.name)
				}
			}()
			tc.fn(h)
		})
	}
}
