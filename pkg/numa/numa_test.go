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

package numa

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hvmm/pkg/physmem"
)

func newTopology(t *testing.T) *Topology {
	t.Helper()
	topo := New()
	for _, b := range []Block{
		{Start: 0, End: 0x10000, PXM: 0},
		{Start: 0x10000, End: 0x30000, PXM: 7, Hotplug: true},
	} {
		if err := topo.AddBlock(b); err != nil {
			t.Fatalf("AddBlock(%+v) failed: %v", b, err)
		}
	}
	return topo
}

func TestSetupNode(t *testing.T) {
	topo := newTopology(t)
	if got := topo.SetupNode(0); got != 0 {
		t.Errorf("SetupNode(0) = %d, want 0", got)
	}
	if got := topo.SetupNode(7); got != 1 {
		t.Errorf("SetupNode(7) = %d, want 1", got)
	}
	if got := topo.SetupNode(7); got != 1 {
		t.Errorf("second SetupNode(7) = %d, want 1", got)
	}
	for pxm := uint32(100); pxm < 100+MaxNodes-2; pxm++ {
		if got := topo.SetupNode(pxm); got == NoNode {
			t.Fatalf("SetupNode(%d) = NoNode with free nodes left", pxm)
		}
	}
	if got := topo.SetupNode(1000); got != NoNode {
		t.Errorf("SetupNode on full topology = %d, want NoNode", got)
	}
}

func TestNodeOfPXM(t *testing.T) {
	topo := newTopology(t)
	topo.SetupNode(0)
	topo.SetupNode(7)
	if id, ok := topo.NodeOfPXM(7); !ok || id != 1 {
		t.Errorf("NodeOfPXM(7) = %d, %t, want 1, true", id, ok)
	}
	if id, ok := topo.NodeOfPXM(9); ok {
		t.Errorf("NodeOfPXM(9) = %d, true, want no node", id)
	}
	if got := topo.SetupNode(9); got != 2 {
		t.Errorf("SetupNode(9) after lookup = %d, want 2", got)
	}
}

func TestValidRange(t *testing.T) {
	topo := newTopology(t)
	n0 := topo.SetupNode(0)
	n1 := topo.SetupNode(7)
	for _, tc := range []struct {
		start, end physmem.MFN
		node       NodeID
		want       bool
	}{
		{0x10000, 0x20000, n1, true},
		{0x10000, 0x30000, n1, true},
		{0x10000, 0x30000, n0, false},
		{0xff00, 0x10100, n1, false},
		{0x20000, 0x40000, n1, false},
	} {
		if got := topo.ValidRange(tc.start, tc.end, tc.node); got != tc.want {
			t.Errorf("ValidRange(%v, %v, %d) = %t, want %t", tc.start, tc.end, tc.node, got, tc.want)
		}
	}
	if got := topo.NodeOf(0x20000); got != n1 {
		t.Errorf("NodeOf(0x20000) = %d, want %d", got, n1)
	}
	if got := topo.NodeOf(0x50000); got != 0 {
		t.Errorf("NodeOf outside blocks = %d, want 0", got)
	}
}

func TestExtendAndRestore(t *testing.T) {
	topo := newTopology(t)
	id := topo.SetupNode(7)
	if onlined := topo.Extend(id, 0x20000, 0x30000); !onlined {
		t.Errorf("Extend of offline node did not online it")
	}
	topo.AddPresent(id, 0x20000, 0x30000)
	saved := topo.Save(id)

	if onlined := topo.Extend(id, 0x10000, 0x20000); onlined {
		t.Errorf("Extend of online node reported onlining")
	}
	got, _ := topo.Node(id)
	want := Node{StartPFN: 0x10000, SpannedPages: 0x20000, PresentPages: 0x10000, Online: true, Ranges: []physmem.Range{{Start: 0x20000, End: 0x30000}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Node after Extend mismatch (-want +got):\n%s", diff)
	}

	topo.Restore(id, saved)
	got, _ = topo.Node(id)
	if diff := cmp.Diff(*saved, got); diff != "" {
		t.Errorf("Node after Restore mismatch (-want +got):\n%s", diff)
	}

	topo.SetOnline(id, false)
	if topo.Online(id) {
		t.Errorf("node still online")
	}
	if diff := cmp.Diff([]NodeID(nil), topo.OnlineNodes()); diff != "" {
		t.Errorf("OnlineNodes() mismatch (-want +got):\n%s", diff)
	}
}

func TestAddBlockOverlap(t *testing.T) {
	topo := newTopology(t)
	if err := topo.AddBlock(Block{Start: 0x2f000, End: 0x31000, PXM: 3}); err == nil {
		t.Errorf("overlapping AddBlock succeeded")
	}
}
