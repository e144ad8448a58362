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

// Package numa tracks NUMA nodes: which proximity domains map to which
// node, the memory blocks firmware reported for each, and every node's span
// and online state.
package numa

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mohae/deepcopy"
	"gvisor.dev/hvmm/pkg/bitmap"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/physmem"
)

// NodeID identifies a node.
type NodeID int

// NoNode is returned when no node can be assigned.
const NoNode NodeID = -1

// MaxNodes is the number of nodes the topology can hold.
const MaxNodes = 64

// Block is a range of frames firmware attributed to a proximity domain.
type Block struct {
	Start physmem.MFN
	End   physmem.MFN
	PXM   uint32

	// Hotplug marks a block that may be populated after boot.
	Hotplug bool
}

// Node is the span of a single node.
type Node struct {
	StartPFN     uint64
	SpannedPages uint64
	PresentPages uint64
	Online       bool

	// Ranges are the populated ranges of the node in the order they
	// were added.
	Ranges []physmem.Range
}

// EndPFN returns the first frame after the node's span.
func (n *Node) EndPFN() uint64 {
	return n.StartPFN + n.SpannedPages
}

// Topology is the machine's NUMA topology.
type Topology struct {
	mu        sync.Mutex
	pxmToNode map[uint32]NodeID
	blocks    []Block
	nodes     map[NodeID]*Node
	online    bitmap.Bitmap
}

// New returns an empty topology.
func New() *Topology {
	return &Topology{
		pxmToNode: make(map[uint32]NodeID),
		nodes:     make(map[NodeID]*Node),
		online:    bitmap.New(MaxNodes),
	}
}

// AddBlock records a memory affinity block.
func (t *Topology) AddBlock(b Block) error {
	if b.Start >= b.End {
		return fmt.Errorf("empty NUMA block [%v, %v)", b.Start, b.End)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.blocks {
		if b.Start < o.End && o.Start < b.End {
			return fmt.Errorf("NUMA block [%v, %v) overlaps [%v, %v)", b.Start, b.End, o.Start, o.End)
		}
	}
	t.blocks = append(t.blocks, b)
	sort.Slice(t.blocks, func(i, j int) bool { return t.blocks[i].Start < t.blocks[j].Start })
	return nil
}

// SetupNode returns the node of pxm, assigning the next free node if pxm is
// new. It returns NoNode when every node is taken.
func (t *Topology) SetupNode(pxm uint32) NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.pxmToNode[pxm]; ok {
		return id
	}
	if len(t.pxmToNode) >= MaxNodes {
		log.Warningf("NUMA: too many proximity domains, dropping pxm %#x", pxm)
		return NoNode
	}
	id := NodeID(len(t.pxmToNode))
	t.pxmToNode[pxm] = id
	t.nodes[id] = &Node{}
	return id
}

// NodeOfPXM returns the node of pxm without assigning one.
func (t *Topology) NodeOfPXM(pxm uint32) (NodeID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.pxmToNode[pxm]
	return id, ok
}

// ValidRange returns true if a single block of node covers [start, end).
func (t *Topology) ValidRange(start, end physmem.MFN, node NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.blocks {
		if id, ok := t.pxmToNode[b.PXM]; !ok || id != node {
			continue
		}
		if start >= b.Start && end <= b.End {
			return true
		}
	}
	return false
}

// NodeOf returns the node mfn belongs to. Frames outside every block belong
// to node 0.
func (t *Topology) NodeOf(mfn physmem.MFN) NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := sort.Search(len(t.blocks), func(i int) bool { return t.blocks[i].End > mfn })
	if i < len(t.blocks) && t.blocks[i].Start <= mfn {
		if id, ok := t.pxmToNode[t.blocks[i].PXM]; ok {
			return id
		}
	}
	return 0
}

// Node returns a copy of node id.
func (t *Topology) Node(id NodeID) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *deepcopy.Copy(n).(*Node), true
}

// Save returns a snapshot of node id for Restore.
func (t *Topology) Save(id NodeID) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return deepcopy.Copy(t.nodeLocked(id)).(*Node)
}

// Restore puts back a snapshot taken by Save, including the online state.
func (t *Topology) Restore(id NodeID, saved *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := deepcopy.Copy(saved).(*Node)
	t.nodes[id] = n
	t.setOnlineLocked(id, n.Online)
}

// Preconditions: t.mu is locked.
func (t *Topology) nodeLocked(id NodeID) *Node {
	if id < 0 || id >= MaxNodes {
		panic(fmt.Sprintf("invalid node %d", id))
	}
	n, ok := t.nodes[id]
	if !ok {
		n = &Node{}
		t.nodes[id] = n
	}
	return n
}

// Extend grows the span of node id to cover [start, end), onlining the node
// if it was offline. It returns true if the node was onlined.
func (t *Topology) Extend(id NodeID, start, end physmem.MFN) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodeLocked(id)
	if !n.Online {
		n.StartPFN = uint64(start)
		n.SpannedPages = uint64(end - start)
		t.setOnlineLocked(id, true)
		return true
	}
	nodeEnd := n.EndPFN()
	if n.StartPFN > uint64(start) {
		n.StartPFN = uint64(start)
	}
	if nodeEnd < uint64(end) {
		nodeEnd = uint64(end)
	}
	n.SpannedPages = nodeEnd - n.StartPFN
	return false
}

// AddPresent accounts [start, end) as populated memory of node id.
func (t *Topology) AddPresent(id NodeID, start, end physmem.MFN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodeLocked(id)
	n.PresentPages += uint64(end - start)
	n.Ranges = append(n.Ranges, physmem.Range{Start: start, End: end})
}

// SetOnline sets the online state of node id.
func (t *Topology) SetOnline(id NodeID, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setOnlineLocked(id, online)
}

// Preconditions: t.mu is locked.
func (t *Topology) setOnlineLocked(id NodeID, online bool) {
	n := t.nodeLocked(id)
	n.Online = online
	if online {
		t.online.Add(uint32(id))
	} else {
		t.online.Remove(uint32(id))
	}
}

// Online returns true if node id is online.
func (t *Topology) Online(id NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return id >= 0 && t.online.Test(uint32(id))
}

// OnlineNodes returns the online nodes in ascending order.
func (t *Topology) OnlineNodes() []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []NodeID
	for _, i := range t.online.ToSlice() {
		ids = append(ids, NodeID(i))
	}
	return ids
}

// Blocks returns a copy of the memory affinity blocks.
func (t *Topology) Blocks() []Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Block(nil), t.blocks...)
}
