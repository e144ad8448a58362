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

package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/hvmm/pkg/iommu"
	"gvisor.dev/hvmm/pkg/mm"
	"gvisor.dev/hvmm/pkg/numa"
	"gvisor.dev/hvmm/pkg/physmem"
)

// Machine describes a simulated machine. All addresses are frame numbers.
//
// Example:
//
//	cpus = 4
//	pv32 = true
//	mem_hotplug = 0x200000
//	iommu = "legacy"
//
//	[[bank]]
//	start = 0
//	end = 0x10000
//
//	[[numa]]
//	start = 0
//	end = 0x10000
//	pxm = 0
type Machine struct {
	CPUs           int     `toml:"cpus"`
	Page1GB        bool    `toml:"page_1gb"`
	PV32           bool    `toml:"pv32"`
	MemHotplug     uint64  `toml:"mem_hotplug"`
	ReservedFrames uint64  `toml:"reserved_frames"`
	IOMMU          string  `toml:"iommu"`
	PDXHole        PDXHole `toml:"pdx_hole"`
	Banks          []Range `toml:"bank"`
	NUMA           []Block `toml:"numa"`
}

// Range is a range of frames [Start, End).
type Range struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
}

// Block attributes a range of frames to a proximity domain.
type Block struct {
	Start   uint64 `toml:"start"`
	End     uint64 `toml:"end"`
	PXM     uint32 `toml:"pxm"`
	Hotplug bool   `toml:"hotplug"`
}

// PDXHole is a run of frame number bits that are zero on every frame.
type PDXHole struct {
	Shift uint `toml:"shift"`
	Bits  uint `toml:"bits"`
}

// DefaultMachine returns a machine with 256 MiB of memory at boot and room
// for 8 GiB of hot-plugged memory on a second node.
func DefaultMachine() *Machine {
	return &Machine{
		CPUs:           4,
		PV32:           true,
		MemHotplug:     0x200000,
		ReservedFrames: 0x100,
		IOMMU:          iommu.ModeLegacy.String(),
		Banks:          []Range{{Start: 0, End: 0x10000}},
		NUMA: []Block{
			{Start: 0, End: 0x10000, PXM: 0},
			{Start: 0x10000, End: 0x200000, PXM: 1, Hotplug: true},
		},
	}
}

// LoadMachine reads a machine description from the file at path.
func LoadMachine(path string) (*Machine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeMachine(f)
}

// DecodeMachine reads a machine description from r. Unknown keys are
// rejected. Fields that are not set keep the values of an empty machine
// with 1 CPU and the legacy IOMMU.
func DecodeMachine(r io.Reader) (*Machine, error) {
	m := &Machine{
		CPUs:  1,
		IOMMU: iommu.ModeLegacy.String(),
	}
	md, err := toml.NewDecoder(r).Decode(m)
	if err != nil {
		return nil, fmt.Errorf("decoding machine description: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in machine description: %s", strings.Join(keys, ", "))
	}
	return m, nil
}

// Validate checks the parts of m that do not depend on the machine's
// layout. Options.Validate checks the rest at boot.
func (m *Machine) Validate() error {
	if m.CPUs <= 0 {
		return fmt.Errorf("invalid number of CPUs %d", m.CPUs)
	}
	if len(m.Banks) == 0 {
		return fmt.Errorf("no memory banks")
	}
	if _, err := iommu.ParseMode(m.IOMMU); err != nil {
		return err
	}
	for _, b := range m.NUMA {
		if b.Start >= b.End {
			return fmt.Errorf("empty NUMA block [%#x, %#x)", b.Start, b.End)
		}
	}
	return nil
}

// Options converts m to boot options.
func (m *Machine) Options() (mm.Options, error) {
	if err := m.Validate(); err != nil {
		return mm.Options{}, err
	}
	mode, _ := iommu.ParseMode(m.IOMMU)
	opts := mm.Options{
		NumCPUs:        m.CPUs,
		Page1GB:        m.Page1GB,
		PV32:           m.PV32,
		MemHotplug:     physmem.MFN(m.MemHotplug),
		PDXHoleShift:   m.PDXHole.Shift,
		PDXHoleBits:    m.PDXHole.Bits,
		IOMMUMode:      mode,
		ReservedFrames: m.ReservedFrames,
	}
	for _, b := range m.Banks {
		opts.Banks = append(opts.Banks, physmem.Range{Start: physmem.MFN(b.Start), End: physmem.MFN(b.End)})
	}
	for _, b := range m.NUMA {
		opts.NUMABlocks = append(opts.NUMABlocks, numa.Block{
			Start:   physmem.MFN(b.Start),
			End:     physmem.MFN(b.End),
			PXM:     b.PXM,
			Hotplug: b.Hotplug,
		})
	}
	return opts, nil
}
