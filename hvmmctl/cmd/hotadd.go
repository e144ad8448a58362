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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/iommu"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/physmem"
)

// HotAdd implements subcommands.Command for the "hotadd" command.
type HotAdd struct {
	pxm        uint
	iommuFault int64
}

// Name implements subcommands.Command.Name.
func (*HotAdd) Name() string {
	return "hotadd"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*HotAdd) Synopsis() string {
	return "hot-add memory ranges to the machine"
}

// Usage implements subcommands.Command.Usage.
func (*HotAdd) Usage() string {
	return `hotadd [flags] <start-end>... - boots the machine, then plugs and hot-adds
each frame range in order. Failed ranges are reported and left out.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (h *HotAdd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&h.pxm, "pxm", 1, "proximity domain of the added memory.")
	f.Int64Var(&h.iommuFault, "iommu-fault", -1, "fail the IOMMU mapping of this frame, to exercise rollback. -1 disables it.")
}

// Execute implements subcommands.Command.Execute.
func (h *HotAdd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := bootMachine(conf)
	if err != nil {
		Fatalf("booting machine: %v", err)
	}
	defer m.Close()

	if h.iommuFault >= 0 {
		unit, ok := m.IOMMU().(*iommu.Table)
		if !ok {
			Fatalf("IOMMU does not support fault injection")
		}
		dfn := uint64(h.iommuFault)
		unit.SetFaultHook(func(op iommu.Op, d uint64) error {
			if op == iommu.OpMap && d == dfn {
				return fmt.Errorf("injected fault at dfn %#x", d)
			}
			return nil
		})
	}

	var errs []string
	for _, arg := range f.Args() {
		r, err := parseRange(arg)
		if err != nil {
			f.Usage()
			return subcommands.ExitUsageError
		}
		if err := hotAddAll(m, []physmem.Range{r}, uint32(h.pxm)); err != nil {
			log.Warningf("%v", err)
			errs = append(errs, err.Error())
		}
	}

	s := summarize(m)
	s.Errors = errs
	if err := write(os.Stdout, conf, s); err != nil {
		Fatalf("writing output: %v", err)
	}
	if len(errs) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
