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
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/mm"
)

// Walk implements subcommands.Command for the "walk" command.
type Walk struct {
	add rangesFlag
	pxm uint
}

// Name implements subcommands.Command.Name.
func (*Walk) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Walk) Synopsis() string {
	return "translate hypervisor virtual addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Walk) Usage() string {
	return `walk [flags] <address>... - walks the hypervisor's page tables as a PV
context would and prints the machine address and word each address maps.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *Walk) SetFlags(f *flag.FlagSet) {
	f.Var(&w.add, "add", "comma-separated start-end frame ranges to hot-add first. May be repeated.")
	f.UintVar(&w.pxm, "pxm", 1, "proximity domain of ranges given with -add.")
}

// Execute implements subcommands.Command.Execute.
func (w *Walk) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	var addrs []uint64
	for _, arg := range f.Args() {
		addr, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			f.Usage()
			return subcommands.ExitUsageError
		}
		addrs = append(addrs, addr)
	}

	m, err := bootMachine(conf)
	if err != nil {
		Fatalf("booting machine: %v", err)
	}
	defer m.Close()
	if err := hotAddAll(m, w.add, uint32(w.pxm)); err != nil {
		Fatalf("%v", err)
	}

	out := walkAll(m, addrs)
	if err := write(os.Stdout, conf, out); err != nil {
		Fatalf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

type translation struct {
	Addr   hex  `yaml:"addr"`
	Mapped bool `yaml:"mapped"`
	MFN    hex  `yaml:"mfn,omitempty"`
	PAddr  hex  `yaml:"paddr,omitempty"`
	Value  hex  `yaml:"value,omitempty"`
}

type walkOutput struct {
	Translations []translation `yaml:"translations"`
}

// walkAll translates addrs through the idle page tables.
func walkAll(m *mm.Machine, addrs []uint64) *walkOutput {
	v := &mm.VCPU{
		Domain:     &mm.Domain{ID: mm.DomIDXen, PV: true},
		GuestTable: m.IdleTables().Root(),
	}
	out := &walkOutput{}
	for _, addr := range addrs {
		t := translation{Addr: hex(addr)}
		if mp, ok := m.PageWalk(v, addr); ok {
			t.Mapped = true
			t.MFN = hex(mp.MFN())
			t.PAddr = hex(mp.Addr())
			t.Value = hex(mp.Load())
			mp.Release()
		}
		out.Translations = append(out.Translations, t)
	}
	return out
}

func (o *walkOutput) writeText(w io.Writer) error {
	for _, t := range o.Translations {
		var err error
		if t.Mapped {
			_, err = fmt.Fprintf(w, "%v -> %v (mfn %v): %v\n", t.Addr, t.PAddr, t.MFN, t.Value)
		} else {
			_, err = fmt.Fprintf(w, "%v -> not mapped\n", t.Addr)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
