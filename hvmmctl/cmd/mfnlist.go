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

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/mm"
)

// MFNList implements subcommands.Command for the "mfnlist" command.
type MFNList struct {
	max    int
	compat bool
	add    rangesFlag
	pxm    uint
}

// Name implements subcommands.Command.Name.
func (*MFNList) Name() string {
	return "mfnlist"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MFNList) Synopsis() string {
	return "print the frames backing the M2P table"
}

// Usage implements subcommands.Command.Usage.
func (*MFNList) Usage() string {
	return `mfnlist [flags] - prints the first frame of every 2 MiB extent of the M2P
table, as a privileged guest would see it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *MFNList) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.max, "max", 64, "maximum number of extents to report.")
	f.BoolVar(&l.compat, "compat", false, "report the compat M2P table instead.")
	f.Var(&l.add, "add", "comma-separated start-end frame ranges to hot-add first. May be repeated.")
	f.UintVar(&l.pxm, "pxm", 1, "proximity domain of ranges given with -add.")
}

// Execute implements subcommands.Command.Execute.
func (l *MFNList) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := bootMachine(conf)
	if err != nil {
		Fatalf("booting machine: %v", err)
	}
	defer m.Close()
	if err := hotAddAll(m, l.add, uint32(l.pxm)); err != nil {
		Fatalf("%v", err)
	}

	out, err := l.query(m)
	if err != nil {
		Fatalf("%v", err)
	}
	if err := write(os.Stdout, conf, out); err != nil {
		Fatalf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func (l *MFNList) query(m *mm.Machine) (*mfnListOutput, error) {
	list := m.MachphysMFNList
	if l.compat {
		list = m.MachphysCompatMFNList
	}
	mfns, err := list(l.max)
	if err != nil {
		return nil, err
	}
	out := &mfnListOutput{Compat: l.compat}
	for _, mfn := range mfns {
		out.Extents = append(out.Extents, hex(mfn))
	}
	return out, nil
}

type mfnListOutput struct {
	Compat  bool  `yaml:"compat"`
	Extents []hex `yaml:"extents"`
}

func (o *mfnListOutput) writeText(w io.Writer) error {
	for i, mfn := range o.Extents {
		if _, err := fmt.Fprintf(w, "%4d %v\n", i, mfn); err != nil {
			return err
		}
	}
	return nil
}
