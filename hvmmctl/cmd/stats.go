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
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/physmem"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	add rangesFlag
	pxm uint
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "print memory core metrics in Prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] - boots the machine, optionally hot-adds memory, and prints
the metrics in Prometheus text format. Failed hot-adds are counted, not fatal.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.Var(&s.add, "add", "comma-separated start-end frame ranges to hot-add first. May be repeated.")
	f.UintVar(&s.pxm, "pxm", 1, "proximity domain of ranges given with -add.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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
	for _, r := range s.add {
		if err := hotAddAll(m, []physmem.Range{r}, uint32(s.pxm)); err != nil {
			log.Warningf("%v", err)
		}
	}
	if err := m.Metrics().WriteText(os.Stdout); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
