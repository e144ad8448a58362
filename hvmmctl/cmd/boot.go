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
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/mm"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct{}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the machine and print its memory layout"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot - boots the configured machine and prints the memory core's state.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Boot) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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
	if err := write(os.Stdout, conf, summarize(m)); err != nil {
		Fatalf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

type nodeSummary struct {
	ID           int  `yaml:"id"`
	StartPFN     hex  `yaml:"start_pfn"`
	SpannedPages hex  `yaml:"spanned_pages"`
	PresentPages hex  `yaml:"present_pages"`
	FreePages    hex  `yaml:"free_pages"`
	Online       bool `yaml:"online"`
}

type rangeSummary struct {
	Start hex `yaml:"start"`
	End   hex `yaml:"end"`
}

// machineSummary is the state of the memory core shown by boot and hotadd.
type machineSummary struct {
	MaxPage        hex            `yaml:"max_page"`
	MaxPDX         hex            `yaml:"max_pdx"`
	TotalPages     hex            `yaml:"total_pages"`
	FreePages      hex            `yaml:"free_pages"`
	PV32           bool           `yaml:"pv32"`
	CompatM2PStart hex            `yaml:"compat_m2p_start,omitempty"`
	Present        []rangeSummary `yaml:"present"`
	Nodes          []nodeSummary  `yaml:"nodes"`
	Errors         []string       `yaml:"errors,omitempty"`
}

func summarize(m *mm.Machine) *machineSummary {
	s := &machineSummary{
		MaxPage:    hex(m.MaxPage()),
		MaxPDX:     hex(m.MaxPDX()),
		TotalPages: hex(m.TotalPages()),
		FreePages:  hex(m.Heap().FreePages()),
		PV32:       m.PV32(),
	}
	if m.PV32() {
		s.CompatM2PStart = hex(m.CompatM2PStart())
	}
	for _, r := range m.Present() {
		s.Present = append(s.Present, rangeSummary{Start: hex(r.Start), End: hex(r.End)})
	}
	for _, id := range m.Topology().OnlineNodes() {
		n, _ := m.Topology().Node(id)
		s.Nodes = append(s.Nodes, nodeSummary{
			ID:           int(id),
			StartPFN:     hex(n.StartPFN),
			SpannedPages: hex(n.SpannedPages),
			PresentPages: hex(n.PresentPages),
			FreePages:    hex(m.Heap().NodeFreePages(int(id))),
			Online:       n.Online,
		})
	}
	return s
}

func (s *machineSummary) writeText(w io.Writer) error {
	fmt.Fprintf(w, "max_page:    %v\n", s.MaxPage)
	fmt.Fprintf(w, "max_pdx:     %v\n", s.MaxPDX)
	fmt.Fprintf(w, "total_pages: %v\n", s.TotalPages)
	fmt.Fprintf(w, "free_pages:  %v\n", s.FreePages)
	if s.PV32 {
		fmt.Fprintf(w, "compat M2P:  %v\n", s.CompatM2PStart)
	}
	for _, r := range s.Present {
		fmt.Fprintf(w, "present:     [%v, %v)\n", r.Start, r.End)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTART\tSPANNED\tPRESENT\tFREE")
	for _, n := range s.Nodes {
		fmt.Fprintf(tw, "%d\t%v\t%v\t%v\t%v\n", n.ID, n.StartPFN, n.SpannedPages, n.PresentPages, n.FreePages)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, e := range s.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	return nil
}
