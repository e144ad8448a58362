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
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hvmm/pkg/iommu"
	"gvisor.dev/hvmm/pkg/mm"
	"gvisor.dev/hvmm/pkg/numa"
	"gvisor.dev/hvmm/pkg/physmem"
)

const testMachine = `
cpus = 8
page_1gb = true
pv32 = true
mem_hotplug = 0x2000000
reserved_frames = 0x100
iommu = "sync-pt"

[pdx_hole]
shift = 20
bits = 4

[[bank]]
start = 0
end = 0x10000

[[bank]]
start = 0x1000000
end = 0x1010000

[[numa]]
start = 0
end = 0x1000000
pxm = 0

[[numa]]
start = 0x1000000
end = 0x2000000
pxm = 3
hotplug = true
`

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if diff := cmp.Diff(DefaultMachine(), c.Machine); diff != "" {
		t.Errorf("machine mismatch (-want +got):\n%s", diff)
	}
	if _, err := c.Machine.Options(); err != nil {
		t.Errorf("Options failed on the default machine: %v", err)
	}
}

func TestFromFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	if err := os.WriteFile(path, []byte(testMachine), 0644); err != nil {
		t.Fatal(err)
	}

	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"-config", path, "-debug", "-format", "yaml", "-log-format", "json"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if c.MachineFile != path {
		t.Errorf("MachineFile=%v, want: %v", c.MachineFile, path)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
	if c.Format != OutputYAML {
		t.Errorf("Format=%v, want: %v", c.Format, OutputYAML)
	}
	if c.LogFormat != "json" {
		t.Errorf("LogFormat=%v, want: json", c.LogFormat)
	}
	if c.Machine.CPUs != 8 {
		t.Errorf("Machine.CPUs=%d, want: 8", c.Machine.CPUs)
	}

	flags := c.ToFlags()
	want := []string{"--config=" + path, "--debug=true", "--log-format=json", "--format=yaml"}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		value string
		error string
	}{
		{
			name:  "format",
			value: "xml",
			error: "invalid output format",
		},
		{
			name:  "debug",
			value: "maybe",
			error: "parse error",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			if err := testFlags.Lookup(tc.name).Value.Set(tc.value); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("flag.Set(invalid) wrong error reported: %v", err)
			}
		})
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		file  string
		error string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
		{
			name:  "missing file",
			flags: map[string]string{"config": "/nonexistent/machine.toml"},
			error: "no such file",
		},
		{
			name:  "unknown key",
			file:  "cpus = 2\nturbo = true\n",
			error: "unknown keys in machine description: turbo",
		},
		{
			name:  "no banks",
			file:  "cpus = 2\n",
			error: "no memory banks",
		},
		{
			name:  "iommu mode",
			file:  "iommu = \"magic\"\n[[bank]]\nstart = 0\nend = 0x1000\n",
			error: "invalid IOMMU mode",
		},
		{
			name:  "cpus",
			file:  "cpus = 0\n[[bank]]\nstart = 0\nend = 0x1000\n",
			error: "invalid number of CPUs",
		},
		{
			name:  "syntax",
			file:  "cpus = \n",
			error: "decoding machine description",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			if tc.file != "" {
				path := filepath.Join(t.TempDir(), "machine.toml")
				if err := os.WriteFile(path, []byte(tc.file), 0644); err != nil {
					t.Fatal(err)
				}
				testFlags.Set("config", path)
			}
			for name, val := range tc.flags {
				if err := testFlags.Lookup(name).Value.Set(val); err != nil {
					t.Errorf("%s=%q: %v", name, val, err)
				}
			}
			if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error reported: %v", err)
			}
		})
	}
}

func TestMachineOptions(t *testing.T) {
	m, err := DecodeMachine(strings.NewReader(testMachine))
	if err != nil {
		t.Fatalf("DecodeMachine failed: %v", err)
	}
	got, err := m.Options()
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	want := mm.Options{
		Banks: []physmem.Range{
			{Start: 0, End: 0x10000},
			{Start: 0x1000000, End: 0x1010000},
		},
		NUMABlocks: []numa.Block{
			{Start: 0, End: 0x1000000, PXM: 0},
			{Start: 0x1000000, End: 0x2000000, PXM: 3, Hotplug: true},
		},
		NumCPUs:        8,
		Page1GB:        true,
		PV32:           true,
		MemHotplug:     0x2000000,
		PDXHoleShift:   20,
		PDXHoleBits:    4,
		IOMMUMode:      iommu.ModeSyncPT,
		ReservedFrames: 0x100,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Options mismatch (-want +got):\n%s", diff)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Options do not validate: %v", err)
	}
}

func TestDecodeMachineDefaults(t *testing.T) {
	m, err := DecodeMachine(strings.NewReader("[[bank]]\nstart = 0\nend = 0x1000\n"))
	if err != nil {
		t.Fatalf("DecodeMachine failed: %v", err)
	}
	want := &Machine{
		CPUs:  1,
		IOMMU: "legacy",
		Banks: []Range{{Start: 0, End: 0x1000}},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("DecodeMachine mismatch (-want +got):\n%s", diff)
	}
}
