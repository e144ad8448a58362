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
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/mm"
	"gvisor.dev/hvmm/pkg/physmem"
)

func testConfig(format config.OutputFormat) *config.Config {
	return &config.Config{
		LogFormat: "text",
		Format:    format,
		Machine:   config.DefaultMachine(),
	}
}

func testMachine(t *testing.T) *mm.Machine {
	t.Helper()
	m, err := bootMachine(testConfig(config.OutputText))
	if err != nil {
		t.Fatalf("bootMachine failed: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestParseRange(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want physmem.Range
		ok   bool
	}{
		{"0x40000-0x60000", physmem.Range{Start: 0x40000, End: 0x60000}, true},
		{"16-32", physmem.Range{Start: 16, End: 32}, true},
		{"0x40000", physmem.Range{}, false},
		{"a-b", physmem.Range{}, false},
	} {
		got, err := parseRange(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("parseRange(%q) error = %v, want ok %t", tc.in, err, tc.ok)
			continue
		}
		if got != tc.want {
			t.Errorf("parseRange(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRangesFlag(t *testing.T) {
	var f rangesFlag
	if err := f.Set("0x40000-0x60000,0x80000-0xa0000"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := f.Set("0xc0000-0xe0000"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got, want := f.String(), "0x40000-0x60000,0x80000-0xa0000,0xc0000-0xe0000"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	if err := f.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) succeeded")
	}
}

func TestSummarize(t *testing.T) {
	m := testMachine(t)
	if err := hotAddAll(m, []physmem.Range{{Start: 0x40000, End: 0x60000}}, 1); err != nil {
		t.Fatalf("hotAddAll failed: %v", err)
	}
	s := summarize(m)
	if got, want := s.MaxPage, hex(0x60000); got != want {
		t.Errorf("MaxPage = %v, want %v", got, want)
	}
	if diff := cmp.Diff([]rangeSummary{{0, 0x10000}, {0x40000, 0x60000}}, s.Present); diff != "" {
		t.Errorf("Present mismatch (-want +got):\n%s", diff)
	}
	if len(s.Nodes) != 2 {
		t.Fatalf("got %d online nodes, want 2", len(s.Nodes))
	}
	if n := s.Nodes[1]; n.ID != 1 || n.StartPFN != 0x40000 || n.PresentPages != 0x20000 {
		t.Errorf("node 1 = %+v", n)
	}

	var buf bytes.Buffer
	if err := write(&buf, testConfig(config.OutputYAML), s); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, buf.String())
	}
	if got := doc["max_page"]; got != "0x60000" {
		t.Errorf("max_page = %v, want 0x60000", got)
	}
	if got := doc["pv32"]; got != true {
		t.Errorf("pv32 = %v, want true", got)
	}

	buf.Reset()
	if err := write(&buf, testConfig(config.OutputText), s); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !strings.Contains(buf.String(), "max_page:    0x60000") {
		t.Errorf("text output missing max_page:\n%s", buf.String())
	}
}

func TestMFNListQuery(t *testing.T) {
	m := testMachine(t)
	if err := hotAddAll(m, []physmem.Range{{Start: 0x80000, End: 0xa0000}}, 1); err != nil {
		t.Fatalf("hotAddAll failed: %v", err)
	}
	for _, tc := range []struct {
		compat bool
		n      int
	}{
		{false, 3},
		{true, 2},
	} {
		out, err := (&MFNList{max: 16, compat: tc.compat}).query(m)
		if err != nil {
			t.Fatalf("query(compat=%t) failed: %v", tc.compat, err)
		}
		if len(out.Extents) != tc.n {
			t.Errorf("query(compat=%t) = %v, want %d extents", tc.compat, out.Extents, tc.n)
		}
	}
	if _, err := (&MFNList{max: -1}).query(m); err == nil {
		t.Errorf("query with negative max succeeded")
	}
}

func TestWalkAll(t *testing.T) {
	m := testMachine(t)
	const paddr = 0x5000 + 0x18
	m.Memory().WriteUint64(paddr, 0xfeedface)

	out := walkAll(m, []uint64{
		uint64(mm.DirectMapVirtStart) + paddr,
		uint64(mm.DirectMapVirtStart) + 0x40000<<12,
		0x1000,
	})
	want := []translation{
		{Addr: hex(uint64(mm.DirectMapVirtStart) + paddr), Mapped: true, MFN: 0x5, PAddr: paddr, Value: 0xfeedface},
		{Addr: hex(uint64(mm.DirectMapVirtStart) + 0x40000<<12)},
		{Addr: 0x1000},
	}
	if diff := cmp.Diff(want, out.Translations); diff != "" {
		t.Errorf("walkAll mismatch (-want +got):\n%s", diff)
	}
	if n := m.Memory().Outstanding(); n != 0 {
		t.Errorf("%d mappings outstanding", n)
	}
}
