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

// Package cmd holds implementations of the hvmmctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/mm"
	"gvisor.dev/hvmm/pkg/physmem"
)

// Fatalf logs the same message to the log and to stderr, and exits with a
// failure status.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, "hvmmctl: "+format+"\n", args...)
	os.Exit(128)
}

// output is the result of a command.
type output interface {
	writeText(w io.Writer) error
}

// write prints out in the format selected by conf.
func write(w io.Writer, conf *config.Config, out output) error {
	if conf.Format == config.OutputYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()
	}
	return out.writeText(w)
}

// bootMachine boots the machine described by conf.
func bootMachine(conf *config.Config) (*mm.Machine, error) {
	opts, err := conf.Machine.Options()
	if err != nil {
		return nil, err
	}
	return mm.Boot(opts)
}

// parseMFN parses a frame number in any base strconv understands.
func parseMFN(s string) (physmem.MFN, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame number %q: %w", s, err)
	}
	return physmem.MFN(v), nil
}

// parseRange parses "start-end" into [start, end).
func parseRange(s string) (physmem.Range, error) {
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return physmem.Range{}, fmt.Errorf("invalid range %q, want start-end", s)
	}
	var (
		r   physmem.Range
		err error
	)
	if r.Start, err = parseMFN(start); err != nil {
		return physmem.Range{}, err
	}
	if r.End, err = parseMFN(end); err != nil {
		return physmem.Range{}, err
	}
	return r, nil
}

// rangesFlag is a repeatable flag of frame ranges to hot-add.
type rangesFlag []physmem.Range

// String implements flag.Value.
func (f *rangesFlag) String() string {
	parts := make([]string, 0, len(*f))
	for _, r := range *f {
		parts = append(parts, fmt.Sprintf("%#x-%#x", uint64(r.Start), uint64(r.End)))
	}
	return strings.Join(parts, ",")
}

// Set implements flag.Value.
func (f *rangesFlag) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		r, err := parseRange(s)
		if err != nil {
			return err
		}
		*f = append(*f, r)
	}
	return nil
}

// hotAddAll plugs and hot-adds every range on proximity domain pxm.
func hotAddAll(m *mm.Machine, ranges []physmem.Range, pxm uint32) error {
	for _, r := range ranges {
		if err := m.PlugMemory(r.Start, r.End); err != nil {
			return fmt.Errorf("plugging %v: %w", r, err)
		}
		if err := m.MemoryAdd(r.Start, r.End, pxm); err != nil {
			return fmt.Errorf("hot-adding %v: %w", r, err)
		}
	}
	return nil
}

// hex formats frame numbers and addresses for output.
type hex uint64

// MarshalYAML implements yaml.Marshaler.
func (h hex) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

// String implements fmt.Stringer.
func (h hex) String() string {
	return fmt.Sprintf("%#x", uint64(h))
}
