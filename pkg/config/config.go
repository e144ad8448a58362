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

// Package config provides basic infrastructure to set configuration settings
// for hvmmctl. Process-wide settings come from command line flags; the
// simulated machine is described in a TOML file.
package config

import (
	"fmt"

	"gvisor.dev/hvmm/pkg/log"
)

// Config holds configuration that is not part of the machine description.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name
//  3. Register a new flag in flags.go, with same name and add a description
//  4. Add any necessary validation into validate()
//  5. If adding an enum, follow the same pattern as OutputFormat
type Config struct {
	// MachineFile is the path of the TOML machine description. The
	// default machine is used if empty.
	MachineFile string `flag:"config"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Format is the output format of subcommands.
	Format OutputFormat `flag:"format"`

	// Machine is the machine description, loaded from MachineFile.
	Machine *Machine `flag:"-"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.Machine != nil {
		if err := c.Machine.Validate(); err != nil {
			return fmt.Errorf("machine %q: %w", c.MachineFile, err)
		}
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.MachineFile: %s", c.MachineFile)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Format: %v", c.Format)
	if m := c.Machine; m != nil {
		log.Infof("Machine: %d banks, %d NUMA blocks, %d CPUs", len(m.Banks), len(m.NUMA), m.CPUs)
		log.Infof("Machine: page_1gb=%t pv32=%t mem_hotplug=%#x iommu=%s", m.Page1GB, m.PV32, m.MemHotplug, m.IOMMU)
		if m.PDXHole.Bits != 0 {
			log.Infof("Machine: pdx hole at bits [%d, %d)", m.PDXHole.Shift, m.PDXHole.Shift+m.PDXHole.Bits)
		}
	}
}

// OutputFormat is the format subcommands print their results in.
type OutputFormat int

const (
	// OutputText prints human readable text.
	OutputText OutputFormat = iota

	// OutputYAML prints a YAML document.
	OutputYAML
)

func outputFormatPtr(v OutputFormat) *OutputFormat {
	return &v
}

// Set implements flag.Value.
func (f *OutputFormat) Set(v string) error {
	switch v {
	case "text":
		*f = OutputText
	case "yaml":
		*f = OutputYAML
	default:
		return fmt.Errorf("invalid output format %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (f *OutputFormat) Get() any {
	return *f
}

// String implements flag.Value.
func (f OutputFormat) String() string {
	switch f {
	case OutputText:
		return "text"
	case OutputYAML:
		return "yaml"
	}
	panic(fmt.Sprintf("Invalid output format %d", f))
}
