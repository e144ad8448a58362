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

// Package cli is the main entrypoint for hvmmctl.
package cli

import (
	"context"
	"flag"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/hvmmctl/cmd"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/log"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf(err.Error())
	}

	e, err := log.NewEmitter(conf.LogFormat, os.Stderr)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(e)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	const delimString = `**************** hvmm ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// hvmmctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.HotAdd), "")
	cb(new(cmd.MFNList), "")
	cb(new(cmd.Walk), "")

	const debugGroup = "debug"
	cb(new(cmd.Stats), debugGroup)
}
