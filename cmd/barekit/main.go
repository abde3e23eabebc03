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

// Binary barekit is the host tool of the boot runtime. It inspects and
// relocates images, dumps the vector tables and boots images on a simulated
// board.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"barekit.dev/barekit/pkg/log"
)

var (
	debug     = flag.Bool("debug", false, "enable debug logging.")
	logFormat = flag.String("log-format", "text", "log format: text (default), json or logrus.")
	debugLog  = flag.String("debug-log", "", "additional file for logs. Enables debug logging.")
)

func main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *debug {
		log.SetLevel(log.Debug)
	}
	e, err := newEmitter(*logFormat, os.Stderr, "barekit")
	if err != nil {
		fatalf("%v", err)
	}
	if *debugLog == "" {
		log.SetTarget(e)
	} else {
		f, err := os.OpenFile(*debugLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fatalf("error opening debug log file %q: %v", *debugLog, err)
		}
		// The file is always in text format.
		log.SetLevel(log.Debug)
		log.SetTarget(&log.MultiEmitter{e, log.GoogleEmitter{Writer: &log.Writer{Next: f}}})
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// forEachCmd invokes the passed callback for each command supported by
// barekit.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const imageGroup = "image"
	cb(new(Inspect), imageGroup)
	cb(new(Relocate), imageGroup)

	const runtimeGroup = "runtime"
	cb(new(Vectors), runtimeGroup)
	cb(new(Boot), runtimeGroup)
}

func newEmitter(format string, w io.Writer, tool string) (log.Emitter, error) {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}, nil
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}, Fields: map[string]string{"tool": tool}}, nil
	case "logrus":
		e := log.NewLogrusEmitter(logrus.Fields{"tool": tool})
		e.Logger.SetOutput(w)
		return e, nil
	}
	return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", format)
}

// fatalf logs to stderr and exits with a failure status code.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// failuref reports an error and returns the failure status of a subcommand.
func failuref(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
