// Copyright 2018 The gVisor Authors.
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
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/defrag/tools/defrag/config"
)

// Config implements subcommands.Command for the "config" command.
type Config struct{}

// Name implements subcommands.Command.Name.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Config) Synopsis() string {
	return "print the effective configuration as TOML"
}

// Usage implements subcommands.Command.Usage.
func (*Config) Usage() string {
	return `config [flags] - print the configuration replay would use with the same flags.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Config) SetFlags(f *flag.FlagSet) {
	config.RegisterFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (*Config) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", f.Args())
		return subcommands.ExitUsageError
	}
	conf, err := config.NewFromFlags(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitFailure
	}
	if err := conf.WriteTOML(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
