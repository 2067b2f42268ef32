// Copyright 2025 The Relay Authors
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

// relay is a multi-agent query orchestrator: it routes requests to the
// agents that can serve them, executes them under retry and circuit-breaker
// discipline, validates the outputs, and aggregates the answer.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/relayops/relay/pkg/config"
	"github.com/relayops/relay/pkg/version"
)

// Exit codes. Config errors and bind errors are distinguishable so process
// managers can tell a bad deploy from a port conflict.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
	exitBind   = 3
)

var cli struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Start the orchestrator server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file and exit."`
	Version  VersionCmd  `cmd:"" help:"Print version information."`
}

// ValidateCmd checks the config files without starting the server.
type ValidateCmd struct {
	Config string `arg:"" help:"Path to the configuration file." type:"existingfile"`
	Agents string `short:"a" default:"" help:"Optional separate agent catalog file."`
}

func (c *ValidateCmd) Run() error {
	if _, err := config.LoadSplit(c.Config, c.Agents); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(exitConfig)
	}
	fmt.Printf("%s is valid\n", c.Config)
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version.String())
	return nil
}

func main() {
	// A local .env is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	ctx := kong.Parse(&cli,
		kong.Name("relay"),
		kong.Description("Multi-agent query orchestrator."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}
}
