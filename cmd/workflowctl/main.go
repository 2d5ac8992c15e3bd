// Copyright 2025 Tom Barlow
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

// Command workflowctl is the operator CLI for a running workflow engine
// daemon: registering definitions and driving run lifecycle. It has no
// authoring features (no interactive wizard, no TUI); workflow definitions
// are authored as YAML elsewhere and loaded by path.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:           "workflowctl",
		Short:         "Operate a workflow engine daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "workflow engine daemon address")

	cmd.AddCommand(newDefCommand(&serverAddr))
	cmd.AddCommand(newRunCommand(&serverAddr))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("workflowctl %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
