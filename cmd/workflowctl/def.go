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

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/workflowengine/pkg/client"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// defFile is the hand-authored YAML shape for a workflow definition; it is
// translated into workflowtypes.WorkflowDef rather than unmarshaled directly
// into it, so the on-disk format can stay readable independent of the
// engine's JSON wire tags.
type defFile struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Steps       []defFileStep `yaml:"steps"`
}

type defFileStep struct {
	ID            string           `yaml:"id"`
	AgentID       string           `yaml:"agent"`
	InputTemplate string           `yaml:"input"`
	Expects       string           `yaml:"expects,omitempty"`
	Type          string           `yaml:"type,omitempty"` // "single" (default) or "loop"
	MaxRetries    int              `yaml:"maxRetries,omitempty"`
	Loop          *defFileLoopSpec `yaml:"loop,omitempty"`
}

type defFileLoopSpec struct {
	Over       string `yaml:"over"`
	VerifyEach bool   `yaml:"verifyEach,omitempty"`
	VerifyStep string `yaml:"verifyStep,omitempty"`
}

func loadDefFile(path string) (*workflowtypes.WorkflowDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f defFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	def := &workflowtypes.WorkflowDef{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		Steps:       make([]workflowtypes.StepDef, len(f.Steps)),
	}
	for i, s := range f.Steps {
		stepType := workflowtypes.StepTypeSingle
		if s.Type == "loop" {
			stepType = workflowtypes.StepTypeLoop
		}
		step := workflowtypes.StepDef{
			ID:            s.ID,
			AgentID:       s.AgentID,
			InputTemplate: s.InputTemplate,
			Expects:       s.Expects,
			Type:          stepType,
			MaxRetries:    s.MaxRetries,
		}
		if s.Loop != nil {
			step.LoopConfig = &workflowtypes.LoopConfig{
				Over:       s.Loop.Over,
				VerifyEach: s.Loop.VerifyEach,
				VerifyStep: s.Loop.VerifyStep,
			}
		}
		def.Steps[i] = step
	}
	return def, nil
}

func newDefCommand(serverAddr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "def",
		Short: "Manage workflow definitions",
	}
	cmd.AddCommand(newDefListCommand(serverAddr))
	cmd.AddCommand(newDefCreateCommand(serverAddr))
	return cmd
}

func newDefListCommand(serverAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(*serverAddr)
			if err != nil {
				return err
			}
			defs, err := c.ListDefs(context.Background())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTEPS")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", d.ID, d.Name, len(d.Steps))
			}
			return tw.Flush()
		},
	}
}

func newDefCreateCommand(serverAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "create <file.yaml>",
		Short: "Register a workflow definition from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefFile(args[0])
			if err != nil {
				return err
			}
			c, err := client.New(*serverAddr)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			created, err := c.CreateDef(ctx, def)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (%s), %d step(s)\n", created.ID, created.Name, len(created.Steps))
			return nil
		},
	}
}
