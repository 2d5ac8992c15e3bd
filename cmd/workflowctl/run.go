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

	"github.com/tombee/workflowengine/pkg/client"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

func newRunCommand(serverAddr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage workflow runs",
	}
	cmd.AddCommand(newRunStartCommand(serverAddr))
	cmd.AddCommand(newRunListCommand(serverAddr))
	cmd.AddCommand(newRunGetCommand(serverAddr))
	cmd.AddCommand(newRunPauseCommand(serverAddr))
	cmd.AddCommand(newRunResumeCommand(serverAddr))
	cmd.AddCommand(newRunCancelCommand(serverAddr))
	return cmd
}

func newRunStartCommand(serverAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start <workflowId> <task>",
		Short: "Start a new run of a workflow definition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(*serverAddr)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			run, err := c.CreateRun(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("started run %s (%s)\n", run.ID, run.Status)
			return nil
		},
	}
}

func newRunListCommand(serverAddr *string) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(*serverAddr)
			if err != nil {
				return err
			}
			runs, err := c.ListRuns(context.Background(), workflowtypes.RunFilter{
				Status: workflowtypes.RunStatus(status),
			})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tSTEP\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.WorkflowName, r.Status, r.CurrentStep, r.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by run status (running, paused, failed, completed, cancelled)")
	return cmd
}

func newRunGetCommand(serverAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <runId>",
		Short: "Show a run's full detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(*serverAddr)
			if err != nil {
				return err
			}
			run, err := c.GetRun(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("run:    %s\nstatus: %s\ntask:   %s\n", run.ID, run.Status, run.Task)
			for _, step := range run.Steps {
				fmt.Printf("  step %-16s %-10s agent=%s\n", step.ID, step.Status, step.AgentID)
			}
			return nil
		},
	}
}

func newRunPauseCommand(serverAddr *string) *cobra.Command {
	return runActionCommand(serverAddr, "pause", "Pause a running run", func(c *client.Client, ctx context.Context, id string) (*workflowtypes.Run, error) {
		return c.PauseRun(ctx, id)
	})
}

func newRunResumeCommand(serverAddr *string) *cobra.Command {
	return runActionCommand(serverAddr, "resume", "Resume a paused or failed run", func(c *client.Client, ctx context.Context, id string) (*workflowtypes.Run, error) {
		return c.ResumeRun(ctx, id)
	})
}

func newRunCancelCommand(serverAddr *string) *cobra.Command {
	return runActionCommand(serverAddr, "cancel", "Cancel a run", func(c *client.Client, ctx context.Context, id string) (*workflowtypes.Run, error) {
		return c.CancelRun(ctx, id)
	})
}

func runActionCommand(serverAddr *string, use, short string, action func(*client.Client, context.Context, string) (*workflowtypes.Run, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <runId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(*serverAddr)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			run, err := action(c, ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %s\n", use, run.ID, run.Status)
			return nil
		},
	}
}
