package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	submitTaskType string
	submitPriority int
)

var submitCmd = &cobra.Command{
	Use:   "submit [title...]",
	Short: "Decompose and assign a requirement against a demo agent fleet",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := newKernel()
		if err != nil {
			return err
		}
		seedDemoAgents(k)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		k.Start(ctx)
		defer k.Stop()

		title := strings.Join(args, " ")
		task, err := k.SubmitTask(title, "", submitTaskType, submitPriority)
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}

		fmt.Printf("task %s created: %q [type=%s priority=%d status=%s assigned_to=%q]\n",
			task.ID, task.Title, task.Type, task.Priority, task.Status, task.AssignedTo)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "git workspace directory (defaults to an in-memory store)")
	submitCmd.Flags().StringVar(&submitTaskType, "type", "feature", "task type (feature decomposes into sub-tasks)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 2, "task priority 1 (low) - 4 (critical)")
}
