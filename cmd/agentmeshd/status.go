package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qmlh/agentmesh/taskmgr"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kernel task/agent/assignment statistics for a seeded demo fleet",
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

		if _, err := k.SubmitTask("example feature", "seeded for status demonstration", "feature", 2); err != nil {
			return err
		}

		st := k.Status()
		fmt.Println("Tasks")
		fmt.Printf("  total:     %d\n", st.TaskStats.Total)
		fmt.Printf("  available: %d\n", st.TaskStats.Available)
		for status, count := range st.TaskStats.ByStatus {
			fmt.Printf("  %-12s %d\n", statusLabel(status), count)
		}

		fmt.Println("Agents")
		fmt.Printf("  registered: %d\n", st.AgentCount)

		fmt.Println("Assignments")
		fmt.Printf("  running:   %d\n", st.Assignments.Running)
		fmt.Printf("  completed: %d\n", st.Assignments.Completed)
		fmt.Printf("  failed:    %d\n", st.Assignments.Failed)
		return nil
	},
}

func statusLabel(s taskmgr.Status) string {
	return string(s) + ":"
}

func init() {
	statusCmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "git workspace directory (defaults to an in-memory store)")
}
