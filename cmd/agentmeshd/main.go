// Command agentmeshd is the reference binary for the coordination
// kernel, mirroring the teacher's root main.go and
// orchestrator/cmd/main.go: a cobra root command with subcommands for
// the lifecycle operations a caller needs against the kernel.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "agentmeshd",
	Short: "Multi-agent coordination kernel",
	Long: `agentmeshd runs the coordination kernel: Message Bus, File Manager,
Task Manager, Assignment Engine, Health Monitor, Workflow Orchestrator,
Coordination Manager, and Realtime Sync wired into a single process.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentmeshd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentmeshd version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
