package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var startSeedDemo bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coordination kernel in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := newKernel()
		if err != nil {
			return err
		}
		if startSeedDemo {
			seedDemoAgents(k)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		k.Start(ctx)
		defer k.Stop()

		fmt.Println("agentmeshd kernel started, press ctrl+c to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("shutting down")
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&dataDirFlag, "data-dir", "", "git workspace directory (defaults to an in-memory store)")
	startCmd.Flags().BoolVar(&startSeedDemo, "seed-demo", false, "register one demo agent per archetype on startup")
}
