package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jimdaga/postflow/internal/worker"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background worker and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if a.publisher == nil {
				return fmt.Errorf("worker requires REDIS_URL")
			}

			stopScheduler, err := worker.StartScheduler(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer stopScheduler()

			// Blocks until SIGINT or SIGTERM
			return worker.Run(a.cfg, a.workerDeps())
		},
	}
}
