package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryptopool/golang"
	"github.com/cryptopool/golang/jobs"
)

var concurrency int64

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Serve jobs from a parent on stdin/stdout",
	RunE: func(*cobra.Command, []string) error {
		log := logger.With(zap.String("slot", os.Getenv("CRYPTOPOOL_SLOT")))
		master := cryptopool.NewMaster(os.Stdin, os.Stdout, cryptopool.MasterConfig{
			Runner:      jobs.NewRunner(nil),
			Concurrency: concurrency,
			MaxPayload:  cryptopool.LoadConfig().MaxPayload,
			Logger:      log,
			OnEvent: func(ev cryptopool.Event) {
				log.Debug("event from parent", zap.String("name", ev.Name), zap.Int("args", len(ev.Args)))
			},
		})
		log.Debug("worker started")
		return master.Run(context.Background())
	},
}

func init() {
	workerCmd.Flags().Int64Var(&concurrency, "concurrency", 1, "jobs run at once")
}
