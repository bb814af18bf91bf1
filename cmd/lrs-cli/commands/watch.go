package commands

import (
	"log/slog"
	"lrs-analytics/internal/components/chrono"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/ingest"
	"lrs-analytics/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Runs an ingestion immediately and then on the configured schedule until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		rt := newApp(ctx, "lrs-watch")
		defer rt.Close()

		run := chrono.Exclusive(func() {
			err := runOnce(ctx, rt.pipeline, ingest.Options{})
			if err != nil {
				slog.Error("ingestion failed, retrying on the next tick", "err", err.Error())
			}
		}, telemetry.SlogAPI{})

		cron := chrono.NewStandardCron(rt.clock, telemetry.SlogAPI{})
		err := cron.Cron(rt.config.Schedule, run)
		if err != nil {
			serviceutil.Fatal("invalid schedule", err)
		}
		slog.Info("watching", "schedule", rt.config.Schedule, "timezone", rt.clock.Location().String())

		run()
		<-ctx.Done()
		cron.Stop()
	},
}
