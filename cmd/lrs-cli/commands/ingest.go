package commands

import (
	"context"
	"log/slog"
	"lrs-analytics/internal/attribution"
	"lrs-analytics/internal/components/chrono"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/config"
	"lrs-analytics/internal/ingest"
	"lrs-analytics/internal/lrs"
	"lrs-analytics/internal/normalize"
	"lrs-analytics/internal/notify"
	"lrs-analytics/internal/store"
	"lrs-analytics/lib/util/serviceutil"
	"time"

	"github.com/spf13/cobra"
)

var ingestSince *string

func init() {
	ingestSince = ingestCmd.Flags().String("since", "", "Fetch from this timestamp instead of the stored watermark.")
	rootCmd.AddCommand(ingestCmd)
}

type app struct {
	config   config.Config
	clock    chrono.StandardImpl
	store    store.Store
	pipeline ingest.Pipeline
	otel     telemetry.Otel
}

func (a app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.otel.Shutdown(ctx)
	if err != nil {
		slog.Warn("failed to flush telemetry", "err", err.Error())
	}
	a.store.Close()
}

func newApp(ctx context.Context, serviceName string) app {
	cfg := readConfig()
	err := cfg.Validate()
	if err != nil {
		serviceutil.Fatal("invalid config", err)
	}

	otel, err := telemetry.SetupOtel(ctx, serviceName, cfg.Telemetry)
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}

	tel := telemetry.SlogAPI{}
	clock, err := chrono.NewStandardImpl(cfg.Timezone)
	if err != nil {
		serviceutil.Fatal("failed to load timezone", err)
	}

	client, err := lrs.NewClient(cfg.Lrs, tel)
	if err != nil {
		serviceutil.Fatal("failed to create lrs client", err)
	}
	db, err := store.Open(ctx, cfg.Database, clock, tel)
	if err != nil {
		serviceutil.Fatal("failed to open store", err)
	}

	pipeline := ingest.NewPipeline(
		client,
		db,
		attribution.NewResolver(cfg.Attribution, tel),
		notify.New(cfg.Notify.Smtp),
		ingest.Paths{
			ContentMap: cfg.Attribution.ContentMap,
			Csv:        cfg.Output.Csv,
		},
		clock,
		tel,
	)

	return app{
		config:   cfg,
		clock:    clock,
		store:    db,
		pipeline: pipeline,
		otel:     otel,
	}
}

func runOnce(ctx context.Context, pipeline ingest.Pipeline, opts ingest.Options) error {
	result, err := pipeline.Run(ctx, opts)
	if err != nil {
		return err
	}
	slog.Info(
		"ingestion finished",
		"run_id", result.RunId,
		"since", result.Since,
		"fetched", result.Fetched,
		"stored", result.Stored,
		"watermark", result.Watermark,
	)
	return nil
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [--since <timestamp>]",
	Short: "Fetches new statements, stores them and rewrites the clean CSV.",
	Run: func(cmd *cobra.Command, args []string) {
		var opts ingest.Options
		if *ingestSince != "" {
			since, err := normalize.ParseTimestamp(*ingestSince)
			if err != nil {
				serviceutil.Fatal("invalid --since", err)
			}
			opts.Since = since
		}

		rt := newApp(cmd.Context(), "lrs-cli")
		defer rt.Close()

		err := runOnce(cmd.Context(), rt.pipeline, opts)
		if err != nil {
			rt.Close()
			serviceutil.Fatal("ingestion failed", err)
		}
	},
}
