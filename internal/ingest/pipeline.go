// Package ingest runs the batch job: fetch, flatten, attribute, normalize, persist, export.
package ingest

import (
	"context"
	"fmt"
	"lrs-analytics/internal/attribution"
	"lrs-analytics/internal/components/assert"
	"lrs-analytics/internal/components/chrono"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/normalize"
	"lrs-analytics/internal/notify"
	"lrs-analytics/internal/statement"
	"lrs-analytics/internal/store"
	"lrs-analytics/internal/table"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("lrs-analytics/internal/ingest")

const (
	report_pipeline_run    = "pipeline.run"
	report_pipeline_notify = "pipeline.notify"
	report_pipeline_export = "pipeline.export"
)

// Fetcher is implemented by *lrs.Client.
type Fetcher interface {
	FetchAll(ctx context.Context, since time.Time, pageSize int) ([]statement.Raw, error)
}

type Options struct {
	// Since overrides the stored watermark when set.
	Since    time.Time
	PageSize int
}

type Result struct {
	RunId string
	Since time.Time
	// Fetched counts the statements returned by the store, Stored the statements
	// persisted overall after the run.
	Fetched   int
	Stored    int
	Watermark time.Time
}

type Paths struct {
	ContentMap string
	Csv        string
}

type Pipeline struct {
	fetcher    Fetcher
	store      store.Store
	resolver   attribution.Resolver
	normalizer normalize.Normalizer
	notifier   notify.Notifier
	paths      Paths
	clock      chrono.API
	tel        telemetry.API
}

func NewPipeline(
	fetcher Fetcher,
	db store.Store,
	resolver attribution.Resolver,
	notifier notify.Notifier,
	paths Paths,
	clock chrono.API,
	tel telemetry.API,
) Pipeline {
	assert.NotNil(fetcher)
	assert.NotNil(notifier)
	assert.NotNil(clock)
	assert.NotNil(tel)

	return Pipeline{
		fetcher:    fetcher,
		store:      db,
		resolver:   resolver,
		normalizer: normalize.NewNormalizer(tel),
		notifier:   notifier,
		paths:      paths,
		clock:      clock,
		tel:        telemetry.NewScopedAPI("ingest", tel),
	}
}

// Run performs one ingestion. A failed fetch or commit leaves the store and the
// watermark untouched, marks the run failed and notifies about it.
func (p Pipeline) Run(ctx context.Context, opts Options) (Result, error) {
	ctx, span := tracer.Start(ctx, "Pipeline:Run")
	defer span.End()

	since := opts.Since
	if since.IsZero() {
		watermark, err := p.store.Watermark(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read watermark")
			return Result{}, fmt.Errorf("read watermark: %w", err)
		}
		since = watermark
	}

	runId, err := p.store.BeginRun(ctx, since)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to begin run")
		return Result{}, fmt.Errorf("begin run: %w", err)
	}
	result := Result{RunId: runId, Since: since}
	span.SetAttributes(attribute.String("run_id", runId))
	p.tel.ReportDebug("starting run", runId, since)

	raw, err := p.fetcher.FetchAll(ctx, since, opts.PageSize)
	if err != nil {
		return result, p.fail(ctx, runId, since, err)
	}
	result.Fetched = len(raw)

	rows := p.transform(ctx, raw)

	watermark, err := p.store.CommitRun(ctx, runId, rows)
	if err != nil {
		return result, p.fail(ctx, runId, since, fmt.Errorf("commit: %w", err))
	}
	result.Watermark = watermark
	p.tel.ReportCount("pipeline.fetched", int64(len(raw)))

	stored, err := p.export(ctx)
	result.Stored = stored
	if err != nil {
		p.tel.ReportBroken(report_pipeline_export, err, p.paths.Csv)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to export table")
		return result, fmt.Errorf("export %s: %w", p.paths.Csv, err)
	}

	span.SetAttributes(
		attribute.Int("fetched", result.Fetched),
		attribute.Int("stored", result.Stored),
	)
	return result, nil
}

func (p Pipeline) transform(ctx context.Context, raw []statement.Raw) []normalize.NormalizedStatement {
	_, span := tracer.Start(ctx, "Pipeline:transform")
	defer span.End()

	flats := make([]statement.Flat, len(raw))
	for i, r := range raw {
		flats[i] = statement.Flatten(r)
	}
	contentMap := attribution.LoadContentIdModuleMap(p.paths.ContentMap, p.tel)
	modules := p.resolver.Resolve(flats, contentMap)
	return p.normalizer.All(flats, modules)
}

func (p Pipeline) export(ctx context.Context) (int, error) {
	if p.paths.Csv == "" {
		return 0, nil
	}
	rows, err := p.store.Statements(ctx)
	if err != nil {
		return 0, err
	}
	return len(rows), table.WriteFile(p.paths.Csv, rows)
}

func (p Pipeline) fail(ctx context.Context, runId string, since time.Time, cause error) error {
	span := trace.SpanFromContext(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "run failed")
	p.tel.ReportBroken(report_pipeline_run, cause, runId)

	// ctx may be the reason the run failed
	bookkeeping := context.WithoutCancel(ctx)
	err := p.store.FailRun(bookkeeping, runId, cause)
	if err != nil {
		p.tel.ReportBroken(report_pipeline_run, fmt.Errorf("mark run failed: %w", err), runId)
	}
	err = p.notifier.NotifyFailure(bookkeeping, notify.Failure{
		RunId:     runId,
		Watermark: since,
		At:        p.clock.Now(),
		Err:       cause,
	})
	if err != nil {
		p.tel.ReportBroken(report_pipeline_notify, err, runId)
	}
	return cause
}
