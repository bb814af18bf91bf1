package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"lrs-analytics/internal/attribution"
	"lrs-analytics/internal/components/chrono"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/lrs"
	"lrs-analytics/internal/notify"
	"lrs-analytics/internal/statement"
	"lrs-analytics/internal/store"
	"lrs-analytics/internal/table"
	configlibsql "lrs-analytics/lib/configutil/libsql"
	"lrs-analytics/lib/testutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mutex    sync.Mutex
	failures []notify.Failure
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, failure notify.Failure) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.failures = append(n.failures, failure)
	return nil
}

type failingFetcher struct {
	err error
}

func (f failingFetcher) FetchAll(context.Context, time.Time, int) ([]statement.Raw, error) {
	return nil, f.err
}

type fixture struct {
	store    store.Store
	notifier *recordingNotifier
	tel      *telemetry.RecorderAPI
	clock    *chrono.SteppingImpl
	paths    Paths
}

func newFixture(t *testing.T) fixture {
	dir := t.TempDir()
	clock := &chrono.SteppingImpl{
		Start: time.Date(2025, time.June, 20, 8, 0, 0, 0, time.UTC),
		Step:  time.Second,
	}
	tel := &telemetry.RecorderAPI{}
	db, err := store.Open(context.Background(), configlibsql.Struct{File: ":memory:"}, clock, tel)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	contentMap := filepath.Join(dir, "cmid_module_map.csv")
	require.NoError(t, os.WriteFile(contentMap, []byte("cmid;module\n11;Módulo 2\n"), 0o644))

	return fixture{
		store:    db,
		notifier: &recordingNotifier{},
		tel:      tel,
		clock:    clock,
		paths: Paths{
			ContentMap: contentMap,
			Csv:        filepath.Join(dir, "statements_clean.csv"),
		},
	}
}

func (f fixture) pipeline(fetcher Fetcher) Pipeline {
	resolver := attribution.NewResolver(attribution.Options{}, f.tel)
	return NewPipeline(fetcher, f.store, resolver, f.notifier, f.paths, f.clock, f.tel)
}

type fakeLrs struct {
	mutex      sync.Mutex
	statements []map[string]any
	sinces     []string
}

func (l *fakeLrs) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.sinces = append(l.sinces, r.URL.Query().Get("since"))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"statements": l.statements,
		"more":       "",
	})
}

func TestPipelineRun(t *testing.T) {
	f := newFixture(t)

	first := time.Date(2025, time.June, 11, 9, 0, 0, 0, time.UTC)
	second := time.Date(2025, time.June, 12, 9, 0, 0, 0, time.UTC)
	server := &fakeLrs{statements: []map[string]any{
		testutil.Statement(testutil.StatementParams{
			Id:          testutil.StatementId(1),
			Timestamp:   first,
			AccountName: "aluno1",
			VerbId:      "http://adlnet.gov/expapi/verbs/viewed",
			ObjectId:    "https://moodle.example.com/mod/page/view.php?id=10",
			Name:        "Introdução",
			ParentIds:   []string{"https://moodle.example.com/course/section.php?id=4"},
		}),
		testutil.Statement(testutil.StatementParams{
			Id:          testutil.StatementId(2),
			Timestamp:   second,
			AccountName: "aluno2",
			VerbId:      "http://adlnet.gov/expapi/verbs/answered",
			ObjectId:    "https://moodle.example.com/mod/quiz/view.php?id=11",
			Name:        "Pergunta 1",
		}),
	}}
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	client, err := lrs.NewClient(lrs.Config{
		Endpoint:    httpServer.URL,
		OrgId:       "27",
		Credentials: lrs.Credentials{Username: "key", Password: "secret"},
		Retries:     -1,
	}, f.tel)
	require.NoError(t, err)

	p := f.pipeline(client)
	ctx := context.Background()

	result, err := p.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, result.Fetched)
	require.Equal(t, 2, result.Stored)
	require.True(t, result.Since.IsZero())
	require.True(t, second.Equal(result.Watermark))

	rows, err := table.ReadFile(f.paths.Csv)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "Módulo 4", rows[0].Module)
	require.Equal(t, "viewed", rows[0].Verb)
	require.Equal(t, "aluno1", rows[0].User)
	require.Equal(t, "Módulo 2", rows[1].Module)
	require.Equal(t, "answered", rows[1].Verb)

	// the same statements come back: upserted, not duplicated
	result, err = p.Run(ctx, Options{})
	require.NoError(t, err)
	require.True(t, second.Equal(result.Since))
	require.Equal(t, 2, result.Stored)

	server.mutex.Lock()
	require.Equal(t, []string{"", "2025-06-12T09:00:00Z"}, server.sinces)
	server.mutex.Unlock()

	runs, err := f.store.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		require.Equal(t, store.RunSucceeded, run.Status)
	}
	require.Empty(t, f.notifier.failures)
}

func TestPipelineSinceOverride(t *testing.T) {
	f := newFixture(t)
	since := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)

	var got time.Time
	fetcher := fetchFunc(func(_ context.Context, s time.Time, _ int) ([]statement.Raw, error) {
		got = s
		return nil, nil
	})
	result, err := f.pipeline(fetcher).Run(context.Background(), Options{Since: since})
	require.NoError(t, err)
	require.True(t, since.Equal(got))
	// an empty run keeps the watermark where it started
	require.True(t, since.Equal(result.Watermark))
}

type fetchFunc func(ctx context.Context, since time.Time, pageSize int) ([]statement.Raw, error)

func (f fetchFunc) FetchAll(ctx context.Context, since time.Time, pageSize int) ([]statement.Raw, error) {
	return f(ctx, since, pageSize)
}

func TestPipelineFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	watermark := time.Date(2025, time.June, 11, 9, 0, 0, 0, time.UTC)
	runId, err := f.store.BeginRun(ctx, watermark)
	require.NoError(t, err)
	_, err = f.store.CommitRun(ctx, runId, nil)
	require.NoError(t, err)

	cause := &lrs.TransportError{Page: 2, Watermark: watermark, Url: "https://lrs/statements", StatusCode: 502}
	result, err := f.pipeline(failingFetcher{err: cause}).Run(ctx, Options{})

	var terr *lrs.TransportError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, 2, terr.Page)
	require.True(t, watermark.Equal(result.Since))

	stored, err := f.store.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, watermark.Equal(stored))

	runs, err := f.store.Runs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, result.RunId, runs[0].Id)
	require.Equal(t, store.RunFailed, runs[0].Status)
	require.Contains(t, runs[0].Error, "page 2")

	require.Len(t, f.notifier.failures, 1)
	require.Equal(t, result.RunId, f.notifier.failures[0].RunId)
	require.True(t, watermark.Equal(f.notifier.failures[0].Watermark))
	require.NotEmpty(t, f.tel.Find("broken", report_pipeline_run))

	_, err = os.Stat(f.paths.Csv)
	require.True(t, errors.Is(err, os.ErrNotExist))
}
