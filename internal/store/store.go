// Package store persists normalized statements and the ingestion run log, the run log
// holding the watermark of the next incremental fetch.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"lrs-analytics/internal/components/assert"
	"lrs-analytics/internal/components/chrono"
	"lrs-analytics/internal/components/telemetry"
	"lrs-analytics/internal/normalize"
	configlibsql "lrs-analytics/lib/configutil/libsql"
	"strings"
	"time"

	"github.com/mazen160/go-random"
)

//go:embed schema.sql
var Schema string

const (
	report_store_migrate = "store.migrate"
	report_store_commit  = "store.commit"

	report_store_future_timestamp = "store.future-timestamp"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is one entry of the ingestion run log.
type Run struct {
	Id           string
	StartedAt    time.Time
	FinishedAt   time.Time
	Since        time.Time
	MaxTimestamp time.Time
	Fetched      int
	Status       RunStatus
	Error        string
}

type Store struct {
	db    *sql.DB
	clock chrono.API
	tel   telemetry.API
}

// Open opens the configured database and applies the schema.
func Open(ctx context.Context, config configlibsql.Struct, clock chrono.API, tel telemetry.API) (Store, error) {
	db, err := config.OpenDB()
	if err != nil {
		return Store{}, fmt.Errorf("open db: %w", err)
	}
	s, err := New(ctx, db, clock, tel)
	if err != nil {
		db.Close()
		return Store{}, err
	}
	return s, nil
}

// New wraps an already opened database, applying the schema.
func New(ctx context.Context, db *sql.DB, clock chrono.API, tel telemetry.API) (Store, error) {
	assert.NotNil(db)
	assert.NotNil(clock)
	assert.NotNil(tel)

	s := Store{
		db:    db,
		clock: clock,
		tel:   telemetry.NewScopedAPI("store", tel),
	}
	err := s.migrate(ctx)
	if err != nil {
		s.tel.ReportBroken(report_store_migrate, err)
		return Store{}, fmt.Errorf("migrate db: %w", err)
	}
	return s, nil
}

func (s Store) Close() error {
	return s.db.Close()
}

func (s Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		_, err := s.db.ExecContext(ctx, stmt)
		if err != nil {
			return err
		}
	}
	return nil
}

func stripComments(stmt string) string {
	var lines []string
	for _, line := range strings.Split(stmt, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func toNull(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMicro(v.Int64).UTC()
}

const upsertStatement = `insert into statements (id, timestamp, user, cmid, module, verb, activity)
values (?, ?, ?, ?, ?, ?, ?)
on conflict (id) do update set
    timestamp = excluded.timestamp,
    user = excluded.user,
    cmid = excluded.cmid,
    module = excluded.module,
    verb = excluded.verb,
    activity = excluded.activity`

func upsert(ctx context.Context, tx *sql.Tx, rows []normalize.NormalizedStatement) error {
	stmt, err := tx.PrepareContext(ctx, upsertStatement)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if row.Id == "" {
			continue
		}
		var cmid sql.NullInt64
		if row.ContentId != nil {
			cmid = sql.NullInt64{Int64: *row.ContentId, Valid: true}
		}
		_, err = stmt.ExecContext(
			ctx,
			row.Id, toNull(row.Timestamp), row.User, cmid,
			row.Module, row.Verb, row.Activity,
		)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", row.Id, err)
		}
	}
	return nil
}

// UpsertStatements inserts or replaces rows by id in a single transaction. Rows
// without an id are skipped.
func (s Store) UpsertStatements(ctx context.Context, rows []normalize.NormalizedStatement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = upsert(ctx, tx, rows)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Statements returns every stored statement ordered by timestamp then id.
func (s Store) Statements(ctx context.Context) ([]normalize.NormalizedStatement, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select id, timestamp, user, cmid, module, verb, activity
		from statements
		order by timestamp, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []normalize.NormalizedStatement
	for rows.Next() {
		var row normalize.NormalizedStatement
		var ts, cmid sql.NullInt64
		err = rows.Scan(&row.Id, &ts, &row.User, &cmid, &row.Module, &row.Verb, &row.Activity)
		if err != nil {
			return nil, err
		}
		row.Timestamp = fromNull(ts)
		if cmid.Valid {
			id := cmid.Int64
			row.ContentId = &id
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Watermark is the max timestamp recorded by the latest successful run, zero when
// there has been none.
func (s Store) Watermark(ctx context.Context) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(
		ctx,
		`select max_timestamp from ingest_runs
		where status = ?
		order by finished_at desc, started_at desc
		limit 1`,
		string(RunSucceeded),
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromNull(ts), nil
}

// BeginRun records the start of an ingestion run and returns its id.
func (s Store) BeginRun(ctx context.Context, since time.Time) (string, error) {
	id, err := random.String(16)
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`insert into ingest_runs (id, started_at, since, status) values (?, ?, ?, ?)`,
		id, s.clock.Now().UnixMicro(), toNull(since), string(RunRunning),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CommitRun upserts rows and marks the run succeeded in one transaction. The run's
// max timestamp is the newest of its since and the rows' timestamps, so the watermark
// never moves backwards. Row timestamps come from the reporting clients and are capped
// at the run's start, a client clock running ahead must not push the watermark past
// statements the LRS has yet to store.
func (s Store) CommitRun(ctx context.Context, runId string, rows []normalize.NormalizedStatement) (time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, err
	}
	defer tx.Rollback()

	var since sql.NullInt64
	var startedAt int64
	err = tx.QueryRowContext(
		ctx,
		`select since, started_at from ingest_runs where id = ?`,
		runId,
	).Scan(&since, &startedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("lookup run %s: %w", runId, err)
	}
	started := time.UnixMicro(startedAt).UTC()

	maxTimestamp := fromNull(since)
	var ahead int64
	for _, row := range rows {
		ts := row.Timestamp
		if ts.After(started) {
			ahead++
			ts = started
		}
		if ts.After(maxTimestamp) {
			maxTimestamp = ts
		}
	}
	if ahead > 0 {
		s.tel.ReportWarning(report_store_future_timestamp, ahead, runId)
	}

	err = upsert(ctx, tx, rows)
	if err != nil {
		s.tel.ReportBroken(report_store_commit, err, runId)
		return time.Time{}, err
	}
	_, err = tx.ExecContext(
		ctx,
		`update ingest_runs
		set finished_at = ?, max_timestamp = ?, fetched = ?, status = ?
		where id = ?`,
		s.clock.Now().UnixMicro(), toNull(maxTimestamp), len(rows), string(RunSucceeded), runId,
	)
	if err != nil {
		s.tel.ReportBroken(report_store_commit, err, runId)
		return time.Time{}, err
	}
	err = tx.Commit()
	if err != nil {
		return time.Time{}, err
	}
	return maxTimestamp, nil
}

// FailRun marks a run failed, keeping the cause. The watermark is left untouched.
func (s Store) FailRun(ctx context.Context, runId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(
		ctx,
		`update ingest_runs set finished_at = ?, status = ?, error = ? where id = ?`,
		s.clock.Now().UnixMicro(), string(RunFailed), msg, runId,
	)
	return err
}

// Runs returns the latest runs, newest first.
func (s Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`select id, started_at, finished_at, since, max_timestamp, fetched, status, error
		from ingest_runs
		order by started_at desc
		limit ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var started int64
		var finished, since, maxTimestamp sql.NullInt64
		var status string
		var runErr sql.NullString
		err = rows.Scan(&run.Id, &started, &finished, &since, &maxTimestamp, &run.Fetched, &status, &runErr)
		if err != nil {
			return nil, err
		}
		run.StartedAt = time.UnixMicro(started).UTC()
		run.FinishedAt = fromNull(finished)
		run.Since = fromNull(since)
		run.MaxTimestamp = fromNull(maxTimestamp)
		run.Status = RunStatus(status)
		run.Error = runErr.String
		out = append(out, run)
	}
	return out, rows.Err()
}
