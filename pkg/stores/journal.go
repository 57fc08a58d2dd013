package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/modkernel/pkg/kernel"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// recordTimeout bounds a journal write made from the orchestration path.
const recordTimeout = 5 * time.Second

// Journal is an append-only SQLite audit log of module state transitions
// and orchestration runs. It is a kernel.Sink for transitions and a
// kernel.Observer for runs.
type Journal struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

var (
	_ kernel.Sink     = (*Journal)(nil)
	_ kernel.Observer = (*Journal)(nil)
)

// OpenJournal opens the database at path and applies pending migrations.
func OpenJournal(ctx context.Context, path string, logger zerolog.Logger) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite has a single writer and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := &Journal{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "journal").Str("path", path).Logger(),
	}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	j.logger.Debug().Msg("Journal opened")
	return j, nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// HandleStateChange journals a transition. It runs on the kernel executor.
func (j *Journal) HandleStateChange(ctx context.Context, change kernel.StateChange) error {
	return j.RecordTransition(ctx, change)
}

// ObserveStateChange is a no-op; transitions arrive through HandleStateChange.
func (j *Journal) ObserveStateChange(kernel.StateChange) {}

// ObserveJob is a no-op.
func (j *Journal) ObserveJob(string, error, time.Duration, bool) {}

// ObserveOrchestration journals a finished run. Failures are logged, never
// returned, so the journal cannot fail an orchestration.
func (j *Journal) ObserveOrchestration(result *kernel.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := j.RecordRun(ctx, result); err != nil {
		j.logger.Error().Err(err).Str("run", result.ID).Msg("Failed to journal orchestration run")
	}
}

// RecordTransition appends a state change. Re-recording the same change is a no-op.
func (j *Journal) RecordTransition(ctx context.Context, change kernel.StateChange) error {
	query := `
		INSERT INTO state_transitions (id, module, old_state, new_state, error, exhausted, restart_count, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := j.db.ExecContext(ctx, query,
		change.ID,
		change.Module,
		string(change.OldState),
		string(change.NewState),
		nullString(change.ErrorMessage()),
		change.Exhausted,
		change.RestartCount,
		change.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// RecordRun appends an orchestration run with its per-module outcomes.
func (j *Journal) RecordRun(ctx context.Context, result *kernel.Result) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orchestration_runs (id, operation, target, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?)
	`, result.ID, result.Operation, result.Target, result.StartedAt.UnixNano(), int64(result.Duration))
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_modules (run_id, position, module, outcome, state, waiting_on, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare run modules: %w", err)
	}
	defer stmt.Close()

	for i, m := range result.Modules {
		var errMsg string
		if m.Err != nil {
			errMsg = m.Err.Error()
		}
		if _, err := stmt.ExecContext(ctx,
			result.ID, i, m.Module, string(m.Outcome), string(m.State),
			strings.Join(m.WaitingOn, ","), nullString(errMsg),
		); err != nil {
			return fmt.Errorf("failed to record run module %s: %w", m.Module, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// Transitions lists journaled transitions, newest first.
func (j *Journal) Transitions(ctx context.Context, filter TransitionFilter) ([]Transition, error) {
	query := `
		SELECT id, module, old_state, new_state, error, exhausted, restart_count, occurred_at
		FROM state_transitions
		WHERE (? = '' OR module = ?) AND occurred_at >= ?
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	var since int64
	if !filter.Since.IsZero() {
		since = filter.Since.UnixNano()
	}

	rows, err := j.db.QueryContext(ctx, query, filter.Module, filter.Module, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []Transition{}
	for rows.Next() {
		var (
			t          Transition
			errMsg     sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&t.ID, &t.Module, &t.OldState, &t.NewState, &errMsg, &t.Exhausted, &t.RestartCount, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.Error = errMsg.String
		t.OccurredAt = time.Unix(0, occurredAt)
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transitions: %w", err)
	}
	return transitions, nil
}

// Runs lists journaled orchestration runs with their module outcomes, newest first.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, operation, target, started_at, duration_ns
		FROM orchestration_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := []Run{}
	for rows.Next() {
		var (
			r                   Run
			startedAt, duration int64
		)
		if err := rows.Scan(&r.ID, &r.Operation, &r.Target, &startedAt, &duration); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, startedAt)
		r.Duration = time.Duration(duration)
		runs = append(runs, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	// The single connection must be released before the nested queries.
	for i := range runs {
		modules, err := j.runModules(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Modules = modules
	}
	return runs, nil
}

func (j *Journal) runModules(ctx context.Context, runID string) ([]RunModule, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT module, outcome, state, waiting_on, error
		FROM run_modules
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run modules: %w", err)
	}
	defer rows.Close()

	modules := []RunModule{}
	for rows.Next() {
		var (
			m         RunModule
			waitingOn string
			errMsg    sql.NullString
		)
		if err := rows.Scan(&m.Module, &m.Outcome, &m.State, &waitingOn, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan run module: %w", err)
		}
		if waitingOn != "" {
			m.WaitingOn = strings.Split(waitingOn, ",")
		}
		m.Error = errMsg.String
		modules = append(modules, m)
	}
	return modules, rows.Err()
}

// Prune deletes transitions and runs older than before.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	transitions, err := tx.ExecContext(ctx, `DELETE FROM state_transitions WHERE occurred_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transitions: %w", err)
	}
	runs, err := tx.ExecContext(ctx, `DELETE FROM orchestration_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	n1, _ := transitions.RowsAffected()
	n2, _ := runs.RowsAffected()
	j.logger.Info().Int64("transitions", n1).Int64("runs", n2).Time("before", before).Msg("Journal pruned")
	return n1 + n2, nil
}

// HealthCheck verifies the database connection.
func (j *Journal) HealthCheck(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
