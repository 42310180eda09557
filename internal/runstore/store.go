// Package runstore persists run sessions in SQLite so they survive restarts.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/ci-heal-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for unknown run ids
var ErrNotFound = errors.New("run not found")

// InterruptedMessage is recorded on runs that were in flight when the process stopped
const InterruptedMessage = "interrupted by restart"

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared and serialises writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun writes the full session, replacing any earlier version
func (s *Store) SaveRun(ctx context.Context, run *domain.RunSession) error {
	files, err := marshalJSON(run.Files)
	if err != nil {
		return err
	}
	ci, err := marshalJSON(run.CI)
	if err != nil {
		return err
	}
	score, err := marshalJSON(run.Score)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, repo_url, team_name, leader_name, branch, status, phase, message, retry_budget, commits, output, error, error_kind, files, ci, score, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			phase = excluded.phase,
			message = excluded.message,
			commits = excluded.commits,
			output = excluded.output,
			error = excluded.error,
			error_kind = excluded.error_kind,
			files = excluded.files,
			ci = excluded.ci,
			score = excluded.score,
			ended_at = excluded.ended_at
	`,
		run.ID,
		run.RepoURL,
		run.TeamName,
		run.LeaderName,
		run.Branch,
		string(run.Status),
		string(run.Phase),
		run.Message,
		run.RetryBudget,
		run.Commits,
		run.Output,
		run.Error,
		string(run.ErrorKind),
		files,
		ci,
		score,
		run.StartedAt.UTC(),
		nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}

	for _, table := range []string{"iterations", "fixes", "patches"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", run.ID); err != nil {
			return err
		}
	}
	for _, it := range run.Iterations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO iterations (run_id, idx, outcome, message, failures_count, fixes_applied, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, it.Index, string(it.Outcome), it.Message, it.FailuresCount, it.FixesApplied, it.Timestamp.UTC()); err != nil {
			return fmt.Errorf("saving iteration %d: %w", it.Index, err)
		}
	}
	for _, f := range run.Fixes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fixes (run_id, iteration, file, category, line, commit_message, status, commit_hash, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, f.Iteration, f.File, string(f.Category), f.Line, f.CommitMessage, string(f.Status), f.CommitHash, f.Error); err != nil {
			return fmt.Errorf("saving fix for %s: %w", f.File, err)
		}
	}
	for _, p := range run.Patches {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO patches (run_id, iteration, file, original, modified) VALUES (?, ?, ?, ?, ?)`,
			run.ID, p.Iteration, p.File, p.Original, p.Modified); err != nil {
			return fmt.Errorf("saving patch for %s: %w", p.File, err)
		}
	}

	return tx.Commit()
}

const runColumns = `id, repo_url, team_name, leader_name, branch, status, phase, message, retry_budget, commits, output, error, error_kind, files, ci, score, started_at, ended_at`

// GetRun loads a run with its iterations, fixes and patches
func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadChildren(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status domain.RunStatus
	Limit  int
}

// ListRuns returns runs newest first, fully loaded
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]*domain.RunSession, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY started_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var runs []*domain.RunSession
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// children are loaded after the cursor is closed; the pool has one connection
	for _, run := range runs {
		if err := s.loadChildren(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// MarkInterrupted fails every run that was pending or running, scores it
// under policy and returns how many changed. Interrupted runs never healed, so
// they get no time bonus.
func (s *Store) MarkInterrupted(ctx context.Context, now time.Time, policy domain.ScoringPolicy) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, commits, started_at FROM runs WHERE status IN (?, ?)`,
		string(domain.RunPending), string(domain.RunRunning))
	if err != nil {
		return 0, err
	}
	type stale struct {
		id      string
		commits int
		started time.Time
	}
	var runs []stale
	for rows.Next() {
		var r stale
		if err := rows.Scan(&r.id, &r.commits, &r.started); err != nil {
			rows.Close()
			return 0, err
		}
		runs = append(runs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range runs {
		breakdown := domain.ComputeScore(now.Sub(r.started), r.commits, false, policy)
		score, err := marshalJSON(&breakdown)
		if err != nil {
			return 0, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, phase = ?, message = ?, error = ?, error_kind = ?, score = ?, ended_at = ?
			WHERE id = ?`,
			string(domain.RunFailed), string(domain.PhaseFailed), InterruptedMessage, InterruptedMessage,
			string(domain.ErrCancelled), score, now.UTC(), r.id)
		if err != nil {
			return 0, fmt.Errorf("marking run %s interrupted: %w", r.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(runs), nil
}

// DeleteRun removes a run and everything recorded for it
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.RunSession, error) {
	var run domain.RunSession
	var status, phase, errorKind string
	var message, output, errText, files, ci, score sql.NullString
	var ended sql.NullTime

	err := row.Scan(&run.ID, &run.RepoURL, &run.TeamName, &run.LeaderName, &run.Branch,
		&status, &phase, &message, &run.RetryBudget, &run.Commits, &output, &errText, &errorKind,
		&files, &ci, &score, &run.StartedAt, &ended)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.Phase = domain.Phase(phase)
	run.Message = message.String
	run.Output = output.String
	run.Error = errText.String
	run.ErrorKind = domain.ErrorKind(errorKind)
	if ended.Valid {
		t := ended.Time
		run.EndedAt = &t
	}
	if err := unmarshalJSON(files, &run.Files); err != nil {
		return nil, fmt.Errorf("decoding files of %s: %w", run.ID, err)
	}
	if err := unmarshalJSON(ci, &run.CI); err != nil {
		return nil, fmt.Errorf("decoding ci of %s: %w", run.ID, err)
	}
	if err := unmarshalJSON(score, &run.Score); err != nil {
		return nil, fmt.Errorf("decoding score of %s: %w", run.ID, err)
	}
	return &run, nil
}

func (s *Store) loadChildren(ctx context.Context, run *domain.RunSession) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, outcome, message, failures_count, fixes_applied, timestamp
		FROM iterations WHERE run_id = ? ORDER BY idx`, run.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var it domain.IterationRecord
		var outcome string
		var message sql.NullString
		if err := rows.Scan(&it.Index, &outcome, &message, &it.FailuresCount, &it.FixesApplied, &it.Timestamp); err != nil {
			rows.Close()
			return err
		}
		it.Outcome = domain.IterationOutcome(outcome)
		it.Message = message.String
		run.Iterations = append(run.Iterations, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT iteration, file, category, line, commit_message, status, commit_hash, error
		FROM fixes WHERE run_id = ? ORDER BY id`, run.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var f domain.FixRecord
		var category, status string
		var msg, hash, errText sql.NullString
		if err := rows.Scan(&f.Iteration, &f.File, &category, &f.Line, &msg, &status, &hash, &errText); err != nil {
			rows.Close()
			return err
		}
		f.Category = domain.BugCategory(category)
		f.Status = domain.FixStatus(status)
		f.CommitMessage = msg.String
		f.CommitHash = hash.String
		f.Error = errText.String
		run.Fixes = append(run.Fixes, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT iteration, file, original, modified FROM patches WHERE run_id = ? ORDER BY id`, run.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.PatchRecord
		var orig, mod sql.NullString
		if err := rows.Scan(&p.Iteration, &p.File, &orig, &mod); err != nil {
			return err
		}
		p.Original = orig.String
		p.Modified = mod.String
		run.Patches = append(run.Patches, p)
	}
	return rows.Err()
}

func marshalJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
