/*
Package sqlite provides the SQLite-backed implementation of the engine
storage interfaces.

PURPOSE:
  Implements engine.Store (snapshots, overlays, runs, configuration,
  recon results) on SQLite. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  Base snapshots and overlay entries are write-once. There are no
  UPDATE or DELETE statements on those tables; unique indexes reject
  duplicate identities at the database level, so even a buggy caller
  cannot overwrite committed data.

RUN EXCLUSIVITY:
  One computing run per (client group, tax year) is enforced by a
  partial unique index plus a compare-and-set UPDATE on the status
  column. Publish is a single transaction that displaces the prior
  published run, flips the new one, and moves the published-run pointer
  record - readers never observe zero or two published runs.

KEY TABLES:
  tb_snapshots:    immutable base trial-balance snapshots (lines as JSON)
  overlay_entries: write-once calculated amounts per run
  rollup_runs:     run records driving the status state machine
  published_runs:  explicit published-run pointer per scope
  agreements, special_rules, rollup_mappings, recon_pairs: configuration
  recon_results:   engine-owned numbers plus user-owned status/notes

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) so concurrent readers
  don't block the single writer.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: interface contracts
  - engine/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/rollup-engine/engine"
)

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; one connection also keeps
	// ":memory:" databases from splitting across the pool.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	-- Entities and client-group membership
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		status TEXT NOT NULL,
		ein TEXT,
		tax_class TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS client_group_entities (
		group_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(group_id, entity_id)
	);
	CREATE INDEX IF NOT EXISTS idx_group_entities_group
		ON client_group_entities(group_id);

	-- Effective-dated ownership configuration
	CREATE TABLE IF NOT EXISTS agreements (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		draft INTEGER NOT NULL DEFAULT 0,
		owners_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agreements_entity
		ON agreements(entity_id, effective_from);

	CREATE TABLE IF NOT EXISTS special_rules (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		account TEXT,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		allocations_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_entity
		ON special_rules(entity_id, effective_from);

	CREATE TABLE IF NOT EXISTS rollup_mappings (
		owned_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		target_account TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		UNIQUE(owned_id, owner_id, effective_from)
	);
	CREATE INDEX IF NOT EXISTS idx_mappings_pair
		ON rollup_mappings(owned_id, owner_id);

	CREATE TABLE IF NOT EXISTS recon_pairs (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payer_account TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		receiver_account TEXT NOT NULL,
		sign_rule TEXT NOT NULL,
		tolerance TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_recon_pairs_group
		ON recon_pairs(group_id);

	-- Immutable base layer. Write-once: no UPDATE, no DELETE. EVER.
	CREATE TABLE IF NOT EXISTS tb_snapshots (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		tax_year INTEGER NOT NULL,
		period TEXT NOT NULL,
		snapshot_type TEXT NOT NULL,
		source TEXT NOT NULL,
		run_id TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(entity_id, tax_year, period, snapshot_type, source, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_entity_year
		ON tb_snapshots(entity_id, tax_year);

	-- Calculated overlay layer. Write-once per (entity, period, account, run).
	CREATE TABLE IF NOT EXISTS overlay_entries (
		entity_id TEXT NOT NULL,
		tax_year INTEGER NOT NULL,
		period TEXT NOT NULL,
		account TEXT NOT NULL,
		amount TEXT NOT NULL,
		run_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(entity_id, tax_year, period, account, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_overlays_run
		ON overlay_entries(run_id);
	CREATE INDEX IF NOT EXISTS idx_overlays_entity
		ON overlay_entries(entity_id, tax_year, period);

	-- Runs
	CREATE TABLE IF NOT EXISTS rollup_runs (
		id TEXT PRIMARY KEY,
		group_id TEXT NOT NULL,
		tax_year INTEGER NOT NULL,
		through_period TEXT NOT NULL,
		status TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		warnings_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		published_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_scope
		ON rollup_runs(group_id, tax_year);

	-- CRITICAL: at most one computing and one published run per scope.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_computing
		ON rollup_runs(group_id, tax_year) WHERE status = 'computing';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_published
		ON rollup_runs(group_id, tax_year) WHERE status = 'published';

	-- Explicit published-run pointer, swapped in the same transaction
	-- as the status changes it reflects.
	CREATE TABLE IF NOT EXISTS published_runs (
		group_id TEXT NOT NULL,
		tax_year INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		PRIMARY KEY(group_id, tax_year)
	);

	-- Recon results: numeric fields engine-owned, status/notes user-owned
	CREATE TABLE IF NOT EXISTS recon_results (
		id TEXT PRIMARY KEY,
		pair_id TEXT NOT NULL,
		tax_year INTEGER NOT NULL,
		period TEXT NOT NULL,
		payer_amount TEXT NOT NULL,
		receiver_amount TEXT NOT NULL,
		variance TEXT NOT NULL,
		flagged INTEGER NOT NULL,
		missing_counterpart TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		computed_at TEXT NOT NULL,
		UNIQUE(pair_id, tax_year, period)
	);
	CREATE INDEX IF NOT EXISTS idx_recon_results_pair
		ON recon_results(pair_id, tax_year);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func scanTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func mustTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// SNAPSHOTS (engine.SnapshotStore)
// =============================================================================

func (s *Store) AppendSnapshot(ctx context.Context, snap engine.TBSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	linesJSON, err := json.Marshal(snap.Lines)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tb_snapshots
		(id, entity_id, tax_year, period, snapshot_type, source, run_id, lines_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Entity, snap.TaxYear, snap.Period.String(), snap.Type, snap.Source,
		snap.RunID, string(linesJSON), time.Now().UTC().Format(time.RFC3339),
	)
	if isUniqueViolation(err) {
		return engine.ErrDuplicateSnapshot
	}
	return err
}

func (s *Store) Snapshots(ctx context.Context, entity engine.EntityID, taxYear int) ([]engine.TBSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, tax_year, period, snapshot_type, source, run_id, lines_json, created_at
		FROM tb_snapshots
		WHERE entity_id = ? AND tax_year = ?
		ORDER BY period, id`,
		entity, taxYear,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.TBSnapshot
	for rows.Next() {
		var snap engine.TBSnapshot
		var period, linesJSON, createdAt string
		if err := rows.Scan(&snap.ID, &snap.Entity, &snap.TaxYear, &period, &snap.Type,
			&snap.Source, &snap.RunID, &linesJSON, &createdAt); err != nil {
			return nil, err
		}
		if snap.Period, err = engine.ParsePeriod(period); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(linesJSON), &snap.Lines); err != nil {
			return nil, err
		}
		if snap.CreatedAt, err = mustTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// =============================================================================
// OVERLAYS (engine.OverlayStore)
// =============================================================================

func (s *Store) AppendOverlays(ctx context.Context, entries []engine.OverlayEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO overlay_entries
			(entity_id, tax_year, period, account, amount, run_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.Entity, e.TaxYear, e.Period.String(), e.Account, e.Amount.String(),
			e.RunID, e.CreatedAt.UTC().Format(time.RFC3339),
		)
		if isUniqueViolation(err) {
			return engine.ErrDuplicateOverlay
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Overlays(ctx context.Context, entity engine.EntityID, taxYear int, period engine.Period, runID engine.RunID) ([]engine.OverlayEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, tax_year, period, account, amount, run_id, created_at
		FROM overlay_entries
		WHERE entity_id = ? AND tax_year = ? AND period = ? AND run_id = ?
		ORDER BY account`,
		entity, taxYear, period.String(), runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.OverlayEntry
	for rows.Next() {
		var e engine.OverlayEntry
		var periodStr, amount, createdAt string
		if err := rows.Scan(&e.Entity, &e.TaxYear, &periodStr, &e.Account, &amount, &e.RunID, &createdAt); err != nil {
			return nil, err
		}
		if e.Period, err = engine.ParsePeriod(periodStr); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = mustTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// RUNS (engine.RunStore)
// =============================================================================

func (s *Store) CreateRun(ctx context.Context, run engine.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rollup_runs
		(id, group_id, tax_year, through_period, status, fingerprint, reason, warnings_json,
		 created_at, started_at, completed_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Group, run.TaxYear, run.Through.String(), run.Status, run.InputFingerprint,
		run.Reason, string(warnings), run.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(run.StartedAt), nullTime(run.CompletedAt), nullTime(run.PublishedAt),
	)
	return err
}

const runColumns = `id, group_id, tax_year, through_period, status, fingerprint, reason,
	warnings_json, created_at, started_at, completed_at, published_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*engine.Run, error) {
	var run engine.Run
	var through, warningsJSON, createdAt string
	var startedAt, completedAt, publishedAt sql.NullString
	err := row.Scan(&run.ID, &run.Group, &run.TaxYear, &through, &run.Status, &run.InputFingerprint,
		&run.Reason, &warningsJSON, &createdAt, &startedAt, &completedAt, &publishedAt)
	if err != nil {
		return nil, err
	}
	if run.Through, err = engine.ParsePeriod(through); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(warningsJSON), &run.Warnings); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = mustTime(createdAt); err != nil {
		return nil, err
	}
	if run.StartedAt, err = scanTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = scanTime(completedAt); err != nil {
		return nil, err
	}
	if run.PublishedAt, err = scanTime(publishedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getRun(ctx context.Context, q querier, id engine.RunID) (*engine.Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM rollup_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrRunNotFound
	}
	return run, err
}

func (s *Store) GetRun(ctx context.Context, id engine.RunID) (*engine.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRun(ctx, s.db, id)
}

func (s *Store) ListRuns(ctx context.Context, group engine.GroupID, taxYear int) ([]engine.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM rollup_runs
		WHERE group_id = ? AND tax_year = ?
		ORDER BY created_at, id`,
		group, taxYear,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// BeginCompute is the compare-and-set entry point of the run state
// machine: it succeeds only from draft, and only while no other run
// holds computing for the scope. The partial unique index backs the
// same guarantee at the database level.
func (s *Store) BeginCompute(ctx context.Context, id engine.RunID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := s.getRun(ctx, tx, id)
	if err != nil {
		return err
	}

	var active engine.RunID
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM rollup_runs
		WHERE group_id = ? AND tax_year = ? AND status = 'computing'`,
		run.Group, run.TaxYear,
	).Scan(&active)
	if err == nil {
		return &engine.RunConflictError{Group: run.Group, TaxYear: run.TaxYear, ActiveRun: active}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE rollup_runs SET status = 'computing', started_at = ?
		WHERE id = ? AND status = 'draft'`,
		at.UTC().Format(time.RFC3339), id,
	)
	if isUniqueViolation(err) {
		return &engine.RunConflictError{Group: run.Group, TaxYear: run.TaxYear}
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrInvalidTransition
	}
	return tx.Commit()
}

func (s *Store) CompleteRun(ctx context.Context, id engine.RunID, status engine.RunStatus, reason string, warnings []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != engine.RunComputed && status != engine.RunFailed {
		return engine.ErrInvalidTransition
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE rollup_runs SET status = ?, reason = ?, warnings_json = ?, completed_at = ?
		WHERE id = ? AND status = 'computing'`,
		status, reason, string(warningsJSON), at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.getRun(ctx, s.db, id); err != nil {
			return err
		}
		return engine.ErrInvalidTransition
	}
	return nil
}

// PublishRun swaps the published run for the scope in one transaction:
// displace the prior run, flip the new one, move the pointer.
func (s *Store) PublishRun(ctx context.Context, id engine.RunID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := s.getRun(ctx, tx, id)
	if err != nil {
		return err
	}

	var prior engine.RunID
	err = tx.QueryRowContext(ctx, `
		SELECT run_id FROM published_runs WHERE group_id = ? AND tax_year = ?`,
		run.Group, run.TaxYear,
	).Scan(&prior)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if prior != "" && prior != id {
		if _, err := tx.ExecContext(ctx, `
			UPDATE rollup_runs SET status = 'computed', published_at = NULL
			WHERE id = ? AND status = 'published'`, prior); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE rollup_runs SET status = 'published', published_at = ?
		WHERE id = ? AND status = 'computed'`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrInvalidTransition
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO published_runs (group_id, tax_year, run_id) VALUES (?, ?, ?)
		ON CONFLICT(group_id, tax_year) DO UPDATE SET run_id = excluded.run_id`,
		run.Group, run.TaxYear, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) PublishedRun(ctx context.Context, group engine.GroupID, taxYear int) (*engine.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id engine.RunID
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM published_runs WHERE group_id = ? AND tax_year = ?`,
		group, taxYear,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNoPublishedRun
	}
	if err != nil {
		return nil, err
	}
	return s.getRun(ctx, s.db, id)
}

func (s *Store) StaleComputing(ctx context.Context, before time.Time) ([]engine.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM rollup_runs
		WHERE status = 'computing' AND started_at < ?
		ORDER BY id`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// =============================================================================
// CONFIGURATION (engine.ConfigStore)
// =============================================================================

func (s *Store) SaveEntity(ctx context.Context, e engine.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, entity_type, status, ein, tax_class, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, entity_type = excluded.entity_type,
			status = excluded.status, ein = excluded.ein, tax_class = excluded.tax_class`,
		e.ID, e.Name, e.Type, e.Status, e.EIN, e.TaxClass, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetEntity(ctx context.Context, id engine.EntityID) (*engine.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e engine.Entity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, entity_type, status, ein, tax_class FROM entities WHERE id = ?`, id,
	).Scan(&e.ID, &e.Name, &e.Type, &e.Status, &e.EIN, &e.TaxClass)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) AddGroupMember(ctx context.Context, group engine.GroupID, entity engine.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_group_entities (group_id, entity_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(group_id, entity_id) DO NOTHING`,
		group, entity, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GroupMembers(ctx context.Context, group engine.GroupID) ([]engine.EntityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id FROM client_group_entities WHERE group_id = ? ORDER BY entity_id`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.EntityID
	for rows.Next() {
		var id engine.EntityID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) SaveAgreement(ctx context.Context, a engine.Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owners, err := json.Marshal(a.Owners)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agreements (id, entity_id, effective_from, effective_to, draft, owners_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			effective_from = excluded.effective_from, effective_to = excluded.effective_to,
			draft = excluded.draft, owners_json = excluded.owners_json`,
		a.ID, a.Entity, a.EffectiveFrom.UTC().Format(time.RFC3339), nullTime(a.EffectiveTo),
		boolToInt(a.Draft), string(owners), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) Agreements(ctx context.Context, entity engine.EntityID) ([]engine.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, effective_from, effective_to, draft, owners_json, created_at
		FROM agreements WHERE entity_id = ? ORDER BY effective_from, id`, entity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Agreement
	for rows.Next() {
		var a engine.Agreement
		var from, ownersJSON, createdAt string
		var to sql.NullString
		var draft int
		if err := rows.Scan(&a.ID, &a.Entity, &from, &to, &draft, &ownersJSON, &createdAt); err != nil {
			return nil, err
		}
		if a.EffectiveFrom, err = mustTime(from); err != nil {
			return nil, err
		}
		if a.EffectiveTo, err = scanTime(to); err != nil {
			return nil, err
		}
		a.Draft = draft != 0
		if err := json.Unmarshal([]byte(ownersJSON), &a.Owners); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = mustTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SaveRule(ctx context.Context, r engine.SpecialRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	allocations, err := json.Marshal(r.Allocations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO special_rules (id, entity_id, scope, account, effective_from, effective_to, allocations_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scope = excluded.scope, account = excluded.account,
			effective_from = excluded.effective_from, effective_to = excluded.effective_to,
			allocations_json = excluded.allocations_json`,
		r.ID, r.Entity, r.Scope, string(r.Account), r.EffectiveFrom.UTC().Format(time.RFC3339),
		nullTime(r.EffectiveTo), string(allocations), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) Rules(ctx context.Context, entity engine.EntityID) ([]engine.SpecialRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, scope, account, effective_from, effective_to, allocations_json, created_at
		FROM special_rules WHERE entity_id = ? ORDER BY effective_from, id`, entity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.SpecialRule
	for rows.Next() {
		var r engine.SpecialRule
		var from, allocationsJSON, createdAt string
		var account, to sql.NullString
		if err := rows.Scan(&r.ID, &r.Entity, &r.Scope, &account, &from, &to, &allocationsJSON, &createdAt); err != nil {
			return nil, err
		}
		r.Account = engine.AccountID(account.String)
		if r.EffectiveFrom, err = mustTime(from); err != nil {
			return nil, err
		}
		if r.EffectiveTo, err = scanTime(to); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(allocationsJSON), &r.Allocations); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = mustTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveMapping(ctx context.Context, m engine.RollupMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollup_mappings (owned_id, owner_id, target_account, effective_from, effective_to)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owned_id, owner_id, effective_from) DO UPDATE SET
			target_account = excluded.target_account, effective_to = excluded.effective_to`,
		m.Owned, m.Owner, m.TargetAccount, m.EffectiveFrom.UTC().Format(time.RFC3339), nullTime(m.EffectiveTo),
	)
	return err
}

func (s *Store) Mappings(ctx context.Context, owned, owner engine.EntityID) ([]engine.RollupMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT owned_id, owner_id, target_account, effective_from, effective_to
		FROM rollup_mappings WHERE owned_id = ? AND owner_id = ? ORDER BY effective_from`,
		owned, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.RollupMapping
	for rows.Next() {
		var m engine.RollupMapping
		var from string
		var to sql.NullString
		if err := rows.Scan(&m.Owned, &m.Owner, &m.TargetAccount, &from, &to); err != nil {
			return nil, err
		}
		if m.EffectiveFrom, err = mustTime(from); err != nil {
			return nil, err
		}
		if m.EffectiveTo, err = scanTime(to); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SaveReconPair(ctx context.Context, p engine.ReconPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recon_pairs (id, group_id, payer_id, payer_account, receiver_id, receiver_account, sign_rule, tolerance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payer_id = excluded.payer_id, payer_account = excluded.payer_account,
			receiver_id = excluded.receiver_id, receiver_account = excluded.receiver_account,
			sign_rule = excluded.sign_rule, tolerance = excluded.tolerance`,
		p.ID, p.Group, p.Payer, p.PayerAccount, p.Receiver, p.ReceiverAccount, p.Sign, p.Tolerance.String(),
	)
	return err
}

func (s *Store) ReconPairs(ctx context.Context, group engine.GroupID) ([]engine.ReconPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, payer_id, payer_account, receiver_id, receiver_account, sign_rule, tolerance
		FROM recon_pairs WHERE group_id = ? ORDER BY id`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.ReconPair
	for rows.Next() {
		var p engine.ReconPair
		var tolerance string
		if err := rows.Scan(&p.ID, &p.Group, &p.Payer, &p.PayerAccount, &p.Receiver,
			&p.ReceiverAccount, &p.Sign, &tolerance); err != nil {
			return nil, err
		}
		if p.Tolerance, err = decimal.NewFromString(tolerance); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// RECON RESULTS (engine.ReconStore)
// =============================================================================

// SaveReconResult upserts the engine-owned numeric fields. On update
// the stored user-owned status and notes are left untouched.
func (s *Store) SaveReconResult(ctx context.Context, r engine.ReconResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recon_results
		(id, pair_id, tax_year, period, payer_amount, receiver_amount, variance, flagged,
		 missing_counterpart, fingerprint, status, notes, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pair_id, tax_year, period) DO UPDATE SET
			payer_amount = excluded.payer_amount,
			receiver_amount = excluded.receiver_amount,
			variance = excluded.variance,
			flagged = excluded.flagged,
			missing_counterpart = excluded.missing_counterpart,
			fingerprint = excluded.fingerprint,
			computed_at = excluded.computed_at`,
		r.ID, r.Pair, r.TaxYear, r.Period.String(), r.PayerAmount.String(), r.ReceiverAmount.String(),
		r.Variance.String(), boolToInt(r.Flagged), r.MissingCounterpart, r.Fingerprint,
		r.Status, r.Notes, r.ComputedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func scanReconResult(row rowScanner) (*engine.ReconResult, error) {
	var r engine.ReconResult
	var period, payer, receiver, variance, computedAt string
	var flagged int
	err := row.Scan(&r.ID, &r.Pair, &r.TaxYear, &period, &payer, &receiver, &variance, &flagged,
		&r.MissingCounterpart, &r.Fingerprint, &r.Status, &r.Notes, &computedAt)
	if err != nil {
		return nil, err
	}
	if r.Period, err = engine.ParsePeriod(period); err != nil {
		return nil, err
	}
	if r.PayerAmount, err = decimal.NewFromString(payer); err != nil {
		return nil, err
	}
	if r.ReceiverAmount, err = decimal.NewFromString(receiver); err != nil {
		return nil, err
	}
	if r.Variance, err = decimal.NewFromString(variance); err != nil {
		return nil, err
	}
	r.Flagged = flagged != 0
	if r.ComputedAt, err = mustTime(computedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetReconResult(ctx context.Context, id string) (*engine.ReconResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, pair_id, tax_year, period, payer_amount, receiver_amount, variance, flagged,
		       missing_counterpart, fingerprint, status, notes, computed_at
		FROM recon_results WHERE id = ?`, id)
	r, err := scanReconResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	return r, err
}

func (s *Store) ReconResults(ctx context.Context, group engine.GroupID, taxYear int, period engine.Period) ([]engine.ReconResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.pair_id, r.tax_year, r.period, r.payer_amount, r.receiver_amount, r.variance,
		       r.flagged, r.missing_counterpart, r.fingerprint, r.status, r.notes, r.computed_at
		FROM recon_results r
		JOIN recon_pairs p ON p.id = r.pair_id
		WHERE p.group_id = ? AND r.tax_year = ? AND r.period = ?
		ORDER BY r.id`,
		group, taxYear, period.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.ReconResult
	for rows.Next() {
		r, err := scanReconResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) SetReconTriage(ctx context.Context, id string, status engine.ReconStatus, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE recon_results SET status = ?, notes = ? WHERE id = ?`, status, notes, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrNotFound
	}
	return nil
}
