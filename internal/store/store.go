package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store encapsulates access to the targets and usage_records tables.
type Store struct {
	db *sql.DB
}

// NewStore constructs a data access object over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init applies schema changes for the target registry and usage history.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS targets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			kind INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			endpoint_url TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_id INTEGER NOT NULL REFERENCES targets(id),
			external_id INTEGER NOT NULL,
			disk_usage_mb REAL NOT NULL,
			file_count INTEGER NOT NULL,
			available_space_mb REAL NOT NULL,
			available_inode INTEGER NOT NULL,
			observed_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(target_id, external_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_target_observed ON usage_records(target_id, observed_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply store schema: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateTarget inserts a target and returns it with its assigned id.
func (s *Store) CreateTarget(ctx context.Context, t Target) (Target, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(name, kind, active, endpoint_url, api_key, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		t.Name, int(t.Kind), boolToInt(t.Active), t.EndpointURL, t.APIKey,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return Target{}, fmt.Errorf("create target: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Target{}, fmt.Errorf("create target id: %w", err)
	}
	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	return t, nil
}

const targetColumns = `id, name, kind, active, endpoint_url, api_key, created_at, updated_at, deleted_at`

// GetTarget fetches a target by id, including soft-deleted rows so callers
// can distinguish "deleted" from "never existed".
func (s *Store) GetTarget(ctx context.Context, id int64) (Target, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	return scanTarget(row)
}

// FindTargetByName resolves a target by case-sensitive substring match,
// returning the first match by id. Ambiguous names resolve to the first row.
func (s *Store) FindTargetByName(ctx context.Context, name string) (Target, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM targets
		 WHERE deleted_at IS NULL AND instr(name, ?) > 0
		 ORDER BY id ASC LIMIT 1`, name)
	return scanTarget(row)
}

// targetSortColumns is the explicit allow-list for runtime sort keys.
var targetSortColumns = map[string]string{
	"id":         "id",
	"name":       "name",
	"kind":       "kind",
	"created_at": "created_at",
}

// ListTargets returns non-deleted targets ordered by the given sort key.
// Unknown sort keys are rejected rather than interpolated.
func (s *Store) ListTargets(ctx context.Context, sortKey string) ([]Target, error) {
	if sortKey == "" {
		sortKey = "id"
	}
	column, ok := targetSortColumns[sortKey]
	if !ok {
		return nil, fmt.Errorf("unsupported sort key %q", sortKey)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE deleted_at IS NULL ORDER BY `+column+` ASC`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()
	return collectTargets(rows)
}

// ListSyncEligibleTargets returns active shared-hosting targets that have
// not been soft-deleted.
func (s *Store) ListSyncEligibleTargets(ctx context.Context) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM targets
		 WHERE deleted_at IS NULL AND active = 1 AND kind = ?
		 ORDER BY id ASC`, int(KindSharedHosting))
	if err != nil {
		return nil, fmt.Errorf("list eligible targets: %w", err)
	}
	defer rows.Close()
	return collectTargets(rows)
}

// UpdateTarget overwrites the mutable fields of a target.
func (s *Store) UpdateTarget(ctx context.Context, t Target) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET name = ?, kind = ?, active = ?, endpoint_url = ?, api_key = ?, updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`,
		t.Name, int(t.Kind), boolToInt(t.Active), t.EndpointURL, t.APIKey,
		formatTime(time.Now().UTC()), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteTarget marks a target deleted without dropping its history.
func (s *Store) SoftDeleteTarget(ctx context.Context, id int64) error {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete target: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ExistingExternalIDs returns, in a single batched lookup, the subset of the
// given external ids already stored for the target.
func (s *Store) ExistingExternalIDs(ctx context.Context, targetID int64, externalIDs []int64) (map[int64]bool, error) {
	seen := make(map[int64]bool, len(externalIDs))
	if len(externalIDs) == 0 {
		return seen, nil
	}
	placeholders := strings.Repeat(",?", len(externalIDs)-1)
	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, targetID)
	for _, id := range externalIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id FROM usage_records WHERE target_id = ? AND external_id IN (?`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("lookup existing external ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan external id: %w", err)
		}
		seen[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter external ids: %w", err)
	}
	return seen, nil
}

// InsertUsageRecords inserts the given records in one transaction, skipping
// rows whose (target_id, external_id) already exists. Returns the number of
// rows actually inserted.
func (s *Store) InsertUsageRecords(ctx context.Context, records []UsageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert usage: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	inserted := 0
	for _, rec := range records {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO usage_records(target_id, external_id, disk_usage_mb, file_count, available_space_mb, available_inode, observed_at, created_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(target_id, external_id) DO NOTHING`,
			rec.TargetID, rec.ExternalID, rec.DiskUsageMB, rec.FileCount,
			rec.AvailableSpaceMB, rec.AvailableInodes, formatTime(rec.ObservedAt), now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert usage record %d/%d: %w", rec.TargetID, rec.ExternalID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert usage: %w", err)
	}
	return inserted, nil
}

// LatestUsageRecord returns the most recent observation for a target.
func (s *Store) LatestUsageRecord(ctx context.Context, targetID int64) (UsageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, target_id, external_id, disk_usage_mb, file_count, available_space_mb, available_inode, observed_at, created_at
		 FROM usage_records WHERE target_id = ?
		 ORDER BY observed_at DESC, id DESC LIMIT 1`, targetID)
	return scanUsageRecord(row)
}

// ListUsageRecords returns the most recent observations, newest first.
func (s *Store) ListUsageRecords(ctx context.Context, targetID int64, limit int) ([]UsageRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_id, external_id, disk_usage_mb, file_count, available_space_mb, available_inode, observed_at, created_at
		 FROM usage_records WHERE target_id = ?
		 ORDER BY observed_at DESC, id DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		rec, err := scanUsageRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter usage records: %w", err)
	}
	return records, nil
}

// CountUsageRecords returns the stored observation count for a target.
func (s *Store) CountUsageRecords(ctx context.Context, targetID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_records WHERE target_id = ?`, targetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count usage records: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (Target, error) {
	var (
		t                    Target
		kind, active         int
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &kind, &active, &t.EndpointURL, &t.APIKey, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Target{}, ErrNotFound
		}
		return Target{}, fmt.Errorf("scan target: %w", err)
	}
	t.Kind = TargetKind(kind)
	t.Active = active != 0
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Target{}, fmt.Errorf("parse target created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Target{}, fmt.Errorf("parse target updated_at: %w", err)
	}
	if deletedAt.Valid {
		ts, err := parseTime(deletedAt.String)
		if err != nil {
			return Target{}, fmt.Errorf("parse target deleted_at: %w", err)
		}
		t.DeletedAt = &ts
	}
	return t, nil
}

func collectTargets(rows *sql.Rows) ([]Target, error) {
	var targets []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter targets: %w", err)
	}
	return targets, nil
}

func scanUsageRecord(row rowScanner) (UsageRecord, error) {
	var (
		rec                   UsageRecord
		observedAt, createdAt string
	)
	err := row.Scan(&rec.ID, &rec.TargetID, &rec.ExternalID, &rec.DiskUsageMB, &rec.FileCount,
		&rec.AvailableSpaceMB, &rec.AvailableInodes, &observedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UsageRecord{}, ErrNotFound
		}
		return UsageRecord{}, fmt.Errorf("scan usage record: %w", err)
	}
	if rec.ObservedAt, err = parseTime(observedAt); err != nil {
		return UsageRecord{}, fmt.Errorf("parse observed_at: %w", err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return UsageRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout keeps a fixed-width fraction so stored timestamps sort
// lexicographically; RFC3339Nano trims trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}
