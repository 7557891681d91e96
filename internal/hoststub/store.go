package hoststub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account is one hosting account on the stub control panel.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Observation is one resource usage sample recorded for an account. ID is
// the panel's own primary key, which consumers use for dedup.
type Observation struct {
	ID               int64     `json:"id"`
	AccountID        string    `json:"-"`
	DiskUsageMB      float64   `json:"disk_usage_mb"`
	FileCount        int64     `json:"file_count"`
	AvailableSpaceMB float64   `json:"available_space_mb"`
	AvailableInodes  int64     `json:"available_inode"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Store contains the stub panel's persistence logic.
type Store struct {
	db  *sql.DB
	rnd *rand.Rand
}

// NewStore wires a panel data store backed by SQLite.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Init applies the panel schema.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			disk_usage_mb REAL NOT NULL,
			file_count INTEGER NOT NULL,
			available_space_mb REAL NOT NULL,
			available_inode INTEGER NOT NULL,
			checked_at TIMESTAMP NOT NULL,
			FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_observations_account_checked ON observations(account_id, checked_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply panel schema: %w", err)
		}
	}
	return nil
}

// CreateAccount registers a hosting account and generates its API key.
func (s *Store) CreateAccount(ctx context.Context, name string) (Account, error) {
	if strings.TrimSpace(name) == "" {
		return Account{}, errors.New("account name required")
	}
	account := Account{
		ID:        uuid.NewString(),
		Name:      name,
		APIKey:    uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO accounts(id, name, api_key, created_at) VALUES (?, ?, ?, ?)`,
		account.ID, account.Name, account.APIKey, account.CreatedAt,
	); err != nil {
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

// ValidateAPIKey resolves the account owning a presented key.
func (s *Store) ValidateAPIKey(ctx context.Context, apiKey string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, api_key, created_at FROM accounts WHERE api_key = ?`,
		apiKey,
	).Scan(&account.ID, &account.Name, &account.APIKey, &account.CreatedAt)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// RecordRandomObservation appends a plausible usage sample for the account.
func (s *Store) RecordRandomObservation(ctx context.Context, accountID string) (Observation, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM accounts WHERE id = ?`, accountID).Scan(&exists); err != nil {
		return Observation{}, fmt.Errorf("check account: %w", err)
	}
	if exists == 0 {
		return Observation{}, sql.ErrNoRows
	}

	obs := Observation{
		AccountID:        accountID,
		DiskUsageMB:      500 + s.rnd.Float64()*4500,
		FileCount:        int64(10_000 + s.rnd.Intn(190_000)),
		AvailableSpaceMB: 1000 + s.rnd.Float64()*9000,
		AvailableInodes:  int64(50_000 + s.rnd.Intn(450_000)),
		CheckedAt:        time.Now().UTC(),
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO observations(account_id, disk_usage_mb, file_count, available_space_mb, available_inode, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		obs.AccountID, obs.DiskUsageMB, obs.FileCount, obs.AvailableSpaceMB, obs.AvailableInodes, obs.CheckedAt,
	)
	if err != nil {
		return Observation{}, fmt.Errorf("insert observation: %w", err)
	}
	obs.ID, _ = res.LastInsertId()
	return obs, nil
}

// ListObservations returns an account's samples, oldest first.
func (s *Store) ListObservations(ctx context.Context, accountID string) ([]Observation, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, account_id, disk_usage_mb, file_count, available_space_mb, available_inode, checked_at
		 FROM observations WHERE account_id = ? ORDER BY checked_at ASC, id ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var obs Observation
		if err := rows.Scan(&obs.ID, &obs.AccountID, &obs.DiskUsageMB, &obs.FileCount,
			&obs.AvailableSpaceMB, &obs.AvailableInodes, &obs.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}
