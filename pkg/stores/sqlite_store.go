package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/nested"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements NestedStore on a SQLite database.
// Each top-level key is one row holding the JSON document.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	owner string

	lockTimeout  time.Duration
	pollInterval time.Duration

	mu   sync.Mutex
	held map[string]int
}

// Config holds SQLite store configuration
type Config struct {
	Path string

	// Owner identifies this process in the lock table. Defaults to user@host:pid/<uuid>.
	Owner string

	// LockTimeout bounds how long Lock waits for another owner. Defaults to 30s.
	LockTimeout time.Duration

	// PollInterval is the delay between lock attempts. Defaults to 50ms.
	PollInterval time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fault.NewUsageError("database path is required", nil).WithCode(fault.CodeValidation)
	}

	if cfg.Owner == "" {
		cfg.Owner = defaultLockOwner()
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}

	return &SQLiteStore{
		path:         cfg.Path,
		owner:        cfg.Owner,
		lockTimeout:  cfg.LockTimeout,
		pollInterval: cfg.PollInterval,
		held:         make(map[string]int),
	}, nil
}

// defaultLockOwner returns user@host:pid with a per-store suffix.
func defaultLockOwner() string {
	host, _ := os.Hostname()
	host = strings.TrimSpace(host)
	if host == "" {
		host = "unknown-host"
	}
	owner := host + ":" + strconv.Itoa(os.Getpid())

	u, _ := user.Current()
	if u != nil && strings.TrimSpace(u.Username) != "" {
		owner = strings.TrimSpace(u.Username) + "@" + owner
	}
	return owner + "/" + uuid.NewString()
}

// Owner returns the identity recorded for locks taken by this store.
func (s *SQLiteStore) Owner() string {
	return s.owner
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fault.NewInternalError("failed to open database", err).WithCode(fault.CodeIO).WithSubject(s.path)
	}

	// one connection serializes read-modify-write cycles in this process
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fault.NewInternalError("failed to ping database", err).WithCode(fault.CodeIO).WithSubject(s.path)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return fault.NewInternalError("failed to configure database", err).
				WithCode(fault.CodeIO).
				WithDetail("pragma", pragma)
		}
	}

	s.db = db
	return nil
}

// Close releases every held lock and closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}

	s.mu.Lock()
	for key := range s.held {
		_, _ = s.db.Exec(`DELETE FROM cell_locks WHERE top_key = ? AND owner = ?`, key, s.owner)
	}
	s.held = make(map[string]int)
	s.mu.Unlock()

	return s.db.Close()
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fault.NewUsageError("database not initialized", nil).WithCode(fault.CodeValidation)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fault.NewInternalError("failed to create migration source", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fault.NewInternalError("failed to create database driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fault.NewInternalError("failed to create migration instance", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fault.NewInternalError("failed to run migrations", err)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fault.NewUsageError("database not initialized", nil).WithCode(fault.CodeValidation)
	}

	return s.db.PingContext(ctx)
}

// Get returns the value at path, or nil when absent.
func (s *SQLiteStore) Get(path ...string) (any, error) {
	key, rest, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	doc, err := s.readDocument(context.Background(), s.db, key)
	if err != nil || doc == nil {
		return nil, err
	}
	v, found := nested.Lookup(doc, rest...)
	if !found {
		return nil, nil
	}
	return v, nil
}

// Set stores value at path inside one transaction.
func (s *SQLiteStore) Set(value any, path ...string) error {
	key, rest, err := splitPath(path)
	if err != nil {
		return err
	}

	return s.update(key, func(doc map[string]any) error {
		return nested.Set(doc, nested.Copy(value), rest...)
	})
}

// Delete removes the value at path. Deleting a top-level key removes its row.
func (s *SQLiteStore) Delete(path ...string) error {
	key, rest, err := splitPath(path)
	if err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	if len(rest) == 0 {
		if _, err := s.db.Exec(`DELETE FROM cell_documents WHERE top_key = ?`, key); err != nil {
			return fault.NewInternalError("failed to delete document", err).WithCode(fault.CodeIO).WithSubject(key)
		}
		return nil
	}

	return s.update(key, func(doc map[string]any) error {
		nested.Delete(doc, rest...)
		return nil
	})
}

// Lock acquires key for this store's owner, waiting up to the lock timeout
// while another owner holds it. Nested calls are counted.
func (s *SQLiteStore) Lock(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held[key] > 0 {
		s.held[key]++
		return nil
	}

	deadline := time.Now().Add(s.lockTimeout)
	for {
		res, err := s.db.Exec(
			`INSERT INTO cell_locks (top_key, owner, acquired_at) VALUES (?, ?, ?) ON CONFLICT(top_key) DO NOTHING`,
			key, s.owner, time.Now().UTC(),
		)
		if err != nil {
			return fault.NewLockError(fmt.Sprintf("failed to acquire lock for %s", key), err).WithSubject(key)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			s.held[key] = 1
			return nil
		}

		var holder string
		err = s.db.QueryRow(`SELECT owner FROM cell_locks WHERE top_key = ?`, key).Scan(&holder)
		if err == nil && holder == s.owner {
			s.held[key] = 1
			return nil
		}

		if time.Now().After(deadline) {
			return fault.From(ErrLocked, fmt.Sprintf("key %s is locked by %s", key, holder), nil).
				WithSubject(key).
				WithDetail("owner", holder)
		}
		time.Sleep(s.pollInterval)
	}
}

// Unlock releases one hold on key.
func (s *SQLiteStore) Unlock(key string) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held[key] == 0 {
		return ErrNotLockedFor(key)
	}
	s.held[key]--
	if s.held[key] > 0 {
		return nil
	}
	delete(s.held, key)

	if _, err := s.db.Exec(`DELETE FROM cell_locks WHERE top_key = ? AND owner = ?`, key, s.owner); err != nil {
		return fault.NewLockError(fmt.Sprintf("failed to release lock for %s", key), err).WithSubject(key)
	}
	return nil
}

func (s *SQLiteStore) ready() error {
	if s.db == nil {
		return fault.NewUsageError("database not initialized", nil).WithCode(fault.CodeValidation)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) readDocument(ctx context.Context, q queryer, key string) (map[string]any, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT document FROM cell_documents WHERE top_key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.NewInternalError("failed to read document", err).WithCode(fault.CodeIO).WithSubject(key)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fault.NewDataError("malformed cache document", err).WithCode(fault.CodeMalformed).WithSubject(key)
	}
	return doc, nil
}

func (s *SQLiteStore) update(key string, mutate func(map[string]any) error) error {
	if err := s.ready(); err != nil {
		return err
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.NewInternalError("failed to begin transaction", err).WithCode(fault.CodeIO).WithSubject(key)
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := s.readDocument(ctx, tx, key)
	if err != nil && !fault.HasCode(err, fault.CodeMalformed) {
		return err
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	if err := mutate(doc); err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fault.NewDataError("failed to encode document", err).WithCode(fault.CodeMalformed).WithSubject(key)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cell_documents (top_key, document, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(top_key) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at
	`, key, string(data), time.Now().UTC())
	if err != nil {
		return fault.NewInternalError("failed to write document", err).WithCode(fault.CodeIO).WithSubject(key)
	}

	if err := tx.Commit(); err != nil {
		return fault.NewInternalError("failed to commit document", err).WithCode(fault.CodeIO).WithSubject(key)
	}
	return nil
}
