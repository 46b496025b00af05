package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the resource store for slots, drivers, cars, tokens, sessions and logs.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger

	mu  sync.RWMutex
	now func() time.Time
}

var (
	ErrNotFound               = errors.New("not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrDuplicate              = errors.New("duplicate")
	ErrInvalidTransition      = errors.New("invalid status transition")
)

// NewDB opens the SQLite database and creates tables if they don't exist.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// _txlock=immediate makes every BeginTx take the write lock up front, so
	// read-then-write sequences inside a transaction cannot interleave.
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	instance := &DB{
		DB:     db,
		path:   path,
		logger: logger,
		now:    time.Now,
	}

	if err := instance.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return instance, nil
}

// SetClock replaces the time source used for timestamps and token expiry.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

// Now returns the store's current time in UTC.
func (db *DB) Now() time.Time {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.now().UTC()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS drivers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			phone TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL DEFAULT 'free' CHECK (status IN ('free', 'busy')),
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cars (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			number_plate TEXT NOT NULL,
			model TEXT NOT NULL,
			owner_name TEXT NOT NULL,
			owner_phone TEXT NOT NULL,
			contact_phone TEXT NOT NULL DEFAULT '',
			slot_id INTEGER REFERENCES slots(id),
			driver_id INTEGER REFERENCES drivers(id),
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'checked_in', 'parked', 'awaiting_retrieval', 'retrieved')),
			photo_url TEXT,
			check_in_time DATETIME,
			retrieval_time DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS slots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			slot_number INTEGER UNIQUE NOT NULL,
			occupied BOOLEAN NOT NULL DEFAULT 0,
			car_id INTEGER REFERENCES cars(id),
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			CHECK ((occupied = 1) = (car_id IS NOT NULL))
		)`,
		`CREATE TABLE IF NOT EXISTS qr_tokens (
			token TEXT PRIMARY KEY,
			car_id INTEGER NOT NULL REFERENCES cars(id) ON DELETE CASCADE,
			kind TEXT NOT NULL CHECK (kind IN ('checkin', 'retrieval')),
			owner_phone TEXT,
			expires_at INTEGER NOT NULL,
			used BOOLEAN NOT NULL DEFAULT 0,
			used_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			car_id INTEGER,
			driver_id INTEGER,
			detail TEXT,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			phone TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			data TEXT,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
			message_id TEXT PRIMARY KEY,
			processed_at DATETIME NOT NULL
		)`,

		// A slot holds at most one car and a car sits in at most one slot.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_slots_car ON slots(car_id) WHERE car_id IS NOT NULL`,
		// A driver works on at most one car at a time.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cars_active_driver ON cars(driver_id)
			WHERE status IN ('checked_in', 'awaiting_retrieval')`,
		// A plate can be in the lot only once.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cars_active_plate ON cars(number_plate)
			WHERE status != 'retrieved'`,

		`CREATE INDEX IF NOT EXISTS idx_cars_status ON cars(status)`,
		`CREATE INDEX IF NOT EXISTS idx_cars_owner_phone ON cars(owner_phone, status)`,
		`CREATE INDEX IF NOT EXISTS idx_drivers_status ON drivers(status, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_qr_tokens_car ON qr_tokens(car_id, kind)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_messages_at ON processed_messages(processed_at)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(q), err)
		}
	}
	return nil
}

func firstLine(q string) string {
	for i, r := range q {
		if r == '\n' {
			return q[:i]
		}
	}
	return q
}

// Tx is a write transaction holding the database write lock.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Now is the instant the transaction started; all rows it writes share it.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// InTx runs fn inside one transaction. Any error from fn rolls everything back.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{tx: sqlTx, now: db.Now()}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConcurrentModification
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
