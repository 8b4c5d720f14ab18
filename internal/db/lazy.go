package db

import (
	"context"
	"sync"

	"github.com/odontoclinic/clinicbackup/internal/dbconn"
	"github.com/rs/zerolog"
)

// Handle yields a ready database, connecting on demand.
type Handle interface {
	Get(ctx context.Context) (*DB, error)
}

// Get lets an already open DB act as a Handle.
func (db *DB) Get(context.Context) (*DB, error) {
	return db, nil
}

// OpenFunc establishes and migrates a database.
type OpenFunc func(ctx context.Context) (*DB, error)

// Lazy connects on first use and retries on later calls while the database
// stays unreachable, so startup never blocks on it.
type Lazy struct {
	mu     sync.Mutex
	open   OpenFunc
	db     *DB
	logger zerolog.Logger
}

// NewLazy creates a Lazy handle.
func NewLazy(open OpenFunc, logger zerolog.Logger) *Lazy {
	return &Lazy{
		open:   open,
		logger: logger.With().Str("component", "db").Logger(),
	}
}

// Get returns the connected database, opening it if needed.
func (l *Lazy) Get(ctx context.Context) (*DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db != nil {
		return l.db, nil
	}
	db, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	l.db = db
	return db, nil
}

// Ping connects if needed and pings the database.
func (l *Lazy) Ping(ctx context.Context) error {
	db, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return db.Ping(ctx)
}

// Health returns pool statistics, or only "connected": false before the
// first successful connection.
func (l *Lazy) Health() map[string]any {
	l.mu.Lock()
	db := l.db
	l.mu.Unlock()
	if db == nil {
		return map[string]any{"connected": false}
	}
	h := db.Health()
	h["connected"] = true
	return h
}

// Close closes the database if it was opened.
func (l *Lazy) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		l.db.Close()
		l.db = nil
	}
}

// CandidateOpener returns an OpenFunc that resolves candidates on every
// attempt, connects to the first reachable one and applies migrations.
func CandidateOpener(connector *dbconn.Connector, env dbconn.Env, cfg Config, logger zerolog.Logger) OpenFunc {
	return func(ctx context.Context) (*DB, error) {
		sqlDB, cand, err := connector.Connect(ctx, dbconn.Resolve(env))
		if err != nil {
			return nil, err
		}
		db, err := New(ctx, sqlDB, cand.Dialect, cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}
}
