package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// ErrNoCandidates is returned when configuration yields no candidate at all.
var ErrNoCandidates = errors.New("no database connection configured")

// OpenFunc opens a database handle; sql.Open satisfies it.
type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// Connector opens the first candidate that answers a ping. It is the
// connection capability shared by the table probe and the settings mirror.
type Connector struct {
	Open        OpenFunc
	PingTimeout time.Duration
	logger      zerolog.Logger
}

// NewConnector creates a Connector using sql.Open.
func NewConnector(logger zerolog.Logger) *Connector {
	return &Connector{
		Open:        sql.Open,
		PingTimeout: 5 * time.Second,
		logger:      logger.With().Str("component", "dbconn").Logger(),
	}
}

// OpenCandidate opens and pings a single candidate. Each call is exactly one attempt.
func (c *Connector) OpenCandidate(ctx context.Context, cand Candidate) (*sql.DB, error) {
	db, err := c.Open(cand.Dialect.DriverName(), cand.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cand, err)
	}

	pingCtx := ctx
	if c.PingTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, c.PingTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cand, err)
	}
	return db, nil
}

// Connect tries candidates in order and returns the first reachable one.
func (c *Connector) Connect(ctx context.Context, candidates []Candidate) (*sql.DB, Candidate, error) {
	if len(candidates) == 0 {
		return nil, Candidate{}, ErrNoCandidates
	}

	var lastErr error
	for _, cand := range candidates {
		db, err := c.OpenCandidate(ctx, cand)
		if err != nil {
			c.logger.Debug().Err(err).Str("candidate", cand.String()).Msg("candidate unreachable")
			lastErr = err
			continue
		}
		c.logger.Info().Str("candidate", cand.String()).Msg("connected to database")
		return db, cand, nil
	}
	return nil, Candidate{}, fmt.Errorf("all %d database candidates failed: %w", len(candidates), lastErr)
}
