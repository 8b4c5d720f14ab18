package backup

import (
	"context"
	"fmt"

	"github.com/odontoclinic/clinicbackup/internal/dbconn"
)

// Prober counts the tables in a candidate's schema.
type Prober interface {
	CountTables(ctx context.Context, cand dbconn.Candidate) (int, error)
}

const (
	postgresCountTables = `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'`
	mysqlCountTables = `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'`
)

// SQLProber counts tables through database/sql. Each call opens exactly one
// connection, which is closed before returning.
type SQLProber struct {
	connector *dbconn.Connector
}

// NewSQLProber creates a prober using connector.
func NewSQLProber(connector *dbconn.Connector) *SQLProber {
	return &SQLProber{connector: connector}
}

// CountTables implements Prober.
func (p *SQLProber) CountTables(ctx context.Context, cand dbconn.Candidate) (int, error) {
	db, err := p.connector.OpenCandidate(ctx, cand)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	query := postgresCountTables
	if cand.Dialect == dbconn.DialectMySQL {
		query = mysqlCountTables
	}

	var n int
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tables: %w", err)
	}
	return n, nil
}
