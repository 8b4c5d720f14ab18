package db

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/odontoclinic/clinicbackup/internal/dbconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T, dialect dbconn.Dialect) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{SQL: sqlDB, Dialect: dialect, logger: zerolog.Nop()}, mock
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxOpenConns != 4 {
		t.Errorf("expected MaxOpenConns 4, got %d", cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime != time.Hour {
		t.Errorf("expected ConnMaxLifetime 1h, got %v", cfg.ConnMaxLifetime)
	}
}

func TestGetMigrations(t *testing.T) {
	for _, dialect := range []dbconn.Dialect{dbconn.DialectPostgres, dbconn.DialectMySQL} {
		t.Run(string(dialect), func(t *testing.T) {
			migrations, err := GetMigrations(dialect)
			if err != nil {
				t.Fatalf("GetMigrations() error: %v", err)
			}
			if len(migrations) == 0 {
				t.Fatal("expected at least one migration")
			}

			m := migrations[0]
			if m.Version != 1 {
				t.Errorf("expected first migration version 1, got %d", m.Version)
			}
			if m.Name != "001_app_settings" {
				t.Errorf("unexpected migration name %q", m.Name)
			}
			if m.SQL == "" {
				t.Error("expected migration SQL to be non-empty")
			}
			for i := 1; i < len(migrations); i++ {
				if migrations[i].Version <= migrations[i-1].Version {
					t.Errorf("migrations not sorted at index %d", i)
				}
			}
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{Dialect: dbconn.DialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	my := &DB{Dialect: dbconn.DialectMySQL}
	assert.Equal(t, "SELECT a FROM t WHERE x = ?", my.rebind("SELECT a FROM t WHERE x = ?"))
}

func TestNew_PingFailureClosesHandle(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing().WillReturnError(errors.New("refused"))
	mock.ExpectClose()

	_, err = New(context.Background(), sqlDB, dbconn.DialectPostgres, DefaultConfig(), zerolog.Nop())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_AppliesPending(t *testing.T) {
	db, mock := newMockDB(t, dbconn.DialectPostgres)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM schema_migrations WHERE version = $1")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS app_settings")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version, name) VALUES ($1, $2)")).
		WithArgs(1, "001_app_settings").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, db.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SkipsApplied(t *testing.T) {
	db, mock := newMockDB(t, dbconn.DialectMySQL)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM schema_migrations WHERE version = ?")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	require.NoError(t, db.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecTx_RollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t, dbconn.DialectPostgres)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := db.ExecTx(context.Background(), func(_ *sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsRow_LoadMissing(t *testing.T) {
	db, mock := newMockDB(t, dbconn.DialectPostgres)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT setting_value FROM app_settings WHERE setting_key = $1")).
		WithArgs(BackupSettingsKey).
		WillReturnRows(sqlmock.NewRows([]string{"setting_value"}))

	raw, found, err := NewSettingsRow(db, BackupSettingsKey).Load(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, raw)
}

func TestSettingsRow_LoadExisting(t *testing.T) {
	db, mock := newMockDB(t, dbconn.DialectMySQL)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT setting_value FROM app_settings WHERE setting_key = ?")).
		WithArgs(BackupSettingsKey).
		WillReturnRows(sqlmock.NewRows([]string{"setting_value"}).AddRow([]byte(`{"retentionDays":5}`)))

	raw, found, err := NewSettingsRow(db, BackupSettingsKey).Load(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"retentionDays":5}`, string(raw))
}

func TestSettingsRow_SavePerDialect(t *testing.T) {
	tests := []struct {
		dialect dbconn.Dialect
		pattern string
	}{
		{dbconn.DialectPostgres, "ON CONFLICT (setting_key) DO UPDATE"},
		{dbconn.DialectMySQL, "ON DUPLICATE KEY UPDATE"},
	}

	for _, tt := range tests {
		t.Run(string(tt.dialect), func(t *testing.T) {
			db, mock := newMockDB(t, tt.dialect)
			mock.ExpectExec(regexp.QuoteMeta(tt.pattern)).
				WithArgs(BackupSettingsKey, `{"retentionDays":5}`).
				WillReturnResult(sqlmock.NewResult(1, 1))

			err := NewSettingsRow(db, BackupSettingsKey).Save(context.Background(), []byte(`{"retentionDays":5}`))
			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSettingsRow_HandleUnavailable(t *testing.T) {
	lazy := NewLazy(func(context.Context) (*DB, error) { return nil, errors.New("no route") }, zerolog.Nop())
	row := NewSettingsRow(lazy, BackupSettingsKey)

	_, _, err := row.Load(context.Background())
	assert.ErrorContains(t, err, "settings database unavailable")
	assert.ErrorContains(t, row.Save(context.Background(), []byte(`{}`)), "no route")
}

func TestLazy_RetriesUntilConnected(t *testing.T) {
	db, _ := newMockDB(t, dbconn.DialectPostgres)
	calls := 0
	lazy := NewLazy(func(context.Context) (*DB, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("not yet")
		}
		return db, nil
	}, zerolog.Nop())

	_, err := lazy.Get(context.Background())
	require.Error(t, err)

	got, err := lazy.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, db, got)

	_, err = lazy.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestLazy_PingAndHealth(t *testing.T) {
	db, _ := newMockDB(t, dbconn.DialectMySQL)
	up := false
	lazy := NewLazy(func(context.Context) (*DB, error) {
		if !up {
			return nil, errors.New("connection refused")
		}
		return db, nil
	}, zerolog.Nop())

	assert.Equal(t, map[string]any{"connected": false}, lazy.Health())
	assert.ErrorContains(t, lazy.Ping(context.Background()), "connection refused")

	up = true
	require.NoError(t, lazy.Ping(context.Background()))
	health := lazy.Health()
	assert.Equal(t, true, health["connected"])
	assert.Equal(t, "mysql", health["dialect"])
}
