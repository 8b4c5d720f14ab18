// Package backup produces database dumps, archives them and fans the archive
// out to the configured remote destinations.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/odontoclinic/clinicbackup/internal/dbconn"
	"github.com/odontoclinic/clinicbackup/internal/metrics"
	"github.com/odontoclinic/clinicbackup/internal/shutdown"
)

// DumpFilePrefix starts every dump and archive name. Retention cleanup only
// touches remote files with this prefix.
const DumpFilePrefix = "backup_"

// Dump kinds reported to metrics.
const (
	dumpKindFull        = "full"
	dumpKindPlaceholder = "placeholder"
	dumpKindFailed      = "failed"
)

// DumpResult is a finished dump on local disk.
type DumpResult struct {
	SQLFilePath   string           `json:"sqlFilePath"`
	UsedCandidate dbconn.Candidate `json:"usedCandidate"`
	IsPlaceholder bool             `json:"isPlaceholder"`
}

// EngineConfig configures the dump engine.
type EngineConfig struct {
	// TempDir receives dump files. Empty means os.TempDir().
	TempDir string
	// PreCheck counts tables before dumping so empty schemas get a
	// placeholder without invoking the dump utility.
	PreCheck bool
	// Env is the configuration the candidates are resolved from.
	Env dbconn.Env
}

// Engine tries each connection candidate in order and dumps the first that
// works.
type Engine struct {
	cfg     EngineConfig
	caps    *Capabilities
	prober  Prober
	dumper  Dumper
	tracker *shutdown.Tracker
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger
}

// NewEngine creates a dump engine.
func NewEngine(cfg EngineConfig, caps *Capabilities, prober Prober, dumper Dumper, logger zerolog.Logger) *Engine {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.Env == nil {
		cfg.Env = dbconn.OSEnv
	}
	return &Engine{
		cfg:    cfg,
		caps:   caps,
		prober: prober,
		dumper: dumper,
		now:    time.Now,
		logger: logger.With().Str("component", "dump_engine").Logger(),
	}
}

// SetTracker registers produced files with t so an interrupted process can
// remove them on exit.
func (e *Engine) SetTracker(t *shutdown.Tracker) { e.tracker = t }

// SetMetrics sets the metrics collector.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Dump exports the database behind the first candidate that works. Each
// candidate gets exactly one attempt.
func (e *Engine) Dump(ctx context.Context) (*DumpResult, error) {
	candidates := dbconn.Resolve(e.cfg.Env)
	if len(candidates) == 0 {
		return nil, &ConfigurationError{Reason: "no database connection configured (set DATABASE_URL or DB_* variables)"}
	}

	// A DATABASE_URL may name a different dialect than DB_DIALECT, so every
	// dialect in the list needs its tool before the first attempt.
	checked := make(map[dbconn.Dialect]bool, 2)
	for _, cand := range candidates {
		if checked[cand.Dialect] {
			continue
		}
		checked[cand.Dialect] = true
		if _, err := e.caps.Tool(cand.Dialect); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(e.cfg.TempDir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	var last error
	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log := e.logger.With().
			Int("attempt", i+1).
			Int("of", len(candidates)).
			Str("candidate", cand.String()).
			Logger()

		res, err := e.attempt(ctx, cand)
		if err == nil {
			kind := dumpKindFull
			if res.IsPlaceholder {
				kind = dumpKindPlaceholder
			}
			e.metrics.RecordDump(string(cand.Source), kind)
			log.Info().
				Str("file", res.SQLFilePath).
				Bool("placeholder", res.IsPlaceholder).
				Msg("dump completed")
			return res, nil
		}

		var dep *DependencyMissingError
		if errors.As(err, &dep) {
			return nil, err
		}

		e.metrics.RecordDump(string(cand.Source), dumpKindFailed)
		log.Warn().Err(err).Msg("candidate failed, trying next")
		last = err
	}

	return nil, &CandidatesExhaustedError{Attempts: len(candidates), Last: last}
}

func (e *Engine) attempt(ctx context.Context, cand dbconn.Candidate) (*DumpResult, error) {
	outPath := e.dumpPath(cand)

	if e.cfg.PreCheck && e.prober != nil {
		n, err := e.prober.CountTables(ctx, cand)
		if err != nil {
			return nil, &ProbeError{Candidate: cand, Stage: StageProbe, Err: err}
		}
		if n == 0 {
			return e.placeholder(cand, outPath, "the schema has no tables")
		}
	}

	e.tracker.TrackFiles(outPath)
	err := e.dumper.Dump(ctx, cand, outPath)
	if err == nil {
		return &DumpResult{SQLFilePath: outPath, UsedCandidate: cand}, nil
	}

	if errors.Is(err, ErrEmptySchema) {
		return e.placeholder(cand, outPath, "the dump utility reported an empty schema")
	}

	if rmErr := e.tracker.ReleaseFiles(outPath); rmErr != nil {
		e.logger.Warn().Err(rmErr).Str("file", outPath).Msg("failed to remove partial dump")
	}

	var dep *DependencyMissingError
	if errors.As(err, &dep) {
		return nil, err
	}
	return nil, &ProbeError{Candidate: cand, Stage: StageDump, Err: err}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func (e *Engine) dumpPath(cand dbconn.Candidate) string {
	db := unsafeNameChars.ReplaceAllString(cand.Database, "_")
	if db == "" {
		db = "database"
	}
	name := fmt.Sprintf("%s%s_%s_%s.sql",
		DumpFilePrefix, db, e.now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
	return filepath.Join(e.cfg.TempDir, name)
}

// placeholder writes a readable stand-in dump for a schema with no tables.
func (e *Engine) placeholder(cand dbconn.Candidate, outPath, reason string) (*DumpResult, error) {
	var b strings.Builder
	b.WriteString("-- Clinic backup placeholder\n")
	b.WriteString("--\n")
	b.WriteString("-- No tables were exported because " + reason + ".\n")
	b.WriteString("-- The database was reachable; this file records that the backup ran.\n")
	b.WriteString("--\n")
	fmt.Fprintf(&b, "-- Database:  %s\n", cand.Database)
	fmt.Fprintf(&b, "-- Host:      %s\n", cand.Address())
	fmt.Fprintf(&b, "-- Dialect:   %s\n", cand.Dialect)
	fmt.Fprintf(&b, "-- Source:    %s\n", cand.Source)
	fmt.Fprintf(&b, "-- Generated: %s\n", e.now().UTC().Format(time.RFC3339))

	e.tracker.TrackFiles(outPath)
	if err := os.WriteFile(outPath, []byte(b.String()), 0o600); err != nil {
		_ = e.tracker.ReleaseFiles(outPath)
		return nil, &ProbeError{Candidate: cand, Stage: StageDump, Err: fmt.Errorf("write placeholder: %w", err)}
	}

	e.logger.Info().Str("candidate", cand.String()).Str("reason", reason).Msg("wrote placeholder dump")
	return &DumpResult{SQLFilePath: outPath, UsedCandidate: cand, IsPlaceholder: true}, nil
}
