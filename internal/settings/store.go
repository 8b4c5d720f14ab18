package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Repository is one durable backing for the settings document.
type Repository interface {
	Name() string
	// Load returns the raw document; found is false when nothing is stored.
	Load(ctx context.Context) (raw []byte, found bool, err error)
	Save(ctx context.Context, raw []byte) error
}

// Store reads and writes BackupSettings across one or more repositories.
// Repositories are listed in priority order: the first one holding a
// document wins on read, and writes go to all of them.
type Store struct {
	repos    []Repository
	defaults Defaults
	logger   zerolog.Logger
}

// NewStore creates a settings store.
func NewStore(defaults Defaults, logger zerolog.Logger, repos ...Repository) *Store {
	return &Store{
		repos:    repos,
		defaults: defaults,
		logger:   logger.With().Str("component", "settings").Logger(),
	}
}

// Defaults returns the settings used when nothing is persisted.
func (s *Store) Defaults() BackupSettings {
	return DefaultBackupSettings(s.defaults)
}

// Read returns the defaults merged with the highest-priority persisted
// document. Unavailable or corrupt backings are logged and skipped.
func (s *Store) Read(ctx context.Context) BackupSettings {
	for _, repo := range s.repos {
		raw, found, err := repo.Load(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("backing", repo.Name()).Msg("settings backing unavailable")
			continue
		}
		if !found {
			continue
		}

		settings, err := s.decode(raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("backing", repo.Name()).Msg("ignoring unreadable settings")
			continue
		}
		return settings
	}
	return s.Defaults()
}

// decode merges a stored document over the defaults.
func (s *Store) decode(raw []byte) (BackupSettings, error) {
	settings := s.Defaults()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return BackupSettings{}, fmt.Errorf("decode settings: %w", err)
	}
	settings.Sanitize()
	if settings.RetentionDays < 1 {
		settings.RetentionDays = s.Defaults().RetentionDays
	}
	return settings, nil
}

// ErrNotPersisted is returned when no backing accepted a write.
var ErrNotPersisted = errors.New("settings could not be persisted")

// Write merges patch onto the current settings, validates the result and
// saves it to every backing. It succeeds when at least one backing saved.
func (s *Store) Write(ctx context.Context, patch Patch) (BackupSettings, error) {
	settings := s.Read(ctx)
	patch.ApplyTo(&settings)
	settings.Sanitize()
	if err := settings.Validate(); err != nil {
		return BackupSettings{}, err
	}

	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return BackupSettings{}, fmt.Errorf("encode settings: %w", err)
	}

	var errs []error
	saved := 0
	for _, repo := range s.repos {
		if err := repo.Save(ctx, raw); err != nil {
			s.logger.Warn().Err(err).Str("backing", repo.Name()).Msg("failed to persist settings")
			errs = append(errs, fmt.Errorf("%s: %w", repo.Name(), err))
			continue
		}
		saved++
	}
	if saved == 0 && len(s.repos) > 0 {
		return BackupSettings{}, fmt.Errorf("%w: %w", ErrNotPersisted, errors.Join(errs...))
	}

	s.logger.Info().
		Int("retention_days", settings.RetentionDays).
		Bool("schedule_enabled", settings.Schedule.Enabled).
		Strs("destinations", settings.EnabledDestinations()).
		Msg("backup settings saved")
	return settings, nil
}

// ReconcileResult describes what a reconciliation pass did.
type ReconcileResult struct {
	Source  string   // backing the document was taken from, empty if none
	Updated []string // backings that were rewritten
	Skipped []string // backings that were unavailable
}

// Reconcile copies the highest-priority persisted document into every other
// backing that is missing it or holds a different version. It tolerates
// unavailable backings and is safe to run repeatedly.
func (s *Store) Reconcile(ctx context.Context) ReconcileResult {
	var result ReconcileResult

	type loaded struct {
		repo  Repository
		raw   []byte
		found bool
		ok    bool
	}
	states := make([]loaded, len(s.repos))

	var canonical []byte
	for i, repo := range s.repos {
		raw, found, err := repo.Load(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("backing", repo.Name()).Msg("skipping unavailable settings backing")
			result.Skipped = append(result.Skipped, repo.Name())
			states[i] = loaded{repo: repo}
			continue
		}
		states[i] = loaded{repo: repo, raw: raw, found: found, ok: true}

		if canonical != nil || !found {
			continue
		}
		settings, err := s.decode(raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("backing", repo.Name()).Msg("ignoring unreadable settings")
			continue
		}
		canonical, err = json.MarshalIndent(settings, "", "  ")
		if err != nil {
			continue
		}
		result.Source = repo.Name()
	}

	if canonical == nil {
		s.logger.Info().Msg("no persisted backup settings; using defaults")
		return result
	}

	for _, st := range states {
		if !st.ok {
			continue
		}
		if st.found && equivalentJSON(st.raw, canonical) {
			continue
		}
		if err := st.repo.Save(ctx, canonical); err != nil {
			s.logger.Warn().Err(err).Str("backing", st.repo.Name()).Msg("failed to sync settings backing")
			result.Skipped = append(result.Skipped, st.repo.Name())
			continue
		}
		result.Updated = append(result.Updated, st.repo.Name())
	}

	s.logger.Info().
		Str("source", result.Source).
		Strs("updated", result.Updated).
		Strs("skipped", result.Skipped).
		Msg("backup settings reconciled")
	return result
}

func equivalentJSON(a, b []byte) bool {
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
