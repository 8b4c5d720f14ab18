package shutdown

import (
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunInfo describes an in-flight backup run.
type RunInfo struct {
	ID        uuid.UUID `json:"id"`
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"started_at"`
}

// Tracker records in-flight backup runs and the temporary files they own so
// a signal-driven exit can wait for the runs and remove what they left behind.
type Tracker struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]RunInfo
	files  map[string]struct{}
	logger zerolog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		runs:   make(map[uuid.UUID]RunInfo),
		files:  make(map[string]struct{}),
		logger: logger.With().Str("component", "shutdown_tracker").Logger(),
	}
}

// BeginRun registers a run and returns its ID and a func that unregisters it.
func (t *Tracker) BeginRun(trigger string) (uuid.UUID, func()) {
	id := uuid.New()
	t.mu.Lock()
	t.runs[id] = RunInfo{ID: id, Trigger: trigger, StartedAt: time.Now()}
	t.mu.Unlock()
	t.logger.Debug().Str("run_id", id.String()).Str("trigger", trigger).Msg("registered run")

	var once sync.Once
	return id, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.runs, id)
			t.mu.Unlock()
		})
	}
}

// Runs returns the in-flight runs, oldest first.
func (t *Tracker) Runs() []RunInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RunInfo, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// RunningCount returns the number of in-flight runs.
func (t *Tracker) RunningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}

// TrackFiles registers temp files. Nil receivers are allowed so callers
// without a tracker need no special casing.
func (t *Tracker) TrackFiles(paths ...string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range paths {
		if p != "" {
			t.files[p] = struct{}{}
		}
	}
}

// ReleaseFiles removes the files from disk and stops tracking them. Files
// that are already gone are not an error.
func (t *Tracker) ReleaseFiles(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if t != nil {
		t.mu.Lock()
		for _, p := range paths {
			delete(t.files, p)
		}
		t.mu.Unlock()
	}
	return errors.Join(errs...)
}

// TrackedFiles returns the tracked paths in sorted order.
func (t *Tracker) TrackedFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.files))
	for p := range t.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// RemoveAll deletes every tracked file and returns how many were removed.
func (t *Tracker) RemoveAll() int {
	paths := t.TrackedFiles()
	removed := 0
	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, os.ErrNotExist):
		default:
			t.logger.Warn().Err(err).Str("path", p).Msg("failed to remove temp file")
		}
	}

	t.mu.Lock()
	for _, p := range paths {
		delete(t.files, p)
	}
	t.mu.Unlock()

	if removed > 0 {
		t.logger.Info().Int("removed", removed).Msg("removed leftover temp files")
	}
	return removed
}
