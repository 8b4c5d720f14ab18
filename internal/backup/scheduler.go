package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/odontoclinic/clinicbackup/internal/events"
	"github.com/odontoclinic/clinicbackup/internal/metrics"
	"github.com/odontoclinic/clinicbackup/internal/settings"
)

// ErrNoEnabledDestinations is reported when a scheduled run finds every
// destination disabled.
var ErrNoEnabledDestinations = errors.New("no destinations enabled")

// Runner executes an upload run.
type Runner interface {
	RunAndUpload(ctx context.Context, req UploadRequest) (*UploadSummary, error)
}

// Scheduler fires backup runs at the weekdays and times in the settings.
type Scheduler struct {
	runner    Runner
	settings  SettingsReader
	publisher events.Publisher
	metrics   *metrics.Metrics
	cron      *cron.Cron
	logger    zerolog.Logger

	mu      sync.Mutex
	entries []cron.EntryID
	running bool
	baseCtx context.Context
}

// NewScheduler creates a scheduler. Call Start to begin firing.
func NewScheduler(runner Runner, settings SettingsReader, publisher events.Publisher, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner:    runner,
		settings:  settings,
		publisher: publisher,
		cron:      cron.New(),
		logger:    logger.With().Str("component", "backup_scheduler").Logger(),
		baseCtx:   context.Background(),
	}
}

// SetMetrics sets the metrics collector.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Start loads the schedule and starts the cron loop. Runs fired by the
// scheduler use ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to load backup schedule")
	}

	s.cron.Start()
	s.logger.Info().Msg("backup scheduler started")
	return nil
}

// Stop stops the cron loop. The returned context is done when running jobs
// have completed.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.running = false
	s.logger.Info().Msg("stopping backup scheduler")
	return s.cron.Stop()
}

// Reload replaces the registered entries with the current settings. A
// disabled schedule leaves no entries.
func (s *Scheduler) Reload(ctx context.Context) error {
	current := s.settings.Read(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = nil

	if !current.Schedule.Enabled {
		s.metrics.SetNextScheduledRun(time.Time{})
		s.logger.Info().Msg("backup schedule disabled")
		return nil
	}

	specs, err := CronSpecs(current.Schedule)
	if err != nil {
		s.metrics.SetNextScheduledRun(time.Time{})
		return err
	}

	var errs []error
	for _, spec := range specs {
		id, err := s.cron.AddFunc(spec, s.fire)
		if err != nil {
			errs = append(errs, fmt.Errorf("add %q: %w", spec, err))
			continue
		}
		s.entries = append(s.entries, id)
		s.logger.Debug().Str("cron", spec).Msg("added backup schedule entry")
	}

	var next time.Time
	if times, err := NextFireTimes(current.Schedule, time.Now(), 1); err == nil && len(times) > 0 {
		next = times[0]
	}
	s.metrics.SetNextScheduledRun(next)

	s.logger.Info().
		Int("entries", len(s.entries)).
		Ints("days", current.Schedule.Days).
		Strs("times", current.Schedule.Times).
		Str("timezone", current.Schedule.Timezone).
		Time("next_run", next).
		Msg("backup schedule reloaded")

	return errors.Join(errs...)
}

// EntryCount returns the number of registered cron entries.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	if err := s.Trigger(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduled backup failed")
	}
}

// Trigger runs one scheduled backup against the enabled destinations and
// publishes the lifecycle events. The settings are read once and the same
// snapshot drives the whole run.
func (s *Scheduler) Trigger(ctx context.Context) error {
	s.publish(events.Event{Type: events.BackupStarted})

	current := s.settings.Read(ctx)
	names := current.EnabledDestinations()
	if len(names) == 0 {
		s.publish(events.Event{Type: events.BackupFinished, Error: ErrNoEnabledDestinations.Error()})
		return ErrNoEnabledDestinations
	}

	s.logger.Info().Strs("destinations", names).Msg("scheduled backup starting")

	summary, err := s.runner.RunAndUpload(ctx, UploadRequest{
		Destinations: names,
		Trigger:      TriggerSchedule,
		Settings:     &current,
	})
	if err == nil && !summary.OK {
		err = summaryError(summary)
	}

	finished := events.Event{Type: events.BackupFinished}
	if err != nil {
		finished.Error = err.Error()
	}
	s.publish(finished)
	return err
}

func (s *Scheduler) publish(e events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(e)
	}
}

// summaryError describes the failed uploads of a run.
func summaryError(summary *UploadSummary) error {
	failed := summary.FailedDestinations()
	parts := make([]string, 0, len(failed))
	for _, name := range failed {
		parts = append(parts, name+": "+summary.Uploaded[name].Error)
	}
	return fmt.Errorf("upload failed: %s", strings.Join(parts, "; "))
}

// CronSpecs renders one cron spec per configured time. Every spec carries
// the schedule timezone and the configured weekdays.
func CronSpecs(sched settings.Schedule) ([]string, error) {
	if len(sched.Days) == 0 || len(sched.Times) == 0 {
		return nil, nil
	}

	tz := sched.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	days := append([]int(nil), sched.Days...)
	sort.Ints(days)
	dayParts := make([]string, len(days))
	for i, d := range days {
		dayParts[i] = strconv.Itoa(d)
	}
	dayField := strings.Join(dayParts, ",")

	specs := make([]string, 0, len(sched.Times))
	for _, t := range sched.Times {
		hour, minute, err := splitClock(t)
		if err != nil {
			return nil, err
		}
		specs = append(specs, fmt.Sprintf("CRON_TZ=%s %d %d * * %s", tz, minute, hour, dayField))
	}
	return specs, nil
}

func splitClock(v string) (int, int, error) {
	normalized, err := settings.NormalizeTime(v)
	if err != nil {
		return 0, 0, err
	}
	hour, _ := strconv.Atoi(normalized[:2])
	minute, _ := strconv.Atoi(normalized[3:])
	return hour, minute, nil
}

// NextFireTimes returns the next n fire times after from, in the schedule
// timezone and in ascending order.
func NextFireTimes(sched settings.Schedule, from time.Time, n int) ([]time.Time, error) {
	specs, err := CronSpecs(sched)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 || n <= 0 {
		return nil, nil
	}

	schedules := make([]cron.Schedule, len(specs))
	next := make([]time.Time, len(specs))
	for i, spec := range specs {
		schedules[i], err = cron.ParseStandard(spec)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", spec, err)
		}
		next[i] = schedules[i].Next(from)
	}

	out := make([]time.Time, 0, n)
	for len(out) < n {
		idx := -1
		for i, t := range next {
			if t.IsZero() {
				continue
			}
			if idx < 0 || t.Before(next[idx]) {
				idx = i
			}
		}
		if idx < 0 {
			break
		}
		t := next[idx]
		if len(out) == 0 || !out[len(out)-1].Equal(t) {
			out = append(out, t)
		}
		next[idx] = schedules[idx].Next(t)
	}
	return out, nil
}
