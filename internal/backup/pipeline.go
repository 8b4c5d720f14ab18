package backup

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/odontoclinic/clinicbackup/internal/backup/destinations"
	"github.com/odontoclinic/clinicbackup/internal/metrics"
	"github.com/odontoclinic/clinicbackup/internal/settings"
	"github.com/odontoclinic/clinicbackup/internal/shutdown"
)

// Run triggers recorded in logs and metrics.
const (
	TriggerManual   = "manual"
	TriggerAPI      = "api"
	TriggerSchedule = "schedule"
	TriggerCLI      = "cli"
)

// DumpSource produces a database dump.
type DumpSource interface {
	Dump(ctx context.Context) (*DumpResult, error)
}

// SettingsReader returns the current backup settings.
type SettingsReader interface {
	Read(ctx context.Context) settings.BackupSettings
}

// TargetDefaults are environment-level destination values used when
// neither the request nor the settings provide one.
type TargetDefaults struct {
	GDriveFolderID      string
	GDriveSharedDrive   bool
	ServiceAccountEmail string
	PrivateKey          string
	DropboxFolder       string
	DropboxAccessToken  string
}

// Artifact is a dump and its archive on local disk. Close removes both.
type Artifact struct {
	Dump    *DumpResult
	Archive *ArchiveResult

	tracker *shutdown.Tracker
	done    func()
	once    sync.Once
	err     error
}

// Size returns the archive size in bytes.
func (a *Artifact) Size() int64 {
	info, err := os.Stat(a.Archive.ZipFilePath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close removes the dump and archive files. It is safe to call more than once.
func (a *Artifact) Close() error {
	a.once.Do(func() {
		a.err = a.tracker.ReleaseFiles(a.Dump.SQLFilePath, a.Archive.ZipFilePath)
		if a.done != nil {
			a.done()
		}
	})
	return a.err
}

// UploadRequest selects destinations and overrides for one run.
type UploadRequest struct {
	Destinations   []string `json:"destinations"`
	GDriveFolderID string   `json:"gdriveFolderId,omitempty"`
	DropboxFolder  string   `json:"dropboxFolder,omitempty"`
	// CleanupDays overrides the retention window. Zero disables cleanup;
	// nil uses the settings retention.
	CleanupDays *int `json:"cleanupDays,omitempty"`
	// Trigger labels the run in logs and metrics.
	Trigger string `json:"-"`
	// Settings is the snapshot the caller already read for this run. When
	// nil the store is read once at the start of the run.
	Settings *settings.BackupSettings `json:"-"`
}

// UploadSummary reports every requested destination. OK is true only when
// every upload succeeded; cleanup failures do not affect it.
type UploadSummary struct {
	RunID    uuid.UUID                              `json:"runId"`
	OK       bool                                   `json:"ok"`
	Uploaded map[string]*destinations.UploadReceipt `json:"uploaded"`
	Cleanup  map[string]*destinations.CleanupReport `json:"cleanup"`
}

// FailedDestinations lists destinations whose upload failed, sorted.
func (s *UploadSummary) FailedDestinations() []string {
	var failed []string
	for name, r := range s.Uploaded {
		if !r.OK {
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// Pipeline runs dump, archive and upload.
type Pipeline struct {
	source   DumpSource
	settings SettingsReader
	registry *destinations.Registry
	defaults TargetDefaults
	tracker  *shutdown.Tracker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(source DumpSource, settings SettingsReader, registry *destinations.Registry, defaults TargetDefaults, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		source:   source,
		settings: settings,
		registry: registry,
		defaults: defaults,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// SetTracker sets the tracker that records in-flight runs and temp files.
func (p *Pipeline) SetTracker(t *shutdown.Tracker) { p.tracker = t }

// SetMetrics sets the metrics collector.
func (p *Pipeline) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Run dumps and archives the database. The caller owns the artifact and
// must Close it.
func (p *Pipeline) Run(ctx context.Context) (*Artifact, error) {
	done := p.beginRun(TriggerManual)
	art, err := p.build(ctx)
	if err != nil {
		done()
		return nil, err
	}
	art.done = done
	return art, nil
}

func (p *Pipeline) beginRun(trigger string) func() {
	if p.tracker == nil {
		return func() {}
	}
	_, done := p.tracker.BeginRun(trigger)
	return done
}

func (p *Pipeline) build(ctx context.Context) (*Artifact, error) {
	dump, err := p.source.Dump(ctx)
	if err != nil {
		return nil, err
	}

	archive, err := Archive(dump.SQLFilePath)
	if err != nil {
		if rmErr := p.tracker.ReleaseFiles(dump.SQLFilePath); rmErr != nil {
			p.logger.Warn().Err(rmErr).Str("file", dump.SQLFilePath).Msg("failed to remove dump")
		}
		return nil, err
	}
	p.tracker.TrackFiles(archive.ZipFilePath)

	return &Artifact{Dump: dump, Archive: archive, tracker: p.tracker}, nil
}

// RunAndUpload runs the pipeline and uploads the archive to every requested
// destination concurrently. A destination failure is reported in its
// receipt and never affects the others. Configuration problems are
// returned before anything is dumped.
func (p *Pipeline) RunAndUpload(ctx context.Context, req UploadRequest) (*UploadSummary, error) {
	names, err := p.normalizeDestinations(req.Destinations)
	if err != nil {
		return nil, err
	}

	snapshot := p.snapshot(ctx, req)

	dests := make(map[string]destinations.Destination, len(names))
	targets := make(map[string]destinations.Target, len(names))
	for _, name := range names {
		dest, _ := p.registry.Get(name)
		target := p.target(name, req, snapshot)
		if err := dest.Validate(target); err != nil {
			return nil, &ConfigurationError{Reason: name + " is not configured", Err: err}
		}
		dests[name] = dest
		targets[name] = target
	}

	cleanupDays := snapshot.RetentionDays
	if req.CleanupDays != nil {
		cleanupDays = *req.CleanupDays
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerAPI
	}

	runID := uuid.New()
	if p.tracker != nil {
		var done func()
		runID, done = p.tracker.BeginRun(trigger)
		defer done()
	}

	log := p.logger.With().
		Str("run_id", runID.String()).
		Str("trigger", trigger).
		Strs("destinations", names).
		Logger()

	start := time.Now()
	art, err := p.build(ctx)
	if err != nil {
		p.metrics.RecordRun(trigger, false, time.Since(start))
		log.Error().Err(err).Msg("backup run failed before upload")
		return nil, err
	}
	defer func() {
		if err := art.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to remove local artifact")
		}
	}()

	summary := &UploadSummary{
		RunID:    runID,
		Uploaded: make(map[string]*destinations.UploadReceipt, len(names)),
		Cleanup:  make(map[string]*destinations.CleanupReport, len(names)),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range names {
		g.Go(func() error {
			receipt, report := p.deliver(ctx, dests[name], targets[name], art, cleanupDays)
			mu.Lock()
			summary.Uploaded[name] = receipt
			if report != nil {
				summary.Cleanup[name] = report
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary.OK = len(summary.FailedDestinations()) == 0
	p.metrics.RecordRun(trigger, summary.OK, time.Since(start))

	ev := log.Info()
	if !summary.OK {
		ev = log.Warn().Strs("failed", summary.FailedDestinations())
	}
	ev.Bool("placeholder", art.Dump.IsPlaceholder).
		Dur("duration", time.Since(start)).
		Msg("backup run finished")

	return summary, nil
}

// deliver uploads the archive to one destination and, after a successful
// upload, applies retention. Errors end up in the receipt and report.
func (p *Pipeline) deliver(ctx context.Context, dest destinations.Destination, target destinations.Target, art *Artifact, cleanupDays int) (*destinations.UploadReceipt, *destinations.CleanupReport) {
	name := dest.Name()
	log := p.logger.With().Str("destination", name).Logger()

	receipt, err := dest.Upload(ctx, art.Archive.ZipFilePath, art.Archive.RemoteName(), target)
	if err != nil {
		p.metrics.RecordUpload(name, false, 0, time.Now())
		log.Error().Err(err).Msg("upload failed")
		return &destinations.UploadReceipt{
			Destination: name,
			Name:        art.Archive.RemoteName(),
			Error:       err.Error(),
		}, nil
	}
	p.metrics.RecordUpload(name, true, receipt.Size, time.Now())
	log.Info().Str("remote", receipt.RemoteReference).Int64("bytes", receipt.Size).Msg("upload completed")

	if cleanupDays <= 0 {
		return receipt, nil
	}

	report, err := dest.CleanupOlderThanDays(ctx, target.Folder, cleanupDays, DumpFilePrefix, target)
	if report == nil {
		report = &destinations.CleanupReport{Destination: name, Removed: []string{}}
	}
	if err != nil {
		report.Error = err.Error()
		log.Warn().Err(err).Msg("retention cleanup failed")
	}
	p.metrics.RecordCleanup(name, len(report.Removed))
	return receipt, report
}

func (p *Pipeline) normalizeDestinations(requested []string) ([]string, error) {
	seen := make(map[string]bool, len(requested))
	var names []string
	for _, raw := range requested {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		if _, ok := p.registry.Get(name); !ok {
			return nil, &ConfigurationError{Reason: fmt.Sprintf("unknown destination %q", raw)}
		}
		seen[name] = true
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, ErrNoDestinations
	}
	return names, nil
}

// snapshot returns the settings for one run, reading the store only when
// the caller did not supply them.
func (p *Pipeline) snapshot(ctx context.Context, req UploadRequest) settings.BackupSettings {
	if req.Settings != nil {
		return *req.Settings
	}
	return p.settings.Read(ctx)
}

// target builds the per-run configuration for a destination. Request
// overrides win over settings, which win over environment defaults.
func (p *Pipeline) target(name string, req UploadRequest, s settings.BackupSettings) destinations.Target {
	switch name {
	case destinations.GDrive:
		return destinations.Target{
			Folder:         firstNonEmpty(req.GDriveFolderID, s.Destinations.GDrive.FolderID, p.defaults.GDriveFolderID),
			UseSharedDrive: p.defaults.GDriveSharedDrive,
			Credentials: destinations.Credentials{
				ServiceAccountEmail: p.defaults.ServiceAccountEmail,
				PrivateKey:          p.defaults.PrivateKey,
			},
		}
	case destinations.Dropbox:
		return destinations.Target{
			Folder: firstNonEmpty(req.DropboxFolder, s.Destinations.Dropbox.Folder, p.defaults.DropboxFolder),
			Credentials: destinations.Credentials{
				AccessToken: firstNonEmpty(s.Destinations.Dropbox.AccessToken, p.defaults.DropboxAccessToken),
			},
		}
	}
	return destinations.Target{}
}

// TargetFor returns the configuration a run would use for name with the
// current settings and no overrides.
func (p *Pipeline) TargetFor(ctx context.Context, name string) destinations.Target {
	return p.target(name, UploadRequest{}, p.settings.Read(ctx))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
