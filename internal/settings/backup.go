// Package settings manages the persisted backup configuration: retention,
// destination flags and credentials, and the recurring schedule.
package settings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // schedule timezones must resolve in minimal containers
)

// Destination names accepted in settings and run requests.
const (
	DestinationGDrive  = "gdrive"
	DestinationDropbox = "dropbox"
)

// MaskedSecret replaces stored secrets in API responses.
const MaskedSecret = "********"

// MaxRetentionDays caps retention at roughly ten years.
const MaxRetentionDays = 3650

// GDriveDestination configures uploads to Google Drive.
type GDriveDestination struct {
	Enabled  bool   `json:"enabled"`
	FolderID string `json:"folderId"`
}

// DropboxDestination configures uploads to Dropbox.
type DropboxDestination struct {
	Enabled     bool   `json:"enabled"`
	Folder      string `json:"folder"`
	AccessToken string `json:"accessToken,omitempty"`
}

// Destinations is the closed set of supported upload targets.
type Destinations struct {
	GDrive  GDriveDestination  `json:"gdrive"`
	Dropbox DropboxDestination `json:"dropbox"`
}

// Schedule describes when the recurring backup fires.
type Schedule struct {
	Enabled  bool     `json:"enabled"`
	Days     []int    `json:"days"`  // weekdays, 0 = Sunday
	Times    []string `json:"times"` // "HH:MM", 24h
	Timezone string   `json:"timezone"`
}

// BackupSettings is the single global backup configuration document.
type BackupSettings struct {
	RetentionDays int          `json:"retentionDays"`
	Destinations  Destinations `json:"destinations"`
	Schedule      Schedule     `json:"schedule"`
}

// Defaults seeds settings that were never persisted.
type Defaults struct {
	RetentionDays  int
	Timezone       string
	GDriveFolderID string
	DropboxFolder  string
}

// DefaultBackupSettings returns BackupSettings with environment-derived defaults.
func DefaultBackupSettings(d Defaults) BackupSettings {
	if d.RetentionDays < 1 {
		d.RetentionDays = 30
	}
	if d.Timezone == "" {
		d.Timezone = "America/Sao_Paulo"
	}
	return BackupSettings{
		RetentionDays: d.RetentionDays,
		Destinations: Destinations{
			GDrive:  GDriveDestination{FolderID: d.GDriveFolderID},
			Dropbox: DropboxDestination{Folder: d.DropboxFolder},
		},
		Schedule: Schedule{
			Days:     []int{0, 1, 2, 3, 4, 5, 6},
			Times:    []string{"03:00"},
			Timezone: d.Timezone,
		},
	}
}

// EnabledDestinations lists enabled destinations in a stable order.
func (s BackupSettings) EnabledDestinations() []string {
	var out []string
	if s.Destinations.GDrive.Enabled {
		out = append(out, DestinationGDrive)
	}
	if s.Destinations.Dropbox.Enabled {
		out = append(out, DestinationDropbox)
	}
	return out
}

// Masked returns a copy safe to send to clients.
func (s BackupSettings) Masked() BackupSettings {
	out := s.clone()
	if out.Destinations.Dropbox.AccessToken != "" {
		out.Destinations.Dropbox.AccessToken = MaskedSecret
	}
	return out
}

// Location loads the schedule timezone.
func (s BackupSettings) Location() (*time.Location, error) {
	return time.LoadLocation(s.Schedule.Timezone)
}

func (s BackupSettings) clone() BackupSettings {
	out := s
	out.Schedule.Days = append([]int(nil), s.Schedule.Days...)
	out.Schedule.Times = append([]string(nil), s.Schedule.Times...)
	return out
}

// Sanitize drops weekdays outside 0-6, normalises times to HH:MM, and
// sorts and dedupes both lists. Times that cannot be parsed are kept as-is
// so Validate can report them.
func (s *BackupSettings) Sanitize() {
	seenDay := make(map[int]bool)
	days := make([]int, 0, len(s.Schedule.Days))
	for _, d := range s.Schedule.Days {
		if d < 0 || d > 6 || seenDay[d] {
			continue
		}
		seenDay[d] = true
		days = append(days, d)
	}
	sort.Ints(days)
	s.Schedule.Days = days

	seenTime := make(map[string]bool)
	times := make([]string, 0, len(s.Schedule.Times))
	for _, t := range s.Schedule.Times {
		if norm, err := NormalizeTime(t); err == nil {
			t = norm
		} else {
			t = strings.TrimSpace(t)
		}
		if seenTime[t] {
			continue
		}
		seenTime[t] = true
		times = append(times, t)
	}
	sort.Strings(times)
	s.Schedule.Times = times

	s.Schedule.Timezone = strings.TrimSpace(s.Schedule.Timezone)
	s.Destinations.GDrive.FolderID = strings.TrimSpace(s.Destinations.GDrive.FolderID)
	s.Destinations.Dropbox.Folder = normalizeDropboxFolder(s.Destinations.Dropbox.Folder)
	s.Destinations.Dropbox.AccessToken = strings.TrimSpace(s.Destinations.Dropbox.AccessToken)
}

// Validate reports every invalid field.
func (s *BackupSettings) Validate() error {
	verr := &ValidationError{Fields: map[string]string{}}

	if s.RetentionDays < 1 || s.RetentionDays > MaxRetentionDays {
		verr.Fields["retentionDays"] = fmt.Sprintf("must be between 1 and %d", MaxRetentionDays)
	}

	for _, t := range s.Schedule.Times {
		if _, err := NormalizeTime(t); err != nil {
			verr.Fields["schedule.times"] = fmt.Sprintf("invalid time %q, expected HH:MM", t)
			break
		}
	}

	if s.Schedule.Timezone == "" {
		verr.Fields["schedule.timezone"] = "is required"
	} else if _, err := time.LoadLocation(s.Schedule.Timezone); err != nil {
		verr.Fields["schedule.timezone"] = fmt.Sprintf("unknown timezone %q", s.Schedule.Timezone)
	}

	if s.Schedule.Enabled {
		if len(s.Schedule.Days) == 0 {
			verr.Fields["schedule.days"] = "at least one weekday is required when the schedule is enabled"
		}
		if len(s.Schedule.Times) == 0 {
			verr.Fields["schedule.times"] = "at least one time is required when the schedule is enabled"
		}
	}

	if len(verr.Fields) == 0 {
		return nil
	}
	return verr
}

// NormalizeTime parses "H:MM" or "HH:MM" and returns "HH:MM".
func NormalizeTime(v string) (string, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid time %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 || len(parts[0]) > 2 {
		return "", fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || len(parts[1]) != 2 {
		return "", fmt.Errorf("invalid minute in %q", v)
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

func normalizeDropboxFolder(folder string) string {
	folder = strings.TrimSpace(folder)
	if folder == "" || folder == "/" {
		return folder
	}
	if !strings.HasPrefix(folder, "/") {
		folder = "/" + folder
	}
	return strings.TrimRight(folder, "/")
}

// ValidationError lists invalid fields of a settings update.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "invalid backup settings: " + strings.Join(parts, "; ")
}
