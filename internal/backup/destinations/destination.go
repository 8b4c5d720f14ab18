// Package destinations implements the remote stores backup archives are
// uploaded to, and the retention cleanup that runs against them.
package destinations

import (
	"context"
	"fmt"
	"sort"
)

// Names of the supported destinations.
const (
	GDrive  = "gdrive"
	Dropbox = "dropbox"
)

// maxErrorBody bounds how much of a remote error body is kept.
const maxErrorBody = 2048

// Credentials authenticate against a destination. Each destination reads
// only the fields it needs.
type Credentials struct {
	ServiceAccountEmail string
	PrivateKey          string
	AccessToken         string
}

// Target is the per-run destination configuration.
type Target struct {
	Folder         string
	UseSharedDrive bool
	Credentials    Credentials
}

// UploadReceipt is the outcome of one upload.
type UploadReceipt struct {
	Destination     string `json:"destination"`
	OK              bool   `json:"ok"`
	RemoteReference string `json:"remoteReference,omitempty"`
	Name            string `json:"name,omitempty"`
	Size            int64  `json:"size,omitempty"`
	Error           string `json:"error,omitempty"`
}

// CleanupReport lists the remote objects removed by retention cleanup.
type CleanupReport struct {
	Destination string   `json:"destination"`
	Removed     []string `json:"removed"`
	Error       string   `json:"error,omitempty"`
}

// ConnectionStatus is the result of a connectivity check.
type ConnectionStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Destination is a remote store for backup archives.
type Destination interface {
	// Name returns the destination key used in settings and requests.
	Name() string

	// Validate reports missing configuration before any work is done.
	Validate(t Target) error

	// Upload stores the file at filePath as remoteName inside t.Folder.
	Upload(ctx context.Context, filePath, remoteName string, t Target) (*UploadReceipt, error)

	// CleanupOlderThanDays removes objects in folder whose name starts with
	// prefix and whose timestamp is strictly older than days. The report is
	// returned even on error and lists what was removed before the failure.
	CleanupOlderThanDays(ctx context.Context, folder string, days int, prefix string, t Target) (*CleanupReport, error)

	// TestConnection checks credentials and folder access.
	TestConnection(ctx context.Context, t Target) (*ConnectionStatus, error)
}

// APIError is a non-2xx response from a destination API.
type APIError struct {
	Destination string
	Operation   string
	StatusCode  int
	Body        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Destination, e.Operation, e.StatusCode, e.Body)
}

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}

// Registry holds the available destinations by name.
type Registry struct {
	byName map[string]Destination
}

// NewRegistry creates a registry with the given destinations.
func NewRegistry(dests ...Destination) *Registry {
	r := &Registry{byName: make(map[string]Destination, len(dests))}
	for _, d := range dests {
		r.byName[d.Name()] = d
	}
	return r
}

// Get returns the destination registered under name.
func (r *Registry) Get(name string) (Destination, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Names returns the registered destination names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
