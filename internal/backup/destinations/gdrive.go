package destinations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const driveListPageSize = 100

// driveAPI is the subset of Drive v3 the adapter uses.
type driveAPI interface {
	GetFile(ctx context.Context, id string) (*drive.File, error)
	Create(ctx context.Context, meta *drive.File, media io.Reader, shared bool) (*drive.File, error)
	List(ctx context.Context, query, driveID, pageToken string) (*drive.FileList, error)
	Delete(ctx context.Context, id string, shared bool) error
	About(ctx context.Context) (*drive.About, error)
}

// driveConnector builds an authenticated driveAPI for a set of credentials.
type driveConnector func(ctx context.Context, creds Credentials) (driveAPI, error)

// GDriveAdapter uploads archives to a Google Drive folder using a service account.
type GDriveAdapter struct {
	connect driveConnector
	now     func() time.Time
	logger  zerolog.Logger
}

// NewGDrive creates the Drive adapter. Outbound calls, including token
// exchange, go through client.
func NewGDrive(client *http.Client, logger zerolog.Logger) *GDriveAdapter {
	return &GDriveAdapter{
		connect: serviceAccountConnector(client),
		now:     time.Now,
		logger:  logger.With().Str("component", "gdrive").Logger(),
	}
}

// Name returns the destination key.
func (g *GDriveAdapter) Name() string { return GDrive }

// Validate checks that a folder and service account are configured.
func (g *GDriveAdapter) Validate(t Target) error {
	var missing []string
	if t.Folder == "" {
		missing = append(missing, "folder id")
	}
	if t.Credentials.ServiceAccountEmail == "" {
		missing = append(missing, "service account email")
	}
	if t.Credentials.PrivateKey == "" {
		missing = append(missing, "service account private key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("gdrive: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// folderScope describes where a folder lives.
type folderScope struct {
	driveID string
}

func (s folderScope) shared() bool { return s.driveID != "" }

// resolveFolder fetches folder metadata to decide whether shared-drive
// parameters apply. A requested shared drive is downgraded when the folder
// is in a personal drive.
func (g *GDriveAdapter) resolveFolder(ctx context.Context, api driveAPI, folderID string, requestShared bool) (folderScope, error) {
	f, err := api.GetFile(ctx, folderID)
	if err != nil {
		return folderScope{}, driveError("get folder", err)
	}
	scope := folderScope{driveID: f.DriveId}
	if requestShared && !scope.shared() {
		g.logger.Debug().Str("folder_id", folderID).Msg("folder is not on a shared drive, ignoring shared drive flag")
	}
	return scope, nil
}

// Upload creates a new file in the target folder with the archive as body.
func (g *GDriveAdapter) Upload(ctx context.Context, filePath, remoteName string, t Target) (*UploadReceipt, error) {
	if err := g.Validate(t); err != nil {
		return nil, err
	}
	api, err := g.connect(ctx, t.Credentials)
	if err != nil {
		return nil, err
	}
	scope, err := g.resolveFolder(ctx, api, t.Folder, t.UseSharedDrive)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("gdrive: open archive: %w", err)
	}
	defer f.Close()

	created, err := api.Create(ctx, &drive.File{Name: remoteName, Parents: []string{t.Folder}}, f, scope.shared())
	if err != nil {
		return nil, driveError("upload", err)
	}

	g.logger.Info().
		Str("file_id", created.Id).
		Str("name", remoteName).
		Bool("shared_drive", scope.shared()).
		Msg("uploaded archive")

	return &UploadReceipt{
		Destination:     GDrive,
		OK:              true,
		RemoteReference: created.Id,
		Name:            created.Name,
		Size:            created.Size,
	}, nil
}

// CleanupOlderThanDays deletes files in folder whose name starts with prefix
// and whose creation time is strictly before now minus days.
func (g *GDriveAdapter) CleanupOlderThanDays(ctx context.Context, folder string, days int, prefix string, t Target) (*CleanupReport, error) {
	report := &CleanupReport{Destination: GDrive, Removed: []string{}}
	if days <= 0 {
		return report, nil
	}
	if folder == "" {
		folder = t.Folder
	}
	t.Folder = folder
	if err := g.Validate(t); err != nil {
		return report, err
	}

	api, err := g.connect(ctx, t.Credentials)
	if err != nil {
		return report, err
	}
	scope, err := g.resolveFolder(ctx, api, folder, t.UseSharedDrive)
	if err != nil {
		return report, err
	}

	cutoff := g.now().Add(-time.Duration(days) * 24 * time.Hour)
	query := fmt.Sprintf("'%s' in parents and name contains '%s' and createdTime < '%s' and trashed = false",
		escapeQuery(folder), escapeQuery(prefix), cutoff.UTC().Format(time.RFC3339))

	var expired []*drive.File
	pageToken := ""
	for {
		list, err := api.List(ctx, query, scope.driveID, pageToken)
		if err != nil {
			return report, driveError("list", err)
		}
		for _, f := range list.Files {
			created, perr := time.Parse(time.RFC3339, f.CreatedTime)
			if perr != nil || !strings.HasPrefix(f.Name, prefix) || !created.Before(cutoff) {
				continue
			}
			expired = append(expired, f)
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	var errs []error
	for _, f := range expired {
		if err := api.Delete(ctx, f.Id, scope.shared()); err != nil {
			errs = append(errs, driveError("delete "+f.Name, err))
			continue
		}
		report.Removed = append(report.Removed, f.Id)
	}

	g.logger.Info().
		Int("removed", len(report.Removed)).
		Int("days", days).
		Str("prefix", prefix).
		Msg("retention cleanup finished")

	if err := errors.Join(errs...); err != nil {
		report.Error = err.Error()
		return report, err
	}
	return report, nil
}

// TestConnection authenticates and reads the target folder.
func (g *GDriveAdapter) TestConnection(ctx context.Context, t Target) (*ConnectionStatus, error) {
	if err := g.Validate(t); err != nil {
		return &ConnectionStatus{Detail: err.Error()}, err
	}
	api, err := g.connect(ctx, t.Credentials)
	if err != nil {
		return &ConnectionStatus{Detail: err.Error()}, err
	}
	about, err := api.About(ctx)
	if err != nil {
		err = driveError("about", err)
		return &ConnectionStatus{Detail: err.Error()}, err
	}
	scope, err := g.resolveFolder(ctx, api, t.Folder, t.UseSharedDrive)
	if err != nil {
		return &ConnectionStatus{Detail: err.Error()}, err
	}

	who := t.Credentials.ServiceAccountEmail
	if about.User != nil && about.User.EmailAddress != "" {
		who = about.User.EmailAddress
	}
	kind := "personal drive"
	if scope.shared() {
		kind = "shared drive " + scope.driveID
	}
	return &ConnectionStatus{OK: true, Detail: fmt.Sprintf("authenticated as %s, folder on %s", who, kind)}, nil
}

// driveError maps Drive API errors to APIError.
func driveError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		body := gerr.Body
		if body == "" {
			body = gerr.Message
		}
		return &APIError{Destination: GDrive, Operation: op, StatusCode: gerr.Code, Body: truncateBody([]byte(body))}
	}
	return fmt.Errorf("gdrive %s: %w", op, err)
}

func escapeQuery(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `'`, `\'`)
}

// normalizePrivateKey turns literal "\n" sequences, as found in env files,
// into newlines.
func normalizePrivateKey(key string) string {
	return strings.ReplaceAll(key, `\n`, "\n")
}

func serviceAccountConnector(client *http.Client) driveConnector {
	return func(ctx context.Context, creds Credentials) (driveAPI, error) {
		conf := &jwt.Config{
			Email:      creds.ServiceAccountEmail,
			PrivateKey: []byte(normalizePrivateKey(creds.PrivateKey)),
			Scopes:     []string{drive.DriveScope},
			TokenURL:   google.JWTTokenURL,
		}
		if client != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		}
		svc, err := drive.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
		if err != nil {
			return nil, fmt.Errorf("gdrive: create service: %w", err)
		}
		return &driveService{svc: svc}, nil
	}
}

// driveService adapts *drive.Service to driveAPI.
type driveService struct {
	svc *drive.Service
}

func (d *driveService) GetFile(ctx context.Context, id string) (*drive.File, error) {
	return d.svc.Files.Get(id).
		Fields("id", "name", "driveId", "mimeType").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
}

func (d *driveService) Create(ctx context.Context, meta *drive.File, media io.Reader, shared bool) (*drive.File, error) {
	call := d.svc.Files.Create(meta).
		Media(media).
		Fields("id", "name", "size").
		Context(ctx)
	if shared {
		call = call.SupportsAllDrives(true)
	}
	return call.Do()
}

func (d *driveService) List(ctx context.Context, query, driveID, pageToken string) (*drive.FileList, error) {
	call := d.svc.Files.List().
		Q(query).
		Fields("nextPageToken", "files(id, name, createdTime)").
		PageSize(driveListPageSize).
		Context(ctx)
	if driveID != "" {
		call = call.Corpora("drive").
			DriveId(driveID).
			IncludeItemsFromAllDrives(true).
			SupportsAllDrives(true)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (d *driveService) Delete(ctx context.Context, id string, shared bool) error {
	call := d.svc.Files.Delete(id).Context(ctx)
	if shared {
		call = call.SupportsAllDrives(true)
	}
	return call.Do()
}

func (d *driveService) About(ctx context.Context) (*drive.About, error) {
	return d.svc.About.Get().Fields("user(emailAddress)").Context(ctx).Do()
}
