package destinations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/rs/zerolog"
)

// Default Dropbox API hosts.
const (
	DropboxAPIURL     = "https://api.dropboxapi.com"
	DropboxContentURL = "https://content.dropboxapi.com"
)

// DropboxUploadLimit is the largest file the single-request upload accepts.
const DropboxUploadLimit = 150 << 20

// DropboxAdapter uploads archives to Dropbox with a long-lived access token.
type DropboxAdapter struct {
	client     *http.Client
	apiURL     string
	contentURL string
	now        func() time.Time
	logger     zerolog.Logger
}

// NewDropbox creates the Dropbox adapter.
func NewDropbox(client *http.Client, logger zerolog.Logger) *DropboxAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &DropboxAdapter{
		client:     client,
		apiURL:     DropboxAPIURL,
		contentURL: DropboxContentURL,
		now:        time.Now,
		logger:     logger.With().Str("component", "dropbox").Logger(),
	}
}

// WithEndpoints overrides the API hosts.
func (d *DropboxAdapter) WithEndpoints(apiURL, contentURL string) *DropboxAdapter {
	d.apiURL = strings.TrimRight(apiURL, "/")
	d.contentURL = strings.TrimRight(contentURL, "/")
	return d
}

// Name returns the destination key.
func (d *DropboxAdapter) Name() string { return Dropbox }

// Validate checks that an access token is configured.
func (d *DropboxAdapter) Validate(t Target) error {
	if t.Credentials.AccessToken == "" {
		return errors.New("dropbox: missing access token")
	}
	return nil
}

type dropboxMetadata struct {
	Tag            string `json:".tag"`
	ID             string `json:"id"`
	Name           string `json:"name"`
	PathDisplay    string `json:"path_display"`
	ServerModified string `json:"server_modified"`
	Size           int64  `json:"size"`
}

type dropboxListResult struct {
	Entries []dropboxMetadata `json:"entries"`
	Cursor  string            `json:"cursor"`
	HasMore bool              `json:"has_more"`
}

// Upload ensures the folder exists and stores the file with auto-rename on
// name collisions.
func (d *DropboxAdapter) Upload(ctx context.Context, filePath, remoteName string, t Target) (*UploadReceipt, error) {
	if err := d.Validate(t); err != nil {
		return nil, err
	}
	folder := dropboxPath(t.Folder)
	if err := d.ensureFolder(ctx, folder, t.Credentials.AccessToken); err != nil {
		return nil, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("dropbox: open archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("dropbox: stat archive: %w", err)
	}
	if info.Size() > DropboxUploadLimit {
		return nil, fmt.Errorf("dropbox: archive is %d bytes, single upload limit is %d", info.Size(), DropboxUploadLimit)
	}

	arg, err := apiArg(map[string]any{
		"path":       folder + "/" + remoteName,
		"mode":       "add",
		"autorename": true,
		"mute":       true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.contentURL+"/2/files/upload", f)
	if err != nil {
		return nil, fmt.Errorf("dropbox: build upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+t.Credentials.AccessToken)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Dropbox-API-Arg", arg)

	var meta dropboxMetadata
	if err := d.do(req, "upload", &meta); err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("path", meta.PathDisplay).
		Int64("size", meta.Size).
		Msg("uploaded archive")

	return &UploadReceipt{
		Destination:     Dropbox,
		OK:              true,
		RemoteReference: meta.PathDisplay,
		Name:            meta.Name,
		Size:            meta.Size,
	}, nil
}

// ensureFolder creates folder when it does not exist.
func (d *DropboxAdapter) ensureFolder(ctx context.Context, folder, token string) error {
	if folder == "" {
		return nil
	}
	err := d.rpc(ctx, token, "/2/files/get_metadata", "get folder", map[string]any{"path": folder}, nil)
	if err == nil {
		return nil
	}
	if !isDropboxConflict(err, "path/not_found") {
		return err
	}

	err = d.rpc(ctx, token, "/2/files/create_folder_v2", "create folder", map[string]any{"path": folder, "autorename": false}, nil)
	if err != nil && !isDropboxConflict(err, "path/conflict") {
		return err
	}
	d.logger.Info().Str("folder", folder).Msg("created dropbox folder")
	return nil
}

// CleanupOlderThanDays deletes files in folder whose name starts with prefix
// and whose server modification time is strictly before now minus days.
func (d *DropboxAdapter) CleanupOlderThanDays(ctx context.Context, folder string, days int, prefix string, t Target) (*CleanupReport, error) {
	report := &CleanupReport{Destination: Dropbox, Removed: []string{}}
	if days <= 0 {
		return report, nil
	}
	if err := d.Validate(t); err != nil {
		return report, err
	}
	if folder == "" {
		folder = t.Folder
	}
	folder = dropboxPath(folder)
	token := t.Credentials.AccessToken
	cutoff := d.now().Add(-time.Duration(days) * 24 * time.Hour)

	var expired []dropboxMetadata
	var page dropboxListResult
	err := d.rpc(ctx, token, "/2/files/list_folder", "list folder", map[string]any{"path": folder, "recursive": false, "limit": 2000}, &page)
	for {
		if err != nil {
			return report, err
		}
		for _, e := range page.Entries {
			if e.Tag != "file" || !strings.HasPrefix(e.Name, prefix) {
				continue
			}
			modified, perr := time.Parse(time.RFC3339, e.ServerModified)
			if perr != nil || !modified.Before(cutoff) {
				continue
			}
			expired = append(expired, e)
		}
		if !page.HasMore {
			break
		}
		cursor := page.Cursor
		page = dropboxListResult{}
		err = d.rpc(ctx, token, "/2/files/list_folder/continue", "list folder", map[string]any{"cursor": cursor}, &page)
	}

	var errs []error
	for _, e := range expired {
		ref := e.PathDisplay
		if ref == "" {
			ref = folder + "/" + e.Name
		}
		if err := d.rpc(ctx, token, "/2/files/delete_v2", "delete "+e.Name, map[string]any{"path": ref}, nil); err != nil {
			errs = append(errs, err)
			continue
		}
		report.Removed = append(report.Removed, ref)
	}

	d.logger.Info().
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

// TestConnection reads the current account and checks the folder.
func (d *DropboxAdapter) TestConnection(ctx context.Context, t Target) (*ConnectionStatus, error) {
	if err := d.Validate(t); err != nil {
		return &ConnectionStatus{Detail: err.Error()}, err
	}

	var account struct {
		Email string `json:"email"`
		Name  struct {
			DisplayName string `json:"display_name"`
		} `json:"name"`
	}
	if err := d.rpc(ctx, t.Credentials.AccessToken, "/2/users/get_current_account", "get account", nil, &account); err != nil {
		return &ConnectionStatus{Detail: err.Error()}, err
	}

	folder := dropboxPath(t.Folder)
	detail := fmt.Sprintf("authenticated as %s", account.Email)
	if folder != "" {
		err := d.rpc(ctx, t.Credentials.AccessToken, "/2/files/get_metadata", "get folder", map[string]any{"path": folder}, nil)
		switch {
		case err == nil:
			detail += ", folder " + folder + " exists"
		case isDropboxConflict(err, "path/not_found"):
			detail += ", folder " + folder + " will be created on first upload"
		default:
			return &ConnectionStatus{Detail: err.Error()}, err
		}
	}
	return &ConnectionStatus{OK: true, Detail: detail}, nil
}

// rpc performs a JSON RPC call against the API host. A nil body sends
// the literal null that argument-less endpoints expect.
func (d *DropboxAdapter) rpc(ctx context.Context, token, endpoint, op string, body, out any) error {
	payload := []byte("null")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dropbox %s: encode request: %w", op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("dropbox %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, op, out)
}

func (d *DropboxAdapter) do(req *http.Request, op string, out any) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dropbox %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dropbox %s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Destination: Dropbox, Operation: op, StatusCode: resp.StatusCode, Body: truncateBody(body)}
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("dropbox %s: decode response: %w", op, err)
	}
	return nil
}

// isDropboxConflict reports whether err is a 409 whose error summary
// starts with tag.
func isDropboxConflict(err error, tag string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		return false
	}
	var payload struct {
		ErrorSummary string `json:"error_summary"`
	}
	if json.Unmarshal([]byte(apiErr.Body), &payload) == nil && payload.ErrorSummary != "" {
		return strings.HasPrefix(payload.ErrorSummary, tag)
	}
	return strings.Contains(apiErr.Body, tag)
}

// dropboxPath normalizes a folder to "/a/b"; the root is "".
func dropboxPath(folder string) string {
	folder = strings.TrimSpace(folder)
	if folder == "" || folder == "/" {
		return ""
	}
	return path.Clean("/" + folder)
}

// apiArg encodes the Dropbox-API-Arg header, which must be ASCII.
func apiArg(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("dropbox: encode api arg: %w", err)
	}
	var sb strings.Builder
	for _, r := range string(raw) {
		if r < 0x80 {
			sb.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&sb, `\u%04x\u%04x`, r1, r2)
			continue
		}
		fmt.Fprintf(&sb, `\u%04x`, r)
	}
	return sb.String(), nil
}
