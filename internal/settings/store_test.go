package settings

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo is an in-memory Repository.
type memRepo struct {
	mu      sync.Mutex
	name    string
	raw     []byte
	loadErr error
	saveErr error
	saves   int
}

func (m *memRepo) Name() string { return m.name }

func (m *memRepo) Load(context.Context) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, false, m.loadErr
	}
	if m.raw == nil {
		return nil, false, nil
	}
	return append([]byte(nil), m.raw...), true, nil
}

func (m *memRepo) Save(_ context.Context, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.raw = append([]byte(nil), raw...)
	m.saves++
	return nil
}

var testDefaults = Defaults{RetentionDays: 30, Timezone: "America/Sao_Paulo", DropboxFolder: "/clinic-backups"}

func ptr[T any](v T) *T { return &v }

func TestStore_ReadDefaults(t *testing.T) {
	store := NewStore(testDefaults, zerolog.Nop(), &memRepo{name: "file"}, &memRepo{name: "database"})

	got := store.Read(context.Background())
	assert.Equal(t, 30, got.RetentionDays)
	assert.False(t, got.Schedule.Enabled)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, got.Schedule.Days)
	assert.Equal(t, []string{"03:00"}, got.Schedule.Times)
	assert.Equal(t, "America/Sao_Paulo", got.Schedule.Timezone)
	assert.Equal(t, "/clinic-backups", got.Destinations.Dropbox.Folder)
	assert.Empty(t, got.EnabledDestinations())
}

func TestStore_ReadMergesPartialDocument(t *testing.T) {
	file := &memRepo{name: "file", raw: []byte(`{"retentionDays":7,"schedule":{"enabled":true},"unknown":{"x":1}}`)}
	store := NewStore(testDefaults, zerolog.Nop(), file)

	got := store.Read(context.Background())
	assert.Equal(t, 7, got.RetentionDays)
	assert.True(t, got.Schedule.Enabled)
	assert.Equal(t, []string{"03:00"}, got.Schedule.Times, "missing keys fall back to defaults")
}

func TestStore_ReadFallsBackToDatabase(t *testing.T) {
	file := &memRepo{name: "file", loadErr: errors.New("disk gone")}
	dbRepo := &memRepo{name: "database", raw: []byte(`{"retentionDays":12}`)}
	store := NewStore(testDefaults, zerolog.Nop(), file, dbRepo)

	assert.Equal(t, 12, store.Read(context.Background()).RetentionDays)
}

func TestStore_ReadSkipsCorruptDocument(t *testing.T) {
	file := &memRepo{name: "file", raw: []byte(`{not json`)}
	dbRepo := &memRepo{name: "database", raw: []byte(`{"retentionDays":3}`)}
	store := NewStore(testDefaults, zerolog.Nop(), file, dbRepo)

	assert.Equal(t, 3, store.Read(context.Background()).RetentionDays)
}

func TestStore_WriteRoundTrip(t *testing.T) {
	file := &memRepo{name: "file"}
	dbRepo := &memRepo{name: "database"}
	store := NewStore(testDefaults, zerolog.Nop(), file, dbRepo)
	ctx := context.Background()

	first, err := store.Write(ctx, Patch{
		RetentionDays: ptr(14),
		Destinations: &DestinationsPatch{
			Dropbox: &DropboxPatch{Enabled: ptr(true), AccessToken: ptr("sl.token")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 14, first.RetentionDays)

	saved, err := store.Write(ctx, Patch{
		Schedule: &SchedulePatch{Enabled: ptr(true), Times: &[]string{"3:30", "22:00"}},
	})
	require.NoError(t, err)

	got := store.Read(ctx)
	assert.Equal(t, saved, got)
	assert.Equal(t, 14, got.RetentionDays, "absent field keeps previous value")
	assert.True(t, got.Destinations.Dropbox.Enabled)
	assert.Equal(t, "sl.token", got.Destinations.Dropbox.AccessToken)
	assert.True(t, got.Schedule.Enabled)
	assert.Equal(t, []string{"03:30", "22:00"}, got.Schedule.Times)
	assert.Equal(t, "America/Sao_Paulo", got.Schedule.Timezone, "absent field keeps default")

	assert.Equal(t, 2, file.saves)
	assert.Equal(t, 2, dbRepo.saves)
}

func TestStore_WriteDropsInvalidWeekdays(t *testing.T) {
	store := NewStore(testDefaults, zerolog.Nop(), &memRepo{name: "file"})
	ctx := context.Background()

	_, err := store.Write(ctx, Patch{Schedule: &SchedulePatch{Days: &[]int{1, 3, 5, 9}}})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3, 5}, store.Read(ctx).Schedule.Days)
}

func TestStore_WriteIgnoresUnknownDestinations(t *testing.T) {
	file := &memRepo{name: "file"}
	store := NewStore(testDefaults, zerolog.Nop(), file)

	var patch Patch
	require.NoError(t, json.Unmarshal([]byte(`{"destinations":{"s3":{"enabled":true},"gdrive":{"enabled":true,"folderId":"abc"}}}`), &patch))

	got, err := store.Write(context.Background(), patch)
	require.NoError(t, err)
	assert.Equal(t, []string{DestinationGDrive}, got.EnabledDestinations())

	var stored struct {
		Destinations map[string]any `json:"destinations"`
	}
	require.NoError(t, json.Unmarshal(file.raw, &stored))
	assert.NotContains(t, stored.Destinations, "s3")
}

func TestStore_WriteValidation(t *testing.T) {
	tests := []struct {
		name  string
		patch Patch
		field string
	}{
		{"zero retention", Patch{RetentionDays: ptr(0)}, "retentionDays"},
		{"huge retention", Patch{RetentionDays: ptr(MaxRetentionDays + 1)}, "retentionDays"},
		{"bad timezone", Patch{Schedule: &SchedulePatch{Timezone: ptr("Mars/Olympus")}}, "schedule.timezone"},
		{"bad time", Patch{Schedule: &SchedulePatch{Times: &[]string{"25:00"}}}, "schedule.times"},
		{"enabled without days", Patch{Schedule: &SchedulePatch{Enabled: ptr(true), Days: &[]int{7}}}, "schedule.days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := &memRepo{name: "file"}
			store := NewStore(testDefaults, zerolog.Nop(), file)

			_, err := store.Write(context.Background(), tt.patch)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
			assert.Zero(t, file.saves, "invalid settings are never persisted")
		})
	}
}

func TestStore_WritePartialBackingFailure(t *testing.T) {
	file := &memRepo{name: "file"}
	dbRepo := &memRepo{name: "database", saveErr: errors.New("connection refused")}
	store := NewStore(testDefaults, zerolog.Nop(), file, dbRepo)

	_, err := store.Write(context.Background(), Patch{RetentionDays: ptr(9)})
	require.NoError(t, err)
	assert.Equal(t, 1, file.saves)
}

func TestStore_WriteAllBackingsFail(t *testing.T) {
	file := &memRepo{name: "file", saveErr: errors.New("read-only fs")}
	dbRepo := &memRepo{name: "database", saveErr: errors.New("connection refused")}
	store := NewStore(testDefaults, zerolog.Nop(), file, dbRepo)

	_, err := store.Write(context.Background(), Patch{RetentionDays: ptr(9)})
	assert.ErrorIs(t, err, ErrNotPersisted)
	assert.ErrorContains(t, err, "read-only fs")
}

func TestStore_MaskedTokenIsNotSaved(t *testing.T) {
	store := NewStore(testDefaults, zerolog.Nop(), &memRepo{name: "file"})
	ctx := context.Background()

	_, err := store.Write(ctx, Patch{Destinations: &DestinationsPatch{Dropbox: &DropboxPatch{AccessToken: ptr("real-token")}}})
	require.NoError(t, err)

	got, err := store.Write(ctx, Patch{Destinations: &DestinationsPatch{Dropbox: &DropboxPatch{AccessToken: ptr(MaskedSecret), Folder: ptr("backups/")}}})
	require.NoError(t, err)
	assert.Equal(t, "real-token", got.Destinations.Dropbox.AccessToken)
	assert.Equal(t, "/backups", got.Destinations.Dropbox.Folder)
	assert.Equal(t, MaskedSecret, got.Masked().Destinations.Dropbox.AccessToken)
}

func TestStore_ReconcileFileToDatabase(t *testing.T) {
	file := &memRepo{name: "file", raw: []byte(`{"retentionDays":21}`)}
	dbRepo := &memRepo{name: "database"}
	store := NewStore(testDefaults, zerolog.Nop(), file, dbRepo)
	ctx := context.Background()

	result := store.Reconcile(ctx)
	assert.Equal(t, "file", result.Source)
	assert.Contains(t, result.Updated, "database")
	assert.Equal(t, 21, NewStore(testDefaults, zerolog.Nop(), dbRepo).Read(ctx).RetentionDays)

	again := store.Reconcile(ctx)
	assert.Empty(t, again.Updated, "second pass is a no-op")
}

func TestStore_ReconcileDatabaseToFile(t *testing.T) {
	file := &memRepo{name: "file"}
	dbRepo := &memRepo{name: "database", raw: []byte(`{"retentionDays":5}`)}
	store := NewStore(testDefaults, zerolog.Nop(), file, dbRepo)

	result := store.Reconcile(context.Background())
	assert.Equal(t, "database", result.Source)
	assert.Contains(t, result.Updated, "file")
	assert.Equal(t, 5, store.Read(context.Background()).RetentionDays)
}

func TestStore_ReconcileToleratesUnavailableBacking(t *testing.T) {
	file := &memRepo{name: "file", raw: []byte(`{"retentionDays":21}`)}
	dbRepo := &memRepo{name: "database", loadErr: errors.New("no route to host")}
	store := NewStore(testDefaults, zerolog.Nop(), file, dbRepo)

	result := store.Reconcile(context.Background())
	assert.Equal(t, "file", result.Source)
	assert.Equal(t, []string{"database"}, result.Skipped)
	assert.Zero(t, dbRepo.saves)
}

func TestStore_ReconcileNothingPersisted(t *testing.T) {
	file := &memRepo{name: "file"}
	dbRepo := &memRepo{name: "database"}
	result := NewStore(testDefaults, zerolog.Nop(), file, dbRepo).Reconcile(context.Background())
	assert.Empty(t, result.Source)
	assert.Zero(t, file.saves+dbRepo.saves)
}

func TestFileRepository_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "backup-settings.json")
	repo := NewFileRepository(path)
	ctx := context.Background()

	_, found, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, repo.Save(ctx, []byte(`{"retentionDays":4}`)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&0077, "settings file must not be group/world readable")

	raw, found, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"retentionDays":4}`, string(raw))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}
