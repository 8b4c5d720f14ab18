package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odontoclinic/clinicbackup/internal/api/middleware"
	"github.com/odontoclinic/clinicbackup/internal/backup"
	"github.com/odontoclinic/clinicbackup/internal/backup/destinations"
	"github.com/odontoclinic/clinicbackup/internal/dbconn"
	"github.com/odontoclinic/clinicbackup/internal/settings"
)

const testSecret = "router-test-secret"

type stubRunner struct{}

func (stubRunner) Run(context.Context) (*backup.Artifact, error) {
	return nil, errors.New("not used")
}

func (stubRunner) RunAndUpload(context.Context, backup.UploadRequest) (*backup.UploadSummary, error) {
	return &backup.UploadSummary{OK: true}, nil
}

func (stubRunner) TargetFor(context.Context, string) destinations.Target {
	return destinations.Target{}
}

type stubDestination struct{}

func (stubDestination) Name() string { return destinations.GDrive }
func (stubDestination) Validate(destinations.Target) error { return nil }
func (stubDestination) Upload(context.Context, string, string, destinations.Target) (*destinations.UploadReceipt, error) {
	return &destinations.UploadReceipt{OK: true}, nil
}
func (stubDestination) CleanupOlderThanDays(context.Context, string, int, string, destinations.Target) (*destinations.CleanupReport, error) {
	return &destinations.CleanupReport{}, nil
}
func (stubDestination) TestConnection(context.Context, destinations.Target) (*destinations.ConnectionStatus, error) {
	return &destinations.ConnectionStatus{OK: true}, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := settings.NewStore(settings.Defaults{RetentionDays: 30, Timezone: "America/Sao_Paulo"}, zerolog.Nop(),
		settings.NewFileRepository(filepath.Join(t.TempDir(), "settings.json")))

	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret

	r, err := NewRouter(cfg, Dependencies{
		Runner:   stubRunner{},
		Settings: store,
		Registry: destinations.NewRegistry(stubDestination{}),
		Tools:    backup.StaticCapabilities(map[dbconn.Dialect]string{dbconn.DialectPostgres: "/usr/bin/pg_dump"}),
		Gatherer: prometheus.NewRegistry(),
	}, zerolog.Nop())
	require.NoError(t, err)
	return r.Engine
}

func signToken(t *testing.T, role string) string {
	t.Helper()
	claims := middleware.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestNewRouter_RequiresSecret(t *testing.T) {
	_, err := NewRouter(DefaultConfig(), Dependencies{
		Runner:   stubRunner{},
		Settings: settings.NewStore(settings.Defaults{}, zerolog.Nop()),
		Registry: destinations.NewRegistry(),
		Tools:    backup.StaticCapabilities(nil),
	}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRouter_Access(t *testing.T) {
	router := newTestRouter(t)
	userToken := signToken(t, "dentist")
	adminToken := signToken(t, "admin")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{"ping is public", "GET", "/backup/ping", "", "", http.StatusOK},
		{"health is public", "GET", "/health", "", "", http.StatusOK},
		{"metrics is public", "GET", "/metrics", "", "", http.StatusOK},
		{"settings need a token", "GET", "/backup/settings", "", "", http.StatusUnauthorized},
		{"settings with token", "GET", "/backup/settings", "", userToken, http.StatusOK},
		{"run with token", "POST", "/backup/run", `{"destinations":["gdrive"]}`, userToken, http.StatusOK},
		{"settings update needs privilege", "PUT", "/backup/settings", `{"retentionDays":7}`, userToken, http.StatusForbidden},
		{"settings update as admin", "PUT", "/backup/settings", `{"retentionDays":7}`, adminToken, http.StatusOK},
		{"manual needs privilege", "POST", "/backup/manual", "", userToken, http.StatusForbidden},
		{"destination test as admin", "POST", "/backup/destinations/gdrive/test", "", adminToken, http.StatusOK},
		{"garbage token", "GET", "/backup/settings", "", "not-a-jwt", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}
