// Package config provides configuration management for the clinic backup service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// IsProductionLike reports whether the environment should only use the
// configured database URL and never probe loopback addresses.
func (e Environment) IsProductionLike() bool {
	return e == EnvStaging || e == EnvProduction
}

// ConfigFileEnv names the environment variable holding an optional YAML config path.
const ConfigFileEnv = "CLINICBACKUP_CONFIG"

// GDriveConfig holds the environment-level Google Drive defaults.
type GDriveConfig struct {
	FolderID            string
	SharedDrive         bool
	ServiceAccountEmail string
	PrivateKey          string
}

// DropboxConfig holds the environment-level Dropbox defaults.
type DropboxConfig struct {
	Folder      string
	AccessToken string
}

// AuthConfig configures verification of session tokens issued by the clinic API.
type AuthConfig struct {
	JWTSecret       string
	PrivilegedRoles []string
}

// DumpToolsConfig overrides the location of the dump binaries. Empty
// values are resolved from PATH and the usual install locations.
type DumpToolsConfig struct {
	PgDump    string
	MySQLDump string
}

// RateLimitConfig configures the API rate limiter.
type RateLimitConfig struct {
	Requests int64
	Period   time.Duration
}

// ProxyConfig holds outbound proxy settings.
type ProxyConfig struct {
	HTTPProxy   string
	HTTPSProxy  string
	NoProxy     string
	SOCKS5Proxy string
}

// HasProxy returns true if any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != ""
}

// ServerConfig holds service configuration loaded from an optional YAML file
// and environment variables. Environment variables win over the file.
type ServerConfig struct {
	Environment      Environment
	ListenAddr       string
	TempDir          string
	SettingsFile     string
	RetentionDays    int  // default retention when no settings are persisted (default: 30)
	Timezone         string
	SchedulerEnabled bool // whether the server registers the cron trigger (default: true)
	PreCheck         bool // count tables before dumping (default: true)
	OutboundTimeout  time.Duration
	GDrive           GDriveConfig
	Dropbox          DropboxConfig
	DumpTools        DumpToolsConfig
	Auth             AuthConfig
	RateLimit        RateLimitConfig
	Proxy            ProxyConfig
}

// Defaults returns the configuration used when neither file nor environment set a value.
func Defaults() ServerConfig {
	return ServerConfig{
		Environment:      EnvDevelopment,
		ListenAddr:       ":8080",
		TempDir:          os.TempDir(),
		SettingsFile:     "data/backup-settings.json",
		RetentionDays:    30,
		Timezone:         "America/Sao_Paulo",
		SchedulerEnabled: true,
		PreCheck:         true,
		OutboundTimeout:  30 * time.Minute,
		Dropbox: DropboxConfig{
			Folder: "/clinic-backups",
		},
		Auth: AuthConfig{
			PrivilegedRoles: []string{"admin"},
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Period:   time.Minute,
		},
	}
}

// LoadServerConfig reads configuration from the file named by CLINICBACKUP_CONFIG
// (if any) and then applies environment variable overrides.
func LoadServerConfig() (ServerConfig, error) {
	cfg := Defaults()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return cfg, err
		}
		file.applyTo(&cfg)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *ServerConfig) {
	env := Environment(getEnvString("ENV", string(cfg.Environment)))
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		env = EnvDevelopment
	}
	cfg.Environment = env

	if port := os.Getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	cfg.ListenAddr = getEnvString("LISTEN_ADDR", cfg.ListenAddr)

	cfg.TempDir = getEnvString("BACKUP_TMP_DIR", cfg.TempDir)
	cfg.SettingsFile = getEnvString("BACKUP_SETTINGS_FILE", cfg.SettingsFile)

	cfg.RetentionDays = getEnvInt("BACKUP_RETENTION_DAYS", cfg.RetentionDays)
	if cfg.RetentionDays < 1 {
		cfg.RetentionDays = 30
	}

	cfg.Timezone = getEnvString("BACKUP_TIMEZONE", cfg.Timezone)
	cfg.SchedulerEnabled = getEnvBool("BACKUP_SCHEDULER_ENABLED", cfg.SchedulerEnabled)
	cfg.PreCheck = getEnvBool("BACKUP_PRECHECK", cfg.PreCheck)
	cfg.OutboundTimeout = getEnvDuration("BACKUP_HTTP_TIMEOUT", cfg.OutboundTimeout)

	cfg.GDrive.FolderID = getEnvString("GDRIVE_FOLDER_ID", cfg.GDrive.FolderID)
	cfg.GDrive.SharedDrive = getEnvBool("GDRIVE_SHARED_DRIVE", cfg.GDrive.SharedDrive)
	cfg.GDrive.ServiceAccountEmail = getEnvString("GOOGLE_SERVICE_ACCOUNT_EMAIL", cfg.GDrive.ServiceAccountEmail)
	cfg.GDrive.PrivateKey = getEnvString("GOOGLE_PRIVATE_KEY", cfg.GDrive.PrivateKey)

	cfg.Dropbox.Folder = getEnvString("DROPBOX_FOLDER", cfg.Dropbox.Folder)
	cfg.Dropbox.AccessToken = getEnvString("DROPBOX_ACCESS_TOKEN", cfg.Dropbox.AccessToken)

	cfg.DumpTools.PgDump = getEnvString("PG_DUMP_PATH", cfg.DumpTools.PgDump)
	cfg.DumpTools.MySQLDump = getEnvString("MYSQLDUMP_PATH", cfg.DumpTools.MySQLDump)

	cfg.Auth.JWTSecret = getEnvString("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)
	if roles := getEnvList("PRIVILEGED_ROLES"); len(roles) > 0 {
		cfg.Auth.PrivilegedRoles = roles
	}

	cfg.RateLimit.Requests = int64(getEnvInt("RATE_LIMIT_REQUESTS", int(cfg.RateLimit.Requests)))
	cfg.RateLimit.Period = getEnvDuration("RATE_LIMIT_PERIOD", cfg.RateLimit.Period)

	cfg.Proxy.HTTPProxy = getEnvString("HTTP_PROXY", cfg.Proxy.HTTPProxy)
	cfg.Proxy.HTTPSProxy = getEnvString("HTTPS_PROXY", cfg.Proxy.HTTPSProxy)
	cfg.Proxy.NoProxy = getEnvString("NO_PROXY", cfg.Proxy.NoProxy)
	cfg.Proxy.SOCKS5Proxy = getEnvString("SOCKS5_PROXY", cfg.Proxy.SOCKS5Proxy)
}

// getEnvString reads a string from an environment variable, returning the default if unset or blank.
func getEnvString(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a Go duration string, returning the default if unset or invalid.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
