package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML representation of ServerConfig. Every field is
// optional; unset fields keep the defaults.
type FileConfig struct {
	Environment      string `yaml:"environment,omitempty"`
	ListenAddr       string `yaml:"listen_addr,omitempty"`
	TempDir          string `yaml:"tmp_dir,omitempty"`
	SettingsFile     string `yaml:"settings_file,omitempty"`
	RetentionDays    int    `yaml:"retention_days,omitempty"`
	Timezone         string `yaml:"timezone,omitempty"`
	SchedulerEnabled *bool  `yaml:"scheduler_enabled,omitempty"`
	PreCheck         *bool  `yaml:"precheck,omitempty"`
	OutboundTimeout  string `yaml:"outbound_timeout,omitempty"`

	GDrive struct {
		FolderID            string `yaml:"folder_id,omitempty"`
		SharedDrive         *bool  `yaml:"shared_drive,omitempty"`
		ServiceAccountEmail string `yaml:"service_account_email,omitempty"`
		PrivateKey          string `yaml:"private_key,omitempty"`
	} `yaml:"gdrive,omitempty"`

	Dropbox struct {
		Folder      string `yaml:"folder,omitempty"`
		AccessToken string `yaml:"access_token,omitempty"`
	} `yaml:"dropbox,omitempty"`

	DumpTools struct {
		PgDump    string `yaml:"pg_dump,omitempty"`
		MySQLDump string `yaml:"mysqldump,omitempty"`
	} `yaml:"dump_tools,omitempty"`

	Auth struct {
		JWTSecret       string   `yaml:"jwt_secret,omitempty"`
		PrivilegedRoles []string `yaml:"privileged_roles,omitempty"`
	} `yaml:"auth,omitempty"`

	RateLimit struct {
		Requests int64  `yaml:"requests,omitempty"`
		Period   string `yaml:"period,omitempty"`
	} `yaml:"rate_limit,omitempty"`

	Proxy struct {
		HTTPProxy   string `yaml:"http_proxy,omitempty"`
		HTTPSProxy  string `yaml:"https_proxy,omitempty"`
		NoProxy     string `yaml:"no_proxy,omitempty"`
		SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
	} `yaml:"proxy,omitempty"`
}

// LoadFile reads a YAML config file. If the file does not exist, an empty
// config is returned.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &fc, nil
}

// applyTo copies every set field onto cfg.
func (fc *FileConfig) applyTo(cfg *ServerConfig) {
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.TempDir, fc.TempDir)
	setString(&cfg.SettingsFile, fc.SettingsFile)
	setString(&cfg.Timezone, fc.Timezone)
	if fc.Environment != "" {
		cfg.Environment = Environment(fc.Environment)
	}
	if fc.RetentionDays > 0 {
		cfg.RetentionDays = fc.RetentionDays
	}
	if fc.SchedulerEnabled != nil {
		cfg.SchedulerEnabled = *fc.SchedulerEnabled
	}
	if fc.PreCheck != nil {
		cfg.PreCheck = *fc.PreCheck
	}
	setDuration(&cfg.OutboundTimeout, fc.OutboundTimeout)

	setString(&cfg.GDrive.FolderID, fc.GDrive.FolderID)
	setString(&cfg.GDrive.ServiceAccountEmail, fc.GDrive.ServiceAccountEmail)
	setString(&cfg.GDrive.PrivateKey, fc.GDrive.PrivateKey)
	if fc.GDrive.SharedDrive != nil {
		cfg.GDrive.SharedDrive = *fc.GDrive.SharedDrive
	}

	setString(&cfg.Dropbox.Folder, fc.Dropbox.Folder)
	setString(&cfg.Dropbox.AccessToken, fc.Dropbox.AccessToken)

	setString(&cfg.DumpTools.PgDump, fc.DumpTools.PgDump)
	setString(&cfg.DumpTools.MySQLDump, fc.DumpTools.MySQLDump)

	setString(&cfg.Auth.JWTSecret, fc.Auth.JWTSecret)
	if len(fc.Auth.PrivilegedRoles) > 0 {
		cfg.Auth.PrivilegedRoles = fc.Auth.PrivilegedRoles
	}

	if fc.RateLimit.Requests > 0 {
		cfg.RateLimit.Requests = fc.RateLimit.Requests
	}
	setDuration(&cfg.RateLimit.Period, fc.RateLimit.Period)

	setString(&cfg.Proxy.HTTPProxy, fc.Proxy.HTTPProxy)
	setString(&cfg.Proxy.HTTPSProxy, fc.Proxy.HTTPSProxy)
	setString(&cfg.Proxy.NoProxy, fc.Proxy.NoProxy)
	setString(&cfg.Proxy.SOCKS5Proxy, fc.Proxy.SOCKS5Proxy)
}

// Save writes the config as YAML with owner-only permissions.
func (fc *FileConfig) Save(path string) error {
	data, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}
