package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "KIOSK"
	defaultHTTPAddress        = "127.0.0.1:8790"
	defaultDatabasePath       = "kiosk.db"
	defaultMediaDir           = "media"
	defaultLogLevel           = "info"
	defaultSyncInterval       = 5 * time.Minute
	defaultDownloadInterval   = 2 * time.Minute
	defaultRevalidateInterval = 12 * time.Hour
	defaultDownloadBatchSize  = 5
	defaultRemoteTimeout      = 10 * time.Second
)

// AppConfig captures runtime configuration for the kiosk sync daemon.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	MediaDir           string
	RemoteDSN          string
	RemoteTimeout      time.Duration
	UserID             string
	SyncInterval       time.Duration
	DownloadInterval   time.Duration
	RevalidateInterval time.Duration
	DownloadBatchSize  int
	PauseFlagPath      string
	LogLevel           string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("media.dir", defaultMediaDir)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("download.interval", defaultDownloadInterval)
	configViper.SetDefault("download.batch_size", defaultDownloadBatchSize)
	configViper.SetDefault("license.revalidate_interval", defaultRevalidateInterval)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		MediaDir:           configViper.GetString("media.dir"),
		RemoteDSN:          configViper.GetString("remote.dsn"),
		RemoteTimeout:      configViper.GetDuration("remote.timeout"),
		UserID:             configViper.GetString("kiosk.user_id"),
		SyncInterval:       configViper.GetDuration("sync.interval"),
		DownloadInterval:   configViper.GetDuration("download.interval"),
		RevalidateInterval: configViper.GetDuration("license.revalidate_interval"),
		DownloadBatchSize:  configViper.GetInt("download.batch_size"),
		PauseFlagPath:      configViper.GetString("download.pause_flag"),
		LogLevel:           configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.MediaDir) == "" {
		return fmt.Errorf("media.dir is required")
	}
	if strings.TrimSpace(c.RemoteDSN) == "" {
		return fmt.Errorf("remote.dsn is required")
	}
	if c.DownloadBatchSize <= 0 {
		return fmt.Errorf("download.batch_size must be positive")
	}
	return nil
}
