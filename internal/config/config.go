// Package config loads the engine's recognized options: the server list
// and the download-engine knobs enumerated in the design notes. Loading
// goes through an afero.Fs so tests can substitute an in-memory
// filesystem instead of touching disk.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Config is the enumerated configuration struct: {retries,
// retryInterval, connectionTimeout, continuePartial, directWrite,
// crcCheck, decode, downloadRate, renameBroken, createBrokenLog,
// writeBufferSize}, plus the server list and directory layout.
type Config struct {
	Servers []ServerConfig `mapstructure:"servers" yaml:"servers"`

	Retries           int           `mapstructure:"retries" yaml:"retries"`
	RetryInterval     time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	ContinuePartial   bool          `mapstructure:"continue_partial" yaml:"continue_partial"`
	DirectWrite       bool          `mapstructure:"direct_write" yaml:"direct_write"`
	CrcCheck          bool          `mapstructure:"crc_check" yaml:"crc_check"`
	Decode            bool          `mapstructure:"decode" yaml:"decode"`
	DownloadRate      int64         `mapstructure:"download_rate" yaml:"download_rate"` // bytes/sec, 0 = unlimited
	RenameBroken      bool          `mapstructure:"rename_broken" yaml:"rename_broken"`
	CreateBrokenLog   bool          `mapstructure:"create_broken_log" yaml:"create_broken_log"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size" yaml:"write_buffer_size"`

	// CriticalHealth is the success-ratio floor below which a bundle is
	// auto-deleted instead of handed to par-repair.
	CriticalHealth float64 `mapstructure:"critical_health" yaml:"critical_health"`

	TempDir          string `mapstructure:"temp_dir" yaml:"temp_dir"`
	DestDir          string `mapstructure:"dest_dir" yaml:"dest_dir"`
	QueueFile        string `mapstructure:"queue_file" yaml:"queue_file"`
	StrictPar2Naming bool   `mapstructure:"strict_par2_naming" yaml:"strict_par2_naming"`

	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// ServerConfig is the on-disk shape of one NewsServer record.
type ServerConfig struct {
	ID             string `mapstructure:"id" yaml:"id"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Username       string `mapstructure:"username" yaml:"username"`
	Password       string `mapstructure:"password" yaml:"password"`
	TLS            bool   `mapstructure:"tls" yaml:"tls"`
	JoinGroup      bool   `mapstructure:"join_group" yaml:"join_group"`
	Level          int    `mapstructure:"level" yaml:"level"`
	Group          string `mapstructure:"group" yaml:"group"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

// Load reads path (YAML) through fs, applies defaults, overlays
// NZBCORE_-prefixed environment variables, and validates the result.
func Load(fs afero.Fs, path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}
	if !exists {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("retries", 3)
	v.SetDefault("retry_interval", 10*time.Second)
	v.SetDefault("connection_timeout", 15*time.Second)
	v.SetDefault("continue_partial", true)
	v.SetDefault("direct_write", true)
	v.SetDefault("crc_check", true)
	v.SetDefault("decode", true)
	v.SetDefault("download_rate", int64(0))
	v.SetDefault("rename_broken", true)
	v.SetDefault("create_broken_log", true)
	v.SetDefault("write_buffer_size", 1<<20)
	v.SetDefault("critical_health", 0.5)
	v.SetDefault("temp_dir", "./tmp")
	v.SetDefault("dest_dir", "./downloads")
	v.SetDefault("queue_file", "queue.json")
	v.SetDefault("strict_par2_naming", false)
	v.SetDefault("log.path", "nzbcore.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)

	if err := v.ReadConfig(strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	v.SetEnvPrefix("NZBCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}
	for i, s := range c.Servers {
		if s.Host == "" {
			return fmt.Errorf("server %s: host is required", s.ID)
		}
		if s.Port == 0 {
			return fmt.Errorf("server %s: port is required", s.ID)
		}
		if s.MaxConnections <= 0 {
			c.Servers[i].MaxConnections = 10
		}
	}
	if c.Retries < 0 {
		return errors.New("retries must be >= 0")
	}
	if c.DestDir == "" {
		c.DestDir = "./downloads"
	}
	if c.TempDir == "" {
		c.TempDir = "./tmp"
	}
	return nil
}

// DefaultFs is the real operating-system filesystem, used by the CLI
// entrypoint; tests pass afero.NewMemMapFs() instead.
func DefaultFs() afero.Fs {
	return afero.NewOsFs()
}
