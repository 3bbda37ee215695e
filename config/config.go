// Package config loads docferry settings from a YAML file, defaults and
// DFERRY_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DFERRY_SERVER_PORT.
const EnvPrefix = "DFERRY"

// Config is the full process configuration.
type Config struct {
	Server   *Server
	Transfer *Transfer
	State    *State
	Logger   *Logger
	Redis    *Redis
	S3       *S3
	Mongo    *Mongo
	Viper    *viper.Viper
}

// Server configures the HTTP listener.
type Server struct {
	Host string
	Port int
	// Mode is the gin mode: debug, release or test.
	Mode string
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Transfer configures job execution.
type Transfer struct {
	DefaultBatchSize  int
	MaxBatchSize      int
	WorkDir           string
	CleanupTTL        time.Duration
	MaxConcurrentJobs int
	// MaxUploadBytes caps both the uploaded archive and its extracted size.
	MaxUploadBytes     int64
	CheckpointDocs     int64
	CheckpointInterval time.Duration
}

// BatchSize resolves a requested batch size against the defaults.
// Non-positive requests use the default; large ones are capped.
func (t *Transfer) BatchSize(requested int) int {
	if requested <= 0 {
		requested = t.DefaultBatchSize
	}
	if t.MaxBatchSize > 0 && requested > t.MaxBatchSize {
		requested = t.MaxBatchSize
	}
	return requested
}

// State configures the job state store.
type State struct {
	Path string
}

// Logger configures logrus.
type Logger struct {
	Level  string
	Format string
	// Output is stdout, stderr or file.
	Output     string
	OutputFile string
}

// Redis configures the optional event relay. Empty Addr disables it.
type Redis struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// Enabled reports whether a relay should be started.
func (r *Redis) Enabled() bool {
	return r.Addr != ""
}

// S3 configures optional archive publishing. Empty Bucket disables it.
type S3 struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether archives should be published.
func (s *S3) Enabled() bool {
	return s.Bucket != ""
}

// Mongo configures store connections.
type Mongo struct {
	ConnectTimeout time.Duration
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", "release")

	v.SetDefault("transfer.default_batch_size", 1000)
	v.SetDefault("transfer.max_batch_size", 10000)
	v.SetDefault("transfer.work_dir", filepath.Join(os.TempDir(), "dferry"))
	v.SetDefault("transfer.cleanup_ttl", time.Hour)
	v.SetDefault("transfer.max_concurrent_jobs", 4)
	v.SetDefault("transfer.max_upload_bytes", int64(2<<30))
	v.SetDefault("transfer.checkpoint_docs", 10000)
	v.SetDefault("transfer.checkpoint_interval", 5*time.Second)

	v.SetDefault("state.path", filepath.Join(os.TempDir(), "dferry", "state.db"))

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
	v.SetDefault("logger.output", "stderr")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "dferry:events")

	v.SetDefault("mongo.connect_timeout", 10*time.Second)
}

// LoadConfig reads configPath if given, otherwise looks for dferry.yaml in
// the usual places. A missing default file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("dferry")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/dferry")
		v.AddConfigPath("$HOME/.dferry")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Server: &Server{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
			Mode: v.GetString("server.mode"),
		},
		Transfer: &Transfer{
			DefaultBatchSize:   v.GetInt("transfer.default_batch_size"),
			MaxBatchSize:       v.GetInt("transfer.max_batch_size"),
			WorkDir:            v.GetString("transfer.work_dir"),
			CleanupTTL:         v.GetDuration("transfer.cleanup_ttl"),
			MaxConcurrentJobs:  v.GetInt("transfer.max_concurrent_jobs"),
			MaxUploadBytes:     v.GetInt64("transfer.max_upload_bytes"),
			CheckpointDocs:     v.GetInt64("transfer.checkpoint_docs"),
			CheckpointInterval: v.GetDuration("transfer.checkpoint_interval"),
		},
		State: &State{
			Path: v.GetString("state.path"),
		},
		Logger: &Logger{
			Level:      v.GetString("logger.level"),
			Format:     v.GetString("logger.format"),
			Output:     v.GetString("logger.output"),
			OutputFile: v.GetString("logger.output_file"),
		},
		Redis: &Redis{
			Addr:          v.GetString("redis.addr"),
			Password:      v.GetString("redis.password"),
			DB:            v.GetInt("redis.db"),
			ChannelPrefix: v.GetString("redis.channel_prefix"),
		},
		S3: &S3{
			Bucket:          v.GetString("s3.bucket"),
			Prefix:          v.GetString("s3.prefix"),
			Region:          v.GetString("s3.region"),
			Endpoint:        v.GetString("s3.endpoint"),
			AccessKeyID:     v.GetString("s3.access_key_id"),
			SecretAccessKey: v.GetString("s3.secret_access_key"),
		},
		Mongo: &Mongo{
			ConnectTimeout: v.GetDuration("mongo.connect_timeout"),
		},
		Viper: v,
	}
}

// Validate rejects settings no job could run with.
func (c *Config) Validate() error {
	if c.Transfer.DefaultBatchSize < 1 {
		return fmt.Errorf("transfer.default_batch_size must be at least 1")
	}
	if c.Transfer.MaxBatchSize > 0 && c.Transfer.MaxBatchSize < c.Transfer.DefaultBatchSize {
		return fmt.Errorf("transfer.max_batch_size must not be below transfer.default_batch_size")
	}
	if c.Transfer.MaxConcurrentJobs < 1 {
		return fmt.Errorf("transfer.max_concurrent_jobs must be at least 1")
	}
	if c.Transfer.WorkDir == "" {
		return fmt.Errorf("transfer.work_dir is required")
	}
	switch c.Server.Mode {
	case "", "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be debug, release or test, got %q", c.Server.Mode)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
