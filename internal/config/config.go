// Package config loads application configuration from file and environment
// and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Companies  CompaniesConfig  `yaml:"companies" mapstructure:"companies"`
	Healthcare DirectoryConfig  `yaml:"healthcare" mapstructure:"healthcare"`
	LocalGov   DirectoryConfig  `yaml:"localgov" mapstructure:"localgov"`
	CentralGov DirectoryConfig  `yaml:"centralgov" mapstructure:"centralgov"`
	Postcoder  PostcoderConfig  `yaml:"postcoder" mapstructure:"postcoder"`
	Matching   MatchingConfig   `yaml:"matching" mapstructure:"matching"`
	Reconciler ReconcilerConfig `yaml:"reconciler" mapstructure:"reconciler"`
	Objects    ObjectsConfig    `yaml:"objects" mapstructure:"objects"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CompaniesConfig holds company-registry API settings.
type CompaniesConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
	MaxRetries  int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// DirectoryConfig holds settings shared by the simple directory registries
// (healthcare, local government, national government).
type DirectoryConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
	MaxRetries  int           `yaml:"max_retries" mapstructure:"max_retries"`
}

// PostcoderConfig holds bulk postcode geocoder settings.
type PostcoderConfig struct {
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
	BatchSize   int           `yaml:"batch_size" mapstructure:"batch_size"`
}

// MatchingConfig holds match-engine decision thresholds.
type MatchingConfig struct {
	AutoApplyThreshold float64 `yaml:"auto_apply_threshold" mapstructure:"auto_apply_threshold"`
	MinimumThreshold   float64 `yaml:"minimum_threshold" mapstructure:"minimum_threshold"`
	MaxCandidates      int     `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// ReconcilerConfig configures the background reconciliation loop.
type ReconcilerConfig struct {
	Interval  time.Duration `yaml:"interval" mapstructure:"interval"`
	BatchSize int           `yaml:"batch_size" mapstructure:"batch_size"`
}

// ObjectsConfig configures asset storage: presigned URLs when a bucket is
// set, or a local directory for CLI imports.
type ObjectsConfig struct {
	Bucket         string        `yaml:"bucket" mapstructure:"bucket"`
	PresignExpiry  time.Duration `yaml:"presign_expiry" mapstructure:"presign_expiry"`
	GoogleAccessID string        `yaml:"google_access_id" mapstructure:"google_access_id"`
	PrivateKeyPath string        `yaml:"private_key_path" mapstructure:"private_key_path"`
	LocalDir       string        `yaml:"local_dir" mapstructure:"local_dir"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SPENDMATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("companies.base_url", "https://api.company-information.service.gov.uk")
	v.SetDefault("companies.min_interval", "400ms")
	v.SetDefault("companies.max_retries", 3)
	v.SetDefault("healthcare.base_url", "https://directory.spineservices.nhs.uk/ORD/2-0-0")
	v.SetDefault("healthcare.min_interval", "400ms")
	v.SetDefault("healthcare.max_retries", 3)
	v.SetDefault("localgov.base_url", "https://local-authority-eng.register.gov.uk")
	v.SetDefault("localgov.min_interval", "300ms")
	v.SetDefault("localgov.max_retries", 3)
	v.SetDefault("centralgov.base_url", "https://government-organisation.register.gov.uk")
	v.SetDefault("centralgov.min_interval", "300ms")
	v.SetDefault("centralgov.max_retries", 3)
	v.SetDefault("postcoder.base_url", "https://api.postcodes.io")
	v.SetDefault("postcoder.min_interval", "200ms")
	v.SetDefault("postcoder.batch_size", 100)
	v.SetDefault("matching.auto_apply_threshold", 0.90)
	v.SetDefault("matching.minimum_threshold", 0.50)
	v.SetDefault("matching.max_candidates", 10)
	v.SetDefault("reconciler.interval", "30s")
	v.SetDefault("reconciler.batch_size", 20)
	v.SetDefault("objects.presign_expiry", "15m")
	v.SetDefault("objects.local_dir", ".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
