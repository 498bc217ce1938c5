package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"image-compressor-go/internal/compressor"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	OutputDirectory     string            `mapstructure:"output_directory"`
	SupportedExtensions []string          `mapstructure:"supported_extensions"`
	Compression         CompressionConfig `mapstructure:"compression"`
	Performance         PerformanceConfig `mapstructure:"performance"`
	Security            SecurityConfig    `mapstructure:"security"`
	Web                 WebConfig         `mapstructure:"web"`
	Logging             LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig contains encoder and external optimizer settings
type CompressionConfig struct {
	Quality          int           `mapstructure:"quality"`
	PreferExternal   bool          `mapstructure:"prefer_external"`
	ExternalTool     string        `mapstructure:"external_tool"`
	ExternalTimeout  time.Duration `mapstructure:"external_timeout"`
	PreserveMetadata bool          `mapstructure:"preserve_metadata"`
	SkipMarked       bool          `mapstructure:"skip_marked"`
	TempDirectory    string        `mapstructure:"temp_directory"`
}

// PerformanceConfig contains worker pool tuning settings
type PerformanceConfig struct {
	WorkerThreads int           `mapstructure:"worker_threads"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
}

// SecurityConfig contains safety settings
type SecurityConfig struct {
	DryRun bool `mapstructure:"dry_run"`
}

// WebConfig contains settings of the local web interface
type WebConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		OutputDirectory: "output",
		SupportedExtensions: []string{
			".jpg", ".jpeg", ".png", ".gif", ".bmp",
		},
		Compression: CompressionConfig{
			Quality:          compressor.DefaultQuality,
			PreferExternal:   true,
			ExternalTool:     "pngquant",
			ExternalTimeout:  30 * time.Second,
			PreserveMetadata: false,
			SkipMarked:       false,
		},
		Performance: PerformanceConfig{
			WorkerThreads: 4,
			PollInterval:  500 * time.Millisecond,
			GracePeriod:   200 * time.Millisecond,
		},
		Security: SecurityConfig{
			DryRun: false,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "image-compressor.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-compressor")
		v.AddConfigPath("/etc/image-compressor")
	}

	v.SetEnvPrefix("IMAGE_COMPRESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// bindEnvKeys makes nested keys visible to Unmarshal when they only come from
// the environment; AutomaticEnv alone does not enumerate them.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"output_directory",
		"compression.quality",
		"compression.prefer_external",
		"compression.external_tool",
		"compression.external_timeout",
		"compression.preserve_metadata",
		"compression.skip_marked",
		"compression.temp_directory",
		"performance.worker_threads",
		"performance.poll_interval",
		"performance.grace_period",
		"security.dry_run",
		"web.host",
		"web.port",
		"logging.level",
		"logging.file_path",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.OutputDirectory == "" {
		return fmt.Errorf("output_directory is required")
	}
	c.OutputDirectory = expandPath(c.OutputDirectory)

	c.Compression.Quality = compressor.ClampQuality(c.Compression.Quality)

	if c.Compression.PreferExternal && c.Compression.ExternalTool == "" {
		return fmt.Errorf("compression.external_tool is required when prefer_external is set")
	}
	if c.Compression.ExternalTimeout <= 0 {
		c.Compression.ExternalTimeout = compressor.DefaultExternalTimeout
	}
	if c.Compression.TempDirectory != "" {
		c.Compression.TempDirectory = expandPath(c.Compression.TempDirectory)
	}

	c.SupportedExtensions = normalizeExtensions(c.SupportedExtensions)

	if c.Performance.WorkerThreads <= 0 {
		c.Performance.WorkerThreads = 4
	}
	if c.Performance.PollInterval <= 0 {
		c.Performance.PollInterval = 500 * time.Millisecond
	}
	if c.Performance.GracePeriod <= 0 {
		c.Performance.GracePeriod = 200 * time.Millisecond
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid web.port: %d", c.Web.Port)
	}
	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// CompressionOptions converts the configuration into per-run compressor options.
func (c *Config) CompressionOptions() compressor.Options {
	return compressor.Options{
		Quality:          c.Compression.Quality,
		OutputDir:        c.OutputDirectory,
		DryRun:           c.Security.DryRun,
		PreferExternal:   c.Compression.PreferExternal,
		ExternalTool:     c.Compression.ExternalTool,
		ExternalTimeout:  c.Compression.ExternalTimeout,
		TempDir:          c.Compression.TempDirectory,
		PreserveMetadata: c.Compression.PreserveMetadata,
		SkipMarked:       c.Compression.SkipMarked,
	}.Normalize()
}

// IsSupportedExtension checks if the extension is one the selector picks up
func (c *Config) IsSupportedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, supportedExt := range c.SupportedExtensions {
		if ext == supportedExt {
			return true
		}
	}
	return false
}

// Helper functions

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[1:])
		}
	}
	return expanded
}

func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, len(extensions))
	for i, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized[i] = ext
	}
	return normalized
}
