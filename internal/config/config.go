// Package config loads rioctl settings from a YAML file and RIO_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/hengadev/errsx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/oy3o/rio/compress"
	"github.com/oy3o/rio/container"
)

// Config is the complete tool configuration.
type Config struct {
	Compression CompressionConfig `yaml:"compression"`
	Container   ContainerConfig   `yaml:"container"`
	Logging     LoggingConfig     `yaml:"logging"`

	// Schemas is an optional YAML schema table preloaded into the registry,
	// for reading files that do not embed their schemas.
	Schemas string `yaml:"schemas,omitempty"`
}

type CompressionConfig struct {
	Algorithm string `yaml:"algorithm"`
	Level     int    `yaml:"level"`
	ChunkSize int    `yaml:"chunk_size"`
}

type ContainerConfig struct {
	SectionSize  int  `yaml:"section_size"`
	EmbedSchemas bool `yaml:"embed_schemas"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	opts := compress.DefaultOptions()
	return &Config{
		Compression: CompressionConfig{
			Algorithm: opts.Algorithm.String(),
			Level:     opts.Level,
			ChunkSize: opts.ChunkSize,
		},
		Container: ContainerConfig{
			SectionSize:  container.DefaultSectionSize,
			EmbedSchemas: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the YAML file at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveConfig writes config to path as YAML.
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load builds the effective configuration: defaults, then the YAML file at
// path when path is not empty, then RIO_* variables. Variables are also read
// from envFiles, or from .env in the working directory when none is given;
// variables already set in the process win.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}

	config := DefaultConfig()
	if path != "" {
		var err error
		if config, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overrides settings from RIO_* environment variables. Empty
// variables are ignored.
func (c *Config) ApplyEnv() error {
	errs := make(errsx.Map)
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs.Set(key, fmt.Errorf("not an integer: %q", v))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs.Set(key, fmt.Errorf("not a boolean: %q", v))
				return
			}
			*dst = b
		}
	}

	str("RIO_COMPRESSION", &c.Compression.Algorithm)
	num("RIO_COMPRESSION_LEVEL", &c.Compression.Level)
	num("RIO_CHUNK_SIZE", &c.Compression.ChunkSize)
	num("RIO_SECTION_SIZE", &c.Container.SectionSize)
	flag("RIO_EMBED_SCHEMAS", &c.Container.EmbedSchemas)
	str("RIO_LOG_LEVEL", &c.Logging.Level)
	str("RIO_LOG_FORMAT", &c.Logging.Format)
	str("RIO_SCHEMAS", &c.Schemas)
	return errs.AsError()
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	errs := make(errsx.Map)
	if _, err := compress.ParseAlgorithm(c.Compression.Algorithm); err != nil {
		errs.Set("compression.algorithm", err)
	}
	if c.Compression.ChunkSize < 0 || c.Compression.ChunkSize > compress.MaxChunkSize {
		errs.Set("compression.chunk_size", fmt.Errorf("chunk size must be within 0..%d, got %d", compress.MaxChunkSize, c.Compression.ChunkSize))
	}
	if c.Container.SectionSize <= 0 {
		errs.Set("container.section_size", fmt.Errorf("section size must be positive, got %d", c.Container.SectionSize))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs.Set("logging.level", fmt.Errorf("unknown log level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs.Set("logging.format", fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	return errs.AsError()
}

// CompressionOptions converts the compression settings.
func (c *Config) CompressionOptions() (compress.Options, error) {
	algo, err := compress.ParseAlgorithm(c.Compression.Algorithm)
	if err != nil {
		return compress.Options{}, err
	}
	return compress.Options{Algorithm: algo, Level: c.Compression.Level, ChunkSize: c.Compression.ChunkSize}, nil
}

// WriterOptions converts the compression and container settings into
// container writer options.
func (c *Config) WriterOptions() ([]container.Option, error) {
	opts, err := c.CompressionOptions()
	if err != nil {
		return nil, err
	}
	return []container.Option{
		container.WithCompression(opts),
		container.WithSectionSize(c.Container.SectionSize),
		container.WithEmbeddedSchemas(c.Container.EmbedSchemas),
	}, nil
}
