package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hengadev/errsx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oy3o/rio/compress"
	"github.com/oy3o/rio/container"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, "zstd", config.Compression.Algorithm)
	assert.Equal(t, container.DefaultSectionSize, config.Container.SectionSize)
	assert.True(t, config.Container.EmbedSchemas)

	opts, err := config.CompressionOptions()
	require.NoError(t, err)
	assert.Equal(t, compress.DefaultOptions(), opts)
}

func TestLoadConfigValidFile(t *testing.T) {
	path := writeFile(t, "rio.yaml", `
compression:
  algorithm: lz4
  chunk_size: 4096
container:
  section_size: 1024
  embed_schemas: false
logging:
  level: debug
  format: json
schemas: /etc/rio/schemas.yaml
`)
	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "lz4", config.Compression.Algorithm)
	assert.Equal(t, 4096, config.Compression.ChunkSize)
	assert.Equal(t, 1024, config.Container.SectionSize)
	assert.False(t, config.Container.EmbedSchemas)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, "/etc/rio/schemas.yaml", config.Schemas)

	opts, err := config.CompressionOptions()
	require.NoError(t, err)
	assert.Equal(t, compress.LZ4, opts.Algorithm)
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := writeFile(t, "partial.yaml", "logging:\n  level: warn\n")
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)
	assert.Equal(t, "zstd", config.Compression.Algorithm)
}

func TestLoadConfigNonExistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/rio.yaml")
	assert.ErrorContains(t, err, "not found")
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeFile(t, "invalid.yaml", `
invalid: yaml: content:
  - missing
    proper: indentation
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	config := DefaultConfig()
	config.Compression.Algorithm = "lzma"
	config.Container.SectionSize = 4096

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, SaveConfig(config, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config, loaded)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	config := DefaultConfig()
	config.Compression.Algorithm = "brotli"
	config.Compression.ChunkSize = -1
	config.Container.SectionSize = 0
	config.Logging.Level = "loud"
	config.Logging.Format = "xml"

	err := config.Validate()
	require.Error(t, err)
	errs, ok := err.(errsx.Map)
	require.True(t, ok, "want errsx.Map, got %T", err)
	assert.Len(t, errs, 5)
	for _, key := range []string{
		"compression.algorithm",
		"compression.chunk_size",
		"container.section_size",
		"logging.level",
		"logging.format",
	} {
		assert.Contains(t, errs, key)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("RIO_COMPRESSION", "zlib")
	t.Setenv("RIO_COMPRESSION_LEVEL", "9")
	t.Setenv("RIO_SECTION_SIZE", "2048")
	t.Setenv("RIO_EMBED_SCHEMAS", "false")
	t.Setenv("RIO_LOG_FORMAT", "json")

	config := DefaultConfig()
	require.NoError(t, config.ApplyEnv())
	assert.Equal(t, "zlib", config.Compression.Algorithm)
	assert.Equal(t, 9, config.Compression.Level)
	assert.Equal(t, 2048, config.Container.SectionSize)
	assert.False(t, config.Container.EmbedSchemas)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, "info", config.Logging.Level)
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("RIO_SECTION_SIZE", "big")
	t.Setenv("RIO_EMBED_SCHEMAS", "maybe")

	err := DefaultConfig().ApplyEnv()
	require.Error(t, err)
	errs, ok := err.(errsx.Map)
	require.True(t, ok)
	assert.Contains(t, errs, "RIO_SECTION_SIZE")
	assert.Contains(t, errs, "RIO_EMBED_SCHEMAS")
}

func TestLoad(t *testing.T) {
	t.Run("FileThenEnvironment", func(t *testing.T) {
		path := writeFile(t, "rio.yaml", "compression:\n  algorithm: lz4\nlogging:\n  level: warn\n")
		t.Setenv("RIO_LOG_LEVEL", "error")

		config, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "lz4", config.Compression.Algorithm)
		assert.Equal(t, "error", config.Logging.Level)
	})

	t.Run("EnvFile", func(t *testing.T) {
		env := writeFile(t, "rio.env", "RIO_CHUNK_SIZE=8192\n")
		t.Cleanup(func() { os.Unsetenv("RIO_CHUNK_SIZE") })

		config, err := Load("", env)
		require.NoError(t, err)
		assert.Equal(t, 8192, config.Compression.ChunkSize)
	})

	t.Run("ProcessEnvironmentWins", func(t *testing.T) {
		env := writeFile(t, "rio.env", "RIO_LOG_FORMAT=json\n")
		t.Setenv("RIO_LOG_FORMAT", "text")

		config, err := Load("", env)
		require.NoError(t, err)
		assert.Equal(t, "text", config.Logging.Format)
	})

	t.Run("Invalid", func(t *testing.T) {
		t.Setenv("RIO_COMPRESSION", "brotli")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.(errsx.Map), "compression.algorithm")
	})

	t.Run("MissingEnvFile", func(t *testing.T) {
		_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
		assert.Error(t, err)
	})
}

func TestWriterOptions(t *testing.T) {
	config := DefaultConfig()
	opts, err := config.WriterOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 3)

	config.Compression.Algorithm = "snappy"
	_, err = config.WriterOptions()
	assert.ErrorIs(t, err, compress.ErrUnknownAlgorithm)
}
