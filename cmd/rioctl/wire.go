package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.uber.org/dig"
	"gopkg.in/yaml.v3"

	"github.com/oy3o/rio/evolve"
	"github.com/oy3o/rio/internal/config"
	"github.com/oy3o/rio/internal/logging"
	"github.com/oy3o/rio/schema"
	"github.com/oy3o/rio/stream"
)

// build assembles the configuration, logger, registry, evolution engine and
// streamer shared by every command.
func build(configPath string, stderr io.Writer) (*dig.Container, error) {
	container := dig.New()
	constructors := []any{
		func() (*config.Config, error) { return config.Load(configPath) },
		func(cfg *config.Config) (*slog.Logger, error) { return logging.New(cfg.Logging, stderr) },
		newRegistry,
		newEngine,
		newStreamer,
	}
	for _, constructor := range constructors {
		if err := container.Provide(constructor); err != nil {
			return nil, err
		}
	}
	return container, nil
}

// newRegistry returns an empty registry, preloaded with the historical
// layouts of the configured schema file if there is one. Classes without a Go
// type decode as stream.Unknown placeholders.
func newRegistry(cfg *config.Config, log *slog.Logger) (*schema.Registry, error) {
	reg := schema.NewRegistry(schema.WithLogger(logging.Component(log, "schema")))
	if cfg.Schemas == "" {
		return reg, nil
	}
	data, err := os.ReadFile(cfg.Schemas)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	table := schema.NewTable()
	if err := yaml.Unmarshal(data, table); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}
	for _, cs := range table.Schemas() {
		if err := reg.RegisterSchema(cs); err != nil {
			return nil, err
		}
	}
	log.Debug("loaded schema file", "path", cfg.Schemas, "schemas", table.Len())
	return reg, nil
}

func newEngine(reg *schema.Registry, log *slog.Logger) *evolve.Engine {
	return evolve.NewEngine(reg, evolve.WithLogger(logging.Component(log, "evolve")))
}

func newStreamer(engine *evolve.Engine, log *slog.Logger) *stream.Streamer {
	return stream.New(engine, stream.WithLogger(logging.Component(log, "stream")))
}
