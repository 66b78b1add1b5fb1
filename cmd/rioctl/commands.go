package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.uber.org/dig"
	"gopkg.in/yaml.v3"

	"github.com/oy3o/rio/compress"
	"github.com/oy3o/rio/container"
	"github.com/oy3o/rio/internal/config"
	"github.com/oy3o/rio/internal/logging"
	"github.com/oy3o/rio/stream"
)

type command struct {
	stdout io.Writer
	stderr io.Writer
}

func (c *command) flags(name, usage string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() {
		fmt.Fprintf(c.stderr, "Usage: rioctl %s %s\n", name, usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "Path to configuration file")
	return fs, configPath
}

// parse parses args and checks the number of positional arguments.
func parse(fs *flag.FlagSet, args []string, want int) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != want {
		fs.Usage()
		return flag.ErrHelp
	}
	return nil
}

func (c *command) invoke(configPath string, fn any) error {
	container, err := build(configPath, c.stderr)
	if err != nil {
		return err
	}
	if err := container.Invoke(fn); err != nil {
		return dig.RootCause(err)
	}
	return nil
}

type openFile struct {
	*container.Reader
	f *os.File
}

func open(path string, st *stream.Streamer, log *slog.Logger) (*openFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := container.Open(f, info.Size(), st, container.WithLogger(logging.Component(log, "container")))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &openFile{Reader: r, f: f}, nil
}

func (o *openFile) Close() error { return o.f.Close() }

func (c *command) inspect(args []string) error {
	fs, configPath := c.flags("inspect", "[options] FILE")
	showBlocks := fs.Bool("blocks", false, "List the blocks of every section")
	if err := parse(fs, args, 1); err != nil {
		return err
	}
	path := fs.Arg(0)

	return c.invoke(*configPath, func(st *stream.Streamer, log *slog.Logger) error {
		r, err := open(path, st, log)
		if err != nil {
			return err
		}
		defer r.Close()

		h := r.Header()
		schemas := "none"
		if h.Flags&container.FlagSchemas != 0 {
			schemas = fmt.Sprintf("embedded (%d)", r.Schemas().Len())
		}
		fmt.Fprintf(c.stdout, "file:       %s\n", path)
		fmt.Fprintf(c.stdout, "id:         %s\n", h.ID)
		fmt.Fprintf(c.stdout, "format:     %d\n", h.FormatVersion)
		fmt.Fprintf(c.stdout, "created:    %s\n", h.Created.Format(time.RFC3339))
		fmt.Fprintf(c.stdout, "algorithm:  %s\n", h.Algorithm)
		fmt.Fprintf(c.stdout, "size:       %d\n", r.Size())
		fmt.Fprintf(c.stdout, "schemas:    %s\n", schemas)
		fmt.Fprintf(c.stdout, "records:    %d\n", r.Records())
		fmt.Fprintf(c.stdout, "sections:   %d\n", len(r.Sections()))

		for i, s := range r.Sections() {
			blocks, err := r.Blocks(i)
			if err != nil {
				fmt.Fprintf(c.stdout, "section %d: offset %d, %d records: %v\n", i, s.Offset, s.Records, err)
				continue
			}
			var clen, olen int64
			for _, b := range blocks {
				clen += int64(b.Header.CompressedLen)
				olen += int64(b.Header.OriginalLen)
			}
			fmt.Fprintf(c.stdout, "section %d: offset %d, %d records, %d blocks, %d -> %d bytes\n",
				i, s.Offset, s.Records, len(blocks), olen, clen)
			if *showBlocks {
				for j, b := range blocks {
					fmt.Fprintf(c.stdout, "  block %d: offset %d, %s, %d -> %d bytes\n",
						j, b.Offset, b.Header.Algorithm, b.Header.OriginalLen, b.Header.CompressedLen)
				}
			}
		}
		return nil
	})
}

func (c *command) records(args []string) error {
	fs, configPath := c.flags("records", "[options] FILE")
	limit := fs.Int("n", 0, "Stop after this many records (0 lists all)")
	if err := parse(fs, args, 1); err != nil {
		return err
	}
	path := fs.Arg(0)
	errStop := errors.New("limit reached")

	return c.invoke(*configPath, func(st *stream.Streamer, log *slog.Logger) error {
		r, err := open(path, st, log)
		if err != nil {
			return err
		}
		defer r.Close()

		listed := 0
		err = r.Scan(func(rec container.Record) error {
			if *limit > 0 && listed == *limit {
				return errStop
			}
			listed++
			prefix := fmt.Sprintf("%d\tsection %d\toffset %d", rec.Index, rec.Section, rec.Offset)
			switch v := rec.Value.(type) {
			case nil:
				fmt.Fprintf(c.stdout, "%s\terror: %v\n", prefix, rec.Err)
			case *stream.Unknown:
				fmt.Fprintf(c.stdout, "%s\t%s v%d\t%d bytes\n", prefix, v.Class, v.Version, len(v.Payload))
			default:
				fmt.Fprintf(c.stdout, "%s\t%T\n", prefix, v)
			}
			return nil
		})
		if errors.Is(err, errStop) {
			return nil
		}
		return err
	})
}

func (c *command) schemas(args []string) error {
	fs, configPath := c.flags("schemas", "[options] FILE")
	output := fs.String("o", "", "Write the table to this file instead of stdout")
	if err := parse(fs, args, 1); err != nil {
		return err
	}
	path := fs.Arg(0)

	return c.invoke(*configPath, func(st *stream.Streamer, log *slog.Logger) error {
		r, err := open(path, st, log)
		if err != nil {
			return err
		}
		defer r.Close()

		data, err := yaml.Marshal(r.Schemas())
		if err != nil {
			return fmt.Errorf("failed to marshal schemas: %w", err)
		}
		if *output == "" {
			_, err = c.stdout.Write(data)
			return err
		}
		if err := os.WriteFile(*output, data, 0644); err != nil {
			return fmt.Errorf("failed to write schema file: %w", err)
		}
		log.Info("saved schemas", "path", *output, "schemas", r.Schemas().Len())
		return nil
	})
}

func (c *command) verify(args []string) error {
	fs, configPath := c.flags("verify", "[options] FILE")
	if err := parse(fs, args, 1); err != nil {
		return err
	}
	path := fs.Arg(0)

	return c.invoke(*configPath, func(st *stream.Streamer, log *slog.Logger) error {
		r, err := open(path, st, log)
		if err != nil {
			return err
		}
		defer r.Close()

		n, err := r.Verify()
		if err != nil {
			fmt.Fprintf(c.stdout, "%s: %d of %d records intact\n", path, n, r.Records())
			return err
		}
		fmt.Fprintf(c.stdout, "%s: %d records ok\n", path, n)
		return nil
	})
}

func (c *command) recompress(args []string) error {
	fs, configPath := c.flags("recompress", "[options] SRC DST")
	algorithm := fs.String("algorithm", "", "Compression algorithm (stored, zlib, lzma, lz4, zstd); defaults to the configured one")
	level := fs.Int("level", -1, "Compression level; defaults to the configured one")
	if err := parse(fs, args, 2); err != nil {
		return err
	}
	src, dst := fs.Arg(0), fs.Arg(1)

	return c.invoke(*configPath, func(cfg *config.Config, st *stream.Streamer, log *slog.Logger) error {
		opts, err := cfg.CompressionOptions()
		if err != nil {
			return err
		}
		if *algorithm != "" {
			if opts.Algorithm, err = compress.ParseAlgorithm(*algorithm); err != nil {
				return err
			}
		}
		if *level >= 0 {
			opts.Level = *level
		}

		r, err := open(src, st, log)
		if err != nil {
			return err
		}
		defer r.Close()

		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		if err := container.Recompress(out, r.Reader, opts, container.WithLogger(logging.Component(log, "container"))); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		log.Info("recompressed", "src", src, "dst", dst, "algorithm", opts.Algorithm, "records", r.Records())
		return nil
	})
}

func (c *command) config(args []string) error {
	fs, configPath := c.flags("config", "[options]")
	output := fs.String("o", "", "Save the configuration to this file instead of printing it")
	if err := parse(fs, args, 0); err != nil {
		return err
	}

	return c.invoke(*configPath, func(cfg *config.Config) error {
		if *output != "" {
			return config.SaveConfig(cfg, *output)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = c.stdout.Write(data)
		return err
	})
}
