package container

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/hengadev/errsx"

	"github.com/oy3o/rio"
	"github.com/oy3o/rio/compress"
	"github.com/oy3o/rio/schema"
	"github.com/oy3o/rio/stream"
)

// Record is one decoded entry. Err is set when the entry could not be
// decoded; Value is then nil.
type Record struct {
	Index   int // file-wide position
	Section int
	Offset  int // position inside the decompressed section
	Value   any
	Err     error
}

// Reader reads a container file. Sections are decoded on demand, so a
// Reader may be shared by goroutines reading different sections.
type Reader struct {
	r      io.ReaderAt
	size   int64
	st     *stream.Streamer
	header Header
	dir    *directory
	table  *schema.Table
	log    *slog.Logger
}

// Open reads the header, trailer, directory and schema table of the size
// byte container in r. A stored schema that differs from the layout st's
// registry holds for the same class version is a SchemaConflictError. Only
// WithLogger applies to readers.
func Open(r io.ReaderAt, size int64, st *stream.Streamer, opts ...Option) (*Reader, error) {
	o := newOptions(opts)
	if size < int64(headerSize+trailerSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotContainer, size)
	}

	var hc rio.Fixed[fileHeader]
	if _, err := hc.ReadFrom(io.NewSectionReader(r, 0, int64(headerSize))); err != nil {
		return nil, fmt.Errorf("container: read header: %w", err)
	}
	h, err := parseHeader(&hc)
	if err != nil {
		return nil, err
	}

	end := size - int64(trailerSize)
	var tc rio.Fixed[fileTrailer]
	if _, err := tc.ReadFrom(io.NewSectionReader(r, end, int64(trailerSize))); err != nil {
		return nil, fmt.Errorf("container: read trailer: %w", err)
	}
	if tc.Payload.Magic != trailerMagic {
		return nil, fmt.Errorf("%w: trailer magic %q", ErrNotContainer, tc.Payload.Magic[:])
	}
	dirOffset := tc.Payload.DirOffset
	if dirOffset < uint64(headerSize) || dirOffset >= uint64(end) {
		return nil, fmt.Errorf("%w: directory offset %d", ErrCorruptDirectory, dirOffset)
	}
	sec, err := compress.ReadSectionAt(io.NewSectionReader(r, 0, end), int64(dirOffset))
	if err != nil {
		return nil, fmt.Errorf("container: read directory: %w", err)
	}
	if int64(dirOffset)+sec.Size != end {
		return nil, fmt.Errorf("%w: directory ends at %d, trailer at %d", ErrCorruptDirectory, int64(dirOffset)+sec.Size, end)
	}
	dir, err := readDirectory(rio.NewReadBuffer(sec.Data), int64(dirOffset))
	if err != nil {
		return nil, err
	}

	table := schema.NewTable()
	if dir.schemaOffset != 0 {
		sec, err := compress.ReadSectionAt(r, dir.schemaOffset)
		if err != nil {
			return nil, fmt.Errorf("container: read schema table: %w", err)
		}
		if err := table.UnmarshalBinary(sec.Data); err != nil {
			return nil, fmt.Errorf("container: schema table: %w", err)
		}
		if err := st.Registry().CheckTable(table); err != nil {
			return nil, fmt.Errorf("container: schema table: %w", err)
		}
	}
	o.log.Debug("opened container", "id", h.ID, "sections", len(dir.sections), "records", dir.records, "schemas", table.Len())
	return &Reader{r: r, size: size, st: st, header: h, dir: dir, table: table, log: o.log}, nil
}

func (r *Reader) Header() Header { return r.header }

// Size returns the file size the Reader was opened with.
func (r *Reader) Size() int64 { return r.size }

// Records returns the number of records the directory lists.
func (r *Reader) Records() int { return r.dir.records }

func (r *Reader) Sections() []SectionInfo { return slices.Clone(r.dir.sections) }

// Schemas returns the embedded schema table, empty when the file has none.
func (r *Reader) Schemas() *schema.Table { return r.table }

func (r *Reader) section(i int) (SectionInfo, error) {
	if i < 0 || i >= len(r.dir.sections) {
		return SectionInfo{}, fmt.Errorf("container: section %d of %d", i, len(r.dir.sections))
	}
	return r.dir.sections[i], nil
}

// Blocks lists the compressed blocks of data section i without
// decompressing them.
func (r *Reader) Blocks(i int) ([]compress.BlockInfo, error) {
	info, err := r.section(i)
	if err != nil {
		return nil, err
	}
	blocks, _, err := compress.Index(r.r, info.Offset)
	return blocks, err
}

// RawSection returns the decompressed bytes of data section i.
func (r *Reader) RawSection(i int) (*compress.Section, error) {
	info, err := r.section(i)
	if err != nil {
		return nil, err
	}
	return compress.ReadSectionAt(r.r, info.Offset)
}

// ScanSection decodes the records of data section i in order, calling fn
// for each, failed ones included. A record whose end cannot be located
// loses the rest of the section: ScanSection then returns that error after
// passing the record to fn. An error from fn stops the scan and is returned
// as is.
func (r *Reader) ScanSection(i int, fn func(Record) error) error {
	info, err := r.section(i)
	if err != nil {
		return err
	}
	sec, err := compress.ReadSectionAt(r.r, info.Offset)
	if err != nil {
		return err
	}
	buf := rio.NewReadBuffer(sec.Data)
	for n := 0; n < info.Records; n++ {
		if buf.Remaining() == 0 {
			return fmt.Errorf("%w: section %d holds %d of %d records", ErrCorruptDirectory, i, n, info.Records)
		}
		rec := Record{Index: info.First + n, Section: i, Offset: buf.Pos()}
		rec.Value, rec.Err = r.st.NewDecoder(buf, r.table).DecodeAny()
		if rec.Err != nil {
			var re *stream.RecordError
			if !errors.As(rec.Err, &re) || !re.Recovered {
				if err := fn(rec); err != nil {
					return err
				}
				return fmt.Errorf("container: section %d lost after record %d: %w", i, rec.Index, rec.Err)
			}
			r.log.Warn("skipped record", "record", rec.Index, "section", i, "class", re.Class, "version", re.Version, "error", re.Err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if buf.Remaining() != 0 {
		return fmt.Errorf("%w: %d bytes after the last record of section %d", ErrCorruptDirectory, buf.Remaining(), i)
	}
	return nil
}

// Scan calls fn for every record of the file. Failures that lose a section
// do not stop the scan; they are returned together as an errsx.Map keyed
// "section N". An error from fn stops the scan.
func (r *Reader) Scan(fn func(Record) error) error {
	var stop error
	errs := make(errsx.Map)
	for i := range r.dir.sections {
		err := r.ScanSection(i, func(rec Record) error {
			if err := fn(rec); err != nil {
				stop = err
				return err
			}
			return nil
		})
		if stop != nil {
			return stop
		}
		if err != nil {
			errs.Set(fmt.Sprintf("section %d", i), err)
		}
	}
	return errs.AsError()
}

// ReadAll decodes every record. It returns the records that decoded and,
// when any failed, an errsx.Map keyed "record N" for skipped records and
// "section N" for sections cut short.
func (r *Reader) ReadAll() ([]Record, error) {
	out := make([]Record, 0, r.dir.records)
	errs := make(errsx.Map)
	for i := range r.dir.sections {
		err := r.ScanSection(i, func(rec Record) error {
			if rec.Err != nil {
				errs.Set(fmt.Sprintf("record %d", rec.Index), rec.Err)
				return nil
			}
			out = append(out, rec)
			return nil
		})
		if err != nil {
			errs.Set(fmt.Sprintf("section %d", i), err)
		}
	}
	return out, errs.AsError()
}

// Verify decompresses every block of every section and decodes every
// record, returning the number of intact records.
func (r *Reader) Verify() (int, error) {
	errs := make(errsx.Map)
	for i, info := range r.dir.sections {
		blocks, _, err := compress.Index(r.r, info.Offset)
		if err != nil {
			errs.Set(fmt.Sprintf("section %d", i), err)
			continue
		}
		for j, b := range blocks {
			if _, err := compress.ReadBlockAt(r.r, b); err != nil {
				errs.Set(fmt.Sprintf("section %d block %d", i, j), err)
			}
		}
	}
	if len(errs) > 0 {
		return 0, errs.AsError()
	}
	recs, err := r.ReadAll()
	return len(recs), err
}

// Recompress copies src to dst, re-encoding every section under opts.
// Records are moved as bytes and never decoded; the file keeps its id and
// creation time.
func Recompress(dst io.Writer, src *Reader, opts compress.Options, extra ...Option) error {
	h := src.Header()
	wopts := append([]Option{
		WithCompression(opts),
		WithID(h.ID),
		withCreated(h.Created),
		WithEmbeddedSchemas(h.Flags&FlagSchemas != 0),
	}, extra...)
	w, err := NewWriter(dst, src.st, wopts...)
	if err != nil {
		return err
	}
	for i, info := range src.dir.sections {
		sec, err := src.RawSection(i)
		if err != nil {
			return fmt.Errorf("container: recompress section %d: %w", i, err)
		}
		if err := w.appendSection(sec.Data, info.Records); err != nil {
			return err
		}
	}
	w.table = src.table
	return w.Close()
}
