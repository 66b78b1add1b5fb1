package container

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oy3o/rio"
	"github.com/oy3o/rio/compress"
	"github.com/oy3o/rio/schema"
	"github.com/oy3o/rio/stream"
)

// DefaultSectionSize is the uncompressed size at which a data section is closed.
const DefaultSectionSize = 256 * 1024

type options struct {
	compression  compress.Options
	sectionSize  int
	log          *slog.Logger
	id           uuid.UUID
	created      time.Time
	embedSchemas bool
}

type Option func(*options)

// WithCompression selects the block algorithm, level and chunk size.
func WithCompression(o compress.Options) Option {
	return func(opts *options) { opts.compression = o }
}

// WithSectionSize sets the uncompressed size at which a data section is
// closed. Entries never straddle sections, so a section may exceed it by one
// entry.
func WithSectionSize(n int) Option {
	return func(opts *options) {
		if n > 0 {
			opts.sectionSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(opts *options) {
		if l != nil {
			opts.log = l
		}
	}
}

// WithID fixes the file id instead of generating a random one.
func WithID(id uuid.UUID) Option {
	return func(opts *options) { opts.id = id }
}

func withCreated(t time.Time) Option {
	return func(opts *options) { opts.created = t }
}

// WithEmbeddedSchemas controls whether the file carries its schema table.
// Files without one can only be read by programs that know every stored
// version.
func WithEmbeddedSchemas(on bool) Option {
	return func(opts *options) { opts.embedSchemas = on }
}

func newOptions(opts []Option) options {
	o := options{
		compression:  compress.DefaultOptions(),
		sectionSize:  DefaultSectionSize,
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		embedSchemas: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Writer appends records to a container file. Close must be called to write
// the schema table, directory and trailer; it does not close the underlying
// io.Writer. A Writer is not safe for concurrent use.
type Writer struct {
	out     *rio.Writer
	st      *stream.Streamer
	opts    options
	header  Header
	pending *rio.Buffer
	records int
	table   *schema.Table
	dir     directory
	closed  bool
}

// NewWriter writes the file header to w and returns a Writer encoding
// records with st.
func NewWriter(w io.Writer, st *stream.Streamer, opts ...Option) (*Writer, error) {
	o := newOptions(opts)
	if _, ok := compress.Lookup(o.compression.Algorithm); !ok {
		return nil, fmt.Errorf("%w: %s", compress.ErrUnknownAlgorithm, o.compression.Algorithm)
	}
	if o.id == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("container: generate file id: %w", err)
		}
		o.id = id
	}
	if o.created.IsZero() {
		o.created = time.Now().UTC()
	}
	out, err := rio.NewWriter(w)
	if err != nil {
		return nil, err
	}

	h := Header{
		FormatVersion: FormatVersion,
		Algorithm:     o.compression.Algorithm,
		ID:            o.id,
		Created:       o.created,
	}
	if o.embedSchemas {
		h.Flags |= FlagSchemas
	}
	raw, err := h.fixed().MarshalBinary()
	if err != nil {
		return nil, err
	}
	out.WriteBytes(raw)
	if err := out.Err(); err != nil {
		return nil, fmt.Errorf("container: write header: %w", err)
	}
	return &Writer{
		out:     out,
		st:      st,
		opts:    o,
		header:  h,
		pending: rio.NewBuffer(o.sectionSize),
		table:   schema.NewTable(),
	}, nil
}

func (w *Writer) Header() Header { return w.header }

// Records returns the number of records written so far.
func (w *Writer) Records() int { return w.dir.records + w.records }

// Write encodes v as the next record. The record lands in the current data
// section, which is compressed and written once it reaches the section size.
func (w *Writer) Write(v any) error {
	if w.closed {
		return ErrClosed
	}
	buf := rio.GetBuffer()
	defer rio.PutBuffer(buf)
	enc := w.st.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("container: record %d: %w", w.Records(), err)
	}
	data, err := buf.Finalize()
	if err != nil {
		return err
	}
	for _, cs := range enc.Schemas() {
		if err := w.table.Add(cs); err != nil {
			return err
		}
	}
	w.pending.WriteBytes(data)
	w.records++
	if w.pending.Len() >= w.opts.sectionSize {
		return w.flushSection()
	}
	return nil
}

// Flush closes the current data section and flushes buffered output.
func (w *Writer) Flush() error {
	if w.closed {
		return ErrClosed
	}
	if err := w.flushSection(); err != nil {
		return err
	}
	return w.out.Flush()
}

func (w *Writer) flushSection() error {
	if w.records == 0 {
		return nil
	}
	if err := w.appendSection(w.pending.Bytes(), w.records); err != nil {
		return err
	}
	w.pending.Reset()
	w.records = 0
	return nil
}

// appendSection writes data as one data section holding records entries.
func (w *Writer) appendSection(data []byte, records int) error {
	off := w.out.Count()
	if err := w.writeSection(data); err != nil {
		return err
	}
	w.dir.sections = append(w.dir.sections, SectionInfo{Offset: off, Records: records, First: w.dir.records})
	w.dir.records += records
	w.opts.log.Debug("wrote data section", "offset", off, "records", records,
		"size", len(data), "compressed", w.out.Count()-off)
	return nil
}

func (w *Writer) writeSection(data []byte) error {
	scratch := rio.GetChunk()
	encoded, err := compress.AppendSection(*scratch, data, w.opts.compression)
	if err != nil {
		rio.PutChunk(scratch)
		return err
	}
	w.out.WriteBytes(encoded)
	*scratch = encoded[:0]
	rio.PutChunk(scratch)
	return w.out.Err()
}

// Close writes the last data section, the schema table, the directory and
// the trailer. Closing twice is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushSection(); err != nil {
		return err
	}
	if w.opts.embedSchemas && w.table.Len() > 0 {
		data, err := w.table.MarshalBinary()
		if err != nil {
			return err
		}
		w.dir.schemaOffset = w.out.Count()
		if err := w.writeSection(data); err != nil {
			return err
		}
	}

	dirOffset := w.out.Count()
	b := rio.NewBuffer(16 * (len(w.dir.sections) + 1))
	w.dir.appendTo(b)
	if err := w.writeSection(b.Bytes()); err != nil {
		return err
	}
	trailer := rio.Fixed[fileTrailer]{Payload: fileTrailer{DirOffset: uint64(dirOffset), Magic: trailerMagic}}
	raw, err := trailer.MarshalBinary()
	if err != nil {
		return err
	}
	w.out.WriteBytes(raw)
	n, err := w.out.Result()
	if err != nil {
		return fmt.Errorf("container: close: %w", err)
	}
	w.opts.log.Debug("closed container", "id", w.header.ID, "records", w.dir.records,
		"sections", len(w.dir.sections), "schemas", w.table.Len(), "size", n)
	return nil
}
