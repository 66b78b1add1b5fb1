// Package container stores object records in a compressed, block-structured
// file:
//
//	header | data section... | schema table section | directory section | trailer
//
// The header and trailer are fixed-size little-endian structs. Every section
// is a run of compressed blocks closed by a sentinel block (see package
// compress). A data section holds top-level entries back to back, each
// encoded in its own stream session. The schema table carries every class
// layout used by the file so it can be read after the program's layouts
// changed, and the directory locates all of it.
package container

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oy3o/rio"
	"github.com/oy3o/rio/compress"
)

const (
	// FormatVersion is the container layout version written by this package.
	FormatVersion = 1

	// FlagSchemas marks a file that embeds its schema table.
	FlagSchemas = 1 << 0
)

var (
	headerMagic  = [4]byte{'R', 'I', 'O', '1'}
	trailerMagic = [4]byte{'R', 'I', 'O', 'E'}
)

var (
	// ErrNotContainer indicates a file without the container magic.
	ErrNotContainer = errors.New("container: not a container file")

	// ErrUnsupportedFormat indicates a container layout version this package cannot read.
	ErrUnsupportedFormat = errors.New("container: unsupported format version")

	// ErrCorruptDirectory indicates a directory that does not describe the file.
	ErrCorruptDirectory = errors.New("container: corrupt directory")

	// ErrClosed indicates use of a closed Writer.
	ErrClosed = errors.New("container: writer is closed")
)

type fileHeader struct {
	Magic         [4]byte
	FormatVersion uint16
	Algorithm     uint8
	Flags         uint8
	ID            [16]byte
	Created       int64 // unix nanoseconds
}

type fileTrailer struct {
	DirOffset uint64
	Magic     [4]byte
}

var (
	_ rio.Codec = (*rio.Fixed[fileHeader])(nil)
	_ rio.Codec = (*rio.Fixed[fileTrailer])(nil)

	headerSize  = (&rio.Fixed[fileHeader]{}).Size()
	trailerSize = (&rio.Fixed[fileTrailer]{}).Size()
)

// Header describes a container file.
type Header struct {
	FormatVersion uint16
	Algorithm     compress.Algorithm
	Flags         uint8
	ID            uuid.UUID
	Created       time.Time
}

func (h Header) fixed() *rio.Fixed[fileHeader] {
	return &rio.Fixed[fileHeader]{Payload: fileHeader{
		Magic:         headerMagic,
		FormatVersion: h.FormatVersion,
		Algorithm:     uint8(h.Algorithm),
		Flags:         h.Flags,
		ID:            [16]byte(h.ID),
		Created:       h.Created.UnixNano(),
	}}
}

func parseHeader(c *rio.Fixed[fileHeader]) (Header, error) {
	p := c.Payload
	if p.Magic != headerMagic {
		return Header{}, fmt.Errorf("%w: magic %q", ErrNotContainer, p.Magic[:])
	}
	if p.FormatVersion != FormatVersion {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedFormat, p.FormatVersion)
	}
	return Header{
		FormatVersion: p.FormatVersion,
		Algorithm:     compress.Algorithm(p.Algorithm),
		Flags:         p.Flags,
		ID:            uuid.UUID(p.ID),
		Created:       time.Unix(0, p.Created).UTC(),
	}, nil
}

// SectionInfo locates one data section.
type SectionInfo struct {
	Offset  int64
	Records int
	First   int // file-wide index of the section's first record
}

type directory struct {
	sections     []SectionInfo
	schemaOffset int64 // 0 when the file carries no schema table
	records      int
}

func (d *directory) appendTo(b *rio.Buffer) {
	b.WriteUvarint(uint64(len(d.sections)))
	for _, s := range d.sections {
		b.WriteUvarint(uint64(s.Offset))
		b.WriteUvarint(uint64(s.Records))
	}
	b.WriteUvarint(uint64(d.schemaOffset))
	b.WriteUvarint(uint64(d.records))
}

// readDirectory decodes a directory and checks it against a file of size
// bytes whose directory section starts at end.
func readDirectory(b *rio.Buffer, end int64) (*directory, error) {
	var n uint64
	b.ReadUvarint(&n)
	if n > uint64(b.Remaining()) {
		return nil, fmt.Errorf("%w: %d sections", ErrCorruptDirectory, n)
	}
	d := &directory{sections: make([]SectionInfo, 0, n)}
	prev := int64(headerSize) - 1
	for i := uint64(0); i < n; i++ {
		var off, records uint64
		b.ReadUvarint(&off)
		b.ReadUvarint(&records)
		if b.Err() != nil {
			break
		}
		if int64(off) <= prev || int64(off) >= end || records > uint64(end) {
			return nil, fmt.Errorf("%w: section %d at %d", ErrCorruptDirectory, i, off)
		}
		prev = int64(off)
		d.sections = append(d.sections, SectionInfo{Offset: int64(off), Records: int(records), First: d.records})
		d.records += int(records)
	}
	var schemaOffset, total uint64
	b.ReadUvarint(&schemaOffset)
	b.ReadUvarint(&total)
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptDirectory, err)
	}
	if b.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %w", ErrCorruptDirectory, rio.ErrTrailingData)
	}
	if total != uint64(d.records) {
		return nil, fmt.Errorf("%w: %d records listed, %d counted", ErrCorruptDirectory, total, d.records)
	}
	if schemaOffset != 0 && (int64(schemaOffset) <= prev || int64(schemaOffset) >= end) {
		return nil, fmt.Errorf("%w: schema table at %d", ErrCorruptDirectory, schemaOffset)
	}
	d.schemaOffset = int64(schemaOffset)
	return d, nil
}
