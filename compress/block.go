package compress

import (
	"errors"
	"fmt"

	"github.com/oy3o/rio"
)

var (
	// ErrCorruptBlock is wrapped by every CorruptBlockError.
	ErrCorruptBlock = errors.New("compress: corrupt block")

	// ErrUnknownAlgorithm indicates an algorithm id or name with no registered Compressor.
	ErrUnknownAlgorithm = errors.New("compress: unknown algorithm")

	errIncompressible = errors.New("compress: chunk did not shrink")
)

const (
	// HeaderSize is the encoded size of a block header:
	// algorithm id (1), compressed length (4 LE), original length (4 LE).
	HeaderSize = 9

	// MaxChunkSize bounds the uncompressed size of one block. Larger headers are corrupt.
	MaxChunkSize = 16 * 1024 * 1024
)

// Header precedes every block payload.
type Header struct {
	Algorithm     Algorithm
	CompressedLen uint32
	OriginalLen   uint32
}

// IsSentinel reports whether h marks the end of a section.
func (h Header) IsSentinel() bool { return h.CompressedLen == 0 }

// AppendTo appends the wire form of h to dst.
func (h Header) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(h.Algorithm))
	dst = rio.LE.AppendUint32(dst, h.CompressedLen)
	return rio.LE.AppendUint32(dst, h.OriginalLen)
}

// ParseHeader decodes a header from the first HeaderSize bytes of p.
func ParseHeader(p []byte) (Header, error) {
	if len(p) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d of %d header bytes", rio.ErrTruncatedData, len(p), HeaderSize)
	}
	return Header{
		Algorithm:     Algorithm(p[0]),
		CompressedLen: rio.LE.Uint32(p[1:5]),
		OriginalLen:   rio.LE.Uint32(p[5:9]),
	}, nil
}

// Block is one independently decompressible chunk.
type Block struct {
	Header
	Payload []byte
}

// Size returns the encoded size of the block including its header.
func (b Block) Size() int { return HeaderSize + len(b.Payload) }

// CorruptBlockError reports a block that cannot be decoded. Offset is the
// position of the block header, relative to whatever base the caller supplied.
type CorruptBlockError struct {
	Offset int64
	Header Header
	Err    error
}

func (e *CorruptBlockError) Error() string {
	return fmt.Sprintf("compress: corrupt block at offset %d (%s, %d -> %d bytes): %v",
		e.Offset, e.Header.Algorithm, e.Header.CompressedLen, e.Header.OriginalLen, e.Err)
}

func (e *CorruptBlockError) Unwrap() []error { return []error{ErrCorruptBlock, e.Err} }

// Options selects how data is split and compressed.
type Options struct {
	Algorithm Algorithm `yaml:"algorithm"`
	Level     int       `yaml:"level"`
	ChunkSize int       `yaml:"chunk_size"`
}

// DefaultOptions compresses with zstd in CHUNK_SIZE chunks.
func DefaultOptions() Options {
	return Options{Algorithm: Zstd, ChunkSize: rio.CHUNK_SIZE}
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return rio.CHUNK_SIZE
	}
	if o.ChunkSize > MaxChunkSize {
		return MaxChunkSize
	}
	return o.ChunkSize
}

// CompressBlock splits data into chunks of at most opts.ChunkSize bytes and
// compresses each independently. A chunk that does not shrink is stored raw
// under the Stored algorithm id. Empty input yields no blocks.
func CompressBlock(data []byte, opts Options) ([]Block, error) {
	c, ok := Lookup(opts.Algorithm)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, opts.Algorithm)
	}
	size := opts.chunkSize()
	blocks := make([]Block, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		chunk := data[start:min(start+size, len(data))]
		block, err := compressChunk(c, chunk, opts.Level)
		if err != nil {
			return nil, fmt.Errorf("compress: chunk at %d: %w", start, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func compressChunk(c Compressor, chunk []byte, level int) (Block, error) {
	payload, err := c.Compress(nil, chunk, level)
	switch {
	case errors.Is(err, errIncompressible):
	case err != nil:
		return Block{}, err
	case len(payload) < len(chunk):
		return Block{
			Header:  Header{Algorithm: c.Algorithm(), CompressedLen: uint32(len(payload)), OriginalLen: uint32(len(chunk))},
			Payload: payload,
		}, nil
	}
	raw := make([]byte, len(chunk))
	copy(raw, chunk)
	return Block{
		Header:  Header{Algorithm: Stored, CompressedLen: uint32(len(chunk)), OriginalLen: uint32(len(chunk))},
		Payload: raw,
	}, nil
}

// DecompressBlock restores the original bytes of b. It fails with a
// CorruptBlockError when the algorithm is unknown, the payload does not
// decode, or the output length differs from the recorded original length.
func DecompressBlock(b Block) ([]byte, error) {
	return decompressAppend(nil, b, 0)
}

// DecompressBlocks restores and concatenates a run of blocks.
func DecompressBlocks(blocks []Block) ([]byte, error) {
	var (
		out []byte
		off int64
		err error
	)
	for _, b := range blocks {
		if out, err = decompressAppend(out, b, off); err != nil {
			return nil, err
		}
		off += int64(b.Size())
	}
	return out, nil
}

func decompressAppend(dst []byte, b Block, offset int64) ([]byte, error) {
	corrupt := func(err error) error {
		return &CorruptBlockError{Offset: offset, Header: b.Header, Err: err}
	}
	if b.OriginalLen > MaxChunkSize {
		return dst, corrupt(fmt.Errorf("original length %d exceeds %d", b.OriginalLen, MaxChunkSize))
	}
	if int(b.CompressedLen) != len(b.Payload) {
		return dst, corrupt(fmt.Errorf("header records %d payload bytes, have %d", b.CompressedLen, len(b.Payload)))
	}
	c, ok := Lookup(b.Algorithm)
	if !ok {
		return dst, corrupt(ErrUnknownAlgorithm)
	}
	start := len(dst)
	out, err := c.Decompress(dst, b.Payload, int(b.OriginalLen))
	if err != nil {
		return dst, corrupt(err)
	}
	if n := len(out) - start; n != int(b.OriginalLen) {
		return dst, corrupt(fmt.Errorf("decompressed to %d bytes, header records %d", n, b.OriginalLen))
	}
	return out, nil
}
