package compress

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/ulikunitz/xz/lzma"
)

// Algorithm identifies a block compressor on the wire.
type Algorithm uint8

const (
	Stored Algorithm = 0
	Zlib   Algorithm = 1
	LZMA   Algorithm = 2
	LZ4    Algorithm = 4
	Zstd   Algorithm = 5
)

var algorithmNames = map[Algorithm]string{
	Stored: "stored",
	Zlib:   "zlib",
	LZMA:   "lzma",
	LZ4:    "lz4",
	Zstd:   "zstd",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

// ParseAlgorithm maps a configuration name ("zstd", "lz4", ...) to its Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "none" || name == "" {
		return Stored, nil
	}
	for a, n := range algorithmNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// MarshalText lets configuration files spell algorithms by name.
func (a Algorithm) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Algorithm) UnmarshalText(text []byte) error {
	v, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Compressor compresses and decompresses single, independent chunks.
// Implementations must be safe for concurrent use.
type Compressor interface {
	Algorithm() Algorithm
	// Compress appends the compressed form of src to dst. level 0 selects the
	// algorithm's default.
	Compress(dst, src []byte, level int) ([]byte, error)
	// Decompress appends the decompressed form of src to dst. originalLen is
	// the size recorded in the block header.
	Decompress(dst, src []byte, originalLen int) ([]byte, error)
}

var compressors = xsync.NewMap[Algorithm, Compressor]()

func init() {
	Register(storedCompressor{})
	Register(zlibCompressor{})
	Register(lzmaCompressor{})
	Register(lz4Compressor{})
	Register(&zstdCompressor{encoders: xsync.NewMap[int, *zstd.Encoder]()})
}

// Register installs c for its algorithm id, replacing any earlier registration.
func Register(c Compressor) {
	compressors.Store(c.Algorithm(), c)
}

// Lookup returns the Compressor registered for a.
func Lookup(a Algorithm) (Compressor, bool) {
	return compressors.Load(a)
}

// --- stored ---

type storedCompressor struct{}

func (storedCompressor) Algorithm() Algorithm { return Stored }

func (storedCompressor) Compress(dst, src []byte, _ int) ([]byte, error) {
	return append(dst, src...), nil
}

func (storedCompressor) Decompress(dst, src []byte, _ int) ([]byte, error) {
	return append(dst, src...), nil
}

// --- zlib ---

type zlibCompressor struct{}

func (zlibCompressor) Algorithm() Algorithm { return Zlib }

func (zlibCompressor) Compress(dst, src []byte, level int) ([]byte, error) {
	if level == 0 {
		level = zlib.DefaultCompression
	}
	out := bytes.NewBuffer(dst)
	zw, err := zlib.NewWriterLevel(out, level)
	if err != nil {
		return dst, err
	}
	if _, err := zw.Write(src); err != nil {
		return dst, err
	}
	if err := zw.Close(); err != nil {
		return dst, err
	}
	return out.Bytes(), nil
}

func (zlibCompressor) Decompress(dst, src []byte, originalLen int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return dst, err
	}
	defer zr.Close()
	return readBounded(dst, zr, originalLen)
}

// --- lzma ---

type lzmaCompressor struct{}

func (lzmaCompressor) Algorithm() Algorithm { return LZMA }

func (lzmaCompressor) Compress(dst, src []byte, _ int) ([]byte, error) {
	out := bytes.NewBuffer(dst)
	lw, err := lzma.NewWriter(out)
	if err != nil {
		return dst, err
	}
	if _, err := lw.Write(src); err != nil {
		return dst, err
	}
	if err := lw.Close(); err != nil {
		return dst, err
	}
	return out.Bytes(), nil
}

func (lzmaCompressor) Decompress(dst, src []byte, originalLen int) ([]byte, error) {
	lr, err := lzma.NewReader(bytes.NewReader(src))
	if err != nil {
		return dst, err
	}
	return readBounded(dst, lr, originalLen)
}

// --- lz4 ---

type lz4Compressor struct{}

func (lz4Compressor) Algorithm() Algorithm { return LZ4 }

func (lz4Compressor) Compress(dst, src []byte, _ int) ([]byte, error) {
	start := len(dst)
	dst = grow(dst, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, dst[start:], nil)
	if err != nil {
		return dst[:start], err
	}
	if n == 0 {
		// incompressible input; the caller falls back to a stored block.
		return dst[:start], errIncompressible
	}
	return dst[:start+n], nil
}

func (lz4Compressor) Decompress(dst, src []byte, originalLen int) ([]byte, error) {
	start := len(dst)
	dst = grow(dst, originalLen)
	n, err := lz4.UncompressBlock(src, dst[start:])
	if err != nil {
		return dst[:start], err
	}
	return dst[:start+n], nil
}

// --- zstd ---

type zstdCompressor struct {
	encoders *xsync.Map[int, *zstd.Encoder]
}

var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

func (*zstdCompressor) Algorithm() Algorithm { return Zstd }

func (c *zstdCompressor) encoder(level int) (*zstd.Encoder, error) {
	if enc, ok := c.encoders.Load(level); ok {
		return enc, nil
	}
	opts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
	if level != 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, err
	}
	// Encoders for the same level are interchangeable; keep whichever won.
	actual, _ := c.encoders.LoadOrStore(level, enc)
	return actual, nil
}

func (c *zstdCompressor) Compress(dst, src []byte, level int) ([]byte, error) {
	enc, err := c.encoder(level)
	if err != nil {
		return dst, err
	}
	return enc.EncodeAll(src, dst), nil
}

func (*zstdCompressor) Decompress(dst, src []byte, _ int) ([]byte, error) {
	return zstdDecoder.DecodeAll(src, dst)
}

// readBounded appends what r yields to dst, reading at most one byte past
// limit so overlong output is detected without unbounded allocation.
func readBounded(dst []byte, r io.Reader, limit int) ([]byte, error) {
	out := bytes.NewBuffer(dst)
	_, err := out.ReadFrom(io.LimitReader(r, int64(limit)+1))
	return out.Bytes(), err
}

func grow(p []byte, n int) []byte {
	if cap(p)-len(p) >= n {
		return p[:len(p)+n]
	}
	q := make([]byte, len(p)+n)
	copy(q, p)
	return q
}
