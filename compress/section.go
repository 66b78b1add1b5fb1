package compress

import (
	"errors"
	"fmt"
	"io"

	"github.com/oy3o/rio"
)

// A section is a run of blocks closed by a sentinel header whose compressed
// length is zero. The sentinel carries the section's configured algorithm so
// a reader can tell what the writer selected even when every block was stored.

// AppendSection compresses data and appends the complete section, sentinel
// included, to dst.
func AppendSection(dst, data []byte, opts Options) ([]byte, error) {
	blocks, err := CompressBlock(data, opts)
	if err != nil {
		return dst, err
	}
	for _, b := range blocks {
		dst = b.Header.AppendTo(dst)
		dst = append(dst, b.Payload...)
	}
	return Header{Algorithm: opts.Algorithm}.AppendTo(dst), nil
}

// WriteSection compresses data and writes the section to w, returning the
// bytes written.
func WriteSection(w io.Writer, data []byte, opts Options) (int64, error) {
	blocks, err := CompressBlock(data, opts)
	if err != nil {
		return 0, err
	}
	sw, err := rio.NewWriter(w)
	if err != nil {
		return 0, err
	}
	sw.WithByteOrder(rio.LE)
	for _, b := range blocks {
		writeHeader(sw, b.Header)
		sw.WriteBytes(b.Payload)
	}
	writeHeader(sw, Header{Algorithm: opts.Algorithm})
	return sw.Result()
}

func writeHeader(w *rio.Writer, h Header) {
	w.WriteUint8(uint8(h.Algorithm))
	w.WriteUint32(h.CompressedLen)
	w.WriteUint32(h.OriginalLen)
}

// Section is the decoded content of one section.
type Section struct {
	Data      []byte
	Algorithm Algorithm // from the sentinel
	Blocks    int
	Size      int64 // encoded size including the sentinel
}

// ReadSection reads and decompresses blocks from r until the sentinel.
// base is added to block offsets in errors so they can point into a file.
// The reader buffers ahead, so r may be consumed past the sentinel unless it
// is already a large enough *bufio.Reader. Files should use ReadSectionAt.
func ReadSection(r io.Reader, base int64) (*Section, error) {
	sr, err := rio.NewReader(r)
	if err != nil {
		return nil, err
	}
	sr.WithByteOrder(rio.LE)

	sec := &Section{}
	for {
		offset := base + sr.Count()
		var h Header
		var algo uint8
		sr.ReadUint8(&algo)
		sr.ReadUint32(&h.CompressedLen)
		sr.ReadUint32(&h.OriginalLen)
		h.Algorithm = Algorithm(algo)
		if err := sr.Err(); err != nil {
			return nil, &CorruptBlockError{Offset: offset, Header: h, Err: truncated(err)}
		}
		if h.IsSentinel() {
			if h.OriginalLen != 0 {
				return nil, &CorruptBlockError{Offset: offset, Header: h, Err: errors.New("sentinel with non-zero original length")}
			}
			sec.Algorithm = h.Algorithm
			sec.Size = sr.Count()
			return sec, nil
		}
		if h.CompressedLen > MaxChunkSize {
			return nil, &CorruptBlockError{Offset: offset, Header: h, Err: fmt.Errorf("compressed length exceeds %d", MaxChunkSize)}
		}

		scratch := rio.GetChunk()
		payload := *scratch
		if cap(payload) < int(h.CompressedLen) {
			payload = make([]byte, h.CompressedLen)
		}
		payload = payload[:h.CompressedLen]
		sr.ReadBytesTo(payload)
		if err := sr.Err(); err != nil {
			rio.PutChunk(scratch)
			return nil, &CorruptBlockError{Offset: offset, Header: h, Err: truncated(err)}
		}
		sec.Data, err = decompressAppend(sec.Data, Block{Header: h, Payload: payload}, offset)
		*scratch = payload
		rio.PutChunk(scratch)
		if err != nil {
			return nil, err
		}
		sec.Blocks++
	}
}

func truncated(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ReadSectionAt reads the section that starts at off in r.
func ReadSectionAt(r io.ReaderAt, off int64) (*Section, error) {
	return ReadSection(io.NewSectionReader(r, off, 1<<62), off)
}

// BlockInfo locates one block inside a file.
type BlockInfo struct {
	Offset int64 // offset of the block header
	Header Header
}

// Index walks the block headers of the section at off without decompressing
// anything, so single blocks can later be read with ReadBlockAt. It returns
// the blocks and the encoded size of the section.
func Index(r io.ReaderAt, off int64) ([]BlockInfo, int64, error) {
	var (
		blocks []BlockInfo
		hdr    [HeaderSize]byte
		pos    = off
	)
	for {
		if _, err := r.ReadAt(hdr[:], pos); err != nil {
			return nil, 0, &CorruptBlockError{Offset: pos, Err: truncated(err)}
		}
		h, _ := ParseHeader(hdr[:])
		if h.IsSentinel() {
			return blocks, pos + HeaderSize - off, nil
		}
		if h.CompressedLen > MaxChunkSize || h.OriginalLen > MaxChunkSize {
			return nil, 0, &CorruptBlockError{Offset: pos, Header: h, Err: fmt.Errorf("length exceeds %d", MaxChunkSize)}
		}
		blocks = append(blocks, BlockInfo{Offset: pos, Header: h})
		pos += HeaderSize + int64(h.CompressedLen)
	}
}

// ReadBlockAt decompresses the single block described by info.
func ReadBlockAt(r io.ReaderAt, info BlockInfo) ([]byte, error) {
	payload := make([]byte, info.Header.CompressedLen)
	if _, err := r.ReadAt(payload, info.Offset+HeaderSize); err != nil {
		return nil, &CorruptBlockError{Offset: info.Offset, Header: info.Header, Err: truncated(err)}
	}
	return decompressAppend(nil, Block{Header: info.Header, Payload: payload}, info.Offset)
}
