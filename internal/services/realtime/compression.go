package realtime

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor is a pluggable payload compression algorithm
type Compressor interface {
	// Name is the value carried in SyncMessage.Encoding
	Name() string
	Compress(data []byte) ([]byte, error)
	// Decompress inflates data and fails with ErrMessageTooLarge once the
	// output would exceed limit bytes
	Decompress(data []byte, limit int) ([]byte, error)
}

// errIncompressible means compression would not shrink the payload;
// the message is then sent as is.
var errIncompressible = errors.New("payload is incompressible")

// NewCompressor returns the compressor for a configured algorithm name.
// "none" returns nil, which disables compression.
func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "zstd":
		return newZstdCompressor()
	case "lz4":
		return lz4Compressor{}, nil
	case "gzip":
		return gzipCompressor{}, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", name)
	}
}

// CompressorFor looks up a decompressor by the Encoding a peer sent
func CompressorFor(encoding string) (Compressor, error) {
	c, err := NewCompressor(encoding)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("compressed message has no encoding")
	}
	return c, nil
}

// zstdMaxWindow caps the history buffer a peer's frame can make us
// allocate. 8 MiB covers every level of the encoder below.
const zstdMaxWindow = 8 << 20

// zstd: the encoder is safe for concurrent use and reused. Decoding streams
// through a per-call reader so the output can be cut off at the limit.
type zstdCompressor struct {
	encoder *zstd.Encoder
}

var (
	sharedZstd    *zstdCompressor
	sharedZstdErr error
)

func init() {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		sharedZstdErr = fmt.Errorf("zstd encoder: %w", err)
		return
	}
	sharedZstd = &zstdCompressor{encoder: encoder}
}

func newZstdCompressor() (Compressor, error) {
	if sharedZstdErr != nil {
		return nil, sharedZstdErr
	}
	return sharedZstd, nil
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	compressed := z.encoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func (z *zstdCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	var header zstd.Header
	if err := header.Decode(data); err == nil && header.HasFCS && header.FrameContentSize > uint64(limit) {
		return nil, fmt.Errorf("%w: zstd frame declares %d > %d bytes", ErrMessageTooLarge, header.FrameContentSize, limit)
	}

	d, err := zstd.NewReader(bytes.NewReader(data),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxWindow(zstdMaxWindow),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	defer d.Close()

	return readLimited("zstd", d, limit)
}

// lz4: block mode with a 4-byte big-endian length prefix, since a block
// does not record its uncompressed size.
type lz4Compressor struct{}

func (lz4Compressor) Name() string { return "lz4" }

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(dst, uint32(len(data)))

	written, err := lz4.CompressBlock(data, dst[4:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || 4+written >= len(data) {
		return nil, errIncompressible
	}
	return dst[:4+written], nil
}

func (lz4Compressor) Decompress(data []byte, limit int) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("lz4 decompress: short block")
	}
	size := binary.BigEndian.Uint32(data)
	// The prefix is peer supplied: check it before allocating
	if uint64(size) > uint64(limit) {
		return nil, fmt.Errorf("%w: lz4 block declares %d > %d bytes", ErrMessageTooLarge, size, limit)
	}
	dst := make([]byte, size)
	read, err := lz4.UncompressBlock(data[4:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != int(size) {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return dst, nil
}

// gzip: for peers without zstd or lz4 decoders
type gzipCompressor struct{}

func (gzipCompressor) Name() string { return "gzip" }

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if buf.Len() >= len(data) {
		return nil, errIncompressible
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	defer r.Close()

	return readLimited("gzip", r, limit)
}

// readLimited reads r to the end, stopping one byte past limit
func readLimited(name string, r io.Reader, limit int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", name, err)
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: %s payload inflates past %d bytes", ErrMessageTooLarge, name, limit)
	}
	return out, nil
}
