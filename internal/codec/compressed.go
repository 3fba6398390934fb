package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

type Compression byte

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
	CompressionBrotli
)

var ErrUnknownCompression = errors.New("codec: unknown compression tag")

// Values at or under this size are stored raw; the frame header would eat
// most of the gain.
const compressionThreshold = 64

func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	case "brotli":
		return CompressionBrotli, nil
	}
	return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
}

func (c Compression) String() string {
	switch c {
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	case CompressionBrotli:
		return "brotli"
	}
	return "none"
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)

	brotliWriters = sync.Pool{
		New: func() interface{} { return brotli.NewWriterLevel(nil, brotli.BestSpeed) },
	}
)

type compressedCodec[T any] struct {
	inner       Codec[T]
	compression Compression
	scratch     sync.Pool
}

// Compressed wraps a value codec. Every payload starts with one tag byte so
// data written with one algorithm stays readable after switching to another.
func Compressed[T any](inner Codec[T], compression Compression) Codec[T] {
	return &compressedCodec[T]{
		inner:       inner,
		compression: compression,
		scratch: sync.Pool{
			New: func() interface{} { b := make([]byte, 0, 4096); return &b },
		},
	}
}

func (c *compressedCodec[T]) Encode(dst []byte, value T) ([]byte, error) {
	rawPtr := c.scratch.Get().(*[]byte)
	defer c.scratch.Put(rawPtr)

	raw, err := c.inner.Encode((*rawPtr)[:0], value)
	if err != nil {
		return dst, err
	}
	*rawPtr = raw

	tag := c.compression
	if len(raw) <= compressionThreshold {
		tag = CompressionNone
	}

	dst = append(dst, byte(tag))
	switch tag {
	case CompressionSnappy:
		n := snappy.MaxEncodedLen(len(raw))
		start := len(dst)
		dst = grow(dst, n)
		enc := snappy.Encode(dst[start:start+n], raw)
		return dst[:start+len(enc)], nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(raw, dst), nil
	case CompressionBrotli:
		buf := bytes.NewBuffer(dst)
		w := brotliWriters.Get().(*brotli.Writer)
		defer brotliWriters.Put(w)
		w.Reset(buf)
		if _, err := w.Write(raw); err != nil {
			return dst, fmt.Errorf("brotli compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return dst, fmt.Errorf("brotli compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return append(dst, raw...), nil
	}
}

func (c *compressedCodec[T]) Decode(src []byte) (T, error) {
	var zero T
	if len(src) == 0 {
		return zero, fmt.Errorf("compressed: %w", ErrShortInput)
	}

	body := src[1:]
	switch Compression(src[0]) {
	case CompressionNone:
		return c.inner.Decode(body)
	case CompressionSnappy:
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			return zero, fmt.Errorf("snappy decompress: %w", err)
		}
		return c.inner.Decode(raw)
	case CompressionZstd:
		raw, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return zero, fmt.Errorf("zstd decompress: %w", err)
		}
		return c.inner.Decode(raw)
	case CompressionBrotli:
		raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return zero, fmt.Errorf("brotli decompress: %w", err)
		}
		return c.inner.Decode(raw)
	}
	return zero, fmt.Errorf("%w: %d", ErrUnknownCompression, src[0])
}

func grow(b []byte, n int) []byte {
	if cap(b)-len(b) >= n {
		return b[:len(b)+n]
	}
	out := make([]byte, len(b)+n)
	copy(out, b)
	return out
}
