// Package codec converts store keys and values to and from engine bytes.
//
// Encoders append to the destination slice they are given so callers can
// reuse scratch buffers. Decoders must not retain the source slice: it
// belongs to a reusable buffer or to the engine.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var ErrShortInput = errors.New("codec: input too short")

type Codec[T any] interface {
	Encode(dst []byte, value T) ([]byte, error)
	Decode(src []byte) (T, error)
}

type stringCodec struct{}

func String() Codec[string] { return stringCodec{} }

func (stringCodec) Encode(dst []byte, value string) ([]byte, error) {
	return append(dst, value...), nil
}

func (stringCodec) Decode(src []byte) (string, error) {
	return string(src), nil
}

type bytesCodec struct{}

func Bytes() Codec[[]byte] { return bytesCodec{} }

func (bytesCodec) Encode(dst []byte, value []byte) ([]byte, error) {
	return append(dst, value...), nil
}

func (bytesCodec) Decode(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

// Int64 encodes big-endian with the sign bit flipped so the engine's
// bytewise order matches numeric order.
type int64Codec struct{}

func Int64() Codec[int64] { return int64Codec{} }

func (int64Codec) Encode(dst []byte, value int64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(dst, uint64(value)^(1<<63)), nil
}

func (int64Codec) Decode(src []byte) (int64, error) {
	if len(src) < 8 {
		return 0, fmt.Errorf("int64: %w (%d bytes)", ErrShortInput, len(src))
	}
	return int64(binary.BigEndian.Uint64(src) ^ (1 << 63)), nil
}

type uint64Codec struct{}

func Uint64() Codec[uint64] { return uint64Codec{} }

func (uint64Codec) Encode(dst []byte, value uint64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(dst, value), nil
}

func (uint64Codec) Decode(src []byte) (uint64, error) {
	if len(src) < 8 {
		return 0, fmt.Errorf("uint64: %w (%d bytes)", ErrShortInput, len(src))
	}
	return binary.BigEndian.Uint64(src), nil
}

type float64Codec struct{}

func Float64() Codec[float64] { return float64Codec{} }

func (float64Codec) Encode(dst []byte, value float64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(value)), nil
}

func (float64Codec) Decode(src []byte) (float64, error) {
	if len(src) < 8 {
		return 0, fmt.Errorf("float64: %w (%d bytes)", ErrShortInput, len(src))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(src)), nil
}

type jsonCodec[T any] struct{}

// JSON stores values as encoding/json documents.
func JSON[T any]() Codec[T] { return jsonCodec[T]{} }

func (jsonCodec[T]) Encode(dst []byte, value T) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return dst, fmt.Errorf("failed to marshal json value: %w", err)
	}
	return append(dst, raw...), nil
}

func (jsonCodec[T]) Decode(src []byte) (T, error) {
	var value T
	if err := json.Unmarshal(src, &value); err != nil {
		return value, fmt.Errorf("failed to unmarshal json value: %w", err)
	}
	return value, nil
}
