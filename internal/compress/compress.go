// Package compress frames blocks compressed with LZ4 or zstd.
//
// A framed block is [UncompressedSize uint32][CompressedSize uint32][Data...].
// CompressedSize 0 means the data is stored as is because compression did
// not pay off.
package compress

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type defines the compression algorithm used.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = 0
	// LZ4 is fast block compression, used for hot pages.
	LZ4 Type = 1
	// Zstd trades speed for ratio, used for WAL payloads.
	Zstd Type = 2
)

// HeaderSize is the size of the block frame header.
const HeaderSize = 8

var (
	// ErrCorrupt is returned for a frame that cannot be decoded.
	ErrCorrupt = errors.New("compress: corrupt block")
	// ErrUnknownType is returned for an unsupported algorithm.
	ErrUnknownType = errors.New("compress: unknown type")
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Compress frames data compressed with t. Blocks that shrink by less than
// 10% are stored uncompressed.
func Compress(data []byte, t Type) ([]byte, error) {
	var compressed []byte
	switch t {
	case None:
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n]
	case Zstd:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, ErrUnknownType
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		out := make([]byte, HeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
		copy(out[HeaderSize:], data)
		return out, nil
	}
	out := make([]byte, HeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[HeaderSize:], compressed)
	return out, nil
}

// Decompress decodes a block produced by Compress with the same t.
func Decompress(data []byte, t Type) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, ErrCorrupt
	}
	size := binary.LittleEndian.Uint32(data[0:])
	csize := binary.LittleEndian.Uint32(data[4:])

	if csize == 0 {
		if uint64(len(data)) < HeaderSize+uint64(size) {
			return nil, ErrCorrupt
		}
		return data[HeaderSize : HeaderSize+size], nil
	}
	if uint64(len(data)) < HeaderSize+uint64(csize) {
		return nil, ErrCorrupt
	}
	src := data[HeaderSize : HeaderSize+csize]

	switch t {
	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(src, out)
		if err != nil {
			return nil, err
		}
		if uint32(n) != size {
			return nil, ErrCorrupt
		}
		return out, nil
	case Zstd:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(src, make([]byte, 0, size))
		if err != nil {
			return nil, err
		}
		if uint32(len(out)) != size {
			return nil, ErrCorrupt
		}
		return out, nil
	default:
		return nil, ErrUnknownType
	}
}
