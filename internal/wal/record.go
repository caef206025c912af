package wal

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/hupe1980/admem/internal/compress"
	"github.com/hupe1980/admem/internal/hash"
)

// RecordType identifies the type of WAL record.
type RecordType uint8

const (
	// RecordTypeBatch carries an encoded allocator batch.
	RecordTypeBatch RecordType = 1
	// RecordTypeCheckpoint marks that everything up to LSN is reflected in
	// persisted metadata.
	RecordTypeCheckpoint RecordType = 2

	typeCompressed = 0x80
)

const (
	recordHeaderSize = 4 + 1 + 8 + 4
	maxRecordSize    = 100 * 1024 * 1024
)

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidType    = errors.New("invalid WAL record type")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// Record represents a single entry in the WAL.
type Record struct {
	LSN     uint64
	Type    RecordType
	Payload []byte
}

// Size returns the encoded size of the record without compression.
func (r *Record) Size() int {
	return recordHeaderSize + len(r.Payload)
}

// encode frames the record.
// Format:
// [CRC32C: 4 bytes] [Type: 1 byte] [LSN: 8 bytes] [Length: 4 bytes] [Payload: Length bytes]
// The CRC covers everything after itself. The high bit of Type marks a
// zstd-framed payload.
func (r *Record) encode(compressPayload bool) ([]byte, error) {
	typ := byte(r.Type)
	payload := r.Payload
	if compressPayload && len(payload) > 0 {
		framed, err := compress.Compress(payload, compress.Zstd)
		if err != nil {
			return nil, err
		}
		payload = framed
		typ |= typeCompressed
	}
	if len(payload) > maxRecordSize {
		return nil, ErrRecordTooLarge
	}

	buf := make([]byte, recordHeaderSize+len(payload))
	buf[4] = typ
	binary.LittleEndian.PutUint64(buf[5:], r.LSN)
	binary.LittleEndian.PutUint32(buf[13:], uint32(len(payload)))
	copy(buf[recordHeaderSize:], payload)
	binary.LittleEndian.PutUint32(buf[0:], hash.CRC32C(buf[4:]))
	return buf, nil
}

// Decode reads a record from r. It returns the number of bytes consumed.
func Decode(r io.Reader) (*Record, int64, error) {
	header := make([]byte, recordHeaderSize)
	if n, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF || (err == io.EOF && n > 0) {
			return nil, int64(n), io.ErrUnexpectedEOF
		}
		return nil, int64(n), err
	}

	checksum := binary.LittleEndian.Uint32(header[0:])
	typ := header[4]
	lsn := binary.LittleEndian.Uint64(header[5:])
	length := binary.LittleEndian.Uint32(header[13:])
	if length > maxRecordSize {
		return nil, recordHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, recordHeaderSize, err
	}
	n := int64(recordHeaderSize) + int64(length)

	crc := hash.NewCRC32C()
	crc.Write(header[4:])
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, n, ErrInvalidCRC
	}

	rec := &Record{Type: RecordType(typ &^ typeCompressed), LSN: lsn}
	switch rec.Type {
	case RecordTypeBatch, RecordTypeCheckpoint:
	default:
		return nil, n, ErrInvalidType
	}
	if typ&typeCompressed != 0 {
		out, err := compress.Decompress(payload, compress.Zstd)
		if err != nil {
			return nil, n, err
		}
		payload = out
	}
	rec.Payload = payload
	return rec, n, nil
}
