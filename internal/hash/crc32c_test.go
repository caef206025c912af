package hash

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32CMasked(t *testing.T) {
	buf := []byte("0123456789abcdef")

	zeroed := append([]byte(nil), buf...)
	copy(zeroed[4:8], []byte{0, 0, 0, 0})
	assert.Equal(t, CRC32C(zeroed), CRC32CMasked(buf, 4))

	// Storing the masked checksum in place must verify.
	binary.LittleEndian.PutUint32(buf[4:], CRC32CMasked(buf, 4))
	assert.Equal(t, binary.LittleEndian.Uint32(buf[4:]), CRC32CMasked(buf, 4))
}

func TestCRC32CMasked_OutOfRange(t *testing.T) {
	buf := []byte("abc")
	assert.Equal(t, CRC32C(buf), CRC32CMasked(buf, 10))
}

func TestNewCRC32C(t *testing.T) {
	h := NewCRC32C()
	_, _ = h.Write([]byte("hello "))
	_, _ = h.Write([]byte("world"))
	assert.Equal(t, CRC32C([]byte("hello world")), h.Sum32())
}
