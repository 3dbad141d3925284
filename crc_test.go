package pfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC8KnownValue(t *testing.T) {
	// CRC-8 with poly 0x07, zero init, no reflection: standard check value.
	assert.Equal(t, uint8(0xF4), crc8([]byte("123456789")))
	assert.Equal(t, uint8(0), crc8(nil))
}

func TestCRC8AppendedResidue(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x42}
	c := crc8(data)
	assert.Equal(t, uint8(0), crc8(append(data, c)))
}

func TestHeaderFieldCRCDetectsCorruption(t *testing.T) {
	good := headerFieldCRC(headerVersion, 7)
	assert.NotEqual(t, good, headerFieldCRC(headerVersion, 8))
	assert.NotEqual(t, good, headerFieldCRC(headerVersion+1, 7))
}

func TestLegacyCRCEmptyIsInit(t *testing.T) {
	assert.Equal(t, uint32(crc32Init), LegacyCRC32(nil))
}

func TestLegacyCRCWordByteOrder(t *testing.T) {
	// Full words are consumed little-endian.
	want := crc32ProcessWord(crc32Init, 0x04030201)
	assert.Equal(t, want, LegacyCRC32([]byte{1, 2, 3, 4}))

	// The trailing partial word is packed big-endian. This asymmetry is
	// load-bearing: external verifiers compute it the same way.
	want = crc32ProcessWord(want, 0x0506)
	assert.Equal(t, want, LegacyCRC32([]byte{1, 2, 3, 4, 5, 6}))

	shortWant := crc32ProcessWord(crc32Init, 0x05)
	assert.Equal(t, shortWant, LegacyCRC32([]byte{5}))
}

func TestLegacyCRCChunkingInvariance(t *testing.T) {
	data := make([]byte, 2053)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	want := LegacyCRC32(data)

	for _, chunk := range []int{1, 3, 4, 7, 512} {
		c := newLegacyCRC()
		for off := 0; off < len(data); off += chunk {
			end := off + chunk
			if end > len(data) {
				end = len(data)
			}
			c.Write(data[off:end])
		}
		assert.Equal(t, want, c.Sum32(), "chunk size %d", chunk)
	}
}

func TestLegacyCRCSensitivity(t *testing.T) {
	a := LegacyCRC32([]byte{0, 0, 0, 0})
	b := LegacyCRC32([]byte{1, 0, 0, 0})
	assert.NotEqual(t, a, b)

	// Byte order within a word matters, which is the whole point of the
	// scrambled packing.
	assert.NotEqual(t, LegacyCRC32([]byte{1, 2, 3, 4}), LegacyCRC32([]byte{4, 3, 2, 1}))
}
