package pfs

// Checksums used on flash and over the wire.
//
// The page-header fields are protected by a small CRC-8 (poly 0x07,
// MSB-first, zero init). File contents are checksummed with the legacy
// CRC-32 variant the original bootloader and host-side verifiers expect:
// a word-at-a-time MSB-first CRC-32 (poly 0x04C11DB7, init 0xFFFFFFFF,
// no final xor) whose full input words are loaded little-endian while the
// trailing 1-3 bytes are packed big-endian. The inconsistent byte order
// is a wire-compatibility requirement, not an accident to fix; hash/crc32
// cannot reproduce it.

const (
	crc8Poly    = 0x07
	crc32Poly   = 0x04C11DB7
	crc32Init   = 0xFFFFFFFF
	crc32TopBit = 0x80000000
)

var crc8Table [256]uint8

func init() {
	for i := 0; i < 256; i++ {
		c := uint8(i)
		for bit := 0; bit < 8; bit++ {
			if c&0x80 != 0 {
				c = c<<1 ^ crc8Poly
			} else {
				c <<= 1
			}
		}
		crc8Table[i] = c
	}
}

// crc8 computes the CRC-8 of data with zero initial value.
func crc8(data []byte) uint8 {
	var c uint8
	for _, b := range data {
		c = crc8Table[c^b]
	}
	return c
}

// legacyCRC accumulates the scrambled CRC-32 incrementally so file
// checksums can be computed a page at a time without buffering the file.
type legacyCRC struct {
	crc uint32
	buf [4]byte
	n   int
}

func newLegacyCRC() *legacyCRC {
	return &legacyCRC{crc: crc32Init}
}

func crc32ProcessWord(crc, word uint32) uint32 {
	crc ^= word
	for i := 0; i < 32; i++ {
		if crc&crc32TopBit != 0 {
			crc = crc<<1 ^ crc32Poly
		} else {
			crc <<= 1
		}
	}
	return crc
}

// Write feeds data into the checksum. Whole 4-byte words are consumed as
// little-endian values; up to 3 bytes are held back for Sum32.
func (c *legacyCRC) Write(data []byte) {
	for _, b := range data {
		c.buf[c.n] = b
		c.n++
		if c.n == 4 {
			word := uint32(c.buf[0]) | uint32(c.buf[1])<<8 |
				uint32(c.buf[2])<<16 | uint32(c.buf[3])<<24
			c.crc = crc32ProcessWord(c.crc, word)
			c.n = 0
		}
	}
}

// Sum32 finishes the checksum. Trailing bytes are packed big-endian into
// the final word, the opposite order of full words (the legacy scramble).
func (c *legacyCRC) Sum32() uint32 {
	crc := c.crc
	if c.n > 0 {
		var word uint32
		for i := 0; i < c.n; i++ {
			word = word<<8 | uint32(c.buf[i])
		}
		crc = crc32ProcessWord(crc, word)
	}
	return crc
}

// LegacyCRC32 computes the legacy file checksum over data in one call.
func LegacyCRC32(data []byte) uint32 {
	c := newLegacyCRC()
	c.Write(data)
	return c.Sum32()
}
