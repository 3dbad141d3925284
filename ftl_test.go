package pfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewFTLValidation(t *testing.T) {
	flash := NewMemFlash(4 * SectorSize)

	cases := []struct {
		name    string
		regions []Region
	}{
		{"inverted", []Region{{Start: SectorSize, End: 0}}},
		{"empty", []Region{{Start: SectorSize, End: SectorSize}}},
		{"unaligned start", []Region{{Start: 100, End: SectorSize}}},
		{"unaligned end", []Region{{Start: 0, End: SectorSize + 1}}},
		{"beyond flash", []Region{{Start: 0, End: 5 * SectorSize}}},
		{"overlap", []Region{{Start: 0, End: 2 * SectorSize}, {Start: SectorSize, End: 3 * SectorSize}}},
		{"non-adjacent overlap", []Region{
			{Start: 0, End: 2 * SectorSize},
			{Start: 3 * SectorSize, End: 4 * SectorSize},
			{Start: SectorSize, End: 2 * SectorSize},
		}},
	}
	for _, tc := range cases {
		_, err := newFTL(flash, tc.regions, zap.NewNop())
		assert.ErrorIs(t, err, ErrInvalidArgument, tc.name)
	}

	_, err := newFTL(flash, []Region{{Start: 0, End: SectorSize}}, zap.NewNop())
	assert.NoError(t, err)
}

// hugeFlash reports a capacity far larger than its backing store. Only
// the size matters to region validation.
type hugeFlash struct {
	*MemFlash
	size uint32
}

func (h hugeFlash) Size() uint32 { return h.size }

func TestNewFTLRejectsOversizedRegionList(t *testing.T) {
	flash := hugeFlash{MemFlash: NewMemFlash(SectorSize), size: 0x20000000}

	// More pages than a uint16 can address, once the link sentinels are
	// reserved. pageCount would wrap and Mount would see no pages at all.
	_, err := newFTL(flash, []Region{{Start: 0, End: 0x10000000}}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidArgument)

	// The largest sector-aligned list under the limit is fine.
	_, err = newFTL(flash, []Region{{Start: 0, End: 0xFFF0000}}, zap.NewNop())
	assert.NoError(t, err)
}

func TestFTLSplitsAcrossRegions(t *testing.T) {
	flash := NewMemFlash(4 * SectorSize)
	regions := []Region{
		{Start: 0, End: SectorSize},
		{Start: 2 * SectorSize, End: 4 * SectorSize},
	}
	f, err := newFTL(flash, regions, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, f.addRegion(regions[0], false))
	require.NoError(t, f.addRegion(regions[1], false))
	assert.Equal(t, uint32(3*SectorSize), f.Size())

	// A write straddling the virtual seam lands in two physical places.
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	off := uint32(SectorSize - 50)
	require.NoError(t, f.write(data, off))

	head := make([]byte, 50)
	require.NoError(t, flash.ReadBytes(head, SectorSize-50))
	assert.Equal(t, data[:50], head)

	tail := make([]byte, 50)
	require.NoError(t, flash.ReadBytes(tail, 2*SectorSize))
	assert.Equal(t, data[50:], tail)

	// And reads reassemble it.
	got := make([]byte, 100)
	require.NoError(t, f.read(got, off))
	assert.Equal(t, data, got)
}

func TestFTLRejectsOutOfRange(t *testing.T) {
	flash := NewMemFlash(2 * SectorSize)
	regions := []Region{{Start: 0, End: SectorSize}}
	f, err := newFTL(flash, regions, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, f.addRegion(regions[0], false))

	buf := make([]byte, 10)
	assert.ErrorIs(t, f.read(buf, SectorSize-5), ErrInternal)
	assert.ErrorIs(t, f.write(buf, SectorSize), ErrInternal)
}

func TestAddRegionOutOfOrderIsIgnored(t *testing.T) {
	flash := NewMemFlash(4 * SectorSize)
	regions := []Region{
		{Start: 0, End: SectorSize},
		{Start: SectorSize, End: 2 * SectorSize},
	}
	f, err := newFTL(flash, regions, zap.NewNop())
	require.NoError(t, err)

	// Not the declared next region: dropped, not applied.
	require.NoError(t, f.addRegion(regions[1], false))
	assert.Equal(t, uint32(0), f.Size())
	assert.Equal(t, 0, f.active)

	require.NoError(t, f.addRegion(regions[0], false))
	assert.Equal(t, uint32(SectorSize), f.Size())
}

func TestEraseSectorAlignmentPanics(t *testing.T) {
	flash := NewMemFlash(2 * SectorSize)
	regions := []Region{{Start: 0, End: 2 * SectorSize}}
	f, err := newFTL(flash, regions, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, f.addRegion(regions[0], false))

	assert.Panics(t, func() { f.eraseSector(100) })
	assert.Panics(t, func() { f.eraseSubsector(1) })
	assert.NoError(t, f.eraseSector(SectorSize))
	assert.NoError(t, f.eraseSubsector(PageSize))
}

func TestLayoutVersionCountsFormattedRegions(t *testing.T) {
	flash := NewMemFlash(4 * SectorSize)
	regions := []Region{
		{Start: 0, End: 2 * SectorSize},
		{Start: 2 * SectorSize, End: 4 * SectorSize},
	}
	f, err := newFTL(flash, regions, zap.NewNop())
	require.NoError(t, err)

	// Blank flash carries no layout at all.
	n, err := f.layoutVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A single valid page header in the first region marks it formatted.
	hdr := make([]byte, pageHeaderSize)
	for i := range hdr {
		hdr[i] = erasedByte
	}
	hdr[offVersion] = headerVersion
	hdr[offEraseCount] = 1
	hdr[offEraseCount+1] = 0
	hdr[offHdrCRC] = headerFieldCRC(headerVersion, 1)
	require.NoError(t, flash.WriteBytes(hdr, 0))

	n, err = f.layoutVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Garbage in the second region does not count as a layout: the version
	// byte alone is not enough without an intact field CRC.
	junk := make([]byte, pageHeaderSize)
	for i := range junk {
		junk[i] = erasedByte
	}
	junk[offVersion] = headerVersion
	junk[offEraseCount] = 0x78
	junk[offEraseCount+1] = 0x9A
	junk[offHdrCRC] = headerFieldCRC(headerVersion, 0x9A78) ^ 0x55
	require.NoError(t, flash.WriteBytes(junk, 2*SectorSize+PageSize))
	n, err = f.layoutVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Formatting the second region bumps the count.
	hdr2 := make([]byte, pageHeaderSize)
	copy(hdr2, hdr)
	require.NoError(t, flash.WriteBytes(hdr2, 2*SectorSize))
	n, err = f.layoutVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
