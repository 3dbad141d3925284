package pfs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemFlashWritesOnlyClearBits(t *testing.T) {
	m := NewMemFlash(SectorSize)

	require.NoError(t, m.WriteBytes([]byte{0xF0}, 10))
	require.NoError(t, m.WriteBytes([]byte{0x0F}, 10))

	var b [1]byte
	require.NoError(t, m.ReadBytes(b[:], 10))
	assert.Equal(t, uint8(0x00), b[0], "NOR write must AND, not replace")

	// Erase brings the bits back.
	require.NoError(t, m.EraseSectorBlocking(0))
	require.NoError(t, m.ReadBytes(b[:], 10))
	assert.Equal(t, uint8(0xFF), b[0])
	assert.Equal(t, uint32(1), m.EraseCount(0))
}

func TestMemFlashSubsectorErase(t *testing.T) {
	m := NewMemFlash(SectorSize)
	require.NoError(t, m.WriteBytes([]byte{0x00}, PageSize-1))
	require.NoError(t, m.WriteBytes([]byte{0x00}, PageSize))

	require.NoError(t, m.EraseSubsectorBlocking(PageSize))

	ok, err := m.SubsectorIsErased(PageSize)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.SubsectorIsErased(0)
	require.NoError(t, err)
	assert.False(t, ok, "neighboring subsector must be untouched")
}

func TestMemFlashPowerCut(t *testing.T) {
	m := NewMemFlash(SectorSize)

	m.CutAfterWrites(2)
	require.NoError(t, m.WriteBytes([]byte{0x11}, 0))
	require.NoError(t, m.WriteBytes([]byte{0x22}, 1))
	require.NoError(t, m.WriteBytes([]byte{0x33}, 2)) // dropped

	buf := make([]byte, 3)
	require.NoError(t, m.ReadBytes(buf, 0))
	assert.Equal(t, []byte{0x11, 0x22, 0xFF}, buf)

	m.RestorePower()
	require.NoError(t, m.WriteBytes([]byte{0x33}, 2))
	require.NoError(t, m.ReadBytes(buf, 0))
	assert.Equal(t, []byte{0x11, 0x22, 0x33}, buf)
}

func TestMemFlashBoundsChecked(t *testing.T) {
	m := NewMemFlash(SectorSize)
	assert.Error(t, m.ReadBytes(make([]byte, 2), SectorSize-1))
	assert.Error(t, m.WriteBytes(make([]byte, 1), SectorSize))
	assert.Panics(t, func() { NewMemFlash(SectorSize + 1) })
}

func TestFileFlashPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")

	ff, err := OpenFileFlash(path, 2*SectorSize)
	require.NoError(t, err)

	// A new image reads fully erased.
	ok, err := ff.SectorIsErased(0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ff.WriteBytes([]byte{0xA5, 0x5A}, 100))
	require.NoError(t, ff.Close())

	ff, err = OpenFileFlash(path, 2*SectorSize)
	require.NoError(t, err)
	defer ff.Close()

	buf := make([]byte, 2)
	require.NoError(t, ff.ReadBytes(buf, 100))
	assert.Equal(t, []byte{0xA5, 0x5A}, buf)
}

func TestFileFlashEmulatesNOR(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	ff, err := OpenFileFlash(path, SectorSize)
	require.NoError(t, err)
	defer ff.Close()

	require.NoError(t, ff.WriteBytes([]byte{0xF0}, 0))
	require.NoError(t, ff.WriteBytes([]byte{0x0F}, 0))

	buf := make([]byte, 1)
	require.NoError(t, ff.ReadBytes(buf, 0))
	assert.Equal(t, uint8(0x00), buf[0])

	require.NoError(t, ff.EraseSectorBlocking(0))
	require.NoError(t, ff.ReadBytes(buf, 0))
	assert.Equal(t, uint8(0xFF), buf[0])
}

func TestFullFilesystemOnFileFlash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	ff, err := OpenFileFlash(path, 16*SectorSize)
	require.NoError(t, err)

	fs, err := New(ff, []Region{{Start: 0, End: 16 * SectorSize}})
	require.NoError(t, err)
	require.NoError(t, fs.Format(true))
	want := fillPattern(t, fs, "persist", 5, 12345)
	require.NoError(t, ff.Close())

	// Same image, fresh process.
	ff, err = OpenFileFlash(path, 16*SectorSize)
	require.NoError(t, err)
	defer ff.Close()
	fs2, err := New(ff, []Region{{Start: 0, End: 16 * SectorSize}})
	require.NoError(t, err)
	require.NoError(t, fs2.Mount(true))
	assert.Equal(t, want, readBack(t, fs2, "persist", len(want)))
}
