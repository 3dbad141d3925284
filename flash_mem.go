package pfs

import "fmt"

// MemFlash is an in-memory NOR flash simulator. Writes AND into the
// backing array exactly like real NOR cells, erases are counted per
// sector, and power loss can be injected: after CutPower (or once the
// CutAfterWrites budget runs out) every further mutation is silently
// dropped, which is what interrupted firmware sees.
//
// It exists for tests and host-side tooling; it is not safe for
// concurrent use on its own.
type MemFlash struct {
	mem          []byte
	sectorErases []uint32

	cut        bool
	writesLeft int // remaining mutations before the simulated cut; -1 = unlimited
}

// NewMemFlash returns a fully erased simulated part of the given size.
// Size must be a multiple of SectorSize.
func NewMemFlash(size uint32) *MemFlash {
	if size == 0 || size%SectorSize != 0 {
		panic(fmt.Sprintf("pfs: MemFlash size %d is not sector aligned", size))
	}
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = erasedByte
	}
	return &MemFlash{
		mem:          mem,
		sectorErases: make([]uint32, size/SectorSize),
		writesLeft:   -1,
	}
}

// CutPower makes all subsequent writes and erases vanish, as if the
// device lost power mid-operation. Reads still work.
func (m *MemFlash) CutPower() { m.cut = true }

// CutAfterWrites arms a delayed power cut: the next n mutations (writes
// or erases) succeed, then power is cut.
func (m *MemFlash) CutAfterWrites(n int) { m.writesLeft = n }

// RestorePower re-enables mutations, simulating the next boot.
func (m *MemFlash) RestorePower() {
	m.cut = false
	m.writesLeft = -1
}

// EraseCount returns how many times the sector at addr has been erased.
func (m *MemFlash) EraseCount(addr uint32) uint32 {
	return m.sectorErases[addr/SectorSize]
}

func (m *MemFlash) consumeWrite() bool {
	if m.cut {
		return false
	}
	if m.writesLeft == 0 {
		m.cut = true
		return false
	}
	if m.writesLeft > 0 {
		m.writesLeft--
	}
	return true
}

func (m *MemFlash) checkRange(addr uint32, n int) error {
	if int(addr)+n > len(m.mem) {
		return fmt.Errorf("pfs: flash access [%#x, %#x) beyond device size %#x",
			addr, int(addr)+n, len(m.mem))
	}
	return nil
}

// ReadBytes implements Driver.
func (m *MemFlash) ReadBytes(buf []byte, addr uint32) error {
	if err := m.checkRange(addr, len(buf)); err != nil {
		return err
	}
	copy(buf, m.mem[addr:])
	return nil
}

// WriteBytes implements Driver. Bits program 1 -> 0 only.
func (m *MemFlash) WriteBytes(data []byte, addr uint32) error {
	if err := m.checkRange(addr, len(data)); err != nil {
		return err
	}
	if !m.consumeWrite() {
		return nil
	}
	for i, b := range data {
		m.mem[int(addr)+i] &= b
	}
	return nil
}

func (m *MemFlash) erase(addr, granule uint32, countIt bool) error {
	base := addr - addr%granule
	if err := m.checkRange(base, int(granule)); err != nil {
		return err
	}
	if !m.consumeWrite() {
		return nil
	}
	for i := base; i < base+granule; i++ {
		m.mem[i] = erasedByte
	}
	if countIt {
		m.sectorErases[base/SectorSize]++
	}
	return nil
}

// EraseSectorBlocking implements Driver.
func (m *MemFlash) EraseSectorBlocking(addr uint32) error {
	return m.erase(addr, SectorSize, true)
}

// EraseSubsectorBlocking implements Driver.
func (m *MemFlash) EraseSubsectorBlocking(addr uint32) error {
	return m.erase(addr, PageSize, false)
}

func (m *MemFlash) isErased(addr, granule uint32) (bool, error) {
	base := addr - addr%granule
	if err := m.checkRange(base, int(granule)); err != nil {
		return false, err
	}
	for i := base; i < base+granule; i++ {
		if m.mem[i] != erasedByte {
			return false, nil
		}
	}
	return true, nil
}

// SectorIsErased implements Driver.
func (m *MemFlash) SectorIsErased(addr uint32) (bool, error) {
	return m.isErased(addr, SectorSize)
}

// SubsectorIsErased implements Driver.
func (m *MemFlash) SubsectorIsErased(addr uint32) (bool, error) {
	return m.isErased(addr, PageSize)
}

// Size implements Driver.
func (m *MemFlash) Size() uint32 { return uint32(len(m.mem)) }
