package pfs

import (
	"fmt"

	"go.uber.org/zap"
)

// ftl is the flash translation layer: it presents one contiguous virtual
// address range [0, size) that linearly concatenates the active physical
// regions in declaration order. Region boundaries are invisible above it;
// a logical operation that crosses one is split transparently.
//
// Regions are layered in append-only. On a device whose firmware history
// added flash regions over time, Mount recognizes how many of the
// declared regions already carry a file system, then erases and appends
// the rest (one-time migration).
type ftl struct {
	driver   Driver
	declared []Region
	active   int    // leading declared regions layered into the virtual space
	size     uint32 // current virtual size in bytes
	log      *zap.Logger

	// onGrow is told the new virtual size after every AddRegion so the
	// page store can extend its page-flags cache.
	onGrow func(newSize uint32)
}

// maxPages bounds the virtual address space. Pages are addressed as
// uint16 and the top two values are link sentinels, so indexes stop at
// 0xFFFD.
const maxPages = 0xFFFE

func newFTL(driver Driver, declared []Region, log *zap.Logger) (*ftl, error) {
	total := uint64(0)
	for i, r := range declared {
		if r.End <= r.Start {
			return nil, fmt.Errorf("region %d is empty or inverted: %w", i, ErrInvalidArgument)
		}
		if r.Start%SectorSize != 0 || r.End%SectorSize != 0 {
			return nil, fmt.Errorf("region %d [%#x, %#x) is not sector aligned: %w",
				i, r.Start, r.End, ErrInvalidArgument)
		}
		if r.End > driver.Size() {
			return nil, fmt.Errorf("region %d ends at %#x beyond flash size %#x: %w",
				i, r.End, driver.Size(), ErrInvalidArgument)
		}
		for j := 0; j < i; j++ {
			if r.Start < declared[j].End && r.End > declared[j].Start {
				return nil, fmt.Errorf("region %d overlaps region %d: %w", i, j, ErrInvalidArgument)
			}
		}
		total += uint64(r.Size())
	}
	if total > maxPages*PageSize {
		return nil, fmt.Errorf("declared regions total %d bytes, addressing limit is %d: %w",
			total, uint64(maxPages)*PageSize, ErrInvalidArgument)
	}
	return &ftl{driver: driver, declared: declared, log: log}, nil
}

// Size returns the current total virtual size in bytes.
func (f *ftl) Size() uint32 { return f.size }

// addRegion layers in the next declared region. The request must match
// the platform's declared next region exactly; a mismatch is a firmware
// configuration error, logged and dropped rather than acted on.
func (f *ftl) addRegion(r Region, eraseIfNew bool) error {
	if f.active >= len(f.declared) || f.declared[f.active] != r {
		f.log.Error("ftl: region does not match declared migration order, ignoring",
			zap.Uint32("start", r.Start), zap.Uint32("end", r.End),
			zap.Int("active", f.active))
		return nil
	}

	if eraseIfNew {
		for addr := r.Start; addr < r.End; addr += SectorSize {
			erased, err := f.driver.SectorIsErased(addr)
			if err != nil {
				return err
			}
			if erased {
				continue
			}
			if err := f.driver.EraseSectorBlocking(addr); err != nil {
				return fmt.Errorf("erasing new region sector %#x: %w", addr, err)
			}
		}
	}

	f.active++
	f.size += r.Size()
	f.log.Info("ftl: region added",
		zap.Uint32("start", r.Start), zap.Uint32("end", r.End),
		zap.Bool("erased", eraseIfNew), zap.Uint32("virtual_size", f.size))

	if f.onGrow != nil {
		f.onGrow(f.size)
	}
	return nil
}

// translate maps a virtual offset to its physical address and reports how
// many contiguous bytes remain in that region. The region list is short
// (single digits to low tens), so a linear scan is fine.
func (f *ftl) translate(off uint32) (phys uint32, contig uint32, err error) {
	base := uint32(0)
	for i := 0; i < f.active; i++ {
		r := f.declared[i]
		if off < base+r.Size() {
			rel := off - base
			return r.Start + rel, r.Size() - rel, nil
		}
		base += r.Size()
	}
	return 0, 0, fmt.Errorf("virtual offset %#x beyond size %#x: %w", off, f.size, ErrInternal)
}

// read fills buf from the virtual address space, splitting across region
// boundaries as needed.
func (f *ftl) read(buf []byte, off uint32) error {
	for len(buf) > 0 {
		phys, contig, err := f.translate(off)
		if err != nil {
			return err
		}
		n := uint32(len(buf))
		if n > contig {
			n = contig
		}
		if err := f.driver.ReadBytes(buf[:n], phys); err != nil {
			return err
		}
		buf = buf[n:]
		off += n
	}
	return nil
}

// write programs data into the virtual address space, splitting across
// region boundaries as needed.
func (f *ftl) write(data []byte, off uint32) error {
	for len(data) > 0 {
		phys, contig, err := f.translate(off)
		if err != nil {
			return err
		}
		n := uint32(len(data))
		if n > contig {
			n = contig
		}
		if err := f.driver.WriteBytes(data[:n], phys); err != nil {
			return err
		}
		data = data[n:]
		off += n
	}
	return nil
}

// eraseSector erases exactly one sector at the given virtual offset.
// Regions are sector-aligned, so a virtual sector never straddles two
// physical regions.
func (f *ftl) eraseSector(off uint32) error {
	if off%SectorSize != 0 {
		panic(fmt.Sprintf("pfs: eraseSector at unaligned virtual offset %#x", off))
	}
	phys, contig, err := f.translate(off)
	if err != nil {
		return err
	}
	if contig < SectorSize {
		panic(fmt.Sprintf("pfs: virtual sector at %#x spans a region boundary", off))
	}
	return f.driver.EraseSectorBlocking(phys)
}

// eraseSubsector erases exactly one subsector (page) at the given
// virtual offset.
func (f *ftl) eraseSubsector(off uint32) error {
	if off%PageSize != 0 {
		panic(fmt.Sprintf("pfs: eraseSubsector at unaligned virtual offset %#x", off))
	}
	phys, contig, err := f.translate(off)
	if err != nil {
		return err
	}
	if contig < PageSize {
		panic(fmt.Sprintf("pfs: virtual subsector at %#x spans a region boundary", off))
	}
	return f.driver.EraseSubsectorBlocking(phys)
}

// sectorIsErased reports whether the virtual sector at off reads erased.
func (f *ftl) sectorIsErased(off uint32) (bool, error) {
	phys, _, err := f.translate(off)
	if err != nil {
		return false, err
	}
	return f.driver.SectorIsErased(phys)
}

// regionLooksFormatted probes a physical region for any recognizable page
// header. It is used before the region is layered in, so it reads
// physically through the driver.
func (f *ftl) regionLooksFormatted(r Region) (bool, error) {
	hdr := make([]byte, pageHeaderSize)
	for addr := r.Start; addr < r.End; addr += PageSize {
		if err := f.driver.ReadBytes(hdr, addr); err != nil {
			return false, err
		}
		if hdr[offVersion] != headerVersion {
			continue
		}
		// Any page carrying the version signature with an intact field
		// CRC counts as evidence of an active file system. Full header
		// validation happens after the region is layered in.
		if crc8([]byte{hdr[offVersion], hdr[offEraseCount], hdr[offEraseCount+1]}) == hdr[offHdrCRC] {
			return true, nil
		}
	}
	return false, nil
}

// layoutVersion counts how many leading declared regions already carry an
// active file system. That count is the on-device layout version: regions
// beyond it are pending migration.
func (f *ftl) layoutVersion() (int, error) {
	n := 0
	for _, r := range f.declared {
		ok, err := f.regionLooksFormatted(r)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		n++
	}
	return n, nil
}
