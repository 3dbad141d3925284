package pfs

import (
	"go.uber.org/zap"
)

// Space accounting and whole-device format.

// sizeLocked returns the total virtual size in bytes.
func (fs *FS) sizeLocked() uint32 {
	return fs.ftl.Size()
}

// availableSpaceLocked estimates writable bytes. It reports against the
// soft capacity cap rather than the raw size: the allocator needs slack
// sectors for cheap garbage collection, and the per-page headers plus
// allocator bookkeeping eat a further fixed share. The result is always
// at most total size minus allocated bytes.
func (fs *FS) availableSpaceLocked() (uint32, error) {
	var livePages uint32
	for page := uint16(0); page < fs.pageCount(); page++ {
		f, err := fs.pageFlagsOf(page)
		if err != nil {
			return 0, err
		}
		if flagsIsLive(f) {
			livePages++
		}
	}
	allocated := livePages * PageSize

	softCap := fs.sizeLocked() / 100 * spaceMaxUsedPct
	if fs.gcBlock != gcBlockNone && softCap >= SectorSize {
		softCap -= SectorSize
	}
	if allocated >= softCap {
		return 0, nil
	}
	avail := softCap - allocated
	avail -= avail / 100 * spaceOverheadPct
	return avail, nil
}

// formatLocked erases every declared region and rebuilds the empty file
// system. With writeEraseHeaders each page gets its erased header
// immediately (erase counts restart at what the old headers recorded
// plus one); without, pages are left raw and pick up headers lazily when
// their sector is first allocated.
func (fs *FS) formatLocked(writeEraseHeaders bool) error {
	// Layer in any regions not yet part of the virtual space. Format
	// erases everything anyway, so there is nothing to migrate.
	for fs.ftl.active < len(fs.ftl.declared) {
		if err := fs.ftl.addRegion(fs.ftl.declared[fs.ftl.active], false); err != nil {
			return err
		}
	}

	fs.log.Info("pfs: formatting",
		zap.Uint32("size", fs.sizeLocked()), zap.Bool("erase_headers", writeEraseHeaders))

	// Reset the allocation pointer first so sector erases do not carry a
	// stale wear marker forward.
	fs.lastWritten = 0

	for sb := uint16(0); sb < fs.pageCount(); sb += pagesPerSector {
		if writeEraseHeaders {
			if err := fs.eraseSectorAt(sb); err != nil {
				return err
			}
			continue
		}
		addr := fs.pageAddr(sb)
		erased, err := fs.ftl.sectorIsErased(addr)
		if err != nil {
			return err
		}
		if !erased {
			if err := fs.ftl.eraseSector(addr); err != nil {
				return err
			}
		}
		if fs.yield != nil {
			fs.yield()
		}
		for i := uint16(0); i < pagesPerSector; i++ {
			fs.cacheFlags(sb+i, flagsErased)
			fs.unformatted[sb+i] = true
		}
	}

	for i := range fs.fds {
		fs.fds[i] = fileDesc{}
	}
	fs.closedSeq = 0
	if err := fs.pickGCBlock(); err != nil {
		return err
	}
	fs.mounted = true
	return nil
}
