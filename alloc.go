package pfs

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Wear-leveling page allocator.
//
// A single "last written" pointer orders all allocations system-wide.
// Every allocation searches forward from it: first the remainder of the
// current erase sector, then whole sectors round-robin, preferring ones
// that are free without an erase, then ones erasable outright, and only
// then sectors that need garbage collection. The wear marker on flash is
// moved before the page is handed out, so a boot-time scan always finds
// where the log left off.

// sectorStats summarizes one erase sector for the allocator.
type sectorStats struct {
	live   int // pages holding current file data
	dead   int // deleted or unformatted pages, reclaimable by erase
	erased int // pages ready to allocate as-is
}

func (fs *FS) statSector(base uint16) (sectorStats, error) {
	var st sectorStats
	for i := uint16(0); i < pagesPerSector; i++ {
		p := base + i
		if fs.unformatted[p] {
			st.dead++
			continue
		}
		f, err := fs.pageFlagsOf(p)
		if err != nil {
			return st, err
		}
		switch {
		case flagsIsLive(f):
			st.live++
		case f == flagsErased:
			st.erased++
		default:
			st.dead++
		}
	}
	return st, nil
}

// claimPage moves the wear marker to p and advances the allocation
// pointer. Tag first, revoke second: a crash in between leaves two live
// tags, which the boot scan tolerates.
func (fs *FS) claimPage(p uint16) error {
	old := fs.lastWritten
	if err := fs.writeWearMarker(p, wearLive); err != nil {
		return err
	}
	if old != p {
		if err := fs.writeWearMarker(old, wearLive&^wearRevokeBit); err != nil {
			return err
		}
	}
	fs.lastWritten = p
	return nil
}

// eraseSectorAt erases one whole sector and rewrites every page's erased
// header with a bumped erase count. If the sector held the live wear
// marker, the marker is re-applied afterwards so the allocation order
// survives.
func (fs *FS) eraseSectorAt(base uint16) error {
	var counts [pagesPerSector]uint16
	for i := uint16(0); i < pagesPerSector; i++ {
		hdr, err := fs.readPageHeader(base + i)
		if err != nil {
			return err
		}
		if hdr.fieldsValid() {
			counts[i] = hdr.eraseCount + 1
		} else {
			counts[i] = 1
		}
	}

	addr := fs.pageAddr(base)
	erased, err := fs.ftl.sectorIsErased(addr)
	if err != nil {
		return err
	}
	if !erased {
		if err := fs.ftl.eraseSector(addr); err != nil {
			return fmt.Errorf("erasing sector at page %d: %w", base, err)
		}
	}
	if fs.yield != nil {
		fs.yield()
	}

	hadMarker := sectorBase(fs.lastWritten) == base
	for i := uint16(0); i < pagesPerSector; i++ {
		p := base + i
		fs.invalidateFlags(p)
		delete(fs.unformatted, p)
		if err := fs.writeErasedHeader(p, counts[i]); err != nil {
			return err
		}
	}
	if hadMarker {
		if err := fs.writeWearMarker(fs.lastWritten, wearLive); err != nil {
			return err
		}
	}
	return nil
}

// allocatePage finds and claims one erased page. With useGCAllocator the
// page comes sequentially out of the pre-reserved garbage-collection
// block, whose availability is guaranteed by invariant; otherwise the
// wear-leveling search runs, invoking garbage collection inline when
// that is the only way to make progress. Allocation may therefore block
// for the duration of an erase or a GC pass.
func (fs *FS) allocatePage(useGCAllocator bool) (uint16, error) {
	if useGCAllocator {
		if fs.gcCursor >= fs.gcBlock+pagesPerSector {
			panic("pfs: GC reservation exhausted mid-collection")
		}
		p := fs.gcCursor
		fs.gcCursor++
		return p, nil
	}

	// Remainder of the current erase sector first.
	base := sectorBase(fs.lastWritten)
	for p := fs.lastWritten + 1; p < base+pagesPerSector && p < fs.pageCount(); p++ {
		if sectorBase(p) == fs.gcBlock {
			break
		}
		ok, err := fs.pageIsErased(p)
		if err != nil {
			return 0, err
		}
		if ok {
			return p, fs.claimPage(p)
		}
	}

	// Then whole sectors, round-robin from the next one.
	numSectors := fs.pageCount() / pagesPerSector
	if numSectors == 0 {
		return 0, ErrOutOfStorage
	}
	startSector := (base/pagesPerSector + 1) % numSectors

	victim := uint16(0)
	victimDead := 0
	haveVictim := false

	for i := uint16(0); i < numSectors; i++ {
		s := (startSector + i) % numSectors
		sb := s * pagesPerSector
		if sb == fs.gcBlock {
			continue
		}
		st, err := fs.statSector(sb)
		if err != nil {
			return 0, err
		}
		if st.live == 0 {
			if st.erased == 0 || st.dead > 0 {
				if err := fs.eraseSectorAt(sb); err != nil {
					return 0, err
				}
			}
			// Claim the first erased page of the sector.
			for p := sb; p < sb+pagesPerSector; p++ {
				ok, err := fs.pageIsErased(p)
				if err != nil {
					return 0, err
				}
				if ok {
					return p, fs.claimPage(p)
				}
			}
			continue
		}
		if st.erased > 0 {
			for p := sb; p < sb+pagesPerSector; p++ {
				ok, err := fs.pageIsErased(p)
				if err != nil {
					return 0, err
				}
				if ok {
					return p, fs.claimPage(p)
				}
			}
		}
		if st.dead > victimDead {
			victim = sb
			victimDead = st.dead
			haveVictim = true
		}
	}

	if haveVictim {
		if err := fs.collectSector(victim); err != nil {
			return 0, err
		}
		for p := victim; p < victim+pagesPerSector; p++ {
			ok, err := fs.pageIsErased(p)
			if err != nil {
				return 0, err
			}
			if ok {
				return p, fs.claimPage(p)
			}
		}
	}

	return 0, ErrOutOfStorage
}

// prepareForFileCreation pre-erases dead sectors until roughly
// bootPreErasePct of all pages are ready or the tick budget runs out.
// Best-effort: it never moves the allocation pointer and abandoning it
// early costs nothing but latency on the next create.
func (fs *FS) prepareForFileCreation(budget time.Duration) error {
	deadline := time.Now().Add(budget)
	target := int(fs.pageCount()) * bootPreErasePct / 100

	for {
		erasedTotal := 0
		var candidate uint16
		haveCandidate := false
		for sb := uint16(0); sb < fs.pageCount(); sb += pagesPerSector {
			if sb == fs.gcBlock {
				continue
			}
			st, err := fs.statSector(sb)
			if err != nil {
				return err
			}
			erasedTotal += st.erased
			if st.live == 0 && st.dead > 0 && !haveCandidate {
				candidate = sb
				haveCandidate = true
			}
		}
		if erasedTotal >= target || !haveCandidate {
			return nil
		}
		if time.Now().After(deadline) {
			fs.log.Info("pfs: pre-erase budget exhausted",
				zap.Int("erased_pages", erasedTotal), zap.Int("target", target))
			return nil
		}
		if err := fs.eraseSectorAt(candidate); err != nil {
			return err
		}
	}
}
