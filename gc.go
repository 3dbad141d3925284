package pfs

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// Garbage collection reclaims erase sectors that mix live and dead pages
// without ever risking the live data: every page of the victim sector is
// copied into a crash-recoverable scratch file inside the reserved GC
// block, a validity flag is cleared only once the copy is complete, and
// only then is the victim erased and replayed from the copy. Until the
// validity flag goes down the original sector is untouched, so at most
// one incomplete operation ever needs recovery.

const (
	gcMagic = 0x50465347 // "PFSG"

	gcHeaderSize = 12

	offGCMagic  = 0 // uint32 LE
	offGCVictim = 4 // uint32 LE, first page of the victim sector
	offGCPages  = 8 // uint16 LE
	offGCValid  = 10

	gcRecordHeadSize = pageHeaderSize + 4 // saved page header + live length
)

// gcBlockNone means no sector is currently reserved.
const gcBlockNone uint16 = 0xFFFF

// gcRecord is one victim page captured in the scratch file: its raw page
// header plus, for live pages, the full page body.
type gcRecord struct {
	hdr  []byte
	body []byte // nil for dead pages
}

func gcFileSize(recs []gcRecord) uint32 {
	size := uint32(gcHeaderSize)
	for _, r := range recs {
		size += gcRecordHeadSize + uint32(len(r.body))
	}
	return size
}

// pickGCBlock reserves a sector for relocation scratch space, preferring
// a fully erased sector near the top of the virtual space. Normal
// allocation never touches the reserved block.
func (fs *FS) pickGCBlock() error {
	fs.gcBlock = gcBlockNone
	numSectors := fs.pageCount() / pagesPerSector
	fallback := gcBlockNone
	for i := int(numSectors) - 1; i >= 0; i-- {
		sb := uint16(i) * pagesPerSector
		st, err := fs.statSector(sb)
		if err != nil {
			return err
		}
		if st.live != 0 {
			continue
		}
		if st.erased == pagesPerSector {
			fs.gcBlock = sb
			break
		}
		if fallback == gcBlockNone {
			fallback = sb
		}
	}
	if fs.gcBlock == gcBlockNone {
		fs.gcBlock = fallback
	}
	fs.gcCursor = fs.gcBlock
	fs.gcBlockUses = 0
	if fs.gcBlock == gcBlockNone {
		fs.log.Warn("pfs: no free sector available for GC reservation")
	}
	return nil
}

// refreshGCBlock relocates the reservation to a different empty sector
// after gcBlockRefresh collections, spreading wear. If nothing is free
// the reservation stays put.
func (fs *FS) refreshGCBlock() error {
	if fs.gcBlockUses < fs.gcBlockRefresh {
		return nil
	}
	numSectors := fs.pageCount() / pagesPerSector
	for i := int(numSectors) - 1; i >= 0; i-- {
		sb := uint16(i) * pagesPerSector
		if sb == fs.gcBlock {
			continue
		}
		st, err := fs.statSector(sb)
		if err != nil {
			return err
		}
		if st.live == 0 && st.erased == pagesPerSector {
			fs.log.Info("pfs: GC reservation relocated",
				zap.Uint16("from", fs.gcBlock), zap.Uint16("to", sb))
			fs.gcBlock = sb
			fs.gcCursor = sb
			fs.gcBlockUses = 0
			return nil
		}
	}
	return nil
}

// captureSector reads every page of the victim sector into gcRecords.
func (fs *FS) captureSector(victim uint16) ([]gcRecord, error) {
	recs := make([]gcRecord, pagesPerSector)
	for i := uint16(0); i < pagesPerSector; i++ {
		p := victim + i
		hdr := make([]byte, pageHeaderSize)
		if err := fs.ftl.read(hdr, fs.pageAddr(p)); err != nil {
			return nil, err
		}
		recs[i].hdr = hdr

		flags, err := fs.pageFlagsOf(p)
		if err != nil {
			return nil, err
		}
		if fs.unformatted[p] || !flagsIsLive(flags) {
			continue
		}
		body := make([]byte, PageSize-pageHeaderSize)
		if err := fs.ftl.read(body, fs.pageAddr(p)+pageHeaderSize); err != nil {
			return nil, err
		}
		recs[i].body = body
	}
	return recs, nil
}

// writeGCFile creates the scratch file in the reserved block and fills it
// with the victim's records, clearing the validity flag only after the
// last byte is down. The reserved block is erased first if a previous
// collection left its deleted scratch pages behind.
func (fs *FS) writeGCFile(victim uint16, recs []gcRecord) (fileRef, error) {
	if fs.gcBlock == gcBlockNone {
		return fileRef{}, ErrOutOfStorage
	}
	st, err := fs.statSector(fs.gcBlock)
	if err != nil {
		return fileRef{}, err
	}
	if st.erased != pagesPerSector {
		if st.live != 0 {
			panic(fmt.Sprintf("pfs: GC reservation at page %d holds live data", fs.gcBlock))
		}
		if err := fs.eraseSectorAt(fs.gcBlock); err != nil {
			return fileRef{}, err
		}
	}
	fs.gcCursor = fs.gcBlock

	ref, err := fs.createFile(gcFileName, FileTypeStatic, gcFileSize(recs), false, true)
	if err != nil {
		return fileRef{}, err
	}

	head := make([]byte, gcHeaderSize)
	for i := range head {
		head[i] = erasedByte
	}
	binary.LittleEndian.PutUint32(head[offGCMagic:], gcMagic)
	binary.LittleEndian.PutUint32(head[offGCVictim:], uint32(victim))
	binary.LittleEndian.PutUint16(head[offGCPages:], uint16(len(recs)))
	// offGCValid stays erased until the copy is complete.
	if _, _, err := fs.refIO(&ref, head, 0, true, 0, -1); err != nil {
		return fileRef{}, err
	}

	off := uint32(gcHeaderSize)
	rec := make([]byte, gcRecordHeadSize)
	for _, r := range recs {
		copy(rec, r.hdr)
		liveLen := uint32(len(r.body))
		binary.LittleEndian.PutUint32(rec[pageHeaderSize:], liveLen)
		if _, _, err := fs.refIO(&ref, rec, off, true, 0, -1); err != nil {
			return fileRef{}, err
		}
		off += gcRecordHeadSize
		if r.body != nil {
			if _, _, err := fs.refIO(&ref, r.body, off, true, 0, -1); err != nil {
				return fileRef{}, err
			}
			off += liveLen
		}
	}

	// The record is only now allowed to become authoritative.
	if _, _, err := fs.refIO(&ref, []byte{0x00}, offGCValid, true, 0, -1); err != nil {
		return fileRef{}, err
	}
	return ref, nil
}

// replaySector erases the victim (if anything survives there) and
// rebuilds it from the captured records: erased headers with bumped
// counts everywhere, then body, link, flags, and wear marker for live
// pages. Flags land last, so a crash mid-replay just replays again.
func (fs *FS) replaySector(victim uint16, recs []gcRecord) error {
	addr := fs.pageAddr(victim)
	erased, err := fs.ftl.sectorIsErased(addr)
	if err != nil {
		return err
	}
	if !erased {
		if err := fs.ftl.eraseSector(addr); err != nil {
			return fmt.Errorf("erasing GC victim at page %d: %w", victim, err)
		}
	}
	if fs.yield != nil {
		fs.yield()
	}

	for i, rec := range recs {
		p := victim + uint16(i)
		fs.invalidateFlags(p)
		delete(fs.unformatted, p)

		saved := decodePageHeader(rec.hdr)
		count := uint16(1)
		if saved.fieldsValid() {
			count = saved.eraseCount + 1
		}
		if err := fs.writeErasedHeader(p, count); err != nil {
			return err
		}
		if rec.body == nil {
			continue
		}
		if err := fs.ftl.write(rec.body, fs.pageAddr(p)+pageHeaderSize); err != nil {
			return err
		}
		if saved.nextPage != linkUnwritten {
			if err := fs.writeNextLink(p, saved.nextPage); err != nil {
				return err
			}
		}
		if err := fs.setPageFlags(p, saved.flags); err != nil {
			return err
		}
		if saved.wear == wearLive {
			if err := fs.writeWearMarker(p, wearLive); err != nil {
				return err
			}
			fs.lastWritten = p
		}
	}
	return nil
}

// collectSector reclaims one erase sector. A sector with no live pages is
// erased outright; anything else goes through the copy/erase/replay
// cycle. Runs inline under the allocator when it is the only way to make
// progress, so callers must tolerate the latency of a sector erase.
func (fs *FS) collectSector(victim uint16) error {
	if victim == fs.gcBlock {
		panic("pfs: attempted to collect the GC reservation itself")
	}
	st, err := fs.statSector(victim)
	if err != nil {
		return err
	}
	fs.log.Info("pfs: collecting sector",
		zap.Uint16("victim", victim), zap.Int("live", st.live), zap.Int("dead", st.dead))

	if st.live == 0 {
		return fs.eraseSectorAt(victim)
	}

	recs, err := fs.captureSector(victim)
	if err != nil {
		return err
	}
	ref, err := fs.writeGCFile(victim, recs)
	if err != nil {
		return err
	}
	if err := fs.replaySector(victim, recs); err != nil {
		return err
	}
	if err := fs.markChainDeleted(ref.start); err != nil {
		return err
	}

	fs.gcBlockUses++
	return fs.refreshGCBlock()
}

// findGCFile locates the scratch file from a previous run, if any.
func (fs *FS) findGCFile() (fileRef, bool, error) {
	for page := uint16(0); page < fs.pageCount(); page++ {
		f, err := fs.pageFlagsOf(page)
		if err != nil {
			return fileRef{}, false, err
		}
		if !flagsIsStart(f) {
			continue
		}
		fh, name, err := fs.readFileHeaderAt(page)
		if err != nil || name != gcFileName {
			continue
		}
		if !fh.createComplete() {
			continue
		}
		return fileRef{start: page, size: fh.size, nameLen: int(fh.nameLen)}, true, nil
	}
	return fileRef{}, false, nil
}

// gcRecover finishes an interrupted collection at mount time, before any
// new allocation. A scratch file whose validity flag was cleared is a
// promise that the victim may already be (partially) erased, so it is
// replayed; one whose flag never went down means the victim was never
// touched, so the stale file is simply discarded.
func (fs *FS) gcRecover() error {
	ref, found, err := fs.findGCFile()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	head := make([]byte, gcHeaderSize)
	if _, _, err := fs.refIO(&ref, head, 0, false, 0, -1); err != nil {
		return err
	}
	magic := binary.LittleEndian.Uint32(head[offGCMagic:])
	pages := int(binary.LittleEndian.Uint16(head[offGCPages:]))
	victim := uint16(binary.LittleEndian.Uint32(head[offGCVictim:]))

	if magic != gcMagic || head[offGCValid] != 0x00 || pages != pagesPerSector {
		fs.log.Warn("pfs: discarding incomplete GC scratch file",
			zap.Uint16("start_page", ref.start))
		return fs.markChainDeleted(ref.start)
	}

	fs.log.Warn("pfs: resuming interrupted garbage collection",
		zap.Uint16("victim", victim))

	recs := make([]gcRecord, pages)
	off := uint32(gcHeaderSize)
	for i := range recs {
		head := make([]byte, gcRecordHeadSize)
		if _, _, err := fs.refIO(&ref, head, off, false, 0, -1); err != nil {
			return err
		}
		off += gcRecordHeadSize
		recs[i].hdr = head[:pageHeaderSize]
		liveLen := binary.LittleEndian.Uint32(head[pageHeaderSize:])
		if liveLen > 0 {
			if liveLen != PageSize-pageHeaderSize {
				return fmt.Errorf("GC record %d has bad live length %d: %w", i, liveLen, ErrInternal)
			}
			body := make([]byte, liveLen)
			if _, _, err := fs.refIO(&ref, body, off, false, 0, -1); err != nil {
				return err
			}
			recs[i].body = body
			off += liveLen
		}
	}

	if err := fs.replaySector(victim, recs); err != nil {
		return err
	}
	return fs.markChainDeleted(ref.start)
}
