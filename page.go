package pfs

import (
	"fmt"

	"go.uber.org/zap"
)

// pageHeader is the decoded form of the 16-byte header at the start of
// every page. On flash the fields are written at different times: the
// version, erase count, and their CRC go down when the erased header is
// (re)written after an erase; the flags and wear marker mutate in place
// bit by bit; the next-page link and its CRC are written once when the
// chain is laid out. The two CRCs therefore cover only the fields that
// are stable when they are computed.
type pageHeader struct {
	version    uint8
	flags      uint8
	wear       uint8
	eraseCount uint16
	nextPage   uint16
	nextCRC    uint8
	hdrCRC     uint8
}

func decodePageHeader(raw []byte) pageHeader {
	return pageHeader{
		version:    raw[offVersion],
		flags:      raw[offFlags],
		wear:       raw[offWear],
		eraseCount: uint16(raw[offEraseCount]) | uint16(raw[offEraseCount+1])<<8,
		nextPage:   uint16(raw[offNextPage]) | uint16(raw[offNextPage+1])<<8,
		nextCRC:    raw[offNextCRC],
		hdrCRC:     raw[offHdrCRC],
	}
}

func headerFieldCRC(version uint8, eraseCount uint16) uint8 {
	return crc8([]byte{version, uint8(eraseCount), uint8(eraseCount >> 8)})
}

func linkCRC(next uint16) uint8 {
	return crc8([]byte{uint8(next), uint8(next >> 8)})
}

// fieldsValid reports whether the version/erase-count CRC checks out.
func (h pageHeader) fieldsValid() bool {
	return h.version == headerVersion && h.hdrCRC == headerFieldCRC(h.version, h.eraseCount)
}

// next returns the validated chain link. The unwritten sentinel is legal
// (chain still being laid out); anything with a bad CRC is corruption.
func (h pageHeader) next() (uint16, error) {
	if h.nextPage == linkUnwritten && h.nextCRC == erasedByte {
		return linkUnwritten, nil
	}
	if h.nextCRC != linkCRC(h.nextPage) {
		return 0, fmt.Errorf("page link %#x fails CRC: %w", h.nextPage, ErrInternal)
	}
	return h.nextPage, nil
}

// Flag-byte state predicates. A page is in exactly one of
// {erased, start, continuation, deleted}.
func flagsIsDeleted(f uint8) bool { return f&flagNotDeleted == 0 }
func flagsIsStart(f uint8) bool   { return f&flagNotStart == 0 && !flagsIsDeleted(f) }
func flagsIsCont(f uint8) bool    { return f&flagNotCont == 0 && !flagsIsDeleted(f) }
func flagsIsLive(f uint8) bool    { return flagsIsStart(f) || flagsIsCont(f) }
func flagsIsFree(f uint8) bool    { return f == flagsErased || flagsIsDeleted(f) }

func (fs *FS) pageCount() uint16 {
	return uint16(fs.ftl.Size() / PageSize)
}

func (fs *FS) pageAddr(page uint16) uint32 {
	return uint32(page) * PageSize
}

func sectorBase(page uint16) uint16 {
	return page - page%pagesPerSector
}

func (fs *FS) readPageHeader(page uint16) (pageHeader, error) {
	raw := make([]byte, pageHeaderSize)
	if err := fs.ftl.read(raw, fs.pageAddr(page)); err != nil {
		return pageHeader{}, err
	}
	return decodePageHeader(raw), nil
}

// writeErasedHeader stamps a freshly erased page with its header: version,
// erase count, and the CRC over both. Flags, wear marker, and link stay
// erased until the page is allocated.
func (fs *FS) writeErasedHeader(page uint16, eraseCount uint16) error {
	raw := make([]byte, pageHeaderSize)
	for i := range raw {
		raw[i] = erasedByte
	}
	raw[offVersion] = headerVersion
	raw[offEraseCount] = uint8(eraseCount)
	raw[offEraseCount+1] = uint8(eraseCount >> 8)
	raw[offHdrCRC] = headerFieldCRC(headerVersion, eraseCount)
	if err := fs.ftl.write(raw, fs.pageAddr(page)); err != nil {
		return err
	}
	fs.cacheFlags(page, flagsErased)
	return nil
}

// setPageFlags programs a new flags byte. The new value may only clear
// bits relative to the current one; asking for anything else is a logic
// bug, not a recoverable condition.
func (fs *FS) setPageFlags(page uint16, newFlags uint8) error {
	cur, err := fs.pageFlagsOf(page)
	if err != nil {
		return err
	}
	if newFlags&^cur != 0 {
		panic(fmt.Sprintf("pfs: page %d flags %#02x -> %#02x would set bits", page, cur, newFlags))
	}
	if err := fs.ftl.write([]byte{newFlags}, fs.pageAddr(page)+offFlags); err != nil {
		return err
	}
	fs.cacheFlags(page, newFlags)
	return nil
}

// writeWearMarker clears wear-marker bits on a page.
func (fs *FS) writeWearMarker(page uint16, marker uint8) error {
	return fs.ftl.write([]byte{marker}, fs.pageAddr(page)+offWear)
}

// writeNextLink records the chain link on a page, together with its CRC.
func (fs *FS) writeNextLink(page, next uint16) error {
	raw := []byte{uint8(next), uint8(next >> 8), linkCRC(next)}
	return fs.ftl.write(raw, fs.pageAddr(page)+offNextPage)
}

// pageFlagsOf returns the page's flags byte, from the cache when valid.
// Reads through to flash otherwise and refreshes the cache entry.
func (fs *FS) pageFlagsOf(page uint16) (uint8, error) {
	if fs.flagsValid[page] {
		return fs.pageFlags[page], nil
	}
	var b [1]byte
	if err := fs.ftl.read(b[:], fs.pageAddr(page)+offFlags); err != nil {
		return 0, err
	}
	fs.cacheFlags(page, b[0])
	return b[0], nil
}

func (fs *FS) cacheFlags(page uint16, flags uint8) {
	fs.pageFlags[page] = flags
	fs.flagsValid[page] = true
}

func (fs *FS) invalidateFlags(page uint16) {
	fs.flagsValid[page] = false
}

// growPageState extends the in-RAM page-flags cache after the FTL layers
// in a region. New entries start invalid and lazily fault in.
func (fs *FS) growPageState(newSize uint32) {
	pages := int(newSize / PageSize)
	for len(fs.pageFlags) < pages {
		fs.pageFlags = append(fs.pageFlags, 0)
		fs.flagsValid = append(fs.flagsValid, false)
	}
}

// scanPages walks every page header once, rebuilding the flags cache and
// recovering the wear-leveling marker. Pages that fail the header CRC are
// logged and treated as unformatted; a single bad page must not abort the
// scan.
func (fs *FS) scanPages() error {
	fs.lastWritten = 0
	tagged := false
	for page := uint16(0); page < fs.pageCount(); page++ {
		hdr, err := fs.readPageHeader(page)
		if err != nil {
			return err
		}
		if !hdr.fieldsValid() {
			if hdr.version != erasedByte {
				fs.log.Warn("pfs: page header fails CRC, treating as unformatted",
					zap.Uint16("page", page))
			}
			fs.cacheFlags(page, flagsErased)
			fs.unformatted[page] = true
			continue
		}
		delete(fs.unformatted, page)
		fs.cacheFlags(page, hdr.flags)
		if hdr.wear == wearLive {
			// Two live tags can survive a crash between tagging the new
			// page and revoking the old; either is a valid search hint,
			// take the highest.
			if !tagged || page > fs.lastWritten {
				fs.lastWritten = page
			}
			tagged = true
		}
	}
	return nil
}

// pageIsErased reports whether the page is genuinely reusable without an
// erase: it must carry an erased header and have never been flagged.
func (fs *FS) pageIsErased(page uint16) (bool, error) {
	if fs.unformatted[page] {
		return false, nil
	}
	f, err := fs.pageFlagsOf(page)
	if err != nil {
		return false, err
	}
	return f == flagsErased, nil
}
