package pfs

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// descState tracks a file descriptor slot through its lifecycle:
// Free -> InUse (open) -> Unreferenced (closed but cached) -> Free
// (evicted) or back to InUse (reopened). Unreferenced descriptors are
// kept so a reopen avoids re-scanning flash for the name.
type descState uint8

const (
	descFree descState = iota
	descUnreferenced
	descInUse
)

// fileHeader is the decoded 24-byte header that follows the page header
// on a start page, ahead of the name and data.
type fileHeader struct {
	size    uint32
	ftype   FileType
	nameLen uint8
	md      uint8
	uuid    [16]byte
}

func (fh fileHeader) createComplete() bool { return fh.md&mdNotCreated == 0 }
func (fh fileHeader) deleteComplete() bool { return fh.md&mdNotDeleted == 0 }
func (fh fileHeader) temporary() bool      { return fh.md&mdTemporary != 0 }

// fileRef locates a file on flash together with the geometry needed to
// translate logical offsets into (page, in-page offset) pairs.
type fileRef struct {
	start   uint16
	size    uint32
	nameLen int
	chain   []uint16 // optional page-index cache
}

// fileDesc is one slot of the bounded in-memory descriptor pool.
type fileDesc struct {
	state     descState
	name      string
	ref       fileRef
	ftype     FileType
	openFlags OpenFlags
	offset    uint32

	// Chain-walk memo: the page backing chain index curIdx, so
	// sequential IO does not rewalk the list from the start.
	curPage uint16
	curIdx  int

	closedAt  uint64
	wrote     bool
	overwrite bool
	origStart uint16
}

func (d *fileDesc) resetWalk() {
	d.curIdx = -1
}

func startPageCapacity(nameLen int) int {
	return PageSize - pageHeaderSize - fileHeaderSize - nameLen
}

// chainPages returns how many pages a file of the given size needs.
// Zero-size files still occupy their start page.
func chainPages(size uint32, nameLen int) int {
	cap0 := startPageCapacity(nameLen)
	if int(size) <= cap0 {
		return 1
	}
	rest := int(size) - cap0
	return 1 + (rest+contPageCapacity-1)/contPageCapacity
}

func (fs *FS) readFileHeaderAt(start uint16) (fileHeader, string, error) {
	raw := make([]byte, fileHeaderSize)
	if err := fs.ftl.read(raw, fs.pageAddr(start)+pageHeaderSize); err != nil {
		return fileHeader{}, "", err
	}
	fh := fileHeader{
		size:    uint32(raw[offFileSize]) | uint32(raw[offFileSize+1])<<8 | uint32(raw[offFileSize+2])<<16 | uint32(raw[offFileSize+3])<<24,
		ftype:   FileType(raw[offFileType]),
		nameLen: raw[offNameLen],
		md:      raw[offMDFlags],
	}
	copy(fh.uuid[:], raw[offFileUUID:offFileUUID+16])

	if fh.nameLen == 0 || fh.nameLen == erasedByte {
		return fh, "", fmt.Errorf("start page %d has invalid name length %d: %w",
			start, fh.nameLen, ErrInternal)
	}
	name := make([]byte, fh.nameLen)
	if err := fs.ftl.read(name, fs.pageAddr(start)+pageHeaderSize+fileHeaderSize); err != nil {
		return fh, "", err
	}
	return fh, string(name), nil
}

func (fs *FS) writeFileHeader(start uint16, size uint32, ftype FileType, name string, id [16]byte) error {
	raw := make([]byte, fileHeaderSize+len(name))
	for i := range raw {
		raw[i] = erasedByte
	}
	raw[offFileSize] = uint8(size)
	raw[offFileSize+1] = uint8(size >> 8)
	raw[offFileSize+2] = uint8(size >> 16)
	raw[offFileSize+3] = uint8(size >> 24)
	raw[offFileType] = uint8(ftype)
	raw[offNameLen] = uint8(len(name))
	// Metadata flags stay erased here: creation is not complete until
	// finalizeCreate clears them, which is the crash-safety hinge.
	copy(raw[offFileUUID:], id[:])
	copy(raw[fileHeaderSize:], name)
	return fs.ftl.write(raw, fs.pageAddr(start)+pageHeaderSize)
}

func (fs *FS) writeFileMD(start uint16, md uint8) error {
	return fs.ftl.write([]byte{md}, fs.pageAddr(start)+pageHeaderSize+offMDFlags)
}

// findFile scans start pages for a live, creation-complete, permanent
// file with the given name. Corrupt entries are logged and skipped; a
// single bad page must not abort the scan.
func (fs *FS) findFile(name string) (fileRef, fileHeader, error) {
	for page := uint16(0); page < fs.pageCount(); page++ {
		f, err := fs.pageFlagsOf(page)
		if err != nil {
			return fileRef{}, fileHeader{}, err
		}
		if !flagsIsStart(f) {
			continue
		}
		fh, n, err := fs.readFileHeaderAt(page)
		if err != nil {
			fs.log.Warn("pfs: skipping corrupt start page during scan",
				zap.Uint16("page", page), zap.Error(err))
			continue
		}
		if !fh.createComplete() || fh.temporary() {
			continue
		}
		if n == name {
			return fileRef{start: page, size: fh.size, nameLen: int(fh.nameLen)}, fh, nil
		}
	}
	return fileRef{}, fileHeader{}, ErrDoesNotExist
}

// chainNextOf follows the page chain one hop, validating the link CRC.
func (fs *FS) chainNextOf(page uint16) (uint16, error) {
	hdr, err := fs.readPageHeader(page)
	if err != nil {
		return 0, err
	}
	return hdr.next()
}

// buildChain walks and validates the full page chain of a file.
func (fs *FS) buildChain(ref *fileRef) ([]uint16, error) {
	want := chainPages(ref.size, ref.nameLen)
	chain := make([]uint16, 0, want)
	page := ref.start
	for i := 0; i < want; i++ {
		chain = append(chain, page)
		next, err := fs.chainNextOf(page)
		if err != nil {
			return nil, err
		}
		if i == want-1 {
			if next != linkChainEnd {
				return nil, fmt.Errorf("file chain at page %d not terminated: %w", page, ErrInternal)
			}
			break
		}
		if next == linkUnwritten || next == linkChainEnd || next >= fs.pageCount() {
			return nil, fmt.Errorf("file chain at page %d ends early (link %#x): %w",
				page, next, ErrInternal)
		}
		page = next
	}
	return chain, nil
}

// createFile lays out a complete file on flash: page chain, headers,
// metadata, and name, flipping the creation-complete flag last so a
// half-written file is detectable and swept on reboot. On allocation
// failure the partial chain is marked deleted so the space reclaims
// without waiting for a reboot.
func (fs *FS) createFile(name string, ftype FileType, size uint32, temporary, useGCAllocator bool) (fileRef, error) {
	pages := chainPages(size, len(name))
	id := uuid.New()

	allocated := make([]uint16, 0, pages)
	abandon := func(cause error) (fileRef, error) {
		for _, p := range allocated {
			f, err := fs.pageFlagsOf(p)
			if err != nil {
				continue
			}
			_ = fs.setPageFlags(p, f&^flagNotDeleted)
		}
		return fileRef{}, cause
	}

	start, err := fs.allocatePage(useGCAllocator)
	if err != nil {
		return fileRef{}, err
	}
	allocated = append(allocated, start)
	if err := fs.setPageFlags(start, flagsErased&^flagNotStart); err != nil {
		return abandon(err)
	}
	if err := fs.writeFileHeader(start, size, ftype, name, id); err != nil {
		return abandon(err)
	}

	prev := start
	for i := 1; i < pages; i++ {
		p, err := fs.allocatePage(useGCAllocator)
		if err != nil {
			return abandon(err)
		}
		allocated = append(allocated, p)
		if err := fs.setPageFlags(p, flagsErased&^flagNotCont); err != nil {
			return abandon(err)
		}
		if err := fs.writeNextLink(prev, p); err != nil {
			return abandon(err)
		}
		prev = p
	}
	if err := fs.writeNextLink(prev, linkChainEnd); err != nil {
		return abandon(err)
	}

	md := uint8(erasedByte) &^ mdNotCreated
	if !temporary {
		md &^= mdTemporary
	}
	if err := fs.writeFileMD(start, md); err != nil {
		return abandon(err)
	}

	return fileRef{start: start, size: size, nameLen: len(name)}, nil
}

// markChainDeleted marks every page of a file deleted, start page first,
// then clears the deletion-complete flag. A crash partway leaves the
// start page deleted and some continuations live; the reboot orphan
// sweep finishes the job.
func (fs *FS) markChainDeleted(start uint16) error {
	page := start
	for page != linkChainEnd {
		f, err := fs.pageFlagsOf(page)
		if err != nil {
			return err
		}
		next, nerr := fs.chainNextOf(page)
		if err := fs.setPageFlags(page, f&^flagNotDeleted); err != nil {
			return err
		}
		if nerr != nil {
			fs.log.Warn("pfs: chain link corrupt during delete, stopping walk",
				zap.Uint16("page", page), zap.Error(nerr))
			break
		}
		if next == linkUnwritten || next >= fs.pageCount() {
			break
		}
		page = next
	}
	return fs.writeFileMD(start, erasedByte&^(mdNotCreated|mdNotDeleted))
}

// payload geometry helpers: chain index 0 is the start page, whose
// payload begins after the file header and name.

func (fs *FS) payloadCap(ref *fileRef, idx int) int {
	if idx == 0 {
		return startPageCapacity(ref.nameLen)
	}
	return contPageCapacity
}

func (fs *FS) payloadStart(ref *fileRef, idx int) uint32 {
	if idx == 0 {
		return pageHeaderSize + fileHeaderSize + uint32(ref.nameLen)
	}
	return pageHeaderSize
}

// locate maps a logical file offset onto (chain index, in-page offset).
func (fs *FS) locate(ref *fileRef, off uint32) (int, int) {
	cap0 := startPageCapacity(ref.nameLen)
	if int(off) < cap0 {
		return 0, int(off)
	}
	rest := int(off) - cap0
	return 1 + rest/contPageCapacity, rest % contPageCapacity
}

// chainPageAt resolves a chain index to a page, using the ref's cached
// chain when present, an optional walk memo otherwise.
func (fs *FS) chainPageAt(ref *fileRef, idx int, hintPage uint16, hintIdx int) (uint16, error) {
	if ref.chain != nil {
		if idx >= len(ref.chain) {
			return 0, fmt.Errorf("chain index %d beyond cached chain: %w", idx, ErrInternal)
		}
		return ref.chain[idx], nil
	}
	page := ref.start
	from := 0
	if hintIdx >= 0 && hintIdx <= idx {
		page = hintPage
		from = hintIdx
	}
	for i := from; i < idx; i++ {
		next, err := fs.chainNextOf(page)
		if err != nil {
			return 0, err
		}
		if next == linkUnwritten || next == linkChainEnd || next >= fs.pageCount() {
			return 0, fmt.Errorf("file chain ends early at page %d: %w", page, ErrInternal)
		}
		page = next
	}
	return page, nil
}

// refIO moves len(p) bytes between the file's pages and p, starting at
// logical offset off, crossing page boundaries as needed. Returns the
// last page touched and its chain index so descriptors can memo the walk.
func (fs *FS) refIO(ref *fileRef, p []byte, off uint32, write bool, hintPage uint16, hintIdx int) (uint16, int, error) {
	idx, pageOff := fs.locate(ref, off)
	page, err := fs.chainPageAt(ref, idx, hintPage, hintIdx)
	if err != nil {
		return 0, -1, err
	}

	for len(p) > 0 {
		n := fs.payloadCap(ref, idx) - pageOff
		if n > len(p) {
			n = len(p)
		}
		addr := fs.pageAddr(page) + fs.payloadStart(ref, idx) + uint32(pageOff)
		if write {
			err = fs.ftl.write(p[:n], addr)
		} else {
			err = fs.ftl.read(p[:n], addr)
		}
		if err != nil {
			return 0, -1, err
		}
		p = p[n:]
		pageOff = 0
		if len(p) == 0 {
			break
		}
		idx++
		page, err = fs.chainPageAt(ref, idx, page, idx-1)
		if err != nil {
			return 0, -1, err
		}
	}
	return page, idx, nil
}

// Descriptor pool management.

func (fs *FS) descByName(name string) (int, *fileDesc) {
	for i := range fs.fds {
		d := &fs.fds[i]
		if d.state != descFree && d.name == name {
			return i, d
		}
	}
	return -1, nil
}

// takeSlot picks a free descriptor slot, evicting the least recently
// closed unreferenced descriptor if the pool is full.
func (fs *FS) takeSlot() (int, error) {
	for i := range fs.fds {
		if fs.fds[i].state == descFree {
			return i, nil
		}
	}
	lru := -1
	for i := range fs.fds {
		d := &fs.fds[i]
		if d.state != descUnreferenced {
			continue
		}
		if lru < 0 || d.closedAt < fs.fds[lru].closedAt {
			lru = i
		}
	}
	if lru < 0 {
		return 0, ErrOutOfResources
	}
	fs.fds[lru] = fileDesc{}
	return lru, nil
}

func (fs *FS) desc(fd int) (*fileDesc, error) {
	if fd < 0 || fd >= len(fs.fds) || fs.fds[fd].state != descInUse {
		return nil, fmt.Errorf("descriptor %d: %w", fd, ErrInvalidArgument)
	}
	return &fs.fds[fd], nil
}

// verifyStartPage re-checks that a cached descriptor's start page still
// carries a valid header for the same name. Skipped when the caller set
// OpenSkipHeaderCRC.
func (fs *FS) verifyStartPage(d *fileDesc) bool {
	hdr, err := fs.readPageHeader(d.ref.start)
	if err != nil || !hdr.fieldsValid() || !flagsIsStart(hdr.flags) {
		return false
	}
	fh, name, err := fs.readFileHeaderAt(d.ref.start)
	return err == nil && name == d.name && fh.size == d.ref.size
}

func (fs *FS) openLocked(name string, flags OpenFlags, ftype FileType, startSize uint32) (int, error) {
	if !fs.mounted {
		return 0, ErrNotMounted
	}
	if len(name) == 0 || len(name) > MaxNameLen || name == gcFileName {
		return 0, fmt.Errorf("name %q: %w", name, ErrInvalidArgument)
	}
	if flags&(OpenRead|OpenWrite|OpenOverwrite) == 0 {
		return 0, fmt.Errorf("open flags %#x: %w", flags, ErrInvalidArgument)
	}

	if i, d := fs.descByName(name); d != nil {
		switch d.state {
		case descInUse:
			return 0, fmt.Errorf("%q: %w", name, ErrBusy)
		case descUnreferenced:
			if flags&OpenOverwrite == 0 {
				if flags&OpenSkipHeaderCRC != 0 || fs.verifyStartPage(d) {
					d.state = descInUse
					d.openFlags = flags
					d.offset = 0
					d.wrote = false
					d.resetWalk()
					if flags&OpenPageCache != 0 && d.ref.chain == nil {
						chain, err := fs.buildChain(&d.ref)
						if err != nil {
							return 0, err
						}
						d.ref.chain = chain
					}
					return i, nil
				}
			}
			// Cache is stale or an overwrite is starting; fall through to
			// a fresh flash scan.
			fs.fds[i] = fileDesc{}
		}
	}

	slot, err := fs.takeSlot()
	if err != nil {
		return 0, err
	}

	d := &fs.fds[slot]
	*d = fileDesc{state: descInUse, name: name, openFlags: flags}
	d.resetWalk()

	ref, fh, ferr := fs.findFile(name)

	switch {
	case flags&OpenOverwrite != 0:
		if ferr != nil {
			fs.fds[slot] = fileDesc{}
			return 0, fmt.Errorf("overwrite %q: %w", name, ferr)
		}
		size := startSize
		if size == 0 {
			size = ref.size
		}
		shadow, err := fs.createFile(name, fh.ftype, size, true, false)
		if err != nil {
			fs.fds[slot] = fileDesc{}
			return 0, err
		}
		d.ref = shadow
		d.ftype = fh.ftype
		d.overwrite = true
		d.origStart = ref.start

	case ferr == nil:
		d.ref = ref
		d.ftype = fh.ftype

	case flags&OpenWrite != 0:
		created, err := fs.createFile(name, ftype, startSize, false, false)
		if err != nil {
			fs.fds[slot] = fileDesc{}
			return 0, err
		}
		d.ref = created
		d.ftype = ftype

	default:
		fs.fds[slot] = fileDesc{}
		return 0, fmt.Errorf("%q: %w", name, ferr)
	}

	if flags&OpenPageCache != 0 {
		chain, err := fs.buildChain(&d.ref)
		if err != nil {
			fs.fds[slot] = fileDesc{}
			return 0, err
		}
		d.ref.chain = chain
	}
	return slot, nil
}

// finalizeOverwrite completes the shadow-copy swap: the original is
// removed first, then the shadow sheds its temporary flag. This is the
// same order the swap has always used; the window between the two writes
// is confined to close and is covered by the reboot sweep only for
// crashes before it starts.
func (fs *FS) finalizeOverwrite(d *fileDesc) error {
	if err := fs.markChainDeleted(d.origStart); err != nil {
		return err
	}
	md := uint8(erasedByte) &^ (mdNotCreated | mdTemporary)
	if err := fs.writeFileMD(d.ref.start, md); err != nil {
		return err
	}
	d.overwrite = false
	return nil
}

func (fs *FS) closeLocked(fd int) error {
	d, err := fs.desc(fd)
	if err != nil {
		return err
	}
	if d.overwrite {
		if err := fs.finalizeOverwrite(d); err != nil {
			return err
		}
		fs.queueEvent(d.name, WatchWritten)
	} else if d.wrote {
		fs.queueEvent(d.name, WatchWritten)
	}
	d.state = descUnreferenced
	d.closedAt = fs.closedSeq
	fs.closedSeq++
	return nil
}

func (fs *FS) removeLocked(name string) error {
	if !fs.mounted {
		return ErrNotMounted
	}
	if i, d := fs.descByName(name); d != nil {
		if d.state == descInUse {
			// Removing an open file is a programmer error, not a race to
			// paper over.
			panic(fmt.Sprintf("pfs: remove of open file %q", name))
		}
		fs.fds[i] = fileDesc{}
	}
	ref, _, err := fs.findFile(name)
	if err != nil {
		return fmt.Errorf("remove %q: %w", name, err)
	}
	if err := fs.markChainDeleted(ref.start); err != nil {
		return err
	}
	fs.queueEvent(name, WatchRemoved)
	return nil
}

func (fs *FS) readLocked(fd int, buf []byte) (int, error) {
	d, err := fs.desc(fd)
	if err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("zero-length read: %w", ErrInvalidArgument)
	}
	remaining := d.ref.size - d.offset
	if remaining == 0 {
		return 0, fmt.Errorf("read at EOF (offset %d): %w", d.offset, ErrRange)
	}
	n := len(buf)
	if uint32(n) > remaining {
		n = int(remaining)
	}
	page, idx, err := fs.refIO(&d.ref, buf[:n], d.offset, false, d.curPage, d.curIdx)
	if err != nil {
		return 0, err
	}
	d.curPage, d.curIdx = page, idx
	d.offset += uint32(n)
	return n, nil
}

func (fs *FS) writeLocked(fd int, p []byte) (int, error) {
	d, err := fs.desc(fd)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, fmt.Errorf("zero-length write: %w", ErrInvalidArgument)
	}
	if d.openFlags&(OpenWrite|OpenOverwrite) == 0 {
		return 0, fmt.Errorf("descriptor %d not writable: %w", fd, ErrInvalidArgument)
	}
	// Files never grow past their chain: the size is fixed at creation.
	if uint64(d.offset)+uint64(len(p)) > uint64(d.ref.size) {
		return 0, fmt.Errorf("write of %d bytes at offset %d exceeds size %d: %w",
			len(p), d.offset, d.ref.size, ErrRange)
	}
	page, idx, err := fs.refIO(&d.ref, p, d.offset, true, d.curPage, d.curIdx)
	if err != nil {
		return 0, err
	}
	d.curPage, d.curIdx = page, idx
	d.offset += uint32(len(p))
	d.wrote = true
	return len(p), nil
}

func (fs *FS) seekLocked(fd int, offset int, whence Whence) (int, error) {
	d, err := fs.desc(fd)
	if err != nil {
		return 0, err
	}
	var target int
	switch whence {
	case SeekSet:
		target = offset
	case SeekCur:
		target = int(d.offset) + offset
	default:
		return 0, fmt.Errorf("seek whence %d: %w", whence, ErrInvalidArgument)
	}
	// EOF itself is a valid position.
	if target < 0 || target > int(d.ref.size) {
		return 0, fmt.Errorf("seek to %d in file of %d bytes: %w", target, d.ref.size, ErrRange)
	}
	newIdx, _ := fs.locate(&d.ref, uint32(target))
	if d.curIdx < 0 || newIdx < d.curIdx {
		d.resetWalk()
	}
	d.offset = uint32(target)
	return target, nil
}

func (fs *FS) fileCRCLocked(fd int, offset, numBytes uint32) (uint32, error) {
	d, err := fs.desc(fd)
	if err != nil {
		return 0, err
	}
	// 64-bit so huge offsets cannot wrap past the check.
	if uint64(offset)+uint64(numBytes) > uint64(d.ref.size) {
		return 0, fmt.Errorf("CRC range [%d, +%d) in file of %d bytes: %w",
			offset, numBytes, d.ref.size, ErrRange)
	}
	crc := newLegacyCRC()
	buf := make([]byte, 512)
	hintPage, hintIdx := d.curPage, d.curIdx
	for numBytes > 0 {
		n := uint32(len(buf))
		if n > numBytes {
			n = numBytes
		}
		page, idx, err := fs.refIO(&d.ref, buf[:n], offset, false, hintPage, hintIdx)
		if err != nil {
			return 0, err
		}
		hintPage, hintIdx = page, idx
		crc.Write(buf[:n])
		offset += n
		numBytes -= n
	}
	return crc.Sum32(), nil
}
