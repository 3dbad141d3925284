// Package pfs implements a log-structured, wear-leveling file system for
// raw NOR flash, together with the flash translation layer (FTL) that lets
// the logically contiguous file system span multiple, non-contiguous
// physical flash regions.
//
// NOR flash can only clear bits (1 -> 0) when writing; returning bits to 1
// requires erasing a whole sector or subsector. Every on-flash state
// transition in this package is therefore monotonic in flash-bit terms:
// allocating, linking, and deleting a page only ever clear bits, which is
// what makes the design crash-safe without a journal.
//
// The main entry point is FS, constructed with New over a flash Driver and
// the platform's declared region list. Mount scans flash, recovers any
// interrupted garbage collection, and sweeps files whose creation or
// deletion never completed.
//
// Example usage:
//
//	flash := pfs.NewMemFlash(4 * 1024 * 1024)
//	fs, err := pfs.New(flash, []pfs.Region{{Start: 0, End: 4 * 1024 * 1024}})
//	if err != nil {
//		panic(err)
//	}
//	fs.Format(true)
//
//	fd, _ := fs.Open("settings", pfs.OpenWrite, pfs.FileTypeStatic, 128)
//	fs.Write(fd, payload)
//	fs.Close(fd)
package pfs

import "github.com/google/uuid"

const (
	// PageSize is the file system's allocation granule. It matches the
	// smallest independently erasable flash unit (one subsector).
	PageSize = 4096

	// SectorSize is the larger erase granularity. Garbage collection and
	// the wear-leveling allocator operate on whole sectors.
	SectorSize = 65536

	pagesPerSector = SectorSize / PageSize

	// MaxNameLen bounds file names on flash (one length byte).
	MaxNameLen = 255

	pageHeaderSize = 16
	fileHeaderSize = 24

	// contPageCapacity is the number of payload bytes a continuation page
	// can hold. Start pages additionally lose the file header and name.
	contPageCapacity = PageSize - pageHeaderSize
)

// Page header byte offsets. Fields are written at different points in a
// page's life, so they are addressed individually rather than rewritten
// as a unit.
const (
	offVersion    = 0
	offFlags      = 1
	offWear       = 2
	offEraseCount = 4 // uint16 LE
	offNextPage   = 6 // uint16 LE
	offNextCRC    = 8
	offHdrCRC     = 9
)

const (
	// headerVersion identifies a formatted page. An unformatted page reads
	// 0xFF here.
	headerVersion = 0x01

	erasedByte = 0xFF
)

// Page flag bits are active-low: a set bit means the property has not been
// asserted yet, and asserting it clears the bit. This is the only state
// encoding NOR flash permits without an erase.
const (
	flagNotDeleted = 0x01 // cleared: page is deleted
	flagNotStart   = 0x02 // cleared: page is the start of a file
	flagNotCont    = 0x04 // cleared: page continues a file

	flagsErased = 0xFF
)

// Wear-marker bits in the page header. A page is "the last written" while
// its tag bit is cleared and its revoke bit is still set. The allocator
// tags the new page before revoking the old one, so the marker is always
// recoverable by a boot-time scan.
const (
	wearTagBit    = 0x01
	wearRevokeBit = 0x02

	wearLive = 0xFE // tag cleared, revoke intact
)

// Next-page link sentinels. An erased link reads 0xFFFF; clearing one bit
// turns it into the explicit end-of-chain terminator.
const (
	linkUnwritten uint16 = 0xFFFF
	linkChainEnd  uint16 = 0xFFFE
)

// File header byte offsets, relative to the start of the file header
// (which sits immediately after the page header on a start page).
const (
	offFileSize = 0 // uint32 LE
	offFileType = 4
	offNameLen  = 5
	offMDFlags  = 6
	offFileUUID = 8 // 16 bytes
)

// File metadata flag bits, active-low like page flags.
const (
	mdNotCreated = 0x01 // cleared: creation completed
	mdNotDeleted = 0x02 // cleared: deletion completed
	mdTemporary  = 0x04 // still set: file is a temporary/shadow copy
)

// Empirically tuned capacity constants. These were validated against the
// original target flash geometry and should be revisited when porting to
// parts with different erase characteristics.
const (
	// spaceOverheadPct is the share of reported free space withheld for
	// page headers and allocator bookkeeping.
	spaceOverheadPct = 8

	// spaceMaxUsedPct is the soft capacity cap: the allocator needs slack
	// sectors to keep garbage collection cheap, so available space is
	// reported against this fraction of the raw size.
	spaceMaxUsedPct = 80

	// bootPreErasePct is the share of pages PrepareForFileCreation tries
	// to have pre-erased before it gives up or runs out of budget.
	bootPreErasePct = 4
)

// gcFileName is the reserved name of the crash-recoverable scratch file
// garbage collection writes into the reserved block. It is invisible to
// directory listings.
const gcFileName = "\x00gc"

// gcBlockRefreshDefault bounds how many collections may reuse one
// reserved block before it is relocated to spread wear.
const gcBlockRefreshDefault = 8

// descPoolDefault is the default size of the file descriptor pool.
const descPoolDefault = 12

// FileType tags the object stored in a file. The value is written once
// into the file header; consumers use it to filter listings.
type FileType uint8

const (
	// FileTypeUnknown is what an erased type byte reads back as.
	FileTypeUnknown FileType = 0xFF

	// FileTypeStatic is a fixed-size file whose length is set at creation.
	FileTypeStatic FileType = 0x01
)

// OpenFlags control Open behavior.
type OpenFlags uint8

const (
	// OpenRead opens an existing file for reading.
	OpenRead OpenFlags = 1 << iota

	// OpenWrite opens a file for writing, creating it if absent.
	OpenWrite

	// OpenOverwrite rewrites an existing file through a temporary shadow
	// copy that atomically replaces the original when the descriptor is
	// closed. The original stays intact on flash until then.
	OpenOverwrite

	// OpenSkipHeaderCRC skips re-verifying the on-flash header checksum
	// when promoting a cached descriptor. Perf-only.
	OpenSkipHeaderCRC

	// OpenPageCache keeps the file's page chain in RAM so that seeks and
	// large reads skip the linked-list walk. Perf-only, read-mostly files.
	OpenPageCache
)

// Whence selects how Seek interprets its offset.
type Whence int

const (
	// SeekSet seeks relative to the start of the file.
	SeekSet Whence = iota

	// SeekCur seeks relative to the current offset.
	SeekCur
)

// WatchEvent is a bitmask of file events delivered to watch callbacks.
type WatchEvent uint8

const (
	// WatchWritten fires when a descriptor that wrote the file closes.
	WatchWritten WatchEvent = 1 << iota

	// WatchRemoved fires when the file is removed.
	WatchRemoved
)

// WatchCallback receives file-change notifications. Callbacks run after
// the triggering operation has released the file system lock, so they may
// call back into the FS.
type WatchCallback func(event WatchEvent, data interface{})

// WatchHandle identifies a registered watch for Unwatch.
type WatchHandle int

// Region is one physical flash byte range [Start, End) backing part of
// the virtual address space. Regions are declared per hardware platform,
// are sector-aligned, and join the virtual space in declaration order.
type Region struct {
	Start uint32
	End   uint32
}

// Size returns the region's length in bytes.
func (r Region) Size() uint32 { return r.End - r.Start }

// FileInfo describes one directory entry returned by ListFiles.
type FileInfo struct {
	Name string
	Size uint32
	Type FileType
	UUID uuid.UUID
}
