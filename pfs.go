package pfs

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FS is the file system instance. All state lives here; there are no
// package-level mutable globals, so multiple instances (device plus
// host-side image tooling, or tests) coexist freely.
//
// One mutex guards everything. Public methods take it for their full
// duration, making operations atomic with respect to each other from any
// goroutine; everything below the public surface works on already-locked
// state, which is how garbage collection reads and writes its scratch
// file without reentering the API. Flash throughput, not lock
// contention, is the bottleneck this serializes against.
type FS struct {
	mu  sync.Mutex
	ftl *ftl
	log *zap.Logger

	// Page-flags cache: one flags byte per page so scans skip flash.
	// Entries go invalid whenever the backing bytes change.
	pageFlags   []uint8
	flagsValid  []bool
	unformatted map[uint16]bool

	// Wear-leveling allocation pointer, mirrored by on-flash markers.
	lastWritten uint16

	// Reserved garbage-collection block and its sequential allocator.
	gcBlock        uint16
	gcCursor       uint16
	gcBlockUses    int
	gcBlockRefresh int

	fds       []fileDesc
	closedSeq uint64

	watches   []watch
	nextWatch WatchHandle
	pending   []firedEvent

	mounted bool
	yield   func()

	preEraseBudget time.Duration
}

// Option configures an FS at construction.
type Option func(*FS)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(fs *FS) { fs.log = log }
}

// WithDescriptorPool sets the size of the file descriptor pool.
func WithDescriptorPool(n int) Option {
	return func(fs *FS) { fs.fds = make([]fileDesc, n) }
}

// WithYield installs a hook invoked between slow sector erases so
// cooperative schedulers can feed watchdogs or let other work run.
func WithYield(yield func()) Option {
	return func(fs *FS) { fs.yield = yield }
}

// WithGCBlockRefresh overrides how many collections reuse one reserved
// block before it relocates.
func WithGCBlockRefresh(n int) Option {
	return func(fs *FS) { fs.gcBlockRefresh = n }
}

// WithPreEraseBudget bounds the boot-time pre-erase pass.
func WithPreEraseBudget(d time.Duration) Option {
	return func(fs *FS) { fs.preEraseBudget = d }
}

// New builds an FS over the flash driver and the platform's declared
// region list. Nothing touches flash until Mount or Format.
func New(driver Driver, regions []Region, opts ...Option) (*FS, error) {
	if driver == nil || len(regions) == 0 {
		return nil, fmt.Errorf("driver and regions are required: %w", ErrInvalidArgument)
	}
	fs := &FS{
		log:            zap.NewNop(),
		unformatted:    make(map[uint16]bool),
		gcBlock:        gcBlockNone,
		gcBlockRefresh: gcBlockRefreshDefault,
		preEraseBudget: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(fs)
	}
	if fs.fds == nil {
		fs.fds = make([]fileDesc, descPoolDefault)
	}

	f, err := newFTL(driver, regions, fs.log)
	if err != nil {
		return nil, err
	}
	f.onGrow = fs.growPageState
	fs.ftl = f
	return fs, nil
}

// Mount brings the file system up: it recognizes which declared regions
// already carry an active layout, recovers any interrupted garbage
// collection, sweeps crash debris, optionally runs a full chain check,
// and finally migrates (erases and appends) any declared regions newer
// firmware added. Mount on factory-blank flash yields an empty, usable
// file system.
func (fs *FS) Mount(runFilesystemCheck bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	layout, err := fs.ftl.layoutVersion()
	if err != nil {
		return err
	}
	fs.log.Info("pfs: mounting",
		zap.Int("layout_version", layout), zap.Int("declared_regions", len(fs.ftl.declared)))

	for fs.ftl.active < layout {
		if err := fs.ftl.addRegion(fs.ftl.declared[fs.ftl.active], false); err != nil {
			return err
		}
	}

	if err := fs.scanPages(); err != nil {
		return err
	}
	if err := fs.gcRecover(); err != nil {
		return err
	}
	if err := fs.rebootCleanup(); err != nil {
		return err
	}
	if runFilesystemCheck {
		if err := fs.checkFiles(); err != nil {
			return err
		}
	}

	for fs.ftl.active < len(fs.ftl.declared) {
		r := fs.ftl.declared[fs.ftl.active]
		firstPage := fs.pageCount()
		fs.log.Info("pfs: migrating new flash region",
			zap.Uint32("start", r.Start), zap.Uint32("end", r.End))
		if err := fs.ftl.addRegion(r, true); err != nil {
			return err
		}
		for p := firstPage; p < fs.pageCount(); p++ {
			if err := fs.writeErasedHeader(p, 0); err != nil {
				return err
			}
		}
	}

	if err := fs.pickGCBlock(); err != nil {
		return err
	}
	fs.mounted = true

	if fs.preEraseBudget > 0 {
		if err := fs.prepareForFileCreation(fs.preEraseBudget); err != nil {
			return err
		}
	}
	return nil
}

// Format erases every declared region and rebuilds an empty file system.
// The FS is mounted afterwards. writeEraseHeaders trades format time for
// faster first allocations.
func (fs *FS) Format(writeEraseHeaders bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.formatLocked(writeEraseHeaders)
}

// Open opens or creates a file and returns its descriptor. Creating a
// file lays out its full, fixed-size page chain and may block while
// sectors erase or garbage collection runs. Opening a file that is
// already open elsewhere fails with ErrBusy.
func (fs *FS) Open(name string, flags OpenFlags, fileType FileType, startSize uint32) (int, error) {
	fs.mu.Lock()
	fd, err := fs.openLocked(name, flags, fileType, startSize)
	fs.mu.Unlock()
	return fd, err
}

// Read reads up to len(buf) bytes at the descriptor's offset, short at
// EOF. Reading at EOF returns ErrRange.
func (fs *FS) Read(fd int, buf []byte) (int, error) {
	fs.mu.Lock()
	n, err := fs.readLocked(fd, buf)
	fs.mu.Unlock()
	return n, err
}

// Write writes p at the descriptor's offset. Writes cannot extend a
// file: the size was fixed at creation, and exceeding it is ErrRange.
func (fs *FS) Write(fd int, p []byte) (int, error) {
	fs.mu.Lock()
	n, err := fs.writeLocked(fd, p)
	fs.mu.Unlock()
	return n, err
}

// Seek repositions the descriptor; the position may be anywhere in
// [0, size], end of file included. Returns the new offset.
func (fs *FS) Seek(fd int, offset int, whence Whence) (int, error) {
	fs.mu.Lock()
	n, err := fs.seekLocked(fd, offset, whence)
	fs.mu.Unlock()
	return n, err
}

// Close releases the descriptor into the unreferenced cache. If the
// descriptor was an overwrite shadow, the swap with the original is
// finalized here. Watch callbacks fire after the lock is released.
func (fs *FS) Close(fd int) error {
	fs.mu.Lock()
	err := fs.closeLocked(fd)
	events := fs.takeEvents()
	fs.mu.Unlock()
	fireEvents(events)
	return err
}

// CloseAndRemove closes the descriptor and removes the file in one
// locked step. An in-flight overwrite removes both the shadow and the
// original.
func (fs *FS) CloseAndRemove(fd int) error {
	fs.mu.Lock()
	err := func() error {
		d, derr := fs.desc(fd)
		if derr != nil {
			return derr
		}
		name := d.name
		if d.overwrite {
			if err := fs.markChainDeleted(d.origStart); err != nil {
				return err
			}
		}
		if err := fs.markChainDeleted(d.ref.start); err != nil {
			return err
		}
		fs.fds[fd] = fileDesc{}
		fs.queueEvent(name, WatchRemoved)
		return nil
	}()
	events := fs.takeEvents()
	fs.mu.Unlock()
	fireEvents(events)
	return err
}

// Remove unlinks a file by name. Removing a file that is currently open
// panics: that race is a system-level bug, not a condition to retry.
func (fs *FS) Remove(name string) error {
	fs.mu.Lock()
	err := fs.removeLocked(name)
	events := fs.takeEvents()
	fs.mu.Unlock()
	fireEvents(events)
	return err
}

// FileSize returns the file's size in bytes.
func (fs *FS) FileSize(fd int) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, err := fs.desc(fd)
	if err != nil {
		return 0, err
	}
	return d.ref.size, nil
}

// Size returns the total virtual flash size in bytes.
func (fs *FS) Size() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sizeLocked()
}

// AvailableSpace estimates how many more file bytes fit, against the
// soft capacity cap. Never exceeds Size minus allocated bytes.
func (fs *FS) AvailableSpace() (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return 0, ErrNotMounted
	}
	return fs.availableSpaceLocked()
}

// FileCRC computes the legacy CRC-32 over numBytes of the file starting
// at offset.
func (fs *FS) FileCRC(fd int, offset, numBytes uint32) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.fileCRCLocked(fd, offset, numBytes)
}

// WatchFile registers a callback for the named file's events.
func (fs *FS) WatchFile(name string, cb WatchCallback, events WatchEvent, data interface{}) WatchHandle {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.watchFileLocked(name, cb, events, data)
}

// Unwatch removes a watch registration.
func (fs *FS) Unwatch(h WatchHandle) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.unwatchLocked(h)
}

// ListFiles returns the files whose names pass the filter (nil matches
// everything).
func (fs *FS) ListFiles(filter FileFilter) ([]FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil, ErrNotMounted
	}
	return fs.listFilesLocked(filter)
}

// RemoveFiles removes every file whose name passes the filter. Used for
// bulk maintenance such as factory reset.
func (fs *FS) RemoveFiles(filter FileFilter) error {
	fs.mu.Lock()
	err := fs.removeFilesLocked(filter)
	events := fs.takeEvents()
	fs.mu.Unlock()
	fireEvents(events)
	return err
}

// PrepareForFileCreation pre-erases flash ahead of expected writes,
// stopping when the tick budget elapses. Best-effort; the allocation
// pointer is left untouched.
func (fs *FS) PrepareForFileCreation(budget time.Duration) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotMounted
	}
	return fs.prepareForFileCreation(budget)
}
