package pfs

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Directory-level operations: every "directory" read on PFS is a linear
// scan over start pages, filtered by the caller. There is no index; the
// file set is small and the page-flags cache makes the scan cheap.

// FileFilter selects file names for ListFiles and RemoveFiles.
type FileFilter func(name string) bool

func (fs *FS) listFilesLocked(filter FileFilter) ([]FileInfo, error) {
	var out []FileInfo
	for page := uint16(0); page < fs.pageCount(); page++ {
		f, err := fs.pageFlagsOf(page)
		if err != nil {
			return nil, err
		}
		if !flagsIsStart(f) {
			continue
		}
		fh, name, err := fs.readFileHeaderAt(page)
		if err != nil {
			fs.log.Warn("pfs: skipping corrupt start page in listing",
				zap.Uint16("page", page), zap.Error(err))
			continue
		}
		if !fh.createComplete() || fh.temporary() || name == gcFileName {
			continue
		}
		if filter != nil && !filter(name) {
			continue
		}
		out = append(out, FileInfo{Name: name, Size: fh.size, Type: fh.ftype, UUID: uuid.UUID(fh.uuid)})
	}
	return out, nil
}

func (fs *FS) removeFilesLocked(filter FileFilter) error {
	infos, err := fs.listFilesLocked(filter)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := fs.removeLocked(info.Name); err != nil {
			return err
		}
	}
	return nil
}

// rebootCleanup makes the log consistent again after a crash: files whose
// creation never completed, files still tagged temporary, and pages
// orphaned by a half-finished deletion are all unlinked. This sweep is
// what makes the design crash-safe without a journal; every action is
// logged at Warn so a post-mortem can tell "recovered cleanly" from
// anything worse.
func (fs *FS) rebootCleanup() error {
	// Pass 1: sweep incomplete and temporary files, and finish deletions
	// whose completion flag never landed.
	for page := uint16(0); page < fs.pageCount(); page++ {
		f, err := fs.pageFlagsOf(page)
		if err != nil {
			return err
		}
		switch {
		case flagsIsStart(f):
			fh, name, err := fs.readFileHeaderAt(page)
			if err != nil {
				fs.log.Warn("pfs: unlinking unreadable start page",
					zap.Uint16("page", page), zap.Error(err))
				if err := fs.markChainDeleted(page); err != nil {
					return err
				}
				continue
			}
			if !fh.createComplete() || fh.temporary() {
				fs.log.Warn("pfs: sweeping file left by interrupted operation",
					zap.String("name", name),
					zap.Bool("create_complete", fh.createComplete()),
					zap.Bool("temporary", fh.temporary()))
				if err := fs.markChainDeleted(page); err != nil {
					return err
				}
			}

		case flagsIsDeleted(f) && f&flagNotStart == 0:
			// A deleted start page whose deletion never completed still
			// anchors live continuation pages; finish the unlink.
			fh, _, err := fs.readFileHeaderAt(page)
			if err == nil && !fh.deleteComplete() {
				fs.log.Warn("pfs: completing interrupted deletion",
					zap.Uint16("page", page))
				if err := fs.markChainDeleted(page); err != nil {
					return err
				}
			}
		}
	}

	// Pass 2: orphan sweep. Continuation pages reachable from no live
	// start page hold dead data by definition.
	reachable := make(map[uint16]bool)
	for page := uint16(0); page < fs.pageCount(); page++ {
		f, err := fs.pageFlagsOf(page)
		if err != nil {
			return err
		}
		if !flagsIsStart(f) {
			continue
		}
		p := page
		for i := 0; i < int(fs.pageCount()); i++ {
			next, err := fs.chainNextOf(p)
			if err != nil || next == linkUnwritten || next == linkChainEnd || next >= fs.pageCount() {
				break
			}
			reachable[next] = true
			p = next
		}
	}
	for page := uint16(0); page < fs.pageCount(); page++ {
		f, err := fs.pageFlagsOf(page)
		if err != nil {
			return err
		}
		if flagsIsCont(f) && !reachable[page] {
			fs.log.Warn("pfs: deleting orphaned continuation page", zap.Uint16("page", page))
			if err := fs.setPageFlags(page, f&^flagNotDeleted); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkFiles walks every live file's chain end to end, unlinking any
// whose chain is corrupt. Only run when Mount is asked for a full check.
func (fs *FS) checkFiles() error {
	for page := uint16(0); page < fs.pageCount(); page++ {
		f, err := fs.pageFlagsOf(page)
		if err != nil {
			return err
		}
		if !flagsIsStart(f) {
			continue
		}
		fh, name, err := fs.readFileHeaderAt(page)
		if err != nil {
			continue // already handled by rebootCleanup
		}
		if !fh.createComplete() || fh.temporary() {
			continue
		}
		ref := fileRef{start: page, size: fh.size, nameLen: int(fh.nameLen)}
		if _, err := fs.buildChain(&ref); err != nil {
			fs.log.Warn("pfs: file fails chain check, unlinking",
				zap.String("name", name), zap.Error(err))
			if err := fs.markChainDeleted(page); err != nil {
				return err
			}
		}
	}
	return nil
}
