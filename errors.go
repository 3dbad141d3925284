package pfs

import "errors"

// Sentinel errors returned by the public API. Callers match them with
// errors.Is; wrapped messages carry the operation context.
var (
	// ErrDoesNotExist is returned when no file with the requested name
	// exists on flash.
	ErrDoesNotExist = errors.New("pfs: file does not exist")

	// ErrInvalidArgument is returned for bad descriptors, nil buffers,
	// zero-length operations, and over-long names.
	ErrInvalidArgument = errors.New("pfs: invalid argument")

	// ErrRange is returned for reads, writes, or seeks past the file's
	// declared size.
	ErrRange = errors.New("pfs: out of range")

	// ErrBusy is returned when the file is already open through another
	// descriptor. Files are single-open.
	ErrBusy = errors.New("pfs: file busy")

	// ErrOutOfResources is returned when the descriptor pool is exhausted
	// and no unreferenced descriptor can be evicted.
	ErrOutOfResources = errors.New("pfs: out of descriptors")

	// ErrOutOfStorage is returned when no erase-region holds a free or
	// reclaimable page.
	ErrOutOfStorage = errors.New("pfs: out of storage")

	// ErrInternal indicates a corrupt page chain or unexpected on-flash
	// state: either a genuine flash fault or a logic bug. The operation
	// is not retried.
	ErrInternal = errors.New("pfs: internal error")

	// ErrNotMounted is returned when an operation runs before Mount or
	// Format has brought the file system up.
	ErrNotMounted = errors.New("pfs: not mounted")
)
