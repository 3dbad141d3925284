package pfs

import (
	"fmt"
	"os"
)

// FileFlash backs the flash address space with an image file on the host,
// emulating NOR write semantics (read-modify-AND-write). It is what
// pfsctl uses to inspect and build file system images offline.
type FileFlash struct {
	f    *os.File
	size uint32
}

// OpenFileFlash opens or creates a flash image of the given size. A new
// or short image is extended and erased to all 1s; size must be a
// multiple of SectorSize.
func OpenFileFlash(path string, size uint32) (*FileFlash, error) {
	if size == 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("pfs: image size %d is not sector aligned: %w", size, ErrInvalidArgument)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening flash image %q: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat flash image %q: %w", path, err)
	}

	ff := &FileFlash{f: f, size: size}
	if st.Size() < int64(size) {
		// Fill the gap with erased bytes so the image looks like a
		// factory-fresh part rather than zeroed NOR (zero is the
		// fully-programmed state).
		if err := ff.eraseRange(uint32(st.Size()), size-uint32(st.Size())); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return ff, nil
}

// Close releases the underlying image file.
func (ff *FileFlash) Close() error {
	if ff.f == nil {
		return nil
	}
	err := ff.f.Close()
	ff.f = nil
	return err
}

// Sync flushes the image to stable storage.
func (ff *FileFlash) Sync() error { return ff.f.Sync() }

func (ff *FileFlash) checkRange(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(ff.size) {
		return fmt.Errorf("pfs: image access [%#x, %#x) beyond size %#x",
			addr, uint64(addr)+uint64(n), ff.size)
	}
	return nil
}

// ReadBytes implements Driver.
func (ff *FileFlash) ReadBytes(buf []byte, addr uint32) error {
	if err := ff.checkRange(addr, len(buf)); err != nil {
		return err
	}
	if _, err := ff.f.ReadAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("reading %d bytes at %#x: %w", len(buf), addr, err)
	}
	return nil
}

// WriteBytes implements Driver, preserving NOR AND semantics.
func (ff *FileFlash) WriteBytes(data []byte, addr uint32) error {
	if err := ff.checkRange(addr, len(data)); err != nil {
		return err
	}
	cur := make([]byte, len(data))
	if _, err := ff.f.ReadAt(cur, int64(addr)); err != nil {
		return fmt.Errorf("reading back %d bytes at %#x: %w", len(data), addr, err)
	}
	for i := range cur {
		cur[i] &= data[i]
	}
	if _, err := ff.f.WriteAt(cur, int64(addr)); err != nil {
		return fmt.Errorf("writing %d bytes at %#x: %w", len(data), addr, err)
	}
	return nil
}

func (ff *FileFlash) eraseRange(addr, n uint32) error {
	blank := make([]byte, PageSize)
	for i := range blank {
		blank[i] = erasedByte
	}
	for n > 0 {
		chunk := uint32(len(blank))
		if n < chunk {
			chunk = n
		}
		if _, err := ff.f.WriteAt(blank[:chunk], int64(addr)); err != nil {
			return fmt.Errorf("erasing %d bytes at %#x: %w", chunk, addr, err)
		}
		addr += chunk
		n -= chunk
	}
	return nil
}

// EraseSectorBlocking implements Driver.
func (ff *FileFlash) EraseSectorBlocking(addr uint32) error {
	base := addr - addr%SectorSize
	if err := ff.checkRange(base, SectorSize); err != nil {
		return err
	}
	return ff.eraseRange(base, SectorSize)
}

// EraseSubsectorBlocking implements Driver.
func (ff *FileFlash) EraseSubsectorBlocking(addr uint32) error {
	base := addr - addr%PageSize
	if err := ff.checkRange(base, PageSize); err != nil {
		return err
	}
	return ff.eraseRange(base, PageSize)
}

func (ff *FileFlash) isErased(addr, granule uint32) (bool, error) {
	base := addr - addr%granule
	buf := make([]byte, granule)
	if err := ff.ReadBytes(buf, base); err != nil {
		return false, err
	}
	for _, b := range buf {
		if b != erasedByte {
			return false, nil
		}
	}
	return true, nil
}

// SectorIsErased implements Driver.
func (ff *FileFlash) SectorIsErased(addr uint32) (bool, error) {
	return ff.isErased(addr, SectorSize)
}

// SubsectorIsErased implements Driver.
func (ff *FileFlash) SubsectorIsErased(addr uint32) (bool, error) {
	return ff.isErased(addr, PageSize)
}

// Size implements Driver.
func (ff *FileFlash) Size() uint32 { return ff.size }
