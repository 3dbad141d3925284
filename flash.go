package pfs

// Driver is the raw NOR flash contract the file system is built on. All
// addresses are physical. Implementations must honor NOR semantics: a
// write can only clear bits (the stored value is the bitwise AND of the
// old and new bytes), and only a sector or subsector erase returns bits
// to 1.
//
// The core logic is written against this interface so it can operate on
// real parts, image files, and in-memory simulators alike.
type Driver interface {
	// ReadBytes fills buf from flash starting at addr.
	ReadBytes(buf []byte, addr uint32) error

	// WriteBytes programs data at addr. Bits already 0 stay 0.
	WriteBytes(data []byte, addr uint32) error

	// EraseSectorBlocking erases the sector containing addr. Slow: on
	// real parts this can take on the order of seconds.
	EraseSectorBlocking(addr uint32) error

	// EraseSubsectorBlocking erases the subsector containing addr.
	EraseSubsectorBlocking(addr uint32) error

	// SectorIsErased reports whether the sector at addr reads all 1s.
	SectorIsErased(addr uint32) (bool, error)

	// SubsectorIsErased reports whether the subsector at addr reads all 1s.
	SubsectorIsErased(addr uint32) (bool, error)

	// Size returns the part's capacity in bytes.
	Size() uint32
}
