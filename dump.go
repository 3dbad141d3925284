package pfs

import (
	"fmt"
	"io"
)

// DumpPageHeaders writes a human-readable table of every page header to
// w. Debug and host-tooling aid.
func (fs *FS) DumpPageHeaders(w io.Writer) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrNotMounted
	}

	fmt.Fprintf(w, "%6s %8s %-7s %5s %5s %s\n", "page", "addr", "state", "wear", "erase", "next")
	for p := uint16(0); p < fs.pageCount(); p++ {
		hdr, err := fs.readPageHeader(p)
		if err != nil {
			return err
		}
		state := "free"
		switch {
		case hdr.flags == flagsErased && hdr.version == erasedByte:
			state = "raw"
		case flagsIsStart(hdr.flags):
			state = "start"
		case flagsIsCont(hdr.flags):
			state = "cont"
		case flagsIsDeleted(hdr.flags):
			state = "deleted"
		}
		next := "-"
		switch hdr.nextPage {
		case linkUnwritten:
		case linkChainEnd:
			next = "end"
		default:
			next = fmt.Sprintf("%d", hdr.nextPage)
		}
		mark := " "
		if hdr.wear&wearTagBit == 0 && hdr.wear&wearRevokeBit != 0 {
			mark = "*"
		}
		fmt.Fprintf(w, "%6d %08x %-7s %4s %5d %s\n",
			p, fs.pageAddr(p), state, mark, hdr.eraseCount, next)
	}
	return nil
}
