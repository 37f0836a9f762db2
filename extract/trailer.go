package extract

import (
	"encoding/binary"
	"fmt"
	"os"
)

// TrailerSize reads the declared uncompressed size from the final four
// bytes of a gzip file: the ISIZE field, a little-endian uint32 holding
// the uncompressed length modulo 2^32.
//
// This is a gzip-format convention, not a general archive property. For
// any other archive format the integrity check has to come from checksum
// manifest entries instead.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc1952#section-2.3.1
func TrailerSize(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("extract: opening archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("extract: reading archive size: %w", err)
	}
	if info.Size() < 4 {
		return 0, fmt.Errorf("extract: archive %q is too short to carry a size trailer", path)
	}

	var trailer [4]byte
	if _, err := f.ReadAt(trailer[:], info.Size()-4); err != nil {
		return 0, fmt.Errorf("extract: reading size trailer: %w", err)
	}
	return binary.LittleEndian.Uint32(trailer[:]), nil
}
