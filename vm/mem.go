package vm

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mapRegion allocates an anonymous private mapping of the given size and
// protection.
func mapRegion(size int, prot int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate VM memory")
	}
	return mem, nil
}

// unmapRegion releases a mapping produced by mapRegion.
func unmapRegion(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return errors.Wrap(err, "failed to deallocate VM memory")
	}
	return nil
}

// protectExec drops the write permission of a text mapping and makes it
// executable. Translation writes with the mapping read-write, then flips it
// before the emitted code ever runs.
func protectExec(mem []byte) error {
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.Wrap(err, "failed to make text VM memory executable")
	}
	return nil
}
