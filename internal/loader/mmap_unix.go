//go:build unix

package loader

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// readFile maps the file read-only. The returned slice is valid until
// release is called.
func readFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := info.Size()
	switch {
	case size > MaxFileSize:
		return nil, nil, fmt.Errorf("%s: %w", path, ErrTooLarge)
	case size == 0 || !info.Mode().IsRegular():
		return readPlain(path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		log.Debugf("mmap %s failed, reading instead: %v", path, err)
		return readPlain(path)
	}
	return data, func() {
		if err := unix.Munmap(data); err != nil {
			log.Warnf("munmap %s: %v", path, err)
		}
	}, nil
}
