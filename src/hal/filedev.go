//go:build unix

package hal

import (
	"fmt"

	"golang.org/x/sys/unix"
)

/// FileBlockDevice is a BlockDevice backed by a real file descriptor,
/// issuing positioned reads/writes with golang.org/x/sys/unix so the swap
/// path performs raw block I/O against a named device string rather than
/// routing through buffered os.File.
type FileBlockDevice struct {
	fd   int
	size int64
}

/// OpenFileBlockDevice opens path (a raw block device or a regular file
/// standing in for one) for reading and writing. size is the device's
/// usable capacity in bytes.
func OpenFileBlockDevice(path string, size int64) (*FileBlockDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("hal: open swap device %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("hal: truncate swap device %s: %w", path, err)
	}
	return &FileBlockDevice{fd: fd, size: size}, nil
}

/// ReadAt issues a positioned pread of len(p) bytes at off.
func (d *FileBlockDevice) ReadAt(p []byte, off int64) error {
	n, err := unix.Pread(d.fd, p, off)
	if err != nil {
		return fmt.Errorf("hal: pread at %d: %w", off, err)
	}
	if n != len(p) {
		return fmt.Errorf("hal: short pread at %d: got %d want %d", off, n, len(p))
	}
	return nil
}

/// WriteAt issues a positioned pwrite of p at off.
func (d *FileBlockDevice) WriteAt(p []byte, off int64) error {
	n, err := unix.Pwrite(d.fd, p, off)
	if err != nil {
		return fmt.Errorf("hal: pwrite at %d: %w", off, err)
	}
	if n != len(p) {
		return fmt.Errorf("hal: short pwrite at %d: got %d want %d", off, n, len(p))
	}
	return nil
}

/// Size returns the device capacity in bytes.
func (d *FileBlockDevice) Size() int64 {
	return d.size
}

/// Close releases the underlying file descriptor.
func (d *FileBlockDevice) Close() error {
	return unix.Close(d.fd)
}
