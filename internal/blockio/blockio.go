// Package blockio provides aligned, positional I/O against block devices
// and plain files, transparently handling 4K-sector drives.
package blockio

import (
	"fmt"
	"log/slog"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mdraid/mdctl/internal/mderr"
)

// DefaultBlockSize is used when BLKSSZGET is unavailable (e.g. plain files
// used in tests).
const DefaultBlockSize = 512

// Device is an open block device or regular file, with I/O aligned to its
// physical block size.
type Device struct {
	Path string

	f         *os.File
	blockSize int
	log       *slog.Logger
}

// OpenOption configures Open.
type OpenOption func(*openOpts)

type openOpts struct {
	exclusive bool
	readOnly  bool
	log       *slog.Logger
}

func Exclusive() OpenOption { return func(o *openOpts) { o.exclusive = true } }
func ReadOnly() OpenOption  { return func(o *openOpts) { o.readOnly = true } }
func WithLogger(log *slog.Logger) OpenOption {
	return func(o *openOpts) { o.log = log }
}

// Open opens path for aligned positional I/O. Open failures (EACCES,
// ENOENT, EBUSY) propagate verbatim via errors.Wrap, tagged with the
// matching mderr.Kind.
func Open(path string, opts ...OpenOption) (*Device, error) {
	var o openOpts
	for _, f := range opts {
		f(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	flags := os.O_RDWR
	if o.readOnly {
		flags = os.O_RDONLY
	}
	if o.exclusive {
		flags |= unix.O_EXCL
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		kind := mderr.IoError
		switch {
		case errors.Is(err, os.ErrNotExist):
			kind = mderr.NoDevice
		case errors.Is(err, os.ErrPermission):
			kind = mderr.PermissionDenied
		case errors.Is(err, unix.EBUSY):
			kind = mderr.Busy
		}
		return nil, mderr.Wrapf(err, kind, "open %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mderr.Wrapf(err, mderr.IoError, "stat %s", path)
	}

	bsz := DefaultBlockSize
	if fi.Mode()&os.ModeDevice != 0 {
		if sz, err := ioctlGetInt(f.Fd(), unix.BLKSSZGET); err == nil && sz > 0 {
			bsz = sz
		}
	}

	return &Device{Path: path, f: f, blockSize: bsz, log: o.log}, nil
}

func (d *Device) Close() error { return d.f.Close() }

func (d *Device) SectorSize() int { return d.blockSize }

// Size returns the device size in bytes via BLKGETSIZE64, falling back to
// stat size for regular files and non-device paths used in tests.
func (d *Device) Size() (int64, error) {
	var sz uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&sz)))
	if errno == 0 {
		return int64(sz), nil
	}

	fi, err := d.f.Stat()
	if err != nil {
		return 0, mderr.Wrap(err, mderr.IoError, "stat size")
	}
	return fi.Size(), nil
}

func ioctlGetInt(fd uintptr, req uintptr) (int, error) {
	var v int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(unsafe.Pointer(&v)))
	if errno != 0 {
		return 0, errno
	}
	return int(v), nil
}

// ReadAt reads exactly len(buf) bytes at off. A short read is a failure.
func (d *Device) ReadAt(buf []byte, off int64) error {
	n, err := d.f.ReadAt(buf, off)
	if err != nil {
		return mderr.Wrapf(err, mderr.IoError, "read %d bytes at %d", len(buf), off)
	}
	if n != len(buf) {
		return mderr.New(mderr.IoError, fmt.Sprintf("short read: got %d want %d", n, len(buf)))
	}
	return nil
}

// WriteAt writes buf at off, aligning to the device's physical block size
// when the write doesn't already cover a full block: it reads the
// enclosing block(s), modifies the overlapping region, and writes the
// block back. Short writes report the byte count actually written.
func (d *Device) WriteAt(buf []byte, off int64) error {
	bs := int64(d.blockSize)
	if off%bs == 0 && int64(len(buf))%bs == 0 {
		n, err := d.f.WriteAt(buf, off)
		if err != nil {
			return mderr.Wrapf(err, mderr.IoError, "write %d bytes at %d (wrote %d)", len(buf), off, n)
		}
		if n != len(buf) {
			return mderr.New(mderr.IoError, fmt.Sprintf("short write: wrote %d want %d", n, len(buf)))
		}
		return nil
	}

	return d.rmwWriteAt(buf, off)
}

// rmwWriteAt performs a block-aligned read/modify/write using a bounce
// buffer sized to the enclosing blocks.
func (d *Device) rmwWriteAt(buf []byte, off int64) error {
	bs := int64(d.blockSize)

	start := (off / bs) * bs
	end := ((off + int64(len(buf)) + bs - 1) / bs) * bs

	bounce := make([]byte, end-start)
	if err := d.ReadAt(bounce, start); err != nil {
		return errors.Wrapf(err, "read-modify-write bounce read at %d", start)
	}

	copy(bounce[off-start:], buf)

	n, err := d.f.WriteAt(bounce, start)
	if err != nil {
		return mderr.Wrapf(err, mderr.IoError, "write %d bytes at %d (wrote %d)", len(bounce), start, n)
	}
	if n != len(bounce) {
		return mderr.New(mderr.IoError, fmt.Sprintf("short write: wrote %d want %d", n, len(bounce)))
	}
	return nil
}

func (d *Device) Fsync() error {
	if err := d.f.Sync(); err != nil {
		return mderr.Wrap(err, mderr.IoError, "fsync")
	}
	return nil
}

func (d *Device) Fd() uintptr { return d.f.Fd() }
