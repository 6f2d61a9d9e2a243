package sysfsctl

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mdraid/mdctl/internal/mderr"
)

// MD ioctl numbers (include/uapi/linux/raid/md_u.h). golang.org/x/sys/unix
// doesn't define MD-specific ioctls, so they are declared here as opaque
// integers straight from the kernel UAPI header, the same way the teacher
// declares raw NBD/BLK device numbers locally when the stdlib lacks them.
const (
	mdMajor = 0x09

	getArrayInfo = 0x0900 + 11
	setArrayInfo = 0x0900 + 10
	getDiskInfo  = 0x0900 + 12
	addNewDisk   = 0x0900 + 14
	runArray     = 0x0900 + 30
	stopArray    = 0x0900 + 32

	setBitmapFile = 0x0900 + 36
	getBitmapFile = 0x0900 + 37

	blkGetSize64 = unix.BLKGETSIZE64
	blkGetSize   = 0x1260
	blkFlsBuf    = 0x1261
	blkSSZGet    = unix.BLKSSZGET
)

// ArrayInfo mirrors mdu_array_info_t, the payload of GET/SET_ARRAY_INFO.
type ArrayInfo struct {
	MajorVersion int32
	MinorVersion int32
	PatchVersion int32
	CtimeHi      uint32 // ctime truncated to fit the legacy 32-bit ioctl field
	Level        int32
	Size         int32 // KB, legacy 32-bit field
	NrDisks      int32
	RaidDisks    int32
	MdMinor      int32
	NotPersisted int32

	UtimeHi      uint32
	State        int32
	ActiveDisks  int32
	WorkingDisks int32
	FailedDisks  int32
	SpareDisks   int32

	Layout    int32
	ChunkSize int32 // bytes
}

// DiskInfo mirrors mdu_disk_info_t, the payload of GET/ADD_NEW_DISK.
type DiskInfo struct {
	Number int32
	Major  int32
	Minor  int32
	Raid   int32
	State  int32
}

func ioctlPtr(fd uintptr, req uintptr, p unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(p))
	if errno != 0 {
		if errno == unix.EBUSY {
			return mderr.Wrap(errno, mderr.Busy, "ioctl")
		}
		if errno == unix.ENOTTY {
			return mderr.Wrap(errno, mderr.KernelUnsupported, "ioctl")
		}
		return mderr.Wrap(errno, mderr.IoError, "ioctl")
	}
	return nil
}

func GetArrayInfo(fd uintptr) (*ArrayInfo, error) {
	var info ArrayInfo
	if err := ioctlPtr(fd, getArrayInfo, unsafe.Pointer(&info)); err != nil {
		return nil, err
	}
	return &info, nil
}

func SetArrayInfo(fd uintptr, info *ArrayInfo) error {
	return ioctlPtr(fd, setArrayInfo, unsafe.Pointer(info))
}

func GetDiskInfo(fd uintptr, number int32) (*DiskInfo, error) {
	info := &DiskInfo{Number: number}
	if err := ioctlPtr(fd, getDiskInfo, unsafe.Pointer(info)); err != nil {
		return nil, err
	}
	return info, nil
}

func AddNewDisk(fd uintptr, info *DiskInfo) error {
	return ioctlPtr(fd, addNewDisk, unsafe.Pointer(info))
}

func RunArray(fd uintptr) error {
	return ioctlPtr(fd, runArray, nil)
}

func StopArray(fd uintptr) error {
	return ioctlPtr(fd, stopArray, nil)
}
