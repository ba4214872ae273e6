//go:build windows

package storage

import (
	"syscall"
	"unsafe"
)

// freeBytes returns the number of free bytes available to the calling user
// on the volume containing path, via GetDiskFreeSpaceExW.
func freeBytes(path string) (uint64, error) {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	proc := kernel32.NewProc("GetDiskFreeSpaceExW")

	pathPtr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}

	var freeAvailable uint64
	ret, _, callErr := proc.Call(
		uintptr(unsafe.Pointer(pathPtr)),
		uintptr(unsafe.Pointer(&freeAvailable)),
		0,
		0,
	)
	if ret == 0 {
		return 0, callErr
	}
	return freeAvailable, nil
}
