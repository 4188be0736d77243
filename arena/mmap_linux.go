//go:build linux

package arena

import (
	"syscall"
)

// mmap is the raw system call, taking the requested address and flags
// verbatim and returning the mapped address. The x/sys/unix Mmap
// wrapper hands out managed []byte mappings and cannot place one at a
// caller-chosen address, so MAP_FIXED remaps onto a live reservation
// go through here.
func mmap(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	p, _, errno := syscall.Syscall6(syscall.SYS_MMAP,
		addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return p, nil
}
