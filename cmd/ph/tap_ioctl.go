package main

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// tapIfreqSize mirrors struct ifreq from <net/if.h>: a 16-byte interface
// name followed by a union whose first member (ifr_flags) is all TUNSETIFF
// needs.
const tapIfreqSize = 40

func tapIfreq(name string) []byte {
	buf := make([]byte, tapIfreqSize)
	copy(buf[:unix.IFNAMSIZ-1], name)
	flags := uint16(unix.IFF_TAP | unix.IFF_NO_PI)
	buf[16] = byte(flags)
	buf[17] = byte(flags >> 8)
	return buf
}

func tapIoctl(fd int, ifr []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0])))
	if errno != 0 {
		return errno
	}
	return nil
}
