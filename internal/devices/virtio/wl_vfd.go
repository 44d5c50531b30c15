package virtio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/subgraph/ph/internal/hv"
)

// wlRecv is one inbound message pulled from a VFD: a payload and,
// for a socket VFD, any file descriptors received alongside it via
// SCM_RIGHTS.
type wlRecv struct {
	buf []byte
	fds []int
}

// wlVfd is the common interface every virtio-wl object (shared memory,
// pipe, control socket) implements, mirroring the original VfdObject
// trait in spec.md §4.8.
type wlVfd interface {
	id() uint32
	sendFD() (int, bool)
	pollFD() (int, bool)
	recv() (*wlRecv, error)
	send(data []byte) error
	sendWithFds(data []byte, fds []int) error
	flags() uint32
	pfnAndSize() (pfn, size uint64, ok bool)
	close() error
}

// wlShm is a guest-memory-backed VFD created by VFD_NEW. The guest maps
// the returned (pfn, size) directly; a host-side memfd of the same size
// backs sendFD so the region can still be handed to a real Wayland
// compositor via SCM_RIGHTS. The two are distinct physical pages — this
// hypervisor's AllocateMemory always backs guest RAM with a fresh
// anonymous mapping, so there is no API to import an existing fd as a
// KVM memory slot, unlike the original's register_device_memory. Content
// written into the guest region is not mirrored into the memfd; a real
// zero-copy path would need that hv-layer addition.
type wlShm struct {
	idVal  uint32
	region hv.MemoryRegion
	gpa    uint64
	size   uint64
	memFd  *os.File
}

func newWlShm(id uint32, vm hv.VirtualMachine, alloc *wlGpaAllocator, size uint32) (*wlShm, error) {
	rounded := wlRoundToPage(size)
	gpa, err := alloc.allocate(uint64(rounded))
	if err != nil {
		return nil, err
	}
	region, err := vm.AllocateMemory(gpa, uint64(rounded))
	if err != nil {
		return nil, fmt.Errorf("virtio-wl: allocate shm region: %w", err)
	}
	fd, err := unix.MemfdCreate(fmt.Sprintf("wl-shm-%08x", id), 0)
	if err != nil {
		return nil, fmt.Errorf("virtio-wl: memfd_create: %w", err)
	}
	memFile := os.NewFile(uintptr(fd), "wl-shm")
	if err := memFile.Truncate(int64(rounded)); err != nil {
		memFile.Close()
		return nil, fmt.Errorf("virtio-wl: truncate memfd: %w", err)
	}
	return &wlShm{idVal: id, region: region, gpa: gpa, size: uint64(rounded), memFd: memFile}, nil
}

func wlRoundToPage(n uint32) uint32 {
	const pageSize = 4096
	return (n + pageSize - 1) &^ (pageSize - 1)
}

func (s *wlShm) id() uint32                    { return s.idVal }
func (s *wlShm) sendFD() (int, bool)            { return int(s.memFd.Fd()), true }
func (s *wlShm) pollFD() (int, bool)            { return 0, false }
func (s *wlShm) recv() (*wlRecv, error)         { return nil, nil }
func (s *wlShm) send([]byte) error              { return errWlInvalidSend }
func (s *wlShm) sendWithFds([]byte, []int) error { return errWlInvalidSend }
func (s *wlShm) flags() uint32                  { return wlVfdMap }
func (s *wlShm) pfnAndSize() (uint64, uint64, bool) {
	return s.gpa >> 12, s.size, true
}
func (s *wlShm) close() error {
	return s.memFd.Close()
}

// wlPipe is a half-duplex OS pipe created by VFD_NEW_PIPE. One end is
// kept local (read from to synthesize VFD_RECV, or written to by
// VFD_SEND); the other is handed to the real compositor process via
// SCM_RIGHTS the next time this vfd-id appears in a VFD_SEND target list.
type wlPipe struct {
	idVal    uint32
	local    *os.File
	remote   *os.File
	flagsVal uint32
	isWrite  bool // guest writes to this pipe; local end is the write end
}

func newWlPipe(id uint32, flags uint32) (*wlPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("virtio-wl: create pipe: %w", err)
	}
	isWrite := flags&wlVfdWrite != 0
	p := &wlPipe{idVal: id, flagsVal: flags, isWrite: isWrite}
	if isWrite {
		p.local, p.remote = w, r
	} else {
		p.local, p.remote = r, w
	}
	return p, nil
}

func (p *wlPipe) id() uint32 { return p.idVal }
func (p *wlPipe) sendFD() (int, bool) {
	if p.remote == nil {
		return 0, false
	}
	return int(p.remote.Fd()), true
}
func (p *wlPipe) pollFD() (int, bool) {
	if p.isWrite || p.local == nil {
		return 0, false
	}
	return int(p.local.Fd()), true
}
func (p *wlPipe) recv() (*wlRecv, error) {
	if p.isWrite || p.local == nil {
		return nil, nil
	}
	buf := make([]byte, wlInBufferLen)
	n, err := p.local.Read(buf)
	if n > 0 {
		return &wlRecv{buf: buf[:n]}, nil
	}
	if err != nil {
		return nil, nil // EOF: caller treats a nil recv as a hangup
	}
	return nil, nil
}
func (p *wlPipe) send(data []byte) error {
	if !p.isWrite || p.local == nil {
		return errWlInvalidSend
	}
	_, err := p.local.Write(data)
	return err
}
func (p *wlPipe) sendWithFds([]byte, []int) error { return errWlInvalidSend }
func (p *wlPipe) flags() uint32                   { return p.flagsVal }
func (p *wlPipe) pfnAndSize() (uint64, uint64, bool) { return 0, 0, false }
func (p *wlPipe) close() error {
	var err error
	if p.local != nil {
		err = p.local.Close()
	}
	if p.remote != nil {
		if rerr := p.remote.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// wlSocket is a connection to the host's Wayland control socket, opened
// by VFD_NEW_CTX. It uses raw syscalls rather than net.UnixConn so its fd
// can sit in the manager's own epoll set and participate in SCM_RIGHTS
// fd-passing without fighting the Go runtime's netpoller over the same
// descriptor.
type wlSocket struct {
	idVal    uint32
	fd       int
	flagsVal uint32
}

func newWlSocket(id uint32, path string, useTransition bool) (*wlSocket, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio-wl: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("virtio-wl: connect %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("virtio-wl: set nonblocking: %w", err)
	}
	flags := uint32(wlVfdRead | wlVfdWrite)
	if !useTransition {
		flags = wlVfdControl
	}
	return &wlSocket{idVal: id, fd: fd, flagsVal: flags}, nil
}

func (s *wlSocket) id() uint32           { return s.idVal }
func (s *wlSocket) sendFD() (int, bool)  { return s.fd, true }
func (s *wlSocket) pollFD() (int, bool)  { return s.fd, true }
func (s *wlSocket) flags() uint32        { return s.flagsVal }
func (s *wlSocket) pfnAndSize() (uint64, uint64, bool) { return 0, 0, false }

func (s *wlSocket) recv() (*wlRecv, error) {
	buf := make([]byte, wlInBufferLen)
	oob := make([]byte, unix.CmsgSpace(wlSendMaxAllocs*4))
	n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, cmsg := range cmsgs {
				parsed, err := unix.ParseUnixRights(&cmsg)
				if err == nil {
					fds = append(fds, parsed...)
				}
			}
		}
	}
	return &wlRecv{buf: buf[:n], fds: fds}, nil
}

func (s *wlSocket) send(data []byte) error {
	return unix.Sendmsg(s.fd, data, nil, nil, 0)
}

func (s *wlSocket) sendWithFds(data []byte, fds []int) error {
	if len(fds) == 0 {
		return s.send(data)
	}
	oob := unix.UnixRights(fds...)
	return unix.Sendmsg(s.fd, data, oob, nil, 0)
}

func (s *wlSocket) close() error {
	return unix.Close(s.fd)
}

var errWlInvalidSend = fmt.Errorf("virtio-wl: attempt to send to incompatible vfd")

// wlGpaAllocator bump-allocates guest-physical ranges for shared-memory
// VFDs out of a fixed window reserved by the machine builder, since
// AllocateMemory requires the caller to already know a free address.
type wlGpaAllocator struct {
	next uint64
	end  uint64
}

func newWlGpaAllocator(base, size uint64) *wlGpaAllocator {
	return &wlGpaAllocator{next: base, end: base + size}
}

func (a *wlGpaAllocator) allocate(size uint64) (uint64, error) {
	if a.next+size > a.end {
		return 0, fmt.Errorf("virtio-wl: shared memory window exhausted")
	}
	gpa := a.next
	a.next += size
	return gpa, nil
}
