package virtio

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/subgraph/ph/internal/debug"
	"github.com/subgraph/ph/internal/devices/amd64/pci"
	"github.com/subgraph/ph/internal/hv"
)

// virtio-wl wire constants, per spec.md §4.8 and grounded directly on the
// original's consts module.
const (
	wlDeviceID      = 30
	wlSendMaxAllocs = 28

	wlCmdVfdNew    = 256
	wlCmdVfdClose  = 257
	wlCmdVfdSend   = 258
	wlCmdVfdRecv   = 259
	wlCmdVfdNewCtx = 260
	wlCmdVfdNewPipe = 261
	wlCmdVfdHup    = 262

	wlRespOk            = 4096
	wlRespVfdNew        = 4097
	wlRespErr           = 4352
	wlRespOutOfMemory   = 4353
	wlRespInvalidID     = 4354
	wlRespInvalidType   = 4355
	wlRespInvalidFlags  = 4356
	wlRespInvalidCmd    = 4357

	wlVfdWrite   = 0x1
	wlVfdRead    = 0x2
	wlVfdMap     = 0x2
	wlVfdControl = 0x4

	wlFeatureTransFlags = 1 << 0

	wlNextVfdIDBase = 0x40000000
	wlVfdIDHostMask = 0x40000000

	wlRecvHdrSize = 16
	wlInBufferLen = 0x1000 - wlRecvHdrSize - wlSendMaxAllocs*4

	wlQueueIn  = 0
	wlQueueOut = 1

	wlQueueCount      = 2
	wlQueueNumMax     = 256
	wlVendorID        = 0x554d4551 // "QEMU"
	wlVersion         = 2
	wlInterruptBit    = 0x1
	wlShmWindowSize   = 256 << 20 // 256MiB reserved for guest-visible shm VFDs
)

// WlPCITemplate creates a virtio-wl device exposing a Wayland socket to
// the guest, per spec.md §4.8.
type WlPCITemplate struct {
	Host     *pci.HostBridge
	Bus      uint8
	Device   uint8
	Function uint8

	// SocketPath is the host's Wayland control socket, e.g.
	// "/run/user/1000/wayland-0".
	SocketPath string
	// ShmBase is the guest-physical base address of the window reserved
	// for VFD_NEW shared-memory allocations.
	ShmBase uint64
}

// Create implements hv.DeviceTemplate.
func (t WlPCITemplate) Create(vm hv.VirtualMachine) (hv.Device, error) {
	if t.Host == nil {
		return nil, fmt.Errorf("virtio-wl: PCI template requires a host bridge")
	}
	if t.SocketPath == "" {
		return nil, fmt.Errorf("virtio-wl: socket path required")
	}
	w := &Wl{
		mgr: newWlManager(vm, t.SocketPath, newWlGpaAllocator(t.ShmBase, wlShmWindowSize)),
	}
	w.config = &MMIODeviceConfig{
		DeviceID:     wlDeviceID,
		VendorID:     wlVendorID,
		Version:      wlVersion,
		QueueCount:   wlQueueCount,
		QueueMaxSize: wlQueueNumMax,
		FeatureBits:  []uint64{virtioFeatureVersion1 | wlFeatureTransFlags},
		DeviceName:   "virtio-wl",
	}
	if err := w.InitBasePCI(vm, t.Host, t.Bus, t.Device, t.Function, wlDeviceID, w); err != nil {
		return nil, err
	}
	if err := w.mgr.start(); err != nil {
		return nil, err
	}
	return w, nil
}

var _ hv.DeviceTemplate = WlPCITemplate{}

// Wl is the virtio-wl transport backend. The out queue carries VFD
// commands from the guest; the in queue carries VFD_NEW/VFD_RECV/VFD_HUP
// notifications back, queued by the manager's poll loop and drained
// either by an explicit notify on the in queue or directly by that poll
// loop, mirroring virtio-console's enqueueInput pattern of driving queue
// processing from a background reader goroutine.
type Wl struct {
	MMIODeviceBase
	mgr *wlManager
}

// Init implements hv.MemoryMappedIODevice.
func (w *Wl) Init(vm hv.VirtualMachine) error {
	if w.Device() != nil {
		if mmio, ok := w.Device().(*mmioDevice); ok && vm != nil {
			mmio.vm = vm
		}
		return nil
	}
	return w.InitBase(vm, w)
}

func (w *Wl) OnReset(device) {
	w.mgr.reset()
}

func (w *Wl) OnQueueNotify(ctx hv.ExitContext, dev device, queue int) error {
	w.mgr.setDevice(dev)
	switch queue {
	case wlQueueOut:
		return w.drainOut(dev)
	case wlQueueIn:
		w.mgr.drainPending(dev)
		return nil
	default:
		return nil
	}
}

func (w *Wl) drainOut(dev device) error {
	q := dev.queue(wlQueueOut)
	processed, err := ProcessQueueNotifications(dev, q, w.handleCommand)
	if err != nil {
		return err
	}
	if ShouldRaiseInterrupt(dev, q, processed) {
		return dev.raiseInterrupt(wlInterruptBit)
	}
	return nil
}

func (w *Wl) handleCommand(dev device, q *queue, head uint16) (uint32, error) {
	chain, err := OpenChain(dev, q, head)
	if err != nil {
		return 0, err
	}
	defer chain.Discard()

	r := &p9Reader{chain: chain}
	wr := &p9Writer{chain: chain}

	cmd := r.u32()
	_ = r.u32() // flags, always zero on this queue
	if r.err != nil {
		return chain.wlen, r.err
	}

	w.mgr.handle(cmd, r, wr)
	if r.err != nil {
		return chain.wlen, r.err
	}
	return chain.wlen, wr.err
}

func (w *Wl) ReadConfig(ctx hv.ExitContext, dev device, offset uint64) (uint32, bool, error) {
	return ReadConfigWindow(offset, nil)
}

func (w *Wl) WriteConfig(ctx hv.ExitContext, dev device, offset uint64, value uint32) (bool, error) {
	return WriteConfigNoop(offset)
}

var (
	_ hv.MemoryMappedIODevice = (*Wl)(nil)
	_ deviceHandler           = (*Wl)(nil)
)

// wlManager owns the VFD table and the host-side poll set, per spec.md
// §4.8's state description: a map vfd_id -> VFD, a monotonically
// increasing host-id counter starting at 0x4000_0000, a pending-input
// queue, and a poll set of host fds.
type wlManager struct {
	vm            hv.VirtualMachine
	socketPath    string
	useTransition bool
	alloc         *wlGpaAllocator

	mu      sync.Mutex
	vfds    map[uint32]wlVfd
	nextID  uint32
	pending []wlPendingInput

	epfd     int
	stopChan chan struct{}
	stopOnce sync.Once

	dev device
}

// wlPendingInput is one queued inbound message awaiting delivery on the
// in queue: either a hangup, a run of synthesized VFD_NEW announcements
// for newly received fds, or the VFD_RECV payload itself.
type wlPendingInput struct {
	vfdID   uint32
	hangup  bool
	newVfds []uint32
	payload []byte
}

func newWlManager(vm hv.VirtualMachine, socketPath string, alloc *wlGpaAllocator) *wlManager {
	return &wlManager{
		vm:         vm,
		socketPath: socketPath,
		alloc:      alloc,
		vfds:       make(map[uint32]wlVfd),
		nextID:     wlNextVfdIDBase,
		stopChan:   make(chan struct{}),
	}
}

func (m *wlManager) setDevice(dev device) {
	m.mu.Lock()
	m.dev = dev
	m.mu.Unlock()
}

func (m *wlManager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, vfd := range m.vfds {
		vfd.close()
	}
	m.vfds = make(map[uint32]wlVfd)
	m.pending = nil
	m.nextID = wlNextVfdIDBase
}

func (m *wlManager) start() error {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("virtio-wl: epoll_create1: %w", err)
	}
	m.epfd = epfd
	go m.pollLoop()
	return nil
}

func (m *wlManager) stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		unix.Close(m.epfd)
	})
}

func (m *wlManager) pollLoop() {
	events := make([]unix.EpollEvent, 16)
	for {
		select {
		case <-m.stopChan:
			return
		default:
		}
		n, err := unix.EpollWait(m.epfd, events, 250)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			select {
			case <-m.stopChan:
				return
			default:
				slog.Warn("virtio-wl: epoll_wait error", "err", err)
				return
			}
		}
		for i := 0; i < n; i++ {
			id := uint32(events[i].Fd)
			if events[i].Events&unix.EPOLLIN != 0 {
				m.recvFrom(id)
			} else if events[i].Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				m.hangup(id)
			}
		}
		m.mu.Lock()
		dev := m.dev
		m.mu.Unlock()
		if dev != nil {
			m.drainPending(dev)
		}
	}
}

func (m *wlManager) pollAdd(fd int, id uint32) {
	unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(id)})
}

func (m *wlManager) pollDel(fd int) {
	unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (m *wlManager) hangup(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vfd, ok := m.vfds[id]; ok {
		if fd, ok := vfd.pollFD(); ok {
			m.pollDel(fd)
		}
	}
	m.pending = append(m.pending, wlPendingInput{vfdID: id, hangup: true})
}

func (m *wlManager) recvFrom(id uint32) {
	m.mu.Lock()
	vfd, ok := m.vfds[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	recv, err := vfd.recv()
	if err != nil {
		debug.Writef("virtio-wl.recv", "id=0x%08x err=%v", id, err)
		return
	}
	if recv == nil {
		m.hangup(id)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var newIDs []uint32
	for _, fd := range recv.fds {
		nid, err := m.adoptFd(fd)
		if err != nil {
			debug.Writef("virtio-wl.recv", "adopt fd failed: %v", err)
			continue
		}
		newIDs = append(newIDs, nid)
	}
	m.pending = append(m.pending, wlPendingInput{vfdID: id, newVfds: newIDs, payload: recv.buf})
}

// adoptFd wraps a file descriptor received over the control socket (via
// SCM_RIGHTS) as a new host-allocated VFD, sized as shared memory if it
// refers to a regular file with a size, or a pipe otherwise — matching
// spec.md §4.8.2.
func (m *wlManager) adoptFd(fd int) (uint32, error) {
	id := m.nextID
	m.nextID++

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err == nil && stat.Mode&unix.S_IFMT == unix.S_IFREG && stat.Size > 0 {
		gpa, aerr := m.alloc.allocate(uint64(wlRoundToPage(uint32(stat.Size))))
		if aerr == nil {
			if region, rerr := m.vm.AllocateMemory(gpa, uint64(wlRoundToPage(uint32(stat.Size)))); rerr == nil {
				_ = region
				m.vfds[id] = &wlShm{idVal: id, gpa: gpa, size: uint64(stat.Size), memFd: fdToFile(fd, "wl-shm-adopted")}
				return id, nil
			}
		}
	}

	p := &wlPipe{idVal: id, local: fdToFile(fd, "wl-pipe-adopted"), isWrite: false}
	if accmode, ferr := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0); ferr == nil {
		switch accmode & unix.O_ACCMODE {
		case unix.O_WRONLY:
			p.flagsVal = wlVfdWrite
			p.isWrite = true
		case unix.O_RDWR:
			p.flagsVal = wlVfdRead | wlVfdWrite
		default:
			p.flagsVal = wlVfdRead
		}
	} else {
		p.flagsVal = wlVfdRead
	}
	m.vfds[id] = p
	if pfd, ok := p.pollFD(); ok {
		m.pollAdd(pfd, id)
	}
	return id, nil
}

// drainPending delivers queued hangup/recv notifications into the in
// queue, mirroring virtio-console's processReceiveQueue: it stops as
// soon as either the guest has no more posted buffers or the pending
// queue runs dry, never consuming a guest buffer it has nothing to
// write into.
func (m *wlManager) drainPending(dev device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return
	}

	q := dev.queue(wlQueueIn)
	if !QueueReady(q) {
		return
	}
	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		slog.Error("virtio-wl: read avail state", "err", err)
		return
	}

	var interruptNeeded bool
	for q.lastAvailIdx != availIdx && len(m.pending) > 0 {
		ringIndex := q.lastAvailIdx % q.size
		head, err := dev.readAvailEntry(q, ringIndex)
		if err != nil {
			slog.Error("virtio-wl: read avail entry", "err", err)
			return
		}

		written, err := m.fillOnePending(dev, q, head)
		if err != nil {
			slog.Error("virtio-wl: fill pending input", "err", err)
			return
		}
		if err := dev.recordUsedElement(q, head, written); err != nil {
			slog.Error("virtio-wl: record used element", "err", err)
			return
		}
		q.lastAvailIdx++
		interruptNeeded = true
	}

	if interruptNeeded {
		dev.raiseInterrupt(wlInterruptBit)
	}
}

// fillOnePending pops the oldest pending notification and writes it
// into the descriptor chain at head. Caller holds m.mu.
func (m *wlManager) fillOnePending(dev device, q *queue, head uint16) (uint32, error) {
	msg := m.pending[0]
	m.pending = m.pending[1:]

	chain, err := OpenChain(dev, q, head)
	if err != nil {
		return 0, err
	}
	defer chain.Discard()
	w := &p9Writer{chain: chain}

	if msg.hangup {
		w.u32(wlCmdVfdHup)
		w.u32(0)
		w.u32(msg.vfdID)
		return chain.wlen, w.err
	}

	w.u32(wlCmdVfdRecv)
	w.u32(0)
	w.u32(msg.vfdID)
	w.u32(uint32(len(msg.newVfds)))
	for _, id := range msg.newVfds {
		w.u32(id)
	}
	w.put(msg.payload)
	return chain.wlen, w.err
}

// handle dispatches one VFD command off the out queue, per spec.md
// §4.8.1. It never returns an error for protocol-level problems —
// those are reported to the guest as a VIRTIO_WL_RESP_* reply — only
// for I/O failures against the reader/writer themselves.
func (m *wlManager) handle(cmd uint32, r *p9Reader, w *p9Writer) {
	switch cmd {
	case wlCmdVfdNew:
		m.cmdNewAlloc(r, w)
	case wlCmdVfdClose:
		m.cmdClose(r, w)
	case wlCmdVfdSend:
		m.cmdSend(r, w)
	case wlCmdVfdNewCtx:
		m.cmdNewCtx(r, w)
	case wlCmdVfdNewPipe:
		m.cmdNewPipe(r, w)
	default:
		slog.Warn("virtio-wl: unexpected command", "cmd", cmd)
		simpleResp(w, wlRespInvalidCmd)
	}
}

func simpleResp(w *p9Writer, code uint32) { w.u32(code) }

func (m *wlManager) respVfdNew(w *p9Writer, id, flags uint32, pfn uint64, size uint32) {
	w.u32(wlRespVfdNew)
	w.u32(0)
	w.u32(id)
	w.u32(flags)
	w.u64(pfn)
	w.u32(size)
}

func wlIsValidGuestID(id uint32) bool { return id&wlVfdIDHostMask == 0 }

func (m *wlManager) cmdNewAlloc(r *p9Reader, w *p9Writer) {
	id := r.u32()
	flags := r.u32()
	_ = r.u64() // pfn, guest hint, ignored
	size := r.u32()
	if r.err != nil {
		return
	}
	if !wlIsValidGuestID(id) {
		simpleResp(w, wlRespInvalidID)
		return
	}

	m.mu.Lock()
	shm, err := newWlShm(id, m.vm, m.alloc, size)
	if err != nil {
		m.mu.Unlock()
		simpleResp(w, wlRespOutOfMemory)
		return
	}
	m.vfds[id] = shm
	m.mu.Unlock()

	pfn, sz, _ := shm.pfnAndSize()
	m.respVfdNew(w, id, flags, pfn, uint32(sz))
}

func (m *wlManager) cmdClose(r *p9Reader, w *p9Writer) {
	id := r.u32()
	if r.err != nil {
		return
	}
	m.mu.Lock()
	vfd, ok := m.vfds[id]
	if ok {
		if fd, ok := vfd.pollFD(); ok {
			m.pollDel(fd)
		}
		delete(m.vfds, id)
	}
	m.mu.Unlock()
	if ok {
		vfd.close()
	}
	simpleResp(w, wlRespOk)
}

func (m *wlManager) cmdSend(r *p9Reader, w *p9Writer) {
	id := r.u32()
	count := r.u32()
	if r.err != nil {
		return
	}
	if count > wlSendMaxAllocs {
		slog.Warn("virtio-wl: too many send vfd ids", "count", count)
		simpleResp(w, wlRespInvalidType)
		return
	}
	var sendFds []int
	for i := uint32(0); i < count; i++ {
		vid := r.u32()
		if r.err != nil {
			return
		}
		m.mu.Lock()
		vfd, ok := m.vfds[vid]
		m.mu.Unlock()
		if !ok {
			slog.Warn("virtio-wl: unknown send vfd id", "id", vid)
			continue
		}
		fd, ok := vfd.sendFD()
		if !ok {
			simpleResp(w, wlRespInvalidType)
			return
		}
		sendFds = append(sendFds, fd)
	}
	data := r.bytes(r.chain.RemainingRead())
	if r.err != nil {
		return
	}

	m.mu.Lock()
	vfd, ok := m.vfds[id]
	m.mu.Unlock()
	if !ok {
		simpleResp(w, wlRespInvalidID)
		return
	}

	var sendErr error
	if len(sendFds) > 0 {
		sendErr = vfd.sendWithFds(data, sendFds)
	} else {
		sendErr = vfd.send(data)
	}
	if sendErr != nil {
		debug.Writef("virtio-wl.send", "id=0x%08x err=%v", id, sendErr)
		simpleResp(w, wlRespErr)
		return
	}
	simpleResp(w, wlRespOk)
}

func (m *wlManager) cmdNewCtx(r *p9Reader, w *p9Writer) {
	id := r.u32()
	if r.err != nil {
		return
	}
	if !wlIsValidGuestID(id) {
		simpleResp(w, wlRespInvalidID)
		return
	}
	sock, err := newWlSocket(id, m.socketPath, m.useTransition)
	if err != nil {
		debug.Writef("virtio-wl.new_ctx", "err=%v", err)
		simpleResp(w, wlRespErr)
		return
	}
	m.mu.Lock()
	m.vfds[id] = sock
	m.pollAdd(sock.fd, id)
	m.mu.Unlock()
	m.respVfdNew(w, id, sock.flags(), 0, 0)
}

func wlValidNewPipeFlags(flags uint32) bool {
	if flags & ^uint32(wlVfdWrite|wlVfdRead) != 0 {
		return false
	}
	read := flags&wlVfdRead != 0
	write := flags&wlVfdWrite != 0
	return read != write
}

func (m *wlManager) cmdNewPipe(r *p9Reader, w *p9Writer) {
	id := r.u32()
	flags := r.u32()
	if r.err != nil {
		return
	}
	if !wlIsValidGuestID(id) {
		simpleResp(w, wlRespInvalidID)
		return
	}
	if !wlValidNewPipeFlags(flags) {
		simpleResp(w, wlRespInvalidFlags)
		return
	}
	pipe, err := newWlPipe(id, flags)
	if err != nil {
		debug.Writef("virtio-wl.new_pipe", "err=%v", err)
		simpleResp(w, wlRespErr)
		return
	}
	m.mu.Lock()
	m.vfds[id] = pipe
	if fd, ok := pipe.pollFD(); ok {
		m.pollAdd(fd, id)
	}
	m.mu.Unlock()
	m.respVfdNew(w, id, 0, 0, 0)
}

func fdToFile(fd int, name string) *os.File { return os.NewFile(uintptr(fd), name) }
