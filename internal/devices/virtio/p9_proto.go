package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
)

// 9P2000.L opcodes, the subset spec.md §4.7.1 requires. Values match the
// wire protocol (see the Plan 9/Linux 9p client headers); replies are
// always request+1.
const (
	p9TStatfs      = 8
	p9RStatfs      = 9
	p9TLopen       = 12
	p9RLopen       = 13
	p9TLcreate     = 14
	p9RLcreate     = 15
	p9TSymlink     = 16
	p9RSymlink     = 17
	p9TMknod       = 18
	p9RMknod       = 19
	p9TRename      = 20
	p9RRename      = 21
	p9TReadlink    = 22
	p9RReadlink    = 23
	p9TGetattr     = 24
	p9RGetattr     = 25
	p9TSetattr     = 26
	p9RSetattr     = 27
	p9TXattrwalk   = 30
	p9RXattrwalk   = 31
	p9TXattrcreate = 32
	p9RXattrcreate = 33
	p9TReaddir     = 40
	p9RReaddir     = 41
	p9TFsync       = 50
	p9RFsync       = 51
	p9TLock        = 52
	p9RLock        = 53
	p9TGetlock     = 54
	p9RGetlock     = 55
	p9TLink        = 70
	p9RLink        = 71
	p9TMkdir       = 72
	p9RMkdir       = 73
	p9TRenameat    = 74
	p9RRenameat    = 75
	p9TUnlinkat    = 76
	p9RUnlinkat    = 77
	p9TVersion     = 100
	p9RVersion     = 101
	p9TAttach      = 104
	p9RAttach      = 105
	p9TFlush       = 108
	p9RFlush       = 109
	p9TWalk        = 110
	p9RWalk        = 111
	p9TRead        = 116
	p9RRead        = 117
	p9TWrite       = 118
	p9RWrite       = 119
	p9TClunk       = 120
	p9RClunk       = 121
	p9TRemove      = 122
	p9RRemove      = 123

	p9RLerror = 7
)

const p9VersionDotL = "9P2000.L"

// Qid type bits.
const (
	p9QTDir     = 0x80
	p9QTSymlink = 0x02
	p9QTFile    = 0x00
)

// Getattr valid-mask bits (the "basic" subset, st_* minus btime/gen/data_version).
const (
	p9GetattrMode   = 0x00000001
	p9GetattrNlink  = 0x00000002
	p9GetattrUID    = 0x00000004
	p9GetattrGID    = 0x00000008
	p9GetattrRdev   = 0x00000010
	p9GetattrAtime  = 0x00000020
	p9GetattrMtime  = 0x00000040
	p9GetattrCtime  = 0x00000080
	p9GetattrIno    = 0x00000100
	p9GetattrSize   = 0x00000200
	p9GetattrBlocks = 0x00000400
	p9GetattrBasic  = 0x000007ff
)

// Setattr valid-mask bits.
const (
	p9SetattrMode     = 1 << 0
	p9SetattrUID      = 1 << 1
	p9SetattrGID      = 1 << 2
	p9SetattrSize     = 1 << 3
	p9SetattrAtime    = 1 << 4
	p9SetattrMtime    = 1 << 5
	p9SetattrCtime    = 1 << 6
	p9SetattrAtimeSet = 1 << 7
	p9SetattrMtimeSet = 1 << 8
)

const (
	p9LockSuccess = 0
	p9LockBlocked = 1
	p9LockError   = 2

	p9LockTypeRdlck = 0
	p9LockTypeWrlck = 1
	p9LockTypeUnlck = 2
)

const p9NoUID = 0xFFFFFFFF

// p9Qid is the 13-byte (type, version, path) file identity used throughout
// the protocol.
type p9Qid struct {
	Type    uint8
	Version uint32
	Path    uint64
}

func (q p9Qid) encode() [13]byte {
	var b [13]byte
	b[0] = q.Type
	binary.LittleEndian.PutUint32(b[1:5], q.Version)
	binary.LittleEndian.PutUint64(b[5:13], q.Path)
	return b
}

// p9Reader reads request fields sequentially from a Chain's readable
// spans, mirroring the Rust original's Pdu read helpers.
type p9Reader struct {
	chain *Chain
	err   error
}

func (r *p9Reader) bytes(n uint32) []byte {
	if r.err != nil {
		return nil
	}
	buf := make([]byte, 0, n)
	for uint32(len(buf)) < n {
		slice, err := r.chain.CurrentReadSlice(n - uint32(len(buf)))
		if err != nil {
			r.err = err
			return nil
		}
		if slice == nil {
			r.err = fmt.Errorf("virtio-9p: short request")
			return nil
		}
		buf = append(buf, slice...)
		if err := r.chain.IncReadOffset(uint32(len(slice))); err != nil {
			r.err = err
			return nil
		}
	}
	return buf
}

func (r *p9Reader) u8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *p9Reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *p9Reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *p9Reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *p9Reader) str() string {
	n := r.u16()
	if r.err != nil || n == 0 {
		return ""
	}
	b := r.bytes(uint32(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// p9Writer accumulates a reply body into a Chain's writeable spans.
type p9Writer struct {
	chain *Chain
	err   error
}

func (w *p9Writer) put(b []byte) {
	if w.err != nil {
		return
	}
	if err := w.chain.CommitWrite(b); err != nil {
		w.err = err
	}
}

func (w *p9Writer) u8(v uint8)   { w.put([]byte{v}) }
func (w *p9Writer) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.put(b[:]) }
func (w *p9Writer) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.put(b[:]) }
func (w *p9Writer) u16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); w.put(b[:]) }
func (w *p9Writer) qid(q p9Qid)  { b := q.encode(); w.put(b[:]) }
func (w *p9Writer) str(s string) {
	w.u16(uint16(len(s)))
	w.put([]byte(s))
}

// p9Pdu drives one request/response exchange over a chain: it reserves a
// 7-byte reply header at read_done, then back-patches it once the body is
// known, exactly as spec.md §4.7 describes.
type p9Pdu struct {
	chain     *Chain
	tag       uint16
	cmd       uint8
	replyAddr uint64
	r         p9Reader
	w         p9Writer
}

// readDone parses the common header (size, type, tag already consumed by
// the caller) and reserves the reply header space.
func (p *p9Pdu) readDone() error {
	addr, ok := p.chain.CurrentWriteAddr()
	if !ok {
		return fmt.Errorf("virtio-9p: no writeable space for reply")
	}
	p.replyAddr = addr
	// Reserve size(4) + type(1) + tag(2); patched in writeDone/bailErr.
	var zero [7]byte
	if err := p.chain.CommitWrite(zero[:]); err != nil {
		return err
	}
	return p.r.err
}

// writeDone finalizes a successful reply: total size, cmd+1, tag.
func (p *p9Pdu) writeDone() error {
	if p.w.err != nil {
		return p.bailErr(p.w.err)
	}
	size := uint32(7) + bodyLen(p)
	var hdr [7]byte
	binary.LittleEndian.PutUint32(hdr[0:4], size)
	hdr[4] = p.cmd + 1
	binary.LittleEndian.PutUint16(hdr[5:7], p.tag)
	return p.chain.WriteAtAddr(p.replyAddr, hdr[:])
}

// bodyLen recovers how many bytes of the reply body have been written so
// far by diffing the chain's accumulated write length against the 7-byte
// header already committed.
func bodyLen(p *p9Pdu) uint32 {
	if p.chain.wlen < 7 {
		return 0
	}
	return p.chain.wlen - 7
}

// bailErr discards any partial reply body and writes an RLERROR in its
// place. Because the chain's write cursor cannot rewind, the caller must
// not have written anything past the reserved header before calling this
// — handlers call bailErr as soon as an operation fails, before writing
// any body bytes.
func (p *p9Pdu) bailErr(err error) error {
	errno := p9ErrorCode(err)
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], uint32(errno))
	if werr := p.chain.CommitWrite(body[:]); werr != nil {
		return werr
	}
	var hdr [7]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 11)
	hdr[4] = p9RLerror
	binary.LittleEndian.PutUint16(hdr[5:7], p.tag)
	return p.chain.WriteAtAddr(p.replyAddr, hdr[:])
}

// p9ErrorCode maps a Go error to a POSIX errno, mirroring the Rust
// original's ErrorKind table (pdu.rs error_code) but driven off
// syscall.Errno, since that's what this codebase's os/syscall calls
// actually return.
func p9ErrorCode(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, errFidExists), errors.Is(err, errFidPathEscape), errors.Is(err, errFidInvalidName):
		return syscall.EINVAL
	case errors.Is(err, errFidNotOpen):
		return syscall.EBADF
	case errors.Is(err, errUnsupported):
		return syscall.EOPNOTSUPP
	default:
		return syscall.EIO
	}
}
