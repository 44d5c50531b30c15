package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// p9Server implements the 9P2000.L subset spec.md §4.7 requires, serving
// either a host directory (root) or an in-memory tree (synthetic). It has
// no concurrency of its own: one virtio-9p device's OnQueueNotify calls
// into it serially, matching how the single in_vq/request queue the
// transport exposes is drained one chain at a time.
type p9Server struct {
	tag      string
	root     string
	readOnly bool

	synthetic *p9SyntheticFS

	msize uint32
	fids  map[uint32]*p9Fid
}

// newP9Server creates a server exporting a host directory rooted at root.
func newP9Server(tag, root string, readOnly bool) (*p9Server, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("virtio-9p: resolve export root %q: %w", root, err)
	}
	return &p9Server{tag: tag, root: abs, readOnly: readOnly, fids: make(map[uint32]*p9Fid)}, nil
}

// newSyntheticP9Server creates a server exporting an in-memory tree,
// always read-only.
func newSyntheticP9Server(tag string, fs *p9SyntheticFS) *p9Server {
	return &p9Server{tag: tag, synthetic: fs, readOnly: true, fids: make(map[uint32]*p9Fid)}
}

func (s *p9Server) isSynthetic() bool { return s.synthetic != nil }

// handle parses the request header already consumed by the caller and
// dispatches to the opcode-specific handler, writing either a successful
// reply or an RLERROR.
func (s *p9Server) handle(p *p9Pdu) {
	var err error
	switch p.cmd {
	case p9TVersion:
		err = s.version(p)
	case p9TAttach:
		err = s.attach(p)
	case p9TWalk:
		err = s.walk(p)
	case p9TStatfs:
		err = s.statfs(p)
	case p9TGetattr:
		err = s.getattr(p)
	case p9TSetattr:
		err = s.setattr(p)
	case p9TLopen:
		err = s.lopen(p)
	case p9TLcreate:
		err = s.lcreate(p)
	case p9TRead:
		err = s.read(p)
	case p9TWrite:
		err = s.write(p)
	case p9TReaddir:
		err = s.readdir(p)
	case p9TFsync:
		err = s.fsync(p)
	case p9TLock:
		err = s.lock(p)
	case p9TGetlock:
		err = s.getlock(p)
	case p9TUnlinkat:
		err = s.unlinkat(p)
	case p9TRename:
		err = s.rename(p)
	case p9TRenameat:
		err = s.renameat(p)
	case p9TMkdir:
		err = s.mkdir(p)
	case p9TLink:
		err = s.link(p)
	case p9TSymlink:
		err = s.symlink(p)
	case p9TReadlink:
		err = s.readlink(p)
	case p9TClunk:
		err = s.clunk(p)
	case p9TRemove:
		err = s.remove(p)
	case p9TFlush:
		err = nil // no-op: this server never defers a reply, so nothing to cancel.
	case p9TXattrwalk, p9TXattrcreate:
		err = syscall.EOPNOTSUPP
	case p9TMknod:
		err = syscall.EACCES
	default:
		slog.Warn("virtio-9p: unknown opcode", "tag", s.tag, "cmd", p.cmd)
		err = syscall.EOPNOTSUPP
	}
	if err != nil {
		if werr := p.bailErr(err); werr != nil {
			slog.Error("virtio-9p: failed writing error reply", "tag", s.tag, "err", werr)
		}
		return
	}
	if werr := p.writeDone(); werr != nil {
		slog.Error("virtio-9p: failed writing reply", "tag", s.tag, "err", werr)
	}
}

func (s *p9Server) version(p *p9Pdu) error {
	msize := p.r.u32()
	ver := p.r.str()
	if p.r.err != nil {
		return p.r.err
	}
	// VERSION clears the fid table unconditionally, per spec.md §4.7.3.
	s.fids = make(map[uint32]*p9Fid)
	s.msize = msize
	reply := p9VersionDotL
	if ver != p9VersionDotL {
		reply = "unknown"
	}
	p.w.u32(msize)
	p.w.str(reply)
	return p.w.err
}

func (s *p9Server) attach(p *p9Pdu) error {
	fidNum := p.r.u32()
	_ = p.r.u32() // afid, unused: no auth
	_ = p.r.str() // uname
	_ = p.r.str() // aname
	_ = p.r.u32() // n_uname
	if p.r.err != nil {
		return p.r.err
	}
	if _, exists := s.fids[fidNum]; exists {
		return errFidExists
	}
	qid, err := s.statRoot()
	if err != nil {
		return err
	}
	s.fids[fidNum] = &p9Fid{relPath: ""}
	p.w.qid(qid)
	return p.w.err
}

func (s *p9Server) statRoot() (p9Qid, error) {
	if s.isSynthetic() {
		return s.synthetic.root.qid(), nil
	}
	info, err := os.Stat(s.root)
	if err != nil {
		return p9Qid{}, err
	}
	return statQid(info), nil
}

func (s *p9Server) walk(p *p9Pdu) error {
	fidNum := p.r.u32()
	newFidNum := p.r.u32()
	nwname := p.r.u16()
	if p.r.err != nil {
		return p.r.err
	}
	names := make([]string, nwname)
	for i := range names {
		names[i] = p.r.str()
	}
	if p.r.err != nil {
		return p.r.err
	}

	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	if newFidNum != fidNum {
		if _, exists := s.fids[newFidNum]; exists {
			return errFidExists
		}
	}

	relPath := fid.relPath
	qids := make([]p9Qid, 0, len(names))
	for _, name := range names {
		next, err := walkOne(relPath, name)
		if err != nil {
			break
		}
		if !s.isSynthetic() {
			next, err = s.resolveSymlinks(next)
			if err != nil {
				break
			}
		}
		qid, err := s.statAt(next)
		if err != nil {
			break
		}
		relPath = next
		qids = append(qids, qid)
	}

	if len(names) > 0 && len(qids) == 0 {
		return errFidInvalidName
	}

	if len(qids) == len(names) {
		// Fully succeeded (or a zero-component walk, which is a clone):
		// install the new fid.
		s.fids[newFidNum] = &p9Fid{relPath: relPath}
	}

	p.w.u16(uint16(len(qids)))
	for _, q := range qids {
		p.w.qid(q)
	}
	return p.w.err
}

func (s *p9Server) statAt(relPath string) (p9Qid, error) {
	if s.isSynthetic() {
		n, ok := s.synthetic.lookup(relPath)
		if !ok {
			return p9Qid{}, syscall.ENOENT
		}
		return n.qid(), nil
	}
	info, err := os.Lstat(s.hostPath(relPath))
	if err != nil {
		return p9Qid{}, err
	}
	return statQid(info), nil
}

func (s *p9Server) statfs(p *p9Pdu) error {
	fidNum := p.r.u32()
	if p.r.err != nil {
		return p.r.err
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	if s.isSynthetic() {
		p.w.u32(0x01021994) // V9FS_MAGIC, arbitrary but conventional
		p.w.u32(4096)
		p.w.u64(0)
		p.w.u64(0)
		p.w.u64(0)
		p.w.u64(1 << 20)
		p.w.u64(0)
		p.w.u64(0)
		p.w.u32(255)
		return p.w.err
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(s.hostPath(fid.relPath), &st); err != nil {
		return err
	}
	p.w.u32(uint32(st.Type))
	p.w.u32(uint32(st.Bsize))
	p.w.u64(st.Blocks)
	p.w.u64(st.Bfree)
	p.w.u64(st.Bavail)
	p.w.u64(st.Files)
	p.w.u64(st.Ffree)
	p.w.u64(uint64(st.Fsid.X__val[0]) | uint64(st.Fsid.X__val[1])<<32)
	p.w.u32(uint32(st.Namelen))
	return p.w.err
}

func (s *p9Server) getattr(p *p9Pdu) error {
	fidNum := p.r.u32()
	_ = p.r.u64() // request_mask, ignored: we always return the basic set
	if p.r.err != nil {
		return p.r.err
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	if s.isSynthetic() {
		n, ok := s.synthetic.lookup(fid.relPath)
		if !ok {
			return syscall.ENOENT
		}
		return writeGetattr(p, n.qid(), syntheticStat(n))
	}
	info, err := os.Lstat(s.hostPath(fid.relPath))
	if err != nil {
		return err
	}
	return writeGetattr(p, statQid(info), info.Sys().(*syscall.Stat_t))
}

func writeGetattr(p *p9Pdu, qid p9Qid, st *syscall.Stat_t) error {
	p.w.u64(p9GetattrBasic)
	p.w.qid(qid)
	p.w.u32(st.Mode)
	p.w.u32(st.Uid)
	p.w.u32(st.Gid)
	p.w.u64(uint64(st.Nlink))
	p.w.u64(uint64(st.Rdev))
	p.w.u64(uint64(st.Size))
	p.w.u64(uint64(st.Blksize))
	p.w.u64(uint64(st.Blocks))
	atimeSec, atimeNsec := statTimespec(st.Atim)
	mtimeSec, mtimeNsec := statTimespec(st.Mtim)
	ctimeSec, ctimeNsec := statTimespec(st.Ctim)
	p.w.u64(atimeSec)
	p.w.u64(atimeNsec)
	p.w.u64(mtimeSec)
	p.w.u64(mtimeNsec)
	p.w.u64(ctimeSec)
	p.w.u64(ctimeNsec)
	p.w.u64(0) // btime_sec
	p.w.u64(0) // btime_nsec
	p.w.u64(0) // gen
	p.w.u64(0) // data_version
	return p.w.err
}

func statTimespec(ts syscall.Timespec) (sec, nsec uint64) {
	return uint64(ts.Sec), uint64(ts.Nsec)
}

// syntheticStat fabricates a Stat_t for an in-memory node so getattr can
// share its wire encoding with the host-backed path.
func syntheticStat(n *p9SyntheticNode) *syscall.Stat_t {
	mode := n.mode
	if n.isDir {
		mode |= syscall.S_IFDIR
	} else if n.isSymlink() {
		mode |= syscall.S_IFLNK
	} else {
		mode |= syscall.S_IFREG
	}
	return &syscall.Stat_t{
		Mode:  mode,
		Nlink: 1,
		Size:  int64(len(n.data)),
		Ino:   n.ino,
	}
}

func (s *p9Server) setattr(p *p9Pdu) error {
	fidNum := p.r.u32()
	valid := p.r.u32()
	mode := p.r.u32()
	uid := p.r.u32()
	gid := p.r.u32()
	size := p.r.u64()
	atimeSec := p.r.u64()
	atimeNsec := p.r.u64()
	mtimeSec := p.r.u64()
	mtimeNsec := p.r.u64()
	if p.r.err != nil {
		return p.r.err
	}
	if s.readOnly {
		return errnoROFS
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	host := s.hostPath(fid.relPath)

	// A CTIME-only valid bit with no other field set means "touch the
	// ctime", which on a POSIX host only chown or chmod does — treated as
	// an implicit chown-to-self per spec.md §4.7.1.
	onlyCtime := valid&p9SetattrCtime != 0 && valid&(p9SetattrMode|p9SetattrUID|p9SetattrGID|p9SetattrSize|p9SetattrAtime|p9SetattrMtime) == 0
	if valid&p9SetattrMode != 0 {
		if err := os.Chmod(host, os.FileMode(mode&0o7777)); err != nil {
			return err
		}
	}
	if valid&(p9SetattrUID|p9SetattrGID) != 0 || onlyCtime {
		chownUID, chownGID := -1, -1
		if valid&p9SetattrUID != 0 {
			chownUID = int(uid)
		}
		if valid&p9SetattrGID != 0 {
			chownGID = int(gid)
		}
		if err := os.Chown(host, chownUID, chownGID); err != nil {
			return err
		}
	}
	if valid&p9SetattrSize != 0 {
		if err := os.Truncate(host, int64(size)); err != nil {
			return err
		}
	}
	if valid&(p9SetattrAtime|p9SetattrMtime) != 0 {
		now := time.Now()
		at, mt := now, now
		if valid&p9SetattrAtimeSet != 0 {
			at = time.Unix(int64(atimeSec), int64(atimeNsec))
		}
		if valid&p9SetattrMtimeSet != 0 {
			mt = time.Unix(int64(mtimeSec), int64(mtimeNsec))
		}
		if err := os.Chtimes(host, at, mt); err != nil {
			return err
		}
	}
	return p.w.err
}

// p9OpenFlags translates the 9P2000.L open-flag bits (which mirror Linux
// O_* values directly except for a couple of renumbered bits) to the
// host's os.OpenFile flags.
func p9OpenFlags(l uint32, euidRoot bool) int {
	var flags int
	switch l & 0x3 {
	case 0:
		flags |= os.O_RDONLY
	case 1:
		flags |= os.O_WRONLY
	case 2:
		flags |= os.O_RDWR
	}
	if l&0o100 != 0 {
		flags |= os.O_CREATE
	}
	if l&0o200 != 0 {
		flags |= os.O_EXCL
	}
	if l&0o1000 != 0 {
		flags |= os.O_TRUNC
	}
	if l&0o2000 != 0 {
		flags |= os.O_APPEND
	}
	if l&0o4000 != 0 {
		flags |= syscall.O_NONBLOCK
	}
	if l&0o40000 != 0 {
		flags |= syscall.O_DIRECTORY
	}
	if l&0o400000 != 0 {
		flags |= syscall.O_NOFOLLOW
	}
	// O_NOATIME (0x40000 on Linux) is honored only for euid-root, per
	// spec.md §4.7.1; otherwise it's silently dropped rather than
	// rejecting the open.
	if l&0x40000 != 0 && euidRoot {
		flags |= syscall.O_NOATIME
	}
	return flags
}

func (s *p9Server) lopen(p *p9Pdu) error {
	fidNum := p.r.u32()
	flags := p.r.u32()
	if p.r.err != nil {
		return p.r.err
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	if s.isSynthetic() {
		n, ok := s.synthetic.lookup(fid.relPath)
		if !ok {
			return syscall.ENOENT
		}
		if flags&0x3 != 0 { // anything but O_RDONLY
			return errnoROFS
		}
		p.w.qid(n.qid())
		p.w.u32(4096)
		return p.w.err
	}
	f, err := os.OpenFile(s.hostPath(fid.relPath), p9OpenFlags(flags, os.Geteuid() == 0), 0)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	fid.file = f
	p.w.qid(statQid(info))
	p.w.u32(4096)
	return p.w.err
}

func (s *p9Server) lcreate(p *p9Pdu) error {
	fidNum := p.r.u32()
	name := p.r.str()
	flags := p.r.u32()
	mode := p.r.u32()
	_ = p.r.u32() // gid
	if p.r.err != nil {
		return p.r.err
	}
	if s.readOnly {
		return errnoROFS
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	next, err := walkOne(fid.relPath, name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.hostPath(next), p9OpenFlags(flags, false)|os.O_CREATE, os.FileMode(mode&0o777))
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	fid.relPath = next
	fid.file = f
	p.w.qid(statQid(info))
	p.w.u32(4096)
	return p.w.err
}

func (s *p9Server) read(p *p9Pdu) error {
	fidNum := p.r.u32()
	offset := p.r.u64()
	count := p.r.u32()
	if p.r.err != nil {
		return p.r.err
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	if s.isSynthetic() {
		n, ok := s.synthetic.lookup(fid.relPath)
		if !ok {
			return syscall.ENOENT
		}
		if offset >= uint64(len(n.data)) {
			p.w.u32(0)
			return p.w.err
		}
		data := n.data[offset:]
		if uint32(len(data)) > count {
			data = data[:count]
		}
		p.w.u32(uint32(len(data)))
		p.w.put(data)
		return p.w.err
	}
	if fid.file == nil {
		return errFidNotOpen
	}
	// The count must be written before the data, but a short host read
	// (EOF before count bytes) isn't known until after reading — so the
	// read happens into a buffer first. This trades the zero-copy path
	// CopyFromReader would give for a reply whose length is correct from
	// the first byte written.
	buf := make([]byte, count)
	n, err := fid.file.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return err
	}
	p.w.u32(uint32(n))
	p.w.put(buf[:n])
	return p.w.err
}

func (s *p9Server) write(p *p9Pdu) error {
	fidNum := p.r.u32()
	offset := p.r.u64()
	count := p.r.u32()
	if p.r.err != nil {
		return p.r.err
	}
	if s.readOnly {
		return errnoROFS
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	if fid.file == nil {
		return errFidNotOpen
	}
	buf := p.r.bytes(count)
	if p.r.err != nil {
		return p.r.err
	}
	n, err := fid.file.WriteAt(buf, int64(offset))
	if err != nil {
		return err
	}
	p.w.u32(uint32(n))
	return p.w.err
}

// readdir materializes a fid's directory entry list on the first request
// with offset 0 and caches it, per spec.md §4.7.3. The "offset" returned
// per entry is a 1-based sequence number into that cached list, which is
// the cookie the client echoes back on the next request — not a host
// directory-stream offset.
func (s *p9Server) readdir(p *p9Pdu) error {
	fidNum := p.r.u32()
	offset := p.r.u64()
	count := p.r.u32()
	if p.r.err != nil {
		return p.r.err
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	if offset == 0 || !fid.dirCached {
		entries, err := s.listDir(fid.relPath)
		if err != nil {
			return err
		}
		fid.dirEntries = entries
		fid.dirCached = true
	}

	start := int(offset)
	var body []byte
	for i := start; i < len(fid.dirEntries); i++ {
		e := fid.dirEntries[i]
		rec := encodeDirent(e, uint64(i+1))
		if uint32(len(body)+len(rec)) > count {
			break
		}
		body = append(body, rec...)
	}
	p.w.u32(uint32(len(body)))
	p.w.put(body)
	return p.w.err
}

func encodeDirent(e p9DirEntry, offset uint64) []byte {
	qid := e.qid.encode()
	rec := make([]byte, 0, 13+8+1+2+len(e.name))
	rec = append(rec, qid[:]...)
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], offset)
	rec = append(rec, off[:]...)
	rec = append(rec, e.kind)
	var nlen [2]byte
	binary.LittleEndian.PutUint16(nlen[:], uint16(len(e.name)))
	rec = append(rec, nlen[:]...)
	rec = append(rec, e.name...)
	return rec
}

func (s *p9Server) listDir(relPath string) ([]p9DirEntry, error) {
	if s.isSynthetic() {
		n, ok := s.synthetic.lookup(relPath)
		if !ok {
			return nil, syscall.ENOENT
		}
		if !n.isDir {
			return nil, syscall.ENOTDIR
		}
		var out []p9DirEntry
		for _, child := range n.sortedChildren() {
			out = append(out, p9DirEntry{name: child.name, qid: child.qid(), kind: direntKindFromQid(child.qid())})
		}
		return out, nil
	}
	entries, err := os.ReadDir(s.hostPath(relPath))
	if err != nil {
		return nil, err
	}
	out := make([]p9DirEntry, 0, len(entries))
	for _, de := range entries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, p9DirEntry{name: de.Name(), qid: statQid(info), kind: direntType(info)})
	}
	return out, nil
}

func direntKindFromQid(q p9Qid) uint8 { return q.Type }

func (s *p9Server) fsync(p *p9Pdu) error {
	fidNum := p.r.u32()
	if p.r.err != nil {
		return p.r.err
	}
	if s.isSynthetic() {
		return nil
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	if fid.file == nil {
		return errFidNotOpen
	}
	return fid.file.Sync()
}

// lock implements host flock semantics (UN/SH/EX, non-blocking), per
// spec.md §4.7.1.
func (s *p9Server) lock(p *p9Pdu) error {
	fidNum := p.r.u32()
	lockType := p.r.u8()
	_ = p.r.u32() // flags
	_ = p.r.u64() // start
	_ = p.r.u64() // length
	_ = p.r.u32() // proc_id
	_ = p.r.str() // client_id
	if p.r.err != nil {
		return p.r.err
	}
	if s.isSynthetic() {
		p.w.u8(p9LockSuccess)
		return p.w.err
	}
	fid, ok := s.fids[fidNum]
	if !ok || fid.file == nil {
		return errFidNotOpen
	}
	var how int
	switch lockType {
	case p9LockTypeRdlck:
		how = syscall.LOCK_SH | syscall.LOCK_NB
	case p9LockTypeWrlck:
		how = syscall.LOCK_EX | syscall.LOCK_NB
	case p9LockTypeUnlck:
		how = syscall.LOCK_UN
	default:
		return syscall.EINVAL
	}
	status := uint8(p9LockSuccess)
	if err := syscall.Flock(int(fid.file.Fd()), how); err != nil {
		if err == syscall.EWOULDBLOCK {
			status = p9LockBlocked
		} else {
			return err
		}
	}
	p.w.u8(status)
	return p.w.err
}

// getlock is a simplified stub that always reports no conflicting lock,
// matching the original implementation's behavior for this call.
func (s *p9Server) getlock(p *p9Pdu) error {
	_ = p.r.u32() // fid
	lockType := p.r.u8()
	start := p.r.u64()
	length := p.r.u64()
	procID := p.r.u32()
	clientID := p.r.str()
	if p.r.err != nil {
		return p.r.err
	}
	_ = lockType
	p.w.u8(p9LockTypeUnlck)
	p.w.u64(start)
	p.w.u64(length)
	p.w.u32(procID)
	p.w.str(clientID)
	return p.w.err
}

func (s *p9Server) unlinkat(p *p9Pdu) error {
	fidNum := p.r.u32()
	name := p.r.str()
	flags := p.r.u32()
	if p.r.err != nil {
		return p.r.err
	}
	if s.readOnly {
		return errnoROFS
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	target, err := walkOne(fid.relPath, name)
	if err != nil {
		return err
	}
	host := s.hostPath(target)
	const atRemoveDir = 0x200
	if flags&atRemoveDir != 0 {
		return os.Remove(host)
	}
	info, err := os.Lstat(host)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return syscall.EISDIR
	}
	return os.Remove(host)
}

func (s *p9Server) rename(p *p9Pdu) error {
	fidNum := p.r.u32()
	dfidNum := p.r.u32()
	name := p.r.str()
	if p.r.err != nil {
		return p.r.err
	}
	if s.readOnly {
		return errnoROFS
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	dfid, ok := s.fids[dfidNum]
	if !ok {
		return errFidNotOpen
	}
	target, err := walkOne(dfid.relPath, name)
	if err != nil {
		return err
	}
	if err := os.Rename(s.hostPath(fid.relPath), s.hostPath(target)); err != nil {
		return err
	}
	fid.relPath = target
	return p.w.err
}

func (s *p9Server) renameat(p *p9Pdu) error {
	oldDirFidNum := p.r.u32()
	oldName := p.r.str()
	newDirFidNum := p.r.u32()
	newName := p.r.str()
	if p.r.err != nil {
		return p.r.err
	}
	if s.readOnly {
		return errnoROFS
	}
	oldDirFid, ok := s.fids[oldDirFidNum]
	if !ok {
		return errFidNotOpen
	}
	newDirFid, ok := s.fids[newDirFidNum]
	if !ok {
		return errFidNotOpen
	}
	oldPath, err := walkOne(oldDirFid.relPath, oldName)
	if err != nil {
		return err
	}
	newPath, err := walkOne(newDirFid.relPath, newName)
	if err != nil {
		return err
	}
	if err := os.Rename(s.hostPath(oldPath), s.hostPath(newPath)); err != nil {
		return err
	}
	for _, f := range s.fids {
		if f.relPath == oldPath {
			f.relPath = newPath
		}
	}
	return p.w.err
}

func (s *p9Server) mkdir(p *p9Pdu) error {
	dfidNum := p.r.u32()
	name := p.r.str()
	mode := p.r.u32()
	_ = p.r.u32() // gid
	if p.r.err != nil {
		return p.r.err
	}
	if s.readOnly {
		return errnoROFS
	}
	dfid, ok := s.fids[dfidNum]
	if !ok {
		return errFidNotOpen
	}
	target, err := walkOne(dfid.relPath, name)
	if err != nil {
		return err
	}
	if err := os.Mkdir(s.hostPath(target), os.FileMode(mode&0o777)); err != nil {
		return err
	}
	qid, err := s.statAt(target)
	if err != nil {
		return err
	}
	p.w.qid(qid)
	return p.w.err
}

func (s *p9Server) link(p *p9Pdu) error {
	dfidNum := p.r.u32()
	fidNum := p.r.u32()
	name := p.r.str()
	if p.r.err != nil {
		return p.r.err
	}
	if s.readOnly {
		return errnoROFS
	}
	dfid, ok := s.fids[dfidNum]
	if !ok {
		return errFidNotOpen
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	target, err := walkOne(dfid.relPath, name)
	if err != nil {
		return err
	}
	return os.Link(s.hostPath(fid.relPath), s.hostPath(target))
}

func (s *p9Server) symlink(p *p9Pdu) error {
	dfidNum := p.r.u32()
	name := p.r.str()
	targetPath := p.r.str()
	_ = p.r.u32() // gid
	if p.r.err != nil {
		return p.r.err
	}
	if s.readOnly {
		return errnoROFS
	}
	dfid, ok := s.fids[dfidNum]
	if !ok {
		return errFidNotOpen
	}
	newPath, err := walkOne(dfid.relPath, name)
	if err != nil {
		return err
	}
	if err := os.Symlink(targetPath, s.hostPath(newPath)); err != nil {
		return err
	}
	qid, err := s.statAt(newPath)
	if err != nil {
		return err
	}
	p.w.qid(qid)
	return p.w.err
}

func (s *p9Server) readlink(p *p9Pdu) error {
	fidNum := p.r.u32()
	if p.r.err != nil {
		return p.r.err
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	if s.isSynthetic() {
		n, ok := s.synthetic.lookup(fid.relPath)
		if !ok || !n.isSymlink() {
			return syscall.EINVAL
		}
		p.w.str(string(n.data))
		return p.w.err
	}
	target, err := os.Readlink(s.hostPath(fid.relPath))
	if err != nil {
		return err
	}
	p.w.str(target)
	return p.w.err
}

func (s *p9Server) clunk(p *p9Pdu) error {
	fidNum := p.r.u32()
	if p.r.err != nil {
		return p.r.err
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	if fid.file != nil {
		fid.file.Close()
	}
	delete(s.fids, fidNum)
	return p.w.err
}

func (s *p9Server) remove(p *p9Pdu) error {
	fidNum := p.r.u32()
	if p.r.err != nil {
		return p.r.err
	}
	if s.readOnly {
		delete(s.fids, fidNum)
		return errnoROFS
	}
	fid, ok := s.fids[fidNum]
	if !ok {
		return errFidNotOpen
	}
	host := s.hostPath(fid.relPath)
	if fid.file != nil {
		fid.file.Close()
	}
	delete(s.fids, fidNum)
	info, err := os.Lstat(host)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.Remove(host)
	}
	return os.Remove(host)
}
