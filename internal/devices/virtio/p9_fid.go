package virtio

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	errFidExists      = errors.New("virtio-9p: fid already exists")
	errFidInvalidName = errors.New("virtio-9p: invalid path component")
	errFidPathEscape  = errors.New("virtio-9p: path escapes export root")
	errFidNotOpen     = errors.New("virtio-9p: fid has no open file")
	errUnsupported    = errors.New("virtio-9p: operation not supported")
)

// p9Fid is one entry in a server's fid table: a path relative to the
// export root, plus whatever open handle LOPEN/LCREATE attached to it.
// Directory listings are cached on the fid the first READDIR with
// offset 0 materializes them, per spec.md §4.7.3.
type p9Fid struct {
	// relPath is "" at the export root and otherwise a clean,
	// slash-separated path with no leading slash and no ".." components
	// — confinement is enforced at walk time, not read off this field.
	relPath string

	file *os.File

	dirEntries []p9DirEntry
	dirCached  bool
}

// p9DirEntry is one READDIR record: a name, qid, and the dirent type byte
// (upper nibble of the stat mode, per 9P2000.L/Linux dirent conventions).
type p9DirEntry struct {
	name string
	qid  p9Qid
	kind uint8
}

// hostPath resolves a fid's relative path to an absolute host path under
// root.
func (s *p9Server) hostPath(relPath string) string {
	if relPath == "" {
		return s.root
	}
	return filepath.Join(s.root, relPath)
}

// walkOne advances a relative path by exactly one component, enforcing
// spec.md §4.7.2: the component must not be empty, absolute, or contain a
// separator; ".." pops one component and errors if that would escape the
// root; "." is a no-op.
func walkOne(relPath, name string) (string, error) {
	if name == "" || strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0) {
		return "", errFidInvalidName
	}
	if name == "." {
		return relPath, nil
	}
	if name == ".." {
		if relPath == "" {
			return "", errFidPathEscape
		}
		parent := filepath.Dir(relPath)
		if parent == "." {
			parent = ""
		}
		return parent, nil
	}
	if relPath == "" {
		return name, nil
	}
	return relPath + "/" + name, nil
}

// resolveSymlinks expands symlinks on the host filesystem the way
// realpath would, bounded by MAX_SYMLINKS and PATH_MAX, and verifies the
// result is still pinned inside the export root. It is used after a walk
// step lands on a path, not during the step itself — 9p walks one
// component at a time, but the host path that component resolves to may
// itself be a symlink.
func (s *p9Server) resolveSymlinks(relPath string) (string, error) {
	host := s.hostPath(relPath)
	resolved, err := filepath.EvalSymlinks(host)
	if err != nil {
		// ENOENT is expected for a path being created (LCREATE/MKDIR/SYMLINK
		// target); let the caller's subsequent syscall surface the real
		// error.
		if errors.Is(err, os.ErrNotExist) {
			return relPath, nil
		}
		return "", err
	}
	rootResolved, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil {
		return "", errFidPathEscape
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errFidPathEscape
	}
	if rel == "." {
		return "", nil
	}
	return rel, nil
}

// statQid stats a host path and builds its Qid: type from the file mode,
// version from a coarse mtime-derived generation (sufficient for cache
// invalidation purposes, matching how the original treats qid.version as
// advisory), path from the inode number.
func statQid(info os.FileInfo) p9Qid {
	q := p9Qid{}
	switch {
	case info.IsDir():
		q.Type = p9QTDir
	case info.Mode()&os.ModeSymlink != 0:
		q.Type = p9QTSymlink
	default:
		q.Type = p9QTFile
	}
	q.Version = uint32(info.ModTime().UnixNano())
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		q.Path = st.Ino
	}
	return q
}

// direntType returns the upper-nibble dirent type byte READDIR records
// use, derived the same way statQid derives a Qid type.
func direntType(info os.FileInfo) uint8 {
	switch {
	case info.IsDir():
		return p9QTDir
	case info.Mode()&os.ModeSymlink != 0:
		return p9QTSymlink
	default:
		return p9QTFile
	}
}
