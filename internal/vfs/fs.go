package vfs

import (
	"iter"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"pngfs/internal/common"
	"pngfs/internal/storage"
	"pngfs/internal/util"
)

// Rename flags understood by Rename (linux values)
const (
	RenameNoReplace uint32 = 1 << 0
	RenameExchange  uint32 = 1 << 1
)

// maxFileSize bounds a single file so one stray write offset cannot
// allocate an arbitrary amount of memory.
const maxFileSize = 1 << 31

// PngFS implements the filesystem operations over an in-memory inode
// table. Every operation, and every timed save, runs under one mutex.
// Mutations never persist synchronously; they rearm a debounced save.
type PngFS struct {
	mu      sync.Mutex
	table   *storage.Table
	bridge  *storage.Bridge
	flusher *util.Debouncer
	opts    Options
	closed  bool
}

// New loads the table behind bridge and returns a filesystem serving it
func New(bridge *storage.Bridge, opts Options) *PngFS {
	return NewWithTable(bridge.Load(), bridge, opts)
}

// NewWithTable serves an already loaded table
func NewWithTable(table *storage.Table, bridge *storage.Bridge, opts Options) *PngFS {
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = DefaultFlushDelay
	}
	fs := &PngFS{
		table:  table,
		bridge: bridge,
		opts:   opts,
	}
	fs.flusher = util.NewDebouncer(opts.FlushDelay, fs.timedFlush, opts.DeferFlush)
	return fs
}

// FlushPending reports whether a timed save is scheduled
func (fs *PngFS) FlushPending() bool {
	return fs.flusher.Pending()
}

// --- Attribute Operations ---

// GetAttr returns the attributes of ino
func (fs *PngFS) GetAttr(ino uint64) (attrs *storage.Attr, err error) {
	defer recoverPngFSPanic("GetAttr", &err)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.table.Get(ino)
	if err != nil {
		return nil, ENOENT
	}
	a := fs.table.Attributes(n)
	return &a, nil
}

// Lookup resolves name inside the directory parent
func (fs *PngFS) Lookup(parent uint64, name string) (attrs *storage.Attr, err error) {
	defer recoverPngFSPanic("Lookup", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Lookup %d/%q → %v (%v)", parent, name, err, time.Since(start)) }()
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.table.Resolve(parent, name)
	if err != nil {
		return nil, ENOENT
	}
	n, err := fs.table.Get(ino)
	if err != nil {
		return nil, ENOENT
	}
	a := fs.table.Attributes(n)
	return &a, nil
}

// Truncate sets the length of a regular file, zero-extending when it grows
func (fs *PngFS) Truncate(ino, size uint64) (attrs *storage.Attr, err error) {
	defer recoverPngFSPanic("Truncate", &err)
	log.Debugf("[VFS] Truncate: ino=%d size=%d", ino, size)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.table.Get(ino)
	if err != nil {
		return nil, ENOENT
	}
	if n.IsDir() {
		return nil, EISDIR
	}
	if size > maxFileSize {
		return nil, EFBIG
	}
	n.Data = resize(n.Data, int(size))
	fs.scheduleFlush()

	a := fs.table.Attributes(n)
	return &a, nil
}

// StatFs reports node and byte totals
func (fs *PngFS) StatFs() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	st := Stats{NextIno: fs.table.NextIno()}
	fs.table.Walk(func(_ string, n *storage.Node) bool {
		st.Nodes++
		if n.IsDir() {
			st.Dirs++
		} else {
			st.Files++
			st.Bytes += n.Size()
		}
		return true
	})
	return st
}

// --- File Operations ---

// Create makes an empty regular file and returns its handle. The handle is
// the inode number. mode is ignored; files always carry DefaultFileMode.
func (fs *PngFS) Create(parent uint64, name string, mode, flags uint32) (handle uint64, attrs *storage.Attr, err error) {
	defer recoverPngFSPanic("Create", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Create %d/%q → %v (%v)", parent, name, err, time.Since(start)) }()
	}
	log.Debugf("[VFS] Create: parent=%d name=%q mode=%o flags=%#x", parent, name, mode, flags)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.addNode(storage.NewFile(parent, name))
	if err != nil {
		return 0, nil, err
	}
	a := fs.table.Attributes(n)
	return n.Ino, &a, nil
}

// Open returns a handle for a regular file. O_TRUNC empties the file.
func (fs *PngFS) Open(ino uint64, flags uint32) (handle uint64, err error) {
	defer recoverPngFSPanic("Open", &err)
	log.Debugf("[VFS] Open: ino=%d flags=%#x", ino, flags)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.table.Get(ino)
	if err != nil {
		return 0, ENOENT
	}
	if n.IsDir() {
		return 0, EISDIR
	}
	if flags&syscall.O_TRUNC != 0 && len(n.Data) > 0 {
		n.Data = nil
		fs.scheduleFlush()
	}
	return ino, nil
}

// Read returns up to length bytes starting at offset. The result is short
// past end of file and never padded.
func (fs *PngFS) Read(ino, offset uint64, length int) (data []byte, err error) {
	defer recoverPngFSPanic("Read", &err)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.table.Get(ino)
	if err != nil {
		return nil, ENOENT
	}
	if n.IsDir() {
		return nil, EISDIR
	}
	size := uint64(len(n.Data))
	if offset >= size || length <= 0 {
		return []byte{}, nil
	}
	end := min(offset+uint64(length), size)
	out := make([]byte, end-offset)
	copy(out, n.Data[offset:end])
	return out, nil
}

// Write splices buf into the file at offset and returns the number of
// bytes written. Without ZeroFillGaps an offset past the end is treated as
// the end: the gap is dropped, not filled.
func (fs *PngFS) Write(ino, offset uint64, buf []byte) (written int, err error) {
	defer recoverPngFSPanic("Write", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Write ino=%d len=%d off=%d → %v (%v)", ino, len(buf), offset, err, time.Since(start)) }()
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.table.Get(ino)
	if err != nil {
		return 0, ENOENT
	}
	if n.IsDir() {
		return 0, EISDIR
	}
	if len(buf) == 0 {
		return 0, nil
	}
	size := uint64(len(n.Data))
	if offset > size && !fs.opts.ZeroFillGaps {
		offset = size
	}
	if offset > maxFileSize || offset+uint64(len(buf)) > maxFileSize {
		return 0, EFBIG
	}
	n.Data = splice(n.Data, int(offset), buf)
	fs.scheduleFlush()
	return len(buf), nil
}

// --- Directory Operations ---

// Mkdir creates an empty directory. mode is ignored; directories always
// carry DefaultDirMode.
func (fs *PngFS) Mkdir(parent uint64, name string, mode uint32) (attrs *storage.Attr, err error) {
	defer recoverPngFSPanic("Mkdir", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Mkdir %d/%q → %v (%v)", parent, name, err, time.Since(start)) }()
	}
	log.Debugf("[VFS] Mkdir: parent=%d name=%q mode=%o", parent, name, mode)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.addNode(storage.NewDir(parent, name))
	if err != nil {
		return nil, err
	}
	a := fs.table.Attributes(n)
	return &a, nil
}

// OpenDir returns a handle for a directory. The handle is the inode number.
func (fs *PngFS) OpenDir(ino uint64) (handle uint64, err error) {
	defer recoverPngFSPanic("OpenDir", &err)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.table.Get(ino)
	if err != nil {
		return 0, ENOENT
	}
	if !n.IsDir() {
		return 0, ENOTDIR
	}
	return ino, nil
}

// ReadDir lists the children of ino whose position is past offset. The
// sequence is evaluated lazily under the filesystem lock, can be consumed
// only once, and must not call back into the filesystem. The consumer
// stops it early by returning false.
func (fs *PngFS) ReadDir(ino, offset uint64) (entries iter.Seq[DirEntry], err error) {
	defer recoverPngFSPanic("ReadDir", &err)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	n, err := fs.table.Get(ino)
	if err != nil {
		return nil, ENOENT
	}
	if !n.IsDir() {
		return nil, ENOTDIR
	}

	consumed := false
	return func(yield func(DirEntry) bool) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if consumed {
			return
		}
		consumed = true

		dir, err := fs.table.Get(ino)
		if err != nil || !dir.IsDir() {
			return
		}
		names := dir.ChildNames()
		if offset >= uint64(len(names)) {
			return
		}
		for i, name := range names[offset:] {
			childIno, ok := dir.Child(name)
			if !ok {
				continue
			}
			child, err := fs.table.Get(childIno)
			if err != nil {
				continue
			}
			entry := DirEntry{
				Name:     name,
				Attr:     fs.table.Attributes(child),
				Position: offset + uint64(i) + 1,
			}
			if !yield(entry) {
				return
			}
		}
	}, nil
}

// Rmdir removes an empty directory
func (fs *PngFS) Rmdir(parent uint64, name string) (err error) {
	defer recoverPngFSPanic("Rmdir", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Rmdir %d/%q → %v (%v)", parent, name, err, time.Since(start)) }()
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.table.Resolve(parent, name)
	if err != nil {
		return ENOENT
	}
	n, err := fs.table.Get(ino)
	if err != nil {
		return ENOENT
	}
	if !n.IsDir() {
		return ENOTDIR
	}
	if n.ChildCount() > 0 {
		return ENOTEMPTY
	}
	if _, err := fs.table.Remove(ino); err != nil {
		return toErrno(err)
	}
	fs.scheduleFlush()
	return nil
}

// Unlink removes the named entry whatever its kind. A directory is removed
// together with everything below it.
func (fs *PngFS) Unlink(parent uint64, name string) (err error) {
	defer recoverPngFSPanic("Unlink", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Unlink %d/%q → %v (%v)", parent, name, err, time.Since(start)) }()
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.table.Resolve(parent, name)
	if err != nil {
		return ENOENT
	}
	dropped, err := fs.table.Remove(ino)
	if err != nil {
		return toErrno(err)
	}
	if dropped > 1 {
		log.Debugf("[VFS] Unlink: %d/%q took %d nodes with it", parent, name, dropped)
	}
	fs.scheduleFlush()
	return nil
}

// Rename moves oldName in oldParent to newName in newParent. An entry
// already at the destination is replaced unless RenameNoReplace is set.
func (fs *PngFS) Rename(oldParent uint64, oldName string, newParent uint64, newName string, flags uint32) (err error) {
	defer recoverPngFSPanic("Rename", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[VFS] Rename %d/%q → %d/%q → %v (%v)", oldParent, oldName, newParent, newName, err, time.Since(start))
		}()
	}
	log.Debugf("[VFS] Rename: %d/%q -> %d/%q flags=%#x", oldParent, oldName, newParent, newName, flags)
	if flags&RenameExchange != 0 || flags&^(RenameNoReplace|RenameExchange) != 0 {
		return EINVAL
	}
	if !common.ValidName(newName) {
		return EINVAL
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, err := fs.table.Resolve(oldParent, oldName)
	if err != nil {
		return ENOENT
	}
	if existing, err := fs.table.Resolve(newParent, newName); err == nil && existing != ino {
		if flags&RenameNoReplace != 0 {
			return EEXIST
		}
		log.Debugf("[VFS] Rename: replacing %d/%q (ino %d)", newParent, newName, existing)
	}
	if err := fs.table.Move(ino, newParent, newName); err != nil {
		return toErrno(err)
	}
	fs.scheduleFlush()
	return nil
}

// --- Persistence ---

// Flush repairs the table and writes it to the image now
func (fs *PngFS) Flush() (err error) {
	defer recoverPngFSPanic("Flush", &err)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.persist()
}

// Close cancels any scheduled save, repairs the table and writes it one
// last time. Later calls do nothing.
func (fs *PngFS) Close() (err error) {
	defer recoverPngFSPanic("Close", &err)
	fs.flusher.Stop()
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return nil
	}
	fs.closed = true
	return fs.persist()
}
