package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"pngfs/internal/storage"
	"pngfs/internal/util"
	"pngfs/internal/vfs"
)

// Kernel cache lifetimes. All changes go through this process, so the
// kernel only needs to revalidate occasionally.
const (
	entryTimeout = time.Second
	attrTimeout  = time.Second
)

// statfs geometry reported to df
const (
	statfsBlockSize = 4096
	statfsNameLen   = 255
)

// fuseAdapter translates raw FUSE requests into PngFS calls. Node ids are
// inode numbers; file handles are inode numbers too.
type fuseAdapter struct {
	fuse.RawFileSystem
	fs *vfs.PngFS
}

func newFuseAdapter(fs *vfs.PngFS) *fuseAdapter {
	return &fuseAdapter{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fs:            fs,
	}
}

func (a *fuseAdapter) String() string {
	return "pngfs"
}

func (a *fuseAdapter) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	attrs, err := a.fs.Lookup(header.NodeId, name)
	if err != nil {
		return fuse.ToStatus(err)
	}
	fillEntryOut(out, attrs)
	return fuse.OK
}

func (a *fuseAdapter) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	attrs, err := a.fs.GetAttr(input.NodeId)
	if err != nil {
		return fuse.ToStatus(err)
	}
	fillAttrOut(out, attrs)
	return fuse.OK
}

// SetAttr only honors size changes. Mode, owner and times are fixed, so
// every other request just reports the current attributes.
func (a *fuseAdapter) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	var (
		attrs *storage.Attr
		err   error
	)
	if input.Valid&fuse.FATTR_SIZE != 0 {
		attrs, err = a.fs.Truncate(input.NodeId, input.Size)
	} else {
		attrs, err = a.fs.GetAttr(input.NodeId)
	}
	if err != nil {
		return fuse.ToStatus(err)
	}
	fillAttrOut(out, attrs)
	return fuse.OK
}

func (a *fuseAdapter) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	attrs, err := a.fs.Mkdir(input.NodeId, name, input.Mode)
	if err != nil {
		return fuse.ToStatus(err)
	}
	fillEntryOut(out, attrs)
	return fuse.OK
}

func (a *fuseAdapter) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	fh, attrs, err := a.fs.Create(input.NodeId, name, input.Mode, input.Flags)
	if err != nil {
		return fuse.ToStatus(err)
	}
	fillEntryOut(&out.EntryOut, attrs)
	out.OpenOut.Fh = fh
	return fuse.OK
}

func (a *fuseAdapter) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	fh, err := a.fs.Open(input.NodeId, input.Flags)
	if err != nil {
		return fuse.ToStatus(err)
	}
	out.Fh = fh
	return fuse.OK
}

func (a *fuseAdapter) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	data, err := a.fs.Read(input.NodeId, input.Offset, int(input.Size))
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (a *fuseAdapter) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	n, err := a.fs.Write(input.NodeId, input.Offset, data)
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(n), fuse.OK
}

// Fsync is a no-op: durability comes from the scheduled save.
func (a *fuseAdapter) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (a *fuseAdapter) FsyncDir(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

func (a *fuseAdapter) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fuse.ToStatus(a.fs.Unlink(header.NodeId, name))
}

func (a *fuseAdapter) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	return fuse.ToStatus(a.fs.Rmdir(header.NodeId, name))
}

func (a *fuseAdapter) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	return fuse.ToStatus(a.fs.Rename(input.NodeId, oldName, input.Newdir, newName, input.Flags))
}

func (a *fuseAdapter) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	fh, err := a.fs.OpenDir(input.NodeId)
	if err != nil {
		return fuse.ToStatus(err)
	}
	out.Fh = fh
	return fuse.OK
}

// ReadDir fills out until the reply buffer is full; the kernel comes back
// with the offset of the last entry it received.
func (a *fuseAdapter) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, err := a.fs.ReadDir(input.NodeId, input.Offset)
	if err != nil {
		return fuse.ToStatus(err)
	}
	for e := range entries {
		if !out.AddDirEntry(dirEntry(e)) {
			break
		}
	}
	return fuse.OK
}

func (a *fuseAdapter) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	entries, err := a.fs.ReadDir(input.NodeId, input.Offset)
	if err != nil {
		return fuse.ToStatus(err)
	}
	for e := range entries {
		entryOut := out.AddDirLookupEntry(dirEntry(e))
		if entryOut == nil {
			break
		}
		fillEntryOut(entryOut, &e.Attr)
	}
	return fuse.OK
}

func (a *fuseAdapter) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	st := a.fs.StatFs()
	used := (st.Bytes + statfsBlockSize - 1) / statfsBlockSize
	// Free space is the size limit of a single file.
	total := used + (1<<31)/statfsBlockSize
	*out = fuse.StatfsOut{
		Blocks:  total,
		Bfree:   total - used,
		Bavail:  total - used,
		Files:   st.Nodes,
		Ffree:   1 << 20,
		Bsize:   statfsBlockSize,
		NameLen: statfsNameLen,
		Frsize:  statfsBlockSize,
	}
	return fuse.OK
}

func dirEntry(e vfs.DirEntry) fuse.DirEntry {
	return fuse.DirEntry{
		Name: e.Name,
		Ino:  e.Attr.Ino,
		Mode: e.Attr.Mode,
		Off:  e.Position,
	}
}

func fillEntryOut(out *fuse.EntryOut, attrs *storage.Attr) {
	out.NodeId = attrs.Ino
	out.Generation = 1
	fillAttr(&out.Attr, attrs)
	out.SetEntryTimeout(entryTimeout)
	out.SetAttrTimeout(attrTimeout)
}

func fillAttrOut(out *fuse.AttrOut, attrs *storage.Attr) {
	fillAttr(&out.Attr, attrs)
	out.SetTimeout(attrTimeout)
}

func fillAttr(out *fuse.Attr, attrs *storage.Attr) {
	out.Ino = attrs.Ino
	out.Size = attrs.Size
	out.Blocks = (attrs.Size + 511) / 512
	out.Blksize = statfsBlockSize
	out.Mode = attrs.Mode
	out.Nlink = attrs.Nlink
	out.Owner = fuse.Owner{Uid: attrs.Uid, Gid: attrs.Gid}
	out.SetTimes(&attrs.Atime, &attrs.Mtime, &attrs.Ctime)
}

// MountServer is a mounted filesystem transport
type MountServer interface {
	// Unmount detaches the filesystem; Wait returns afterwards
	Unmount() error

	// Wait blocks until the kernel connection is gone
	Wait()
}

// FUSEServer serves a PngFS through the kernel FUSE driver
type FUSEServer struct {
	server     *fuse.Server
	mountpoint string
}

// MountFUSE mounts fs at cfg.Mountpoint and starts serving requests. The
// mountpoint is created if it does not exist.
func MountFUSE(fs *vfs.PngFS, cfg *MountConfig) (*FUSEServer, error) {
	if err := os.MkdirAll(cfg.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", cfg.Mountpoint, err)
	}
	fsName, err := filepath.Abs(cfg.Image)
	if err != nil {
		fsName = cfg.Image
	}

	opts := &fuse.MountOptions{
		FsName:         fsName,
		Name:           "pngfs",
		AllowOther:     cfg.AllowOther,
		Debug:          cfg.Debug,
		SingleThreaded: true,
	}
	server, err := fuse.NewServer(newFuseAdapter(fs), cfg.Mountpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", cfg.Mountpoint, err)
	}
	go server.Serve()
	if err := server.WaitMount(); err != nil {
		server.Unmount()
		return nil, fmt.Errorf("waiting for mount at %s: %w", cfg.Mountpoint, err)
	}
	log.Infof("[FUSE] mounted %s at %s", cfg.Image, cfg.Mountpoint)
	return &FUSEServer{server: server, mountpoint: cfg.Mountpoint}, nil
}

// Unmount detaches the filesystem, retrying while the mountpoint is busy
func (s *FUSEServer) Unmount() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := util.Retry(ctx, func() error {
		err := s.server.Unmount()
		if err != nil {
			log.Debugf("[FUSE] unmount %s: %v, retrying", s.mountpoint, err)
		}
		return err
	}, util.UnmountRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("unmount %s: %w", s.mountpoint, err)
	}
	log.Infof("[FUSE] unmounted %s", s.mountpoint)
	return nil
}

// Wait blocks until the kernel connection is gone
func (s *FUSEServer) Wait() {
	s.server.Wait()
}
