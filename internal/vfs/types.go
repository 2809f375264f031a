package vfs

import (
	"time"

	"pngfs/internal/storage"
)

// DirEntry is one child reported by ReadDir. Position is the entry's
// 1-based index in insertion order; resuming a listing at Position skips
// the entry and everything before it.
type DirEntry struct {
	Name     string
	Attr     storage.Attr
	Position uint64
}

// Stats summarizes the filesystem for statfs
type Stats struct {
	Nodes uint64
	Files uint64
	Dirs  uint64
	Bytes uint64
	// NextIno is the inode number the next create or mkdir will receive
	NextIno uint64
}

// Options configures a PngFS
type Options struct {
	// FlushDelay is how long the filesystem must stay quiet after a
	// mutation before the image is rewritten.
	FlushDelay time.Duration

	// DeferFlush disables timed saves; state is written only by Flush
	// and Close.
	DeferFlush bool

	// ZeroFillGaps makes a write past the end of a file fill the gap with
	// zero bytes. When false the data is appended at the current end.
	ZeroFillGaps bool
}

// DefaultFlushDelay is used when Options.FlushDelay is zero
const DefaultFlushDelay = time.Second
