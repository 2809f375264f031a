package storage

import "time"

// File mode constants (POSIX)
const (
	ModeDir  = 0040000 // Directory
	ModeFile = 0100000 // Regular file
	ModeMask = 0170000 // Type mask
)

// Fixed permissions. Every entry of a kind reports the same mode.
const (
	DefaultDirMode  = ModeDir | 0755  // rwxr-xr-x
	DefaultFileMode = ModeFile | 0644 // rw-r--r--
)

// Root inode number. Matches the FUSE root node id.
const RootIno uint64 = 1

// NoParent is the parent reference carried by the root.
const NoParent uint64 = 0

// Kind distinguishes directories from regular files
type Kind uint8

const (
	// KindDir is a directory
	KindDir Kind = iota + 1
	// KindFile is a regular file
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	}
	return "unknown"
}

// Node is one filesystem entry. Nodes reference their parent only by inode
// number; the Table owns every Node.
type Node struct {
	Name   string
	Ino    uint64
	Parent uint64
	Kind   Kind

	// Data holds the content of a regular file
	Data []byte

	// order keeps child names in insertion order, entries maps them to inodes
	order   []string
	entries map[string]uint64
}

// NewDir returns an unregistered directory node
func NewDir(parent uint64, name string) *Node {
	return &Node{
		Name:    name,
		Parent:  parent,
		Kind:    KindDir,
		entries: make(map[string]uint64),
	}
}

// NewFile returns an unregistered, empty regular file node
func NewFile(parent uint64, name string) *Node {
	return &Node{
		Name:   name,
		Parent: parent,
		Kind:   KindFile,
	}
}

// IsDir returns true if the node is a directory
func (n *Node) IsDir() bool {
	return n.Kind == KindDir
}

// IsFile returns true if the node is a regular file
func (n *Node) IsFile() bool {
	return n.Kind == KindFile
}

// Mode returns the fixed mode bits for the node's kind
func (n *Node) Mode() uint32 {
	if n.IsDir() {
		return DefaultDirMode
	}
	return DefaultFileMode
}

// Size returns the content length. Directories are always 0.
func (n *Node) Size() uint64 {
	if n.IsDir() {
		return 0
	}
	return uint64(len(n.Data))
}

// Child returns the inode registered under name
func (n *Node) Child(name string) (uint64, bool) {
	ino, ok := n.entries[name]
	return ino, ok
}

// ChildCount returns the number of entries in a directory
func (n *Node) ChildCount() int {
	return len(n.order)
}

// ChildNames returns a copy of the child names in insertion order
func (n *Node) ChildNames() []string {
	out := make([]string, len(n.order))
	copy(out, n.order)
	return out
}

func (n *Node) addChild(name string, ino uint64) {
	if n.entries == nil {
		n.entries = make(map[string]uint64)
	}
	if _, exists := n.entries[name]; !exists {
		n.order = append(n.order, name)
	}
	n.entries[name] = ino
}

func (n *Node) removeChild(name string) {
	if _, ok := n.entries[name]; !ok {
		return
	}
	delete(n.entries, name)
	for i, s := range n.order {
		if s == name {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// AttrTemplate carries the owner and timestamp fields shared by every entry
// of a table. It is captured once when the table is built.
type AttrTemplate struct {
	Uid  uint32
	Gid  uint32
	Time time.Time
}

// Attr is the attribute record reported for one node
type Attr struct {
	Ino   uint64
	Mode  uint32
	Size  uint64
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// IsDir returns true if the attributes describe a directory
func (a *Attr) IsDir() bool {
	return a.Mode&ModeMask == ModeDir
}

// Permissions returns the permission bits
func (a *Attr) Permissions() uint32 {
	return a.Mode & 0777
}
