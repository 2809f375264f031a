// Copyright 2024 pngfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"fmt"
	"os"
	"path"
	"slices"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"pngfs/internal/common"
)

// Table is the inode table: a flat arena of nodes keyed by inode number.
// It is not safe for concurrent use; the vfs layer serializes access.
type Table struct {
	nodes    map[uint64]*Node
	nextIno  uint64
	fsid     uuid.UUID
	template AttrTemplate
}

// NewTable creates a table holding only the root directory
func NewTable() *Table {
	t := newTable(uuid.New())
	t.nodes[RootIno] = &Node{
		Ino:     RootIno,
		Parent:  NoParent,
		Kind:    KindDir,
		entries: make(map[string]uint64),
	}
	t.nextIno = RootIno + 1
	return t
}

func newTable(fsid uuid.UUID) *Table {
	return &Table{
		nodes:   make(map[uint64]*Node),
		nextIno: RootIno,
		fsid:    fsid,
		template: AttrTemplate{
			Uid:  uint32(os.Getuid()),
			Gid:  uint32(os.Getgid()),
			Time: time.Now(),
		},
	}
}

// FSID returns the filesystem identifier persisted with the table
func (t *Table) FSID() uuid.UUID {
	return t.fsid
}

// Template returns the shared attribute template
func (t *Table) Template() AttrTemplate {
	return t.template
}

// NextIno returns the inode number the next Add will assign
func (t *Table) NextIno() uint64 {
	return t.nextIno
}

// Len returns the number of registered nodes, root included
func (t *Table) Len() int {
	return len(t.nodes)
}

// Add assigns the next inode number to node, registers it and links it into
// its parent directory. Add only fails when the parent is missing, is not a
// directory, or already holds the name.
func (t *Table) Add(node *Node) (uint64, error) {
	var parent *Node
	if node.Parent != NoParent {
		p, ok := t.nodes[node.Parent]
		if !ok {
			return 0, fmt.Errorf("parent %d: %w", node.Parent, common.ErrNotFound)
		}
		if !p.IsDir() {
			return 0, fmt.Errorf("parent %d: %w", node.Parent, common.ErrNotDir)
		}
		if _, exists := p.entries[node.Name]; exists {
			return 0, fmt.Errorf("%q in %d: %w", node.Name, node.Parent, common.ErrExists)
		}
		parent = p
	}

	ino := t.nextIno
	t.nextIno++
	node.Ino = ino
	if node.IsDir() && node.entries == nil {
		node.entries = make(map[string]uint64)
	}
	t.nodes[ino] = node
	if parent != nil {
		parent.addChild(node.Name, ino)
	}
	return ino, nil
}

// Get returns the node registered under ino
func (t *Table) Get(ino uint64) (*Node, error) {
	n, ok := t.nodes[ino]
	if !ok {
		return nil, common.ErrNotFound
	}
	return n, nil
}

// Resolve returns the inode of name inside the directory parent
func (t *Table) Resolve(parent uint64, name string) (uint64, error) {
	p, ok := t.nodes[parent]
	if !ok {
		return 0, common.ErrNotFound
	}
	ino, ok := p.entries[name]
	if !ok {
		return 0, common.ErrNotFound
	}
	return ino, nil
}

// Attributes builds a fresh attribute record for node
func (t *Table) Attributes(n *Node) Attr {
	nlink := uint32(1)
	if n.IsDir() {
		nlink = 2
	}
	return Attr{
		Ino:   n.Ino,
		Mode:  n.Mode(),
		Size:  n.Size(),
		Nlink: nlink,
		Uid:   t.template.Uid,
		Gid:   t.template.Gid,
		Atime: t.template.Time,
		Mtime: t.template.Time,
		Ctime: t.template.Time,
	}
}

// Remove unlinks ino from its parent and drops it together with everything
// below it. It returns the number of nodes dropped.
func (t *Table) Remove(ino uint64) (int, error) {
	if ino == RootIno {
		return 0, common.ErrInvalidPath
	}
	n, ok := t.nodes[ino]
	if !ok {
		return 0, common.ErrNotFound
	}
	if p, ok := t.nodes[n.Parent]; ok && p.entries[n.Name] == ino {
		p.removeChild(n.Name)
	}
	return t.dropSubtree(ino), nil
}

func (t *Table) dropSubtree(ino uint64) int {
	dropped := 0
	stack := []uint64{ino}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := t.nodes[cur]
		if !ok {
			continue
		}
		for _, name := range n.order {
			child := n.entries[name]
			if c, ok := t.nodes[child]; ok && c.Parent == cur {
				stack = append(stack, child)
			}
		}
		delete(t.nodes, cur)
		dropped++
	}
	return dropped
}

// Move relinks ino under newParent as newName. An entry already holding
// newName is dropped with its subtree, unless that entry contains ino, which
// fails with ErrNotEmpty. Moving a directory below itself fails with
// ErrInvalidPath.
func (t *Table) Move(ino, newParent uint64, newName string) error {
	if ino == RootIno {
		return common.ErrInvalidPath
	}
	n, ok := t.nodes[ino]
	if !ok {
		return common.ErrNotFound
	}
	dst, ok := t.nodes[newParent]
	if !ok {
		return common.ErrNotFound
	}
	if !dst.IsDir() {
		return common.ErrNotDir
	}
	if n.IsDir() && t.isAncestor(ino, newParent) {
		return common.ErrInvalidPath
	}
	if n.Parent == newParent && n.Name == newName {
		return nil
	}

	if existing, ok := dst.entries[newName]; ok && existing != ino {
		// The entry being replaced contains ino
		if t.isAncestor(existing, ino) {
			return common.ErrNotEmpty
		}
		dst.removeChild(newName)
		t.dropSubtree(existing)
	}
	if src, ok := t.nodes[n.Parent]; ok && src.entries[n.Name] == ino {
		src.removeChild(n.Name)
	}
	n.Name = newName
	n.Parent = newParent
	dst.addChild(newName, ino)
	return nil
}

// isAncestor reports whether ancestor appears on the parent chain of ino,
// ino itself included.
func (t *Table) isAncestor(ancestor, ino uint64) bool {
	seen := make(map[uint64]bool)
	for cur := ino; cur != NoParent && !seen[cur]; {
		if cur == ancestor {
			return true
		}
		seen[cur] = true
		n, ok := t.nodes[cur]
		if !ok {
			return false
		}
		cur = n.Parent
	}
	return false
}

const (
	repairVisiting int8 = iota + 1
	repairLive
	repairDead
)

// RepairOrphans drops every non-root node whose parent chain does not reach
// the root through existing directories, then reconciles directory entries
// with parent links. This is wider than removing nodes whose parent is
// absent: the descendants of such a node go too, and so do detached
// parent cycles that never reach the root. It returns the dropped inodes in
// ascending order. A second call on a repaired table returns nothing.
func (t *Table) RepairOrphans() []uint64 {
	if _, ok := t.nodes[RootIno]; !ok {
		t.nodes[RootIno] = &Node{Ino: RootIno, Parent: NoParent, Kind: KindDir, entries: make(map[string]uint64)}
		log.Warnf("[Storage] root directory missing, recreated")
	}

	state := map[uint64]int8{RootIno: repairLive}
	for ino := range t.nodes {
		var chain []uint64
		live := false
		cur := ino
		for {
			if s, seen := state[cur]; seen {
				live = s == repairLive
				break
			}
			n, ok := t.nodes[cur]
			if !ok {
				break
			}
			state[cur] = repairVisiting
			chain = append(chain, cur)
			p, ok := t.nodes[n.Parent]
			if n.Parent == NoParent || !ok || !p.IsDir() {
				break
			}
			cur = n.Parent
		}
		result := repairDead
		if live {
			result = repairLive
		}
		for _, c := range chain {
			state[c] = result
		}
	}

	var removed []uint64
	for ino, s := range state {
		if s == repairDead {
			delete(t.nodes, ino)
			removed = append(removed, ino)
		}
	}

	// Directory entries must point at live children that agree on name and parent.
	for ino, n := range t.nodes {
		if !n.IsDir() {
			n.order, n.entries = nil, nil
			continue
		}
		if n.entries == nil {
			n.entries = make(map[string]uint64)
		}
		for _, name := range n.ChildNames() {
			child, ok := t.nodes[n.entries[name]]
			if !ok || child.Parent != ino || child.Name != name {
				n.removeChild(name)
			}
		}
	}

	// Relink live nodes their parent does not list. A name already taken by
	// a sibling loses: the unlisted node and its subtree are dropped.
	inos := make([]uint64, 0, len(t.nodes))
	for ino := range t.nodes {
		inos = append(inos, ino)
	}
	slices.Sort(inos)
	var conflicts []uint64
	for _, ino := range inos {
		if ino == RootIno {
			continue
		}
		n := t.nodes[ino]
		p := t.nodes[n.Parent]
		listed, ok := p.entries[n.Name]
		switch {
		case !ok:
			p.addChild(n.Name, ino)
		case listed != ino:
			conflicts = append(conflicts, ino)
		}
	}
	for _, ino := range conflicts {
		if _, ok := t.nodes[ino]; !ok {
			continue
		}
		removed = append(removed, t.subtree(ino)...)
		t.dropSubtree(ino)
	}

	for ino := range t.nodes {
		if ino >= t.nextIno {
			t.nextIno = ino + 1
		}
	}

	slices.Sort(removed)
	return removed
}

func (t *Table) subtree(ino uint64) []uint64 {
	var out []uint64
	stack := []uint64{ino}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := t.nodes[cur]
		if !ok {
			continue
		}
		out = append(out, cur)
		for _, name := range n.order {
			if c, ok := t.nodes[n.entries[name]]; ok && c.Parent == cur {
				stack = append(stack, c.Ino)
			}
		}
	}
	return out
}

// Walk visits every node reachable from the root depth-first, children in
// insertion order. Returning false from fn skips the node's children.
func (t *Table) Walk(fn func(p string, n *Node) bool) {
	root, ok := t.nodes[RootIno]
	if !ok {
		return
	}
	t.walk("/", root, fn, map[uint64]bool{})
}

func (t *Table) walk(p string, n *Node, fn func(string, *Node) bool, seen map[uint64]bool) {
	if seen[n.Ino] {
		return
	}
	seen[n.Ino] = true
	if !fn(p, n) || !n.IsDir() {
		return
	}
	for _, name := range n.order {
		child, ok := t.nodes[n.entries[name]]
		if !ok {
			continue
		}
		t.walk(path.Join(p, name), child, fn, seen)
	}
}

// Inodes returns every registered inode in ascending order
func (t *Table) Inodes() []uint64 {
	out := make([]uint64, 0, len(t.nodes))
	for ino := range t.nodes {
		out = append(out, ino)
	}
	slices.Sort(out)
	return out
}
