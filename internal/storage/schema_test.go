package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pngfs/internal/common"
)

// sampleTable builds root/{docs/{a.txt, b.bin}, empty/, top.txt}.
func sampleTable(t *testing.T) *Table {
	t.Helper()
	tbl := NewTable()
	docs := mustAdd(t, tbl, NewDir(RootIno, "docs"))
	a := mustAdd(t, tbl, NewFile(docs, "a.txt"))
	b := mustAdd(t, tbl, NewFile(docs, "b.bin"))
	mustAdd(t, tbl, NewDir(RootIno, "empty"))
	top := mustAdd(t, tbl, NewFile(RootIno, "top.txt"))

	n, _ := tbl.Get(a)
	n.Data = []byte("hello")
	n, _ = tbl.Get(b)
	n.Data = bytes.Repeat([]byte{0, 1, 2, 0xff}, 4096)
	n, _ = tbl.Get(top)
	n.Data = []byte{}
	return tbl
}

// assertSameTree compares names, kinds, content and linkage.
func assertSameTree(t *testing.T, want, got *Table) {
	t.Helper()
	require.Equal(t, want.Inodes(), got.Inodes())
	for _, ino := range want.Inodes() {
		w, _ := want.Get(ino)
		g, err := got.Get(ino)
		require.NoError(t, err)
		assert.Equal(t, w.Name, g.Name, "ino %d name", ino)
		assert.Equal(t, w.Kind, g.Kind, "ino %d kind", ino)
		assert.Equal(t, w.Parent, g.Parent, "ino %d parent", ino)
		assert.Equal(t, w.Size(), g.Size(), "ino %d size", ino)
		assert.True(t, bytes.Equal(w.Data, g.Data), "ino %d data", ino)
		assert.Equal(t, w.ChildNames(), g.ChildNames(), "ino %d children", ino)
		for _, name := range w.ChildNames() {
			wc, _ := w.Child(name)
			gc, _ := g.Child(name)
			assert.Equal(t, wc, gc)
		}
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		tbl := sampleTable(t)
		blob, err := Marshal(tbl)
		require.NoError(t, err)

		got, err := Unmarshal(blob)
		require.NoError(t, err)
		assertSameTree(t, tbl, got)
		assert.Equal(t, tbl.FSID(), got.FSID())
		assert.Equal(t, tbl.NextIno(), got.NextIno())
	})

	t.Run("allocation counter survives deletions", func(t *testing.T) {
		t.Parallel()
		tbl := NewTable()
		ino := mustAdd(t, tbl, NewFile(RootIno, "gone"))
		_, err := tbl.Remove(ino)
		require.NoError(t, err)

		blob, err := Marshal(tbl)
		require.NoError(t, err)
		got, err := Unmarshal(blob)
		require.NoError(t, err)
		next := mustAdd(t, got, NewFile(RootIno, "new"))
		assert.Greater(t, next, ino, "deleted inode numbers are never handed out again")
	})

	t.Run("non utf-8 names", func(t *testing.T) {
		t.Parallel()
		tbl := NewTable()
		mustAdd(t, tbl, NewFile(RootIno, "caf\xe9"))
		blob, err := Marshal(tbl)
		require.NoError(t, err)
		got, err := Unmarshal(blob)
		require.NoError(t, err)
		_, err = got.Resolve(RootIno, "caf\xe9")
		assert.NoError(t, err)
	})

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		tbl := sampleTable(t)
		a, err := Marshal(tbl)
		require.NoError(t, err)
		b, err := Marshal(tbl)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestUnmarshal_Malformed(t *testing.T) {
	t.Parallel()

	good, err := Marshal(sampleTable(t))
	require.NoError(t, err)

	flipped := bytes.Clone(good)
	flipped[len(flipped)-1] ^= 0xff

	badVersion := bytes.Clone(good)
	badVersion[len(blobMagic)] = SchemaVersion + 1

	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"short", []byte("PNG")},
		{"wrong magic", append([]byte("XXXXX"), good[5:]...)},
		{"unknown version", badVersion},
		{"corrupt payload", flipped},
		{"truncated", good[:len(good)-10]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Unmarshal(tt.blob)
			assert.ErrorIs(t, err, common.ErrFormat)
		})
	}
}
