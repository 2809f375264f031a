package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pngfs/internal/common"
)

// memCodec keeps blobs in memory keyed by path.
type memCodec struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	encodes   int
	encodeErr []error
}

func newMemCodec() *memCodec {
	return &memCodec{blobs: make(map[string][]byte)}
}

func (c *memCodec) Encode(blob []byte, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encodes++
	if len(c.encodeErr) > 0 {
		err := c.encodeErr[0]
		c.encodeErr = c.encodeErr[1:]
		if err != nil {
			return err
		}
	}
	c.blobs[path] = append([]byte(nil), blob...)
	return nil
}

func (c *memCodec) Decode(path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	blob, ok := c.blobs[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	return blob, nil
}

func TestBridge_SaveLoad(t *testing.T) {
	t.Parallel()

	codec := newMemCodec()
	b := NewBridge(codec, "fs.png")
	assert.Equal(t, "fs.png", b.Path())

	tbl := sampleTable(t)
	require.NoError(t, b.Save(tbl))

	loaded := b.Load()
	assertSameTree(t, tbl, loaded)
}

func TestBridge_LoadFallsBack(t *testing.T) {
	t.Parallel()

	t.Run("missing image", func(t *testing.T) {
		t.Parallel()
		b := NewBridge(newMemCodec(), "missing.png")
		tbl := b.Load()
		require.NotNil(t, tbl)
		assert.Equal(t, 1, tbl.Len())

		_, err := b.Read()
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.ErrorIs(t, err, common.ErrIO)
	})

	t.Run("malformed blob", func(t *testing.T) {
		t.Parallel()
		codec := newMemCodec()
		codec.blobs["bad.png"] = []byte("not a pngfs blob at all, definitely not")
		tbl := NewBridge(codec, "bad.png").Load()
		require.NotNil(t, tbl)
		assert.Equal(t, 1, tbl.Len())
	})
}

func TestBridge_LoadRepairs(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	d := mustAdd(t, tbl, NewDir(RootIno, "d"))
	tbl.nodes[90] = &Node{Name: "orphan", Ino: 90, Parent: 1234, Kind: KindFile, Data: []byte("x")}

	codec := newMemCodec()
	b := NewBridge(codec, "fs.png")
	require.NoError(t, b.Save(tbl))

	loaded := b.Load()
	assert.Equal(t, []uint64{RootIno, d}, loaded.Inodes())
	assert.Greater(t, loaded.NextIno(), uint64(90))
}

func TestBridge_SaveErrors(t *testing.T) {
	t.Parallel()

	t.Run("transient failure is retried", func(t *testing.T) {
		t.Parallel()
		codec := newMemCodec()
		codec.encodeErr = []error{syscall.EAGAIN}
		require.NoError(t, NewBridge(codec, "fs.png").Save(NewTable()))
		assert.Equal(t, 2, codec.encodes)
	})

	t.Run("permanent failure is reported", func(t *testing.T) {
		t.Parallel()
		codec := newMemCodec()
		codec.encodeErr = []error{syscall.EROFS}
		err := NewBridge(codec, "fs.png").Save(NewTable())
		require.Error(t, err)
		assert.True(t, errors.Is(err, syscall.EROFS))
		assert.ErrorIs(t, err, common.ErrIO)
		assert.Equal(t, 1, codec.encodes)
	})
}
