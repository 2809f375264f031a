package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"pngfs/internal/common"
	"pngfs/internal/util"
)

// ImageCodec embeds an opaque blob into an image file and extracts it again
type ImageCodec interface {
	Encode(blob []byte, path string) error
	Decode(path string) ([]byte, error)
}

// Bridge moves a Table between memory and its backing image
type Bridge struct {
	codec ImageCodec
	path  string
}

// NewBridge creates a bridge persisting to the image at path
func NewBridge(codec ImageCodec, path string) *Bridge {
	return &Bridge{codec: codec, path: path}
}

// Path returns the backing image path
func (b *Bridge) Path() string {
	return b.path
}

// Save serializes the table and hands the blob to the codec
func (b *Bridge) Save(t *Table) (err error) {
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[Storage] Save %s → %v (%v)", b.path, err, time.Since(start)) }()
	}
	blob, err := Marshal(t)
	if err != nil {
		return err
	}
	ctx := context.Background()
	err = util.Retry(ctx, func() error {
		return b.codec.Encode(blob, b.path)
	}, util.ImageRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("%w: write image %s: %w", common.ErrIO, b.path, err)
	}
	log.Debugf("[Storage] saved %d nodes (%d bytes) to %s", t.Len(), len(blob), b.path)
	return nil
}

// Read extracts and deserializes the table without any fallback. The table
// is repaired before it is returned.
func (b *Bridge) Read() (*Table, error) {
	ctx := context.Background()
	blob, err := util.RetryWithResult(ctx, func() ([]byte, error) {
		return b.codec.Decode(b.path)
	}, util.ImageRetryOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("%w: read image %s: %w", common.ErrIO, b.path, err)
	}
	t, err := Unmarshal(blob)
	if err != nil {
		return nil, err
	}
	if removed := t.RepairOrphans(); len(removed) > 0 {
		log.Warnf("[Storage] dropped %d orphaned entries from %s: %v", len(removed), b.path, removed)
	}
	return t, nil
}

// Load returns the persisted table, or a fresh one when the image is
// missing or unreadable. Startup never fails on a bad image.
func (b *Bridge) Load() *Table {
	t, err := b.Read()
	if err == nil {
		log.Infof("[Storage] loaded %d nodes from %s (fsid %s)", t.Len(), b.path, t.FSID())
		return t
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Infof("[Storage] no image at %s, starting empty", b.path)
	} else {
		log.Warnf("[Storage] cannot load %s, starting empty: %v", b.path, err)
	}
	t = NewTable()
	t.RepairOrphans()
	return t
}
