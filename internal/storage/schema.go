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
	"bytes"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"pngfs/internal/common"
)

// SchemaVersion is the snapshot layout written by Marshal
const SchemaVersion = 1

// blobMagic opens every blob. It is followed by one version byte and the
// BLAKE3 digest of the compressed payload.
var blobMagic = []byte("PNGFS")

const (
	digestSize = 32
	headerSize = 5 + 1 + digestSize
)

// snapshot is the CBOR document stored in the blob
type snapshot struct {
	Version uint16       `cbor:"1,keyasint"`
	FSID    string       `cbor:"2,keyasint"`
	NextIno uint64       `cbor:"3,keyasint"`
	Nodes   []nodeRecord `cbor:"4,keyasint"`
}

// nodeRecord is one persisted node. Names are byte strings, not CBOR text,
// so non UTF-8 file names survive a round trip.
type nodeRecord struct {
	Ino      uint64        `cbor:"1,keyasint"`
	Parent   uint64        `cbor:"2,keyasint"`
	Name     []byte        `cbor:"3,keyasint"`
	Kind     uint8         `cbor:"4,keyasint"`
	Children []childRecord `cbor:"5,keyasint,omitempty"`
	Data     []byte        `cbor:"6,keyasint,omitempty"`
}

type childRecord struct {
	Name []byte `cbor:"1,keyasint"`
	Ino  uint64 `cbor:"2,keyasint"`
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal serializes the whole table into one opaque blob
func Marshal(t *Table) ([]byte, error) {
	snap := snapshot{
		Version: SchemaVersion,
		FSID:    t.fsid.String(),
		NextIno: t.nextIno,
		Nodes:   make([]nodeRecord, 0, len(t.nodes)),
	}
	for _, ino := range t.Inodes() {
		n := t.nodes[ino]
		rec := nodeRecord{
			Ino:    n.Ino,
			Parent: n.Parent,
			Name:   []byte(n.Name),
			Kind:   uint8(n.Kind),
		}
		if n.IsDir() {
			rec.Children = make([]childRecord, 0, len(n.order))
			for _, name := range n.order {
				rec.Children = append(rec.Children, childRecord{Name: []byte(name), Ino: n.entries[name]})
			}
		} else {
			rec.Data = n.Data
		}
		snap.Nodes = append(snap.Nodes, rec)
	}

	payload, err := encMode.Marshal(&snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(payload, nil)
	digest := blake3.Sum256(compressed)

	blob := make([]byte, 0, headerSize+len(compressed))
	blob = append(blob, blobMagic...)
	blob = append(blob, SchemaVersion)
	blob = append(blob, digest[:]...)
	blob = append(blob, compressed...)
	return blob, nil
}

// Unmarshal rebuilds a table from a blob produced by Marshal. Every failure
// wraps common.ErrFormat. The returned table has not been repaired.
func Unmarshal(blob []byte) (*Table, error) {
	if len(blob) < headerSize || !bytes.Equal(blob[:len(blobMagic)], blobMagic) {
		return nil, fmt.Errorf("missing blob header: %w", common.ErrFormat)
	}
	if v := blob[len(blobMagic)]; v != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d: %w", v, common.ErrFormat)
	}
	var want [digestSize]byte
	copy(want[:], blob[len(blobMagic)+1:headerSize])
	compressed := blob[headerSize:]
	if blake3.Sum256(compressed) != want {
		return nil, fmt.Errorf("checksum mismatch: %w", common.ErrFormat)
	}

	payload, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %v: %w", err, common.ErrFormat)
	}
	var snap snapshot
	if err := decMode.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %v: %w", err, common.ErrFormat)
	}
	if snap.Version != SchemaVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d: %w", snap.Version, common.ErrFormat)
	}

	fsid, err := uuid.Parse(snap.FSID)
	if err != nil {
		log.Warnf("[Storage] snapshot carries invalid fsid %q, assigning a new one", snap.FSID)
		fsid = uuid.New()
	}
	t := newTable(fsid)
	t.nextIno = snap.NextIno

	for _, rec := range snap.Nodes {
		kind := Kind(rec.Kind)
		if rec.Ino == NoParent || (kind != KindDir && kind != KindFile) {
			log.Warnf("[Storage] skipping malformed node record ino=%d kind=%d", rec.Ino, rec.Kind)
			continue
		}
		if _, dup := t.nodes[rec.Ino]; dup {
			log.Warnf("[Storage] skipping duplicate node record ino=%d", rec.Ino)
			continue
		}
		n := &Node{
			Name:   string(rec.Name),
			Ino:    rec.Ino,
			Parent: rec.Parent,
			Kind:   kind,
		}
		if n.IsDir() {
			n.entries = make(map[string]uint64, len(rec.Children))
			for _, c := range rec.Children {
				n.addChild(string(c.Name), c.Ino)
			}
		} else {
			n.Data = slices.Clone(rec.Data)
		}
		if rec.Ino == RootIno {
			if !n.IsDir() {
				log.Warnf("[Storage] root record is not a directory, dropping it")
				continue
			}
			n.Parent = NoParent
			n.Name = ""
		}
		t.nodes[rec.Ino] = n
	}

	for ino := range t.nodes {
		if ino >= t.nextIno {
			t.nextIno = ino + 1
		}
	}
	if t.nextIno <= RootIno {
		t.nextIno = RootIno + 1
	}
	return t, nil
}
