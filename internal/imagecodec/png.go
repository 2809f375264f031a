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

// Package imagecodec embeds an opaque blob in a PNG file.
//
// The blob travels in private ancillary chunks of type "pnFs". Decoders
// that do not know the chunk skip it, so the file stays a viewable image.
// Every other chunk of an existing image is preserved on re-encode. When
// the target file does not exist a small cover image is generated.
package imagecodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"pngfs/internal/common"
)

// ChunkType is the PNG chunk type carrying the blob: ancillary, private,
// safe to copy.
const ChunkType = "pnFs"

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// maxChunkData is the largest payload put in one chunk. Larger blobs span
// consecutive chunks.
var maxChunkData = 1<<31 - 1

// coverSize is the edge length of a generated cover image
const coverSize = 64

type chunk struct {
	typ  string
	data []byte
}

// PNG implements storage.ImageCodec
type PNG struct{}

// New returns a PNG codec
func New() *PNG {
	return &PNG{}
}

// Encode embeds blob into the PNG at path, replacing any blob already
// there. The file is rewritten through a temporary file and a rename.
func (c *PNG) Encode(blob []byte, path string) error {
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		raw, err = cover()
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}

	chunks, err := parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var out bytes.Buffer
	out.Grow(len(raw) + len(blob) + 64)
	out.Write(pngSignature)
	for _, ch := range chunks {
		switch ch.typ {
		case ChunkType:
			continue
		case "IEND":
			writeBlob(&out, blob)
		}
		writeChunk(&out, ch.typ, ch.data)
	}

	return writeFileAtomic(path, out.Bytes())
}

// Decode extracts the blob embedded by Encode
func (c *PNG) Decode(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	chunks, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var blob []byte
	found := false
	for _, ch := range chunks {
		if ch.typ == ChunkType {
			blob = append(blob, ch.data...)
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%s: no embedded filesystem: %w", path, common.ErrFormat)
	}
	return blob, nil
}

// parse splits a PNG file into chunks, verifying each CRC. The IEND chunk
// must be present and last.
func parse(raw []byte) ([]chunk, error) {
	if !bytes.HasPrefix(raw, pngSignature) {
		return nil, fmt.Errorf("not a PNG file: %w", common.ErrFormat)
	}
	var chunks []chunk
	rest := raw[len(pngSignature):]
	for len(rest) > 0 {
		if len(rest) < 12 {
			return nil, fmt.Errorf("truncated chunk header: %w", common.ErrFormat)
		}
		length := binary.BigEndian.Uint32(rest[:4])
		if uint64(length)+12 > uint64(len(rest)) {
			return nil, fmt.Errorf("truncated chunk: %w", common.ErrFormat)
		}
		typ := string(rest[4:8])
		data := rest[8 : 8+length]
		sum := binary.BigEndian.Uint32(rest[8+length : 12+length])
		if crc32.ChecksumIEEE(rest[4:8+length]) != sum {
			return nil, fmt.Errorf("chunk %q: crc mismatch: %w", typ, common.ErrFormat)
		}
		chunks = append(chunks, chunk{typ: typ, data: data})
		rest = rest[12+length:]
		if typ == "IEND" {
			break
		}
	}
	if len(chunks) == 0 || chunks[len(chunks)-1].typ != "IEND" {
		return nil, fmt.Errorf("missing IEND chunk: %w", common.ErrFormat)
	}
	return chunks, nil
}

// writeBlob emits blob as one or more consecutive chunks
func writeBlob(buf *bytes.Buffer, blob []byte) {
	for {
		n := min(len(blob), maxChunkData)
		writeChunk(buf, ChunkType, blob[:n])
		blob = blob[n:]
		if len(blob) == 0 {
			return
		}
	}
}

func writeChunk(buf *bytes.Buffer, typ string, data []byte) {
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], uint32(len(data)))
	buf.Write(word[:])
	h := crc32.NewIEEE()
	h.Write([]byte(typ))
	h.Write(data)
	buf.WriteString(typ)
	buf.Write(data)
	binary.BigEndian.PutUint32(word[:], h.Sum32())
	buf.Write(word[:])
}

// cover renders the default image used when no image exists yet
func cover() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, coverSize, coverSize))
	for y := 0; y < coverSize; y++ {
		for x := 0; x < coverSize; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 0x80, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("render cover image: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
