// Copyright 2021 The Bean Sketch Authors. All Rights Reserved.
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

// Package api contains the "public" API/artifacts of sketch publishing: the
// metadata describing a firmware image and its bootloader wire format.
package api

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

const (
	// MaxSketchNameLength is the size of the name buffer on the device.
	MaxSketchNameLength = 20

	// PayloadSize is the encoded size of metadata whose name fits the device buffer.
	PayloadSize = 4 + 4 + 4 + 1 + MaxSketchNameLength

	namePad = ' '
)

// now is read once per encode; tests replace it.
var now = time.Now

// SketchMetadata describes a firmware image ready to be flashed.
// Values are immutable once constructed.
type SketchMetadata struct {
	hexSize   uint32
	hexCRC    uint32
	timestamp time.Time
	hexName   string
}

// Sketch is a firmware image with a declared name.
type Sketch interface {
	SketchName() string
	RawBytes() []byte
}

// NewSketchMetadata creates metadata from its fields. The timestamp is
// truncated to whole seconds.
func NewSketchMetadata(hexSize, hexCRC uint32, timestamp time.Time, hexName string) SketchMetadata {
	return SketchMetadata{
		hexSize:   hexSize,
		hexCRC:    hexCRC,
		timestamp: timestamp.Truncate(time.Second).UTC(),
		hexName:   hexName,
	}
}

// FromSketchHex derives metadata for the given firmware image.
func FromSketchHex(s Sketch, timestamp time.Time) SketchMetadata {
	raw := s.RawBytes()
	return NewSketchMetadata(uint32(len(raw)), crc32.ChecksumIEEE(raw), timestamp, s.SketchName())
}

// HexSize is the length of the firmware image in bytes.
func (m SketchMetadata) HexSize() uint32 { return m.hexSize }

// HexCRC is the CRC-32 (IEEE) of the firmware image.
func (m SketchMetadata) HexCRC() uint32 { return m.hexCRC }

// Timestamp returns the metadata timestamp.
func (m SketchMetadata) Timestamp() time.Time { return m.timestamp }

// HexName returns the sketch name.
func (m SketchMetadata) HexName() string { return m.hexName }

// Equal reports whether m and o hold the same values.
func (m SketchMetadata) Equal(o SketchMetadata) bool {
	return m.hexSize == o.hexSize &&
		m.hexCRC == o.hexCRC &&
		m.timestamp.Equal(o.timestamp) &&
		m.hexName == o.hexName
}

func (m SketchMetadata) String() string {
	return fmt.Sprintf("sketch name=%q size=%d crc=0x%08x time=%s", m.hexName, m.hexSize, m.hexCRC, m.timestamp.Format(time.RFC3339))
}

// Payload encodes the metadata in the layout of the bootloader's
// BL_SKETCH_META_DATA_T struct, little-endian:
//
// <uint32 - hexSize>
// <uint32 - hexCrc>
// <uint32 - seconds since epoch at encode time>
// <uint8  - UTF-8 length of hexName, clamped to 255>
// <hexName - space padded to 20 bytes>
//
// The timestamp field is stamped with the time of encoding rather than the
// metadata's own timestamp. Names longer than 20 bytes are written in full;
// the device truncates them to its own buffer.
func (m SketchMetadata) Payload() []byte {
	name := []byte(m.hexName)
	b := bytes.NewBuffer(make([]byte, 0, PayloadSize))

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], m.hexSize)
	b.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], m.hexCRC)
	b.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(now().Unix()))
	b.Write(u32[:])

	nameLen := len(name)
	if nameLen > 0xff {
		nameLen = 0xff
	}
	b.WriteByte(byte(nameLen))

	if len(name) >= MaxSketchNameLength {
		b.Write(name)
		return b.Bytes()
	}
	var padded [MaxSketchNameLength]byte
	for i := range padded {
		padded[i] = namePad
	}
	copy(padded[:], name)
	b.Write(padded[:])
	return b.Bytes()
}

// MarshalBinary implements encoding.BinaryMarshaler using the Payload format.
func (m SketchMetadata) MarshalBinary() ([]byte, error) {
	return m.Payload(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler and reads payloads
// which were written by the Payload method above.
func (m *SketchMetadata) UnmarshalBinary(raw []byte) error {
	d, err := DecodeSketchMetadata(raw)
	if err != nil {
		return err
	}
	*m = d
	return nil
}

// DecodeSketchMetadata decodes a payload received from the device.
func DecodeSketchMetadata(raw []byte) (SketchMetadata, error) {
	return ReadSketchMetadata(bytes.NewReader(raw))
}

// ReadSketchMetadata reads a single payload from r.
//
// The name is only read when its length byte is in [1, 20]. Otherwise the
// name is empty and the name bytes are left unread in r.
func ReadSketchMetadata(r io.Reader) (SketchMetadata, error) {
	hexSize, err := readUint32(r, "hexSize")
	if err != nil {
		return SketchMetadata{}, err
	}
	hexCRC, err := readUint32(r, "hexCrc")
	if err != nil {
		return SketchMetadata{}, err
	}
	secs, err := readUint32(r, "timestamp")
	if err != nil {
		return SketchMetadata{}, err
	}
	l, err := readFull(r, "hexNameSize", 1)
	if err != nil {
		return SketchMetadata{}, err
	}
	var name string
	if n := int(l[0]); n > 0 && n <= MaxSketchNameLength {
		raw, err := readFull(r, "hexName", n)
		if err != nil {
			return SketchMetadata{}, err
		}
		name = string(raw)
	}
	return NewSketchMetadata(hexSize, hexCRC, time.Unix(int64(secs), 0), name), nil
}

func readUint32(r io.Reader, field string) (uint32, error) {
	b, err := readFull(r, field, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func readFull(r io.Reader, field string, n int) ([]byte, error) {
	b := make([]byte, n)
	got, err := io.ReadFull(r, b)
	switch err {
	case nil:
		return b, nil
	case io.EOF, io.ErrUnexpectedEOF:
		return nil, &UnderflowError{Field: field, Want: n, Got: got}
	default:
		return nil, fmt.Errorf("unable to read %s: %w", field, err)
	}
}
