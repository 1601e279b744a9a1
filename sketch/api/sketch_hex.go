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

package api

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Intel HEX record types.
const (
	recData                   = 0x00
	recEOF                    = 0x01
	recExtendedSegmentAddress = 0x02
	recStartSegmentAddress    = 0x03
	recExtendedLinearAddress  = 0x04
	recStartLinearAddress     = 0x05
)

// SketchHex is a compiled sketch image.
type SketchHex struct {
	// Name is the declared sketch name.
	Name string
	// Bytes is the flat image, i.e. the data records concatenated in file order.
	Bytes []byte
}

// SketchName implements Sketch.
func (h SketchHex) SketchName() string { return h.Name }

// RawBytes implements Sketch.
func (h SketchHex) RawBytes() []byte { return h.Bytes }

// ParseIntelHex reads an Intel HEX file as produced by the Arduino toolchain.
//
// Address records are accepted but the image is flattened: the bootloader
// expects data in record order.
func ParseIntelHex(name string, r io.Reader) (SketchHex, error) {
	var img []byte
	s := bufio.NewScanner(r)
	for line := 1; s.Scan(); line++ {
		l := strings.TrimSpace(s.Text())
		if l == "" {
			continue
		}
		if l[0] != ':' {
			return SketchHex{}, fmt.Errorf("line %d: missing ':' start code", line)
		}
		rec, err := hex.DecodeString(l[1:])
		if err != nil {
			return SketchHex{}, fmt.Errorf("line %d: %w", line, err)
		}
		// length, address(2), type, checksum
		if len(rec) < 5 {
			return SketchHex{}, fmt.Errorf("line %d: short record (%d bytes)", line, len(rec))
		}
		n := int(rec[0])
		if len(rec) != n+5 {
			return SketchHex{}, fmt.Errorf("line %d: record declares %d data bytes but has %d", line, n, len(rec)-5)
		}
		var sum byte
		for _, c := range rec {
			sum += c
		}
		if sum != 0 {
			return SketchHex{}, fmt.Errorf("line %d: checksum mismatch", line)
		}
		switch t := rec[3]; t {
		case recData:
			img = append(img, rec[4:4+n]...)
		case recEOF:
			return SketchHex{Name: name, Bytes: img}, nil
		case recExtendedSegmentAddress, recStartSegmentAddress, recExtendedLinearAddress, recStartLinearAddress:
		default:
			return SketchHex{}, fmt.Errorf("line %d: unknown record type 0x%02x", line, t)
		}
	}
	if err := s.Err(); err != nil {
		return SketchHex{}, fmt.Errorf("failed to read hex: %w", err)
	}
	return SketchHex{Name: name, Bytes: img}, nil
}
