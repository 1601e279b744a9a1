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
	"encoding/json"
	"time"
)

type sketchMetadataJSON struct {
	HexSize   uint32    `json:"hex_size"`
	HexCRC    uint32    `json:"hex_crc"`
	Timestamp time.Time `json:"timestamp"`
	HexName   string    `json:"hex_name"`
}

// MarshalJSON implements json.Marshaler.
func (m SketchMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(sketchMetadataJSON{
		HexSize:   m.hexSize,
		HexCRC:    m.hexCRC,
		Timestamp: m.timestamp,
		HexName:   m.hexName,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *SketchMetadata) UnmarshalJSON(b []byte) error {
	var j sketchMetadataJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*m = NewSketchMetadata(j.HexSize, j.HexCRC, j.Timestamp, j.HexName)
	return nil
}
