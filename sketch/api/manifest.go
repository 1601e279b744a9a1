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

import "fmt"

// ManifestOrigin is the first line of every sketch manifest note.
const ManifestOrigin = "bean sketch"

// ManifestText returns the text a publisher signs to vouch for a sketch:
//
// bean sketch
// <hexName>
// <hexSize>
// <hexCrc, 8 hex digits>
//
// The timestamp is left out, it is replaced whenever the payload is encoded.
func (m SketchMetadata) ManifestText() string {
	return fmt.Sprintf("%s\n%s\n%d\n%08x\n", ManifestOrigin, m.hexName, m.hexSize, m.hexCRC)
}
