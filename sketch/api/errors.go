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
	"errors"
	"fmt"
)

// ErrUnderflow is matched by every *UnderflowError.
var ErrUnderflow = errors.New("buffer underflow")

// UnderflowError is returned when decoding runs past the end of the input.
type UnderflowError struct {
	// Field is the payload field being read.
	Field string
	// Want is the number of bytes the field needs.
	Want int
	// Got is the number of bytes that were available.
	Got int
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("unable to read %s: %v (want %d bytes, got %d)", e.Field, ErrUnderflow, e.Want, e.Got)
}

// Is reports whether target is ErrUnderflow.
func (e *UnderflowError) Is(target error) bool {
	return target == ErrUnderflow
}
