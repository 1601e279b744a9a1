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

// This package is the entrypoint for the sketch metadata tool, which derives,
// encodes, signs and decodes sketch metadata payloads.
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/littlerobots/bean-sketch/sketch/api"
	"golang.org/x/mod/sumdb/note"
)

var (
	hexFile        = flag.String("hex_file", "", "path to the Intel HEX sketch to describe")
	name           = flag.String("name", "", "sketch name, defaults to the base name of --hex_file without its extension")
	payloadOut     = flag.String("payload_out", "", "path to write the encoded bootloader payload to")
	decodeFile     = flag.String("decode_file", "", "path to a payload received from a device to decode, instead of --hex_file")
	privateKeyFile = flag.String("private_key_file", "", "path to a note signer key; if set a signed manifest is written to --note_out")
	noteOut        = flag.String("note_out", "", "path to write the signed manifest note to")
)

func main() {
	flag.Parse()

	if *decodeFile != "" {
		raw, err := ioutil.ReadFile(*decodeFile)
		if err != nil {
			glog.Exitf("Failed to read payload: %v", err)
		}
		m, err := api.DecodeSketchMetadata(raw)
		if err != nil {
			glog.Exitf("Failed to decode payload: %v", err)
		}
		fmt.Println(m)
		return
	}

	if len(*hexFile) == 0 {
		glog.Exit("--hex_file or --decode_file must be set")
	}
	m, err := describe(*hexFile, *name, time.Now())
	if err != nil {
		glog.Exitf("Failed to describe sketch: %v", err)
	}
	glog.Infof("Derived %v", m)

	p := m.Payload()
	fmt.Println(hex.EncodeToString(p))
	if *payloadOut != "" {
		if err := ioutil.WriteFile(*payloadOut, p, 0644); err != nil {
			glog.Exitf("Failed to write payload to %q: %v", *payloadOut, err)
		}
	}

	if *privateKeyFile != "" {
		if *noteOut == "" {
			glog.Exit("--note_out must be set with --private_key_file")
		}
		signed, err := signManifest(*privateKeyFile, m)
		if err != nil {
			glog.Exitf("Failed to sign manifest: %v", err)
		}
		if err := ioutil.WriteFile(*noteOut, signed, 0644); err != nil {
			glog.Exitf("Failed to write note to %q: %v", *noteOut, err)
		}
		glog.Infof("Wrote signed manifest to %q", *noteOut)
	}
}

// describe parses the Intel HEX file at path and derives its metadata.
// If sketchName is empty the file's base name is used.
func describe(path, sketchName string, ts time.Time) (api.SketchMetadata, error) {
	if sketchName == "" {
		sketchName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return api.SketchMetadata{}, err
	}
	defer f.Close()
	h, err := api.ParseIntelHex(sketchName, f)
	if err != nil {
		return api.SketchMetadata{}, fmt.Errorf("failed to parse %q: %w", path, err)
	}
	if l := len(sketchName); l > api.MaxSketchNameLength {
		glog.Warningf("Sketch name %q is %d bytes, the device keeps only %d", sketchName, l, api.MaxSketchNameLength)
	}
	return api.FromSketchHex(h, ts), nil
}

// signManifest signs m's manifest text with the note signer key stored in keyFile.
func signManifest(keyFile string, m api.SketchMetadata) ([]byte, error) {
	skey, err := ioutil.ReadFile(keyFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no signer key at %q, generate one with note.GenerateKey", keyFile)
		}
		return nil, fmt.Errorf("failed to read signer key from %q: %v", keyFile, err)
	}
	signer, err := note.NewSigner(strings.TrimSpace(string(skey)))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %v", err)
	}
	return note.Sign(&note.Note{Text: m.ManifestText()}, signer)
}
