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

// Package internal contains private implementation details for the sketch personality server.
package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/littlerobots/bean-sketch/sketch/api"
	"golang.org/x/mod/sumdb/note"
)

// maxPayloadSize bounds the body accepted by the decode endpoint.
const maxPayloadSize = 1 << 10

// AddSketchRequest is the JSON section of an add-sketch request.
type AddSketchRequest struct {
	// Name is the sketch name flashed onto the device.
	Name string `json:"name"`
}

// Server is the core state & handler implementation of the sketch personality.
type Server struct {
	store Store
	// verifiers is nil when manifest notes are not required.
	verifiers note.Verifiers
	now       func() time.Time
}

// NewServer creates a server backed by store. If verifiers is non-nil every
// added sketch must carry a manifest note signed by one of them.
func NewServer(store Store, verifiers note.Verifiers) *Server {
	return &Server{
		store:     store,
		verifiers: verifiers,
		now:       time.Now,
	}
}

// addSketch handles requests to publish new sketches.
// It expects a mime/multipart POST consisting of AddSketchRequest json,
// followed by the Intel HEX image, optionally followed by a signed manifest
// note over the sketch.
//
// curl -i -X POST -H "Content-Type: multipart/mixed" -F 'json=@testdata/blink.json;type=application/json' -F 'hex=@testdata/blink.hex' -F 'note=@testdata/blink.note' localhost:8000/sketch/v0/add-sketch
func (s *Server) addSketch(w http.ResponseWriter, r *http.Request) {
	h := r.Header["Content-Type"]
	if len(h) == 0 {
		http.Error(w, "no content-type header", http.StatusBadRequest)
		return
	}

	mediaType, mediaParams, err := mime.ParseMediaType(h[0])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		http.Error(w, "expecting mime multipart body", http.StatusBadRequest)
		return
	}
	boundary := mediaParams["boundary"]
	if len(boundary) == 0 {
		http.Error(w, "invalid mime multipart header - no boundary specified", http.StatusBadRequest)
		return
	}
	mr := multipart.NewReader(r.Body, boundary)

	rawJSON, err := readPart(mr) // JSON body section
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req AddSketchRequest
	if err := json.Unmarshal(rawJSON, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "sketch name must not be empty", http.StatusBadRequest)
		return
	}

	p, err := mr.NextPart() // HEX section
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hex, err := api.ParseIntelHex(req.Name, p)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid sketch hex: %v", err), http.StatusBadRequest)
		return
	}

	meta := api.FromSketchHex(hex, s.now())

	rawNote, err := readPart(mr) // Optional manifest note section
	if err != nil && err != io.EOF {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.verifiers != nil {
		if len(rawNote) == 0 {
			http.Error(w, "missing manifest note", http.StatusBadRequest)
			return
		}
		if err := s.verifyManifest(rawNote, meta); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	glog.V(1).Infof("Got sketch %v", meta)

	if err := s.store.Put(r.Context(), meta); err != nil {
		glog.Warningf("Failed to store sketch %q: %v", meta.HexName(), err)
		http.Error(w, "failed to store sketch", http.StatusInternalServerError)
		return
	}
	writeJSON(w, meta)
}

func (s *Server) verifyManifest(rawNote []byte, meta api.SketchMetadata) error {
	n, err := note.Open(rawNote, s.verifiers)
	if err != nil {
		return fmt.Errorf("failed to verify manifest note: %v", err)
	}
	if got, want := n.Text, meta.ManifestText(); got != want {
		return fmt.Errorf("manifest %q does not match sketch %q", got, want)
	}
	return nil
}

// getSketches returns all stored sketch metadata.
func (s *Server) getSketches(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.List(r.Context())
	if err != nil {
		glog.Warningf("Failed to list sketches: %v", err)
		http.Error(w, "failed to list sketches", http.StatusInternalServerError)
		return
	}
	writeJSON(w, all)
}

// getMetadata returns the metadata for the named sketch.
func (s *Server) getMetadata(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, meta)
}

// getPayload returns the bootloader payload for the named sketch, stamped
// with the current time.
func (s *Server) getPayload(w http.ResponseWriter, r *http.Request) {
	meta, ok := s.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(meta.Payload()); err != nil {
		glog.Warningf("Failed to write payload: %v", err)
	}
}

// decode parses a payload as reported by a device.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) {
	raw, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	meta, err := api.DecodeSketchMetadata(raw)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, api.ErrUnderflow) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, meta)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (api.SketchMetadata, bool) {
	name := mux.Vars(r)["name"]
	meta, err := s.store.Get(r.Context(), name)
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, fmt.Sprintf("unknown sketch %q", name), http.StatusNotFound)
		return api.SketchMetadata{}, false
	case err != nil:
		glog.Warningf("Failed to get sketch %q: %v", name, err)
		http.Error(w, "failed to get sketch", http.StatusInternalServerError)
		return api.SketchMetadata{}, false
	}
	return meta, true
}

// RegisterHandlers registers HTTP handlers for sketch endpoints.
func (s *Server) RegisterHandlers(r *mux.Router) {
	r.HandleFunc("/sketch/v0/add-sketch", s.addSketch).Methods(http.MethodPost)
	r.HandleFunc("/sketch/v0/sketches", s.getSketches).Methods(http.MethodGet)
	r.HandleFunc("/sketch/v0/metadata/{name}", s.getMetadata).Methods(http.MethodGet)
	r.HandleFunc("/sketch/v0/payload/{name}", s.getPayload).Methods(http.MethodGet)
	r.HandleFunc("/sketch/v0/decode", s.decode).Methods(http.MethodPost)
}

func readPart(mr *multipart.Reader) ([]byte, error) {
	p, err := mr.NextPart()
	if err != nil {
		return nil, err
	}
	return ioutil.ReadAll(p)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("Failed to write response: %v", err)
	}
}
