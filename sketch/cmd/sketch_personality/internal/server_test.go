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

package internal

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/mux"
	"github.com/littlerobots/bean-sketch/sketch/api"
	"golang.org/x/mod/sumdb/note"
)

const abcHex = ":0400000001020304F2\n:00000001FF\n"

var testTime = time.Date(2021, 6, 1, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, store Store, verifiers note.Verifiers) http.Handler {
	t.Helper()
	s := NewServer(store, verifiers)
	s.now = func() time.Time { return testTime }
	r := mux.NewRouter()
	s.RegisterHandlers(r)
	return r
}

// addSketchRequest builds a multipart/mixed add-sketch request from the given sections.
func addSketchRequest(t *testing.T, parts ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, p := range parts {
		pw, err := w.CreatePart(textproto.MIMEHeader{})
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		if _, err := pw.Write([]byte(p)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/sketch/v0/add-sketch", &body)
	r.Header.Set("Content-Type", "multipart/mixed; boundary="+w.Boundary())
	return r
}

func newSigner(t *testing.T) (note.Signer, note.Verifiers) {
	t.Helper()
	skey, vkey, err := note.GenerateKey(rand.Reader, "publisher")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	verifier, err := note.NewVerifier(vkey)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return signer, note.VerifierList(verifier)
}

func sign(t *testing.T, text string, signer note.Signer) string {
	t.Helper()
	msg, err := note.Sign(&note.Note{Text: text}, signer)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return string(msg)
}

func decodeMetadata(t *testing.T, body []byte) api.SketchMetadata {
	t.Helper()
	var m api.SketchMetadata
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("invalid JSON response %q: %v", body, err)
	}
	return m
}

func TestAddSketch(t *testing.T) {
	want := api.NewSketchMetadata(4, 0xB63CFBCD, testTime, "abc")
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	store.EXPECT().Put(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, m api.SketchMetadata) error {
		if diff := cmp.Diff(want, m); diff != "" {
			t.Errorf("stored sketch diff (-want +got):\n%s", diff)
		}
		return nil
	})

	w := httptest.NewRecorder()
	newTestServer(t, store, nil).ServeHTTP(w, addSketchRequest(t, `{"name":"abc"}`, abcHex))

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d (%s), want 200", w.Code, w.Body)
	}
	if diff := cmp.Diff(want, decodeMetadata(t, w.Body.Bytes())); diff != "" {
		t.Errorf("response diff (-want +got):\n%s", diff)
	}
}

func TestAddSketchErrors(t *testing.T) {
	manifest := api.NewSketchMetadata(4, 0xB63CFBCD, testTime, "abc").ManifestText()
	signer, verifiers := newSigner(t)
	_, otherVerifiers := newSigner(t)
	signed := sign(t, manifest, signer)
	wrongText := sign(t, "bean sketch\nabc\n5\nb63cfbcd\n", signer)

	for _, test := range []struct {
		desc      string
		req       func(t *testing.T) *http.Request
		verifiers note.Verifiers
		wantCode  int
	}{
		{
			desc: "no content type",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/sketch/v0/add-sketch", nil)
			},
			wantCode: http.StatusBadRequest,
		}, {
			desc: "not multipart",
			req: func(t *testing.T) *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/sketch/v0/add-sketch", bytes.NewBufferString("{}"))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			wantCode: http.StatusBadRequest,
		}, {
			desc: "empty name",
			req: func(t *testing.T) *http.Request {
				return addSketchRequest(t, `{"name":""}`, abcHex)
			},
			wantCode: http.StatusBadRequest,
		}, {
			desc: "missing hex",
			req: func(t *testing.T) *http.Request {
				return addSketchRequest(t, `{"name":"abc"}`)
			},
			wantCode: http.StatusBadRequest,
		}, {
			desc: "bad hex",
			req: func(t *testing.T) *http.Request {
				return addSketchRequest(t, `{"name":"abc"}`, ":0400000001020304F3\n")
			},
			wantCode: http.StatusBadRequest,
		}, {
			desc: "missing note",
			req: func(t *testing.T) *http.Request {
				return addSketchRequest(t, `{"name":"abc"}`, abcHex)
			},
			verifiers: verifiers,
			wantCode:  http.StatusBadRequest,
		}, {
			desc: "unknown signer",
			req: func(t *testing.T) *http.Request {
				return addSketchRequest(t, `{"name":"abc"}`, abcHex, signed)
			},
			verifiers: otherVerifiers,
			wantCode:  http.StatusForbidden,
		}, {
			desc: "manifest mismatch",
			req: func(t *testing.T) *http.Request {
				return addSketchRequest(t, `{"name":"abc"}`, abcHex, wrongText)
			},
			verifiers: verifiers,
			wantCode:  http.StatusForbidden,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			store := NewMockStore(ctrl)

			w := httptest.NewRecorder()
			newTestServer(t, store, test.verifiers).ServeHTTP(w, test.req(t))
			if w.Code != test.wantCode {
				t.Errorf("got status %d (%s), want %d", w.Code, w.Body, test.wantCode)
			}
		})
	}
}

func TestAddSketchVerified(t *testing.T) {
	want := api.NewSketchMetadata(4, 0xB63CFBCD, testTime, "abc")
	signer, verifiers := newSigner(t)
	signed := sign(t, want.ManifestText(), signer)

	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	store.EXPECT().Put(gomock.Any(), gomock.Any()).Return(nil)

	w := httptest.NewRecorder()
	newTestServer(t, store, verifiers).ServeHTTP(w, addSketchRequest(t, `{"name":"abc"}`, abcHex, signed))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d (%s), want 200", w.Code, w.Body)
	}
}

func TestAddSketchStoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	store.EXPECT().Put(gomock.Any(), gomock.Any()).Return(errors.New("disk on fire"))

	w := httptest.NewRecorder()
	newTestServer(t, store, nil).ServeHTTP(w, addSketchRequest(t, `{"name":"abc"}`, abcHex))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", w.Code)
	}
}

func TestGetMetadata(t *testing.T) {
	blink := api.NewSketchMetadata(1024, 0x12345678, testTime, "blink")
	for _, test := range []struct {
		desc     string
		name     string
		getErr   error
		wantCode int
	}{
		{desc: "found", name: "blink", wantCode: http.StatusOK},
		{desc: "not found", name: "nope", getErr: ErrNotFound, wantCode: http.StatusNotFound},
		{desc: "store error", name: "blink", getErr: errors.New("boom"), wantCode: http.StatusInternalServerError},
	} {
		t.Run(test.desc, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			store := NewMockStore(ctrl)
			store.EXPECT().Get(gomock.Any(), test.name).Return(blink, test.getErr)

			w := httptest.NewRecorder()
			newTestServer(t, store, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sketch/v0/metadata/"+test.name, nil))
			if w.Code != test.wantCode {
				t.Fatalf("got status %d (%s), want %d", w.Code, w.Body, test.wantCode)
			}
			if test.wantCode != http.StatusOK {
				return
			}
			if diff := cmp.Diff(blink, decodeMetadata(t, w.Body.Bytes())); diff != "" {
				t.Errorf("response diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetPayload(t *testing.T) {
	blink := api.NewSketchMetadata(1024, 0x12345678, testTime, "blink")
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	store.EXPECT().Get(gomock.Any(), "blink").Return(blink, nil)

	w := httptest.NewRecorder()
	newTestServer(t, store, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sketch/v0/payload/blink", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d (%s), want 200", w.Code, w.Body)
	}
	if got := w.Body.Len(); got != api.PayloadSize {
		t.Fatalf("got %d byte payload, want %d", got, api.PayloadSize)
	}
	got, err := api.DecodeSketchMetadata(w.Body.Bytes())
	if err != nil {
		t.Fatalf("DecodeSketchMetadata: %v", err)
	}
	if got.HexSize() != 1024 || got.HexCRC() != 0x12345678 || got.HexName() != "blink" {
		t.Errorf("decoded payload %v, want fields of %v", got, blink)
	}
}

func TestGetSketches(t *testing.T) {
	all := []api.SketchMetadata{
		api.NewSketchMetadata(1, 2, testTime, "a"),
		api.NewSketchMetadata(3, 4, testTime, "b"),
	}
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	store.EXPECT().List(gomock.Any()).Return(all, nil)

	w := httptest.NewRecorder()
	newTestServer(t, store, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sketch/v0/sketches", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d (%s), want 200", w.Code, w.Body)
	}
	var got []api.SketchMetadata
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if diff := cmp.Diff(all, got); diff != "" {
		t.Errorf("response diff (-want +got):\n%s", diff)
	}
}

func TestDecode(t *testing.T) {
	payload := []byte{
		0x04, 0x00, 0x00, 0x00,
		0xCD, 0xFB, 0x3C, 0xB6,
		0x00, 0x00, 0x00, 0x00,
		0x03, 'a', 'b', 'c',
	}
	for _, test := range []struct {
		desc     string
		body     []byte
		wantCode int
		want     api.SketchMetadata
	}{
		{
			desc:     "valid",
			body:     payload,
			wantCode: http.StatusOK,
			want:     api.NewSketchMetadata(4, 0xB63CFBCD, time.Unix(0, 0), "abc"),
		}, {
			desc:     "underflow",
			body:     payload[:12],
			wantCode: http.StatusBadRequest,
		}, {
			desc:     "too large",
			body:     make([]byte, maxPayloadSize+1),
			wantCode: http.StatusBadRequest,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			store := NewMockStore(ctrl)

			w := httptest.NewRecorder()
			newTestServer(t, store, nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sketch/v0/decode", bytes.NewReader(test.body)))
			if w.Code != test.wantCode {
				t.Fatalf("got status %d (%s), want %d", w.Code, w.Body, test.wantCode)
			}
			if test.wantCode != http.StatusOK {
				return
			}
			if diff := cmp.Diff(test.want, decodeMetadata(t, w.Body.Bytes())); diff != "" {
				t.Errorf("response diff (-want +got):\n%s", diff)
			}
		})
	}
}
