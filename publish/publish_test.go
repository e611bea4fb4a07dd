// Copyright (c) 2025 Fraunhofer AISEC
// Fraunhofer-Gesellschaft zur Foerderung der angewandten Forschung e.V.
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

package publish

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Fraunhofer-AISEC/attestbench/benchmark"
)

func testResults() *benchmark.Results {
	return &benchmark.Results{
		RunID:    "4b1f0a7e-8d0e-4c41-9c5e-2f4b2b4e6c11",
		Platform: "sim",
		Phases: []benchmark.PhaseResult{
			{
				Name:       benchmark.PhaseReport,
				Iterations: 1,
				Stats: []benchmark.AggregateStats{
					{Kind: benchmark.KindReport, Attempted: 1, Successes: 1},
				},
			},
		},
	}
}

func TestSendResults(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"created", http.StatusCreated, false},
		{"ok is not created", http.StatusOK, true},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []byte
			var contentType string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %v", r.Method)
				}
				contentType = r.Header.Get("Content-Type")
				got, _ = io.ReadAll(r.Body)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := sendResults(srv.URL, []byte("{}"), "application/json")
			if (err != nil) != tt.wantErr {
				t.Fatalf("sendResults() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !bytes.Equal(got, []byte("{}")) || contentType != "application/json" {
				t.Errorf("server received %q with content type %q", got, contentType)
			}
		})
	}
}

func TestPublishResults(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "results.cbor")
	res := testResults()

	err := PublishResults(srv.URL, file, res, benchmark.CborSerializer{})
	if err != nil {
		t.Fatalf("PublishResults() error = %v", err)
	}

	written, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, received) {
		t.Error("file and published payload differ")
	}
	s, err := benchmark.DetectSerialization(written)
	if err != nil || s.String() != "CBOR" {
		t.Errorf("DetectSerialization() = %v, %v", s, err)
	}

	if err := PublishResults("", "", nil, nil); err == nil {
		t.Error("PublishResults(nil) succeeded")
	}
}

func TestQuoteFiles(t *testing.T) {
	dir := t.TempDir()
	quoteFile := filepath.Join(dir, "quote.bin")
	dataFile := filepath.Join(dir, "reportdata.bin")

	if err := SaveQuote(quoteFile, dataFile, []byte{1, 2, 3}, []byte("data")); err != nil {
		t.Fatalf("SaveQuote() error = %v", err)
	}
	quote, data, err := LoadQuote(quoteFile, dataFile)
	if err != nil {
		t.Fatalf("LoadQuote() error = %v", err)
	}
	if !bytes.Equal(quote, []byte{1, 2, 3}) || string(data) != "data" {
		t.Errorf("LoadQuote() = %v, %q", quote, data)
	}

	if _, _, err := LoadQuote(filepath.Join(dir, "missing"), ""); err == nil {
		t.Error("LoadQuote() of missing file succeeded")
	}
}

func TestLoadResults(t *testing.T) {
	dir := t.TempDir()

	for _, s := range []benchmark.Serializer{benchmark.JsonSerializer{}, benchmark.CborSerializer{}} {
		t.Run(s.String(), func(t *testing.T) {
			file := filepath.Join(dir, "results."+s.String())
			if err := PublishResults("", file, testResults(), s); err != nil {
				t.Fatalf("PublishResults() error = %v", err)
			}

			got, err := LoadResults(file)
			if err != nil {
				t.Fatalf("LoadResults() error = %v", err)
			}
			want := testResults()
			if got.RunID != want.RunID || got.Platform != want.Platform {
				t.Errorf("LoadResults() = %v on %v", got.RunID, got.Platform)
			}
			if len(got.Phases) != 1 || got.Phases[0].Name != benchmark.PhaseReport || !got.Succeeded() {
				t.Errorf("LoadResults() phases = %+v", got.Phases)
			}
		})
	}

	garbage := filepath.Join(dir, "garbage")
	if err := os.WriteFile(garbage, []byte{0xff, 0xff, 0x00}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadResults(garbage); err == nil {
		t.Error("LoadResults() of undetectable content succeeded")
	}
}
