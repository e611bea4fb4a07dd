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

//go:build amd64 && (!nodefaults || sgx)

package sgxdriver

import (
	"errors"
	"testing"

	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

var testMrEnclave = [32]byte{0xe1, 0x90, 0x2a}

// fakeRuntime replaces the enclave runtime calls for the duration of a test
func fakeRuntime(t *testing.T, fail bool) {
	t.Helper()
	header := make([]byte, reportHeaderSize)
	local, remote := getLocalReport, getRemoteReport

	getLocalReport = func(reportData, targetReport []byte) ([]byte, error) {
		if fail {
			return nil, errors.New("OE_UNSUPPORTED")
		}
		if targetReport != nil {
			t.Errorf("unexpected target report")
		}
		r := sgx.Report{}
		r.Body.MrEnclave = testMrEnclave
		r.Body.Attributes.Flags = sgx.AttributeInit | sgx.AttributeDebug
		r.Body.ReportData = sgx.ReportData(reportData)
		return append(append([]byte{}, header...), r.Marshal()...), nil
	}
	getRemoteReport = func(reportData []byte) ([]byte, error) {
		if fail {
			return nil, errors.New("OE_PLATFORM_ERROR")
		}
		q := sgx.Quote{
			Header: sgx.QuoteHeader{Version: sgx.QuoteVersion3},
		}
		q.Body.MrEnclave = testMrEnclave
		q.Body.ReportData = sgx.ReportData(reportData)
		return append(append([]byte{}, header...), q.Marshal()...), nil
	}
	t.Cleanup(func() {
		getLocalReport = local
		getRemoteReport = remote
	})
}

func TestReportAndQuote(t *testing.T) {
	fakeRuntime(t, false)

	s := New()
	e, err := s.CreateEnclave("", true)
	if err != nil {
		t.Fatalf("CreateEnclave() error = %v", err)
	}

	raw, err := e.ProduceReport(make([]byte, sgx.TargetInfoSize), []byte("self"))
	if err != nil {
		t.Fatalf("ProduceReport() error = %v", err)
	}
	r, err := sgx.DecodeReport(raw)
	if err != nil {
		t.Fatal(err)
	}
	if r.Body.ReportData != sgx.ReportData([]byte("self")) {
		t.Errorf("report data not carried over")
	}

	q := s.QuotingService()
	ti, err := q.TargetInfo()
	if err != nil {
		t.Fatalf("TargetInfo() error = %v", err)
	}
	size, err := q.QuoteSize()
	if err != nil {
		t.Fatalf("QuoteSize() error = %v", err)
	}

	raw, err = e.ProduceReport(ti, []byte("quote me"))
	if err != nil {
		t.Fatalf("ProduceReport() for quoter error = %v", err)
	}
	quote, err := q.GetQuote(raw, size)
	if err != nil {
		t.Fatalf("GetQuote() error = %v", err)
	}
	if uint32(len(quote)) != size {
		t.Errorf("quote size %v, probed %v", len(quote), size)
	}
	decoded, err := sgx.DecodeQuote(quote)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Body.ReportData != sgx.ReportData([]byte("quote me")) {
		t.Errorf("quote does not carry report data")
	}

	other := sgx.TargetInfo{MrEnclave: [32]byte{0x01}}
	if _, err := e.ProduceReport(other.Marshal(), nil); err == nil {
		t.Error("ProduceReport() for foreign enclave succeeded")
	}
}

func TestRuntimeUnavailable(t *testing.T) {
	fakeRuntime(t, true)

	s := New()
	_, err := s.CreateEnclave("", false)
	var ce *sgx.CreationError
	if !errors.As(err, &ce) || ce.Reason != sgx.ReasonDeviceUnavailable {
		t.Fatalf("CreateEnclave() error = %v, want device unavailable", err)
	}

	_, err = s.QuotingService().QuoteSize()
	if !errors.Is(err, sgx.ErrServiceUnavailable) {
		t.Errorf("QuoteSize() error = %v, want %v", err, sgx.ErrServiceUnavailable)
	}
}
