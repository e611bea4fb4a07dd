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

package benchmark

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-tdx-guest/pcs"

	"github.com/Fraunhofer-AISEC/attestbench/internal"
	"github.com/Fraunhofer-AISEC/attestbench/marshal"
	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

// PhaseResult holds the statistics of one phase. Error is set if the
// phase ended before all iterations were attempted.
type PhaseResult struct {
	Name         Phase            `json:"name" cbor:"0,keyasint"`
	Iterations   int              `json:"iterations" cbor:"1,keyasint"`
	Stats        []AggregateStats `json:"stats,omitempty" cbor:"2,keyasint,omitempty"`
	FirstFailure string           `json:"firstFailure,omitempty" cbor:"3,keyasint,omitempty"`
	Error        string           `json:"error,omitempty" cbor:"4,keyasint,omitempty"`
	Hints        []string         `json:"hints,omitempty" cbor:"5,keyasint,omitempty"`
}

// Succeeded reports whether the phase completed and every measured
// operation succeeded at least once
func (p *PhaseResult) Succeeded() bool {
	if p.Error != "" || len(p.Stats) == 0 {
		return false
	}
	for _, s := range p.Stats {
		if s.Successes == 0 {
			return false
		}
	}
	return true
}

// failure records the first failure verbatim together with hints, later
// failures are only logged
func (p *PhaseResult) failure(i int, err error) {
	if p.FirstFailure != "" {
		log.Debugf("%v: iteration %v failed: %v", p.Name, i, err)
		return
	}
	p.FirstFailure = err.Error()
	p.Hints = Hints(err)
	log.Warnf("%v: iteration %v failed: %v", p.Name, i, err)
}

func (p *PhaseResult) abort(err error) {
	p.Error = err.Error()
	p.Hints = Hints(err)
	log.Warnf("%v: %v", p.Name, err)
	for _, h := range p.Hints {
		log.Warnf("Hint: %v", h)
	}
}

// QuoteInfo describes one decoded quote
type QuoteInfo struct {
	ReportSize         int      `json:"reportSize" cbor:"0,keyasint"`
	QuoteSize          int      `json:"quoteSize" cbor:"1,keyasint"`
	Ratio              float64  `json:"ratio" cbor:"2,keyasint"`
	Version            uint16   `json:"version" cbor:"3,keyasint"`
	AttestationKeyType uint16   `json:"attestationKeyType" cbor:"4,keyasint"`
	TeeType            uint32   `json:"teeType" cbor:"5,keyasint"`
	Header             string   `json:"header" cbor:"6,keyasint"`
	MrEnclave          string   `json:"mrenclave" cbor:"7,keyasint"`
	MrSigner           string   `json:"mrsigner" cbor:"8,keyasint"`
	ReportData         string   `json:"reportData" cbor:"9,keyasint"`
	ReportDataMatches  bool     `json:"reportDataMatches" cbor:"10,keyasint"`
	Debug              bool     `json:"debug" cbor:"11,keyasint"`
	CertDataType       uint16   `json:"certDataType" cbor:"12,keyasint"`
	Certificates       []string `json:"certificates,omitempty" cbor:"13,keyasint,omitempty"`
	FMSPC              string   `json:"fmspc,omitempty" cbor:"14,keyasint,omitempty"`
	ChainVerified      bool     `json:"chainVerified" cbor:"15,keyasint"`
	ChainError         string   `json:"chainError,omitempty" cbor:"16,keyasint,omitempty"`

	Raw []byte `json:"-" cbor:"-"`
}

// ErrQuoteSize is returned for quotes whose length differs from the size
// the quoting service announced or from their own length fields
var ErrQuoteSize = errors.New("quote size mismatch")

// CheckQuote verifies that raw has exactly the announced size. SGX quotes
// must also account for every byte in their signature data length.
func CheckQuote(raw []byte, size uint32) error {
	if uint64(len(raw)) != uint64(size) {
		return fmt.Errorf("%w: got %v bytes, quoting service announced %v", ErrQuoteSize, len(raw), size)
	}
	h, err := sgx.DecodeQuoteHeader(raw)
	if err != nil {
		return err
	}
	if h.TeeType != sgx.TeeTypeSGX {
		return nil
	}
	q, err := sgx.DecodeQuote(raw)
	if err != nil {
		return fmt.Errorf("failed to decode quote: %w", err)
	}
	if q.DeclaredSize() != len(raw) {
		return fmt.Errorf("%w: quote declares %v bytes, got %v", ErrQuoteSize, q.DeclaredSize(), len(raw))
	}
	return nil
}

// DescribeQuote decodes a raw quote. If expected is not nil, the report
// data of the quote is compared against it.
func DescribeQuote(raw []byte, expected []byte) (*QuoteInfo, error) {
	h, err := sgx.DecodeQuoteHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.TeeType != sgx.TeeTypeSGX {
		log.Debugf("Not an SGX quote (TEE type 0x%x), decoding header only", h.TeeType)
		return &QuoteInfo{
			Raw:                raw,
			QuoteSize:          len(raw),
			Version:            h.Version,
			AttestationKeyType: h.AttestationKeyType,
			TeeType:            h.TeeType,
			Header:             hex.EncodeToString(raw[:sgx.QuoteHeaderSize]),
		}, nil
	}

	q, err := sgx.DecodeQuote(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}

	info := &QuoteInfo{
		Raw:                raw,
		QuoteSize:          len(raw),
		Version:            q.Header.Version,
		AttestationKeyType: q.Header.AttestationKeyType,
		TeeType:            q.Header.TeeType,
		Header:             hex.EncodeToString(raw[:sgx.QuoteHeaderSize]),
		MrEnclave:          hex.EncodeToString(q.Body.MrEnclave[:]),
		MrSigner:           hex.EncodeToString(q.Body.MrSigner[:]),
		ReportData:         hex.EncodeToString(q.Body.ReportData[:]),
		Debug:              q.Body.Attributes.Debug(),
		CertDataType:       q.SignatureData.QECertDataType,
	}
	if expected != nil {
		info.ReportDataMatches = q.Body.ReportData == sgx.ReportData(expected)
	}

	certs, err := q.Certificates()
	if err != nil {
		log.Debugf("Quote carries no certificate chain: %v", err)
		return info, nil
	}
	for _, c := range certs {
		info.Certificates = append(info.Certificates, c.Subject.CommonName)
	}
	if len(certs) > 0 {
		// The chain is only checked against its own root, which proves
		// it is well formed, not that the root is trusted
		if _, err := internal.VerifyCertChain(certs, certs[len(certs)-1:]); err != nil {
			info.ChainError = err.Error()
		} else {
			info.ChainVerified = true
		}

		exts, err := pcs.PckCertificateExtensions(certs[0])
		if err != nil {
			log.Debugf("Leaf certificate carries no SGX extensions: %v", err)
		} else {
			info.FMSPC = fmt.Sprint(exts.FMSPC)
		}
	}

	return info, nil
}

// Results is the outcome of one benchmark run
type Results struct {
	RunID      string        `json:"runId" cbor:"0,keyasint"`
	Started    time.Time     `json:"started" cbor:"1,keyasint"`
	Finished   time.Time     `json:"finished" cbor:"2,keyasint"`
	Platform   string        `json:"platform" cbor:"3,keyasint"`
	Quoter     string        `json:"quoter,omitempty" cbor:"4,keyasint,omitempty"`
	Iterations int           `json:"iterations" cbor:"5,keyasint"`
	Phases     []PhaseResult `json:"phases" cbor:"6,keyasint"`
	Quote      *QuoteInfo    `json:"quote,omitempty" cbor:"7,keyasint,omitempty"`
}

// Succeeded reports whether every executed phase succeeded at least once
func (r *Results) Succeeded() bool {
	if r == nil || len(r.Phases) == 0 {
		return false
	}
	for i := range r.Phases {
		if !r.Phases[i].Succeeded() {
			return false
		}
	}
	return true
}

// Hints returns operator advice for an error
func Hints(err error) []string {
	var ce *sgx.CreationError
	if errors.As(err, &ce) {
		return []string{ce.Reason.Hint()}
	}
	var se *sgx.ServiceError
	if errors.As(err, &se) {
		return se.Reason.Hints()
	}
	switch marshal.StatusOf(err) {
	case marshal.StatusOutOfMemory:
		return []string{"increase the protected heap size of the context"}
	case marshal.StatusInvalidParameter:
		return []string{"check the sizes of the buffers passed to the context"}
	case marshal.StatusOperationFailure:
		return []string{"the report primitive failed, check that the platform supports SGX reports"}
	case marshal.StatusUseAfterDestroy:
		return []string{"the context was destroyed, create a new one"}
	}
	return nil
}
