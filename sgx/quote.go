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

package sgx

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Fraunhofer-AISEC/attestbench/internal"
)

const (
	QuoteHeaderSize = 48
	QuoteMinSize    = 1020

	QuoteVersion3          = 3
	AttestationKeyECDSA256 = 2
	TeeTypeSGX             = 0x00
	TeeTypeTDX             = 0x81

	// Certification data type carrying the PEM encoded PCK chain
	CertDataPCKChain = 5
)

// 48 bytes
type QuoteHeader struct {
	Version            uint16
	AttestationKeyType uint16
	TeeType            uint32
	QESVN              uint16
	PCESVN             uint16
	QEVendorID         [16]byte
	UserData           [20]byte
}

type QuoteSignatureData struct {
	ISVReportSignature [64]byte
	AttestationKey     [64]byte
	QEReport           ReportBody
	QEReportSignature  [64]byte
	QEAuthData         []byte
	QECertDataType     uint16
	QECertData         []byte
}

// Quote is an ECDSA SGX quote as produced by the DCAP quoting enclave
type Quote struct {
	Header           QuoteHeader
	Body             ReportBody
	SignatureDataLen uint32
	SignatureData    QuoteSignatureData
}

// DeclaredSize is the size of the quote according to its own length field
func (q *Quote) DeclaredSize() int {
	return QuoteHeaderSize + ReportBodySize + 4 + int(q.SignatureDataLen)
}

// HeaderVersion reads the little endian version field without decoding
// the remaining quote
func HeaderVersion(raw []byte) (uint16, error) {
	if len(raw) < 2 {
		return 0, errors.New("quote too short")
	}
	return binary.LittleEndian.Uint16(raw), nil
}

// DecodeQuoteHeader decodes only the common header, which SGX and TDX
// quotes share
func DecodeQuoteHeader(raw []byte) (*QuoteHeader, error) {
	if len(raw) < QuoteHeaderSize {
		return nil, fmt.Errorf("quote too short: %v bytes", len(raw))
	}
	var h QuoteHeader
	err := binary.Read(bytes.NewReader(raw[:QuoteHeaderSize]), binary.LittleEndian, &h)
	if err != nil {
		return nil, fmt.Errorf("failed to decode quote header: %w", err)
	}
	return &h, nil
}

func DecodeQuote(raw []byte) (*Quote, error) {
	var q Quote

	if len(raw) < QuoteHeaderSize+ReportBodySize+4 {
		return nil, fmt.Errorf("quote too short: %v bytes", len(raw))
	}

	buf := bytes.NewBuffer(raw)
	err := binary.Read(buf, binary.LittleEndian, &q.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to decode quote header: %w", err)
	}
	err = binary.Read(buf, binary.LittleEndian, &q.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode quote body: %w", err)
	}
	err = binary.Read(buf, binary.LittleEndian, &q.SignatureDataLen)
	if err != nil {
		return nil, fmt.Errorf("failed to decode quote signature data length: %w", err)
	}
	if int(q.SignatureDataLen) > buf.Len() {
		return nil, fmt.Errorf("quote signature data length %v exceeds remaining %v bytes",
			q.SignatureDataLen, buf.Len())
	}

	err = decodeSignatureData(bytes.NewBuffer(buf.Next(int(q.SignatureDataLen))), &q.SignatureData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode quote signature data: %w", err)
	}

	return &q, nil
}

func decodeSignatureData(buf *bytes.Buffer, sig *QuoteSignatureData) error {

	fixed := []struct {
		name string
		v    any
	}{
		{"ISV report signature", &sig.ISVReportSignature},
		{"attestation key", &sig.AttestationKey},
		{"QE report", &sig.QEReport},
		{"QE report signature", &sig.QEReportSignature},
	}
	for _, f := range fixed {
		if err := binary.Read(buf, binary.LittleEndian, f.v); err != nil {
			return fmt.Errorf("failed to parse %v: %w", f.name, err)
		}
	}

	var authLen uint16
	if err := binary.Read(buf, binary.LittleEndian, &authLen); err != nil {
		return fmt.Errorf("failed to parse QE auth data size: %w", err)
	}
	if int(authLen) > buf.Len() {
		return fmt.Errorf("QE auth data size %v exceeds remaining %v bytes", authLen, buf.Len())
	}
	sig.QEAuthData = bytes.Clone(buf.Next(int(authLen)))

	if err := binary.Read(buf, binary.LittleEndian, &sig.QECertDataType); err != nil {
		return fmt.Errorf("failed to parse QE cert data type: %w", err)
	}
	var certLen uint32
	if err := binary.Read(buf, binary.LittleEndian, &certLen); err != nil {
		return fmt.Errorf("failed to parse QE cert data size: %w", err)
	}
	if int(certLen) > buf.Len() {
		return fmt.Errorf("QE cert data size %v exceeds remaining %v bytes", certLen, buf.Len())
	}
	sig.QECertData = bytes.Clone(buf.Next(int(certLen)))

	return nil
}

func (h *QuoteHeader) Marshal() []byte {
	return encode(h, QuoteHeaderSize)
}

// Marshal encodes the quote. SignatureDataLen is recomputed from the
// signature data.
func (q *Quote) Marshal() []byte {
	sig := new(bytes.Buffer)
	sig.Write(q.SignatureData.ISVReportSignature[:])
	sig.Write(q.SignatureData.AttestationKey[:])
	sig.Write(q.SignatureData.QEReport.Marshal())
	sig.Write(q.SignatureData.QEReportSignature[:])
	_ = binary.Write(sig, binary.LittleEndian, uint16(len(q.SignatureData.QEAuthData)))
	sig.Write(q.SignatureData.QEAuthData)
	_ = binary.Write(sig, binary.LittleEndian, q.SignatureData.QECertDataType)
	_ = binary.Write(sig, binary.LittleEndian, uint32(len(q.SignatureData.QECertData)))
	sig.Write(q.SignatureData.QECertData)

	q.SignatureDataLen = uint32(sig.Len())

	out := new(bytes.Buffer)
	out.Write(q.Header.Marshal())
	out.Write(q.Body.Marshal())
	_ = binary.Write(out, binary.LittleEndian, q.SignatureDataLen)
	out.Write(sig.Bytes())

	return out.Bytes()
}

// Certificates returns the PCK certificate chain embedded in the quote
func (q *Quote) Certificates() ([]*x509.Certificate, error) {
	if q.SignatureData.QECertDataType != CertDataPCKChain {
		return nil, fmt.Errorf("unsupported QE certification data type %v", q.SignatureData.QECertDataType)
	}
	// The chain may be NUL terminated
	data := bytes.TrimRight(q.SignatureData.QECertData, "\x00")
	certs, err := internal.ParseCertsPem(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PCK certificate chain: %w", err)
	}
	return certs, nil
}
