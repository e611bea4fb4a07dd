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
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "sgx")

const (
	ReportSize     = 432
	ReportBodySize = 384
	TargetInfoSize = 512
	ReportDataSize = 64
	KeyIDSize      = 32
	MacSize        = 16

	// Embedded into reports created without caller data
	DefaultReportData = "SGX-Attestation-Benchmark"
	// Report data of the hierarchical attestation layer
	QuotePreparationData = "Hierarchical-TEE-SGX-Layer-Quote-Data"
)

// Attribute flags
const (
	AttributeInit   uint64 = 0x01
	AttributeDebug  uint64 = 0x02
	AttributeMode64 uint64 = 0x04
)

type Attributes struct {
	Flags uint64
	Xfrm  uint64
}

func (a Attributes) Debug() bool {
	return a.Flags&AttributeDebug != 0
}

// 384 bytes
type ReportBody struct {
	CPUSVN       [16]byte
	MiscSelect   uint32
	Reserved1    [12]byte
	ISVExtProdID [16]byte
	Attributes   Attributes
	MrEnclave    [32]byte
	Reserved2    [32]byte
	MrSigner     [32]byte
	Reserved3    [32]byte
	ConfigID     [64]byte
	ISVProdID    uint16
	ISVSVN       uint16
	ConfigSVN    uint16
	Reserved4    [42]byte
	ISVFamilyID  [16]byte
	ReportData   [ReportDataSize]byte
}

// 432 bytes
type Report struct {
	Body  ReportBody
	KeyID [KeyIDSize]byte
	MAC   [MacSize]byte
}

// 512 bytes
type TargetInfo struct {
	MrEnclave  [32]byte
	Attributes Attributes
	Reserved1  [2]byte
	ConfigSVN  uint16
	MiscSelect uint32
	Reserved2  [8]byte
	ConfigID   [64]byte
	Reserved3  [384]byte
}

// ReportData places custom data into the fixed report data slot. Longer
// input is truncated, shorter input zero padded.
func ReportData(custom []byte) [ReportDataSize]byte {
	var rd [ReportDataSize]byte
	if len(custom) > ReportDataSize {
		log.Tracef("Truncating %v bytes of report data to %v", len(custom), ReportDataSize)
	}
	copy(rd[:], custom)
	return rd
}

func DecodeReport(data []byte) (*Report, error) {
	if len(data) < ReportSize {
		return nil, fmt.Errorf("report too short: %v bytes, expected %v", len(data), ReportSize)
	}
	var r Report
	err := binary.Read(bytes.NewReader(data[:ReportSize]), binary.LittleEndian, &r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SGX report: %w", err)
	}
	return &r, nil
}

func DecodeTargetInfo(data []byte) (*TargetInfo, error) {
	if len(data) != TargetInfoSize {
		return nil, fmt.Errorf("invalid target info size %v, expected %v", len(data), TargetInfoSize)
	}
	var ti TargetInfo
	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &ti)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SGX target info: %w", err)
	}
	return &ti, nil
}

func (r *Report) Marshal() []byte {
	return encode(r, ReportSize)
}

func (b *ReportBody) Marshal() []byte {
	return encode(b, ReportBodySize)
}

func (t *TargetInfo) Marshal() []byte {
	return encode(t, TargetInfoSize)
}

// IsZero reports whether the target info is all zeros, which selects a
// report targeted at the producing enclave itself
func (t *TargetInfo) IsZero() bool {
	return *t == TargetInfo{}
}

func encode(v any, size int) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	// Writing fixed size structs into a bytes.Buffer cannot fail
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}
