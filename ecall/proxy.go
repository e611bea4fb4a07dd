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

package ecall

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Fraunhofer-AISEC/attestbench/marshal"
	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

// Invoker is the untrusted side of one context: its boundary and the
// caller memory arguments are staged in
type Invoker interface {
	Invoke(id marshal.OperationID, ret uint64, args []marshal.CallArgument) marshal.Status
	Memory() marshal.AddressSpace
	Heap() marshal.Allocator
}

// Result is the outcome of one proxied call. Code is only meaningful if
// Status is StatusOK.
type Result struct {
	Status marshal.Status
	Code   int32
	Data   []byte
}

// OK reports whether both the call mechanism and the operation succeeded
func (r Result) OK() bool {
	return r.Status == marshal.StatusOK && r.Code == RetOK
}

// Err converts the result into an error. Argument related result codes
// map to InvalidParameter, all other codes to OperationFailure.
func (r Result) Err(op string) error {
	if r.Status != marshal.StatusOK {
		return marshal.NewError(op, r.Status, nil)
	}
	switch r.Code {
	case RetOK:
		return nil
	case RetReportTooSmall:
		return marshal.NewError(op, marshal.StatusInvalidParameter,
			fmt.Errorf("report buffer smaller than %v bytes", sgx.ReportSize))
	case RetBadTargetInfo:
		return marshal.NewError(op, marshal.StatusInvalidParameter,
			fmt.Errorf("target info must be %v bytes", sgx.TargetInfoSize))
	case RetBufferTooSmall:
		return marshal.NewError(op, marshal.StatusInvalidParameter,
			fmt.Errorf("buffer smaller than %v bytes", sgx.ReportDataSize))
	default:
		return marshal.NewError(op, marshal.StatusOperationFailure,
			fmt.Errorf("operation returned %v", r.Code))
	}
}

// GenerateReport creates a self-targeted report. A nil customData selects
// the default report data.
func GenerateReport(inv Invoker, reportLen uint64, customData []byte) Result {
	s := &stager{inv: inv}
	defer s.release()

	ret, err := s.alloc(marshal.RetSize)
	if err != nil {
		return s.fail(err)
	}
	report, err := s.alloc(reportLen)
	if err != nil {
		return s.fail(err)
	}
	custom, err := s.stage(customData)
	if err != nil {
		return s.fail(err)
	}

	status := inv.Invoke(OpGenerateReport, ret, []marshal.CallArgument{
		{Direction: marshal.DirOut, Ptr: report, Len: reportLen, Stride: 1},
		{Direction: marshal.DirIn, Ptr: custom, Len: uint64(len(customData)), Stride: 1},
	})

	return s.collect(status, ret, report, min(reportLen, sgx.ReportSize))
}

// GenerateReportForTarget creates a report bound to targetInfo
func GenerateReportForTarget(inv Invoker, reportLen uint64, targetInfo, customData []byte) Result {
	s := &stager{inv: inv}
	defer s.release()

	ret, err := s.alloc(marshal.RetSize)
	if err != nil {
		return s.fail(err)
	}
	report, err := s.alloc(reportLen)
	if err != nil {
		return s.fail(err)
	}
	target, err := s.stage(targetInfo)
	if err != nil {
		return s.fail(err)
	}
	custom, err := s.stage(customData)
	if err != nil {
		return s.fail(err)
	}

	status := inv.Invoke(OpGenerateReportForTarget, ret, []marshal.CallArgument{
		{Direction: marshal.DirOut, Ptr: report, Len: reportLen, Stride: 1},
		{Direction: marshal.DirIn, Ptr: target, Len: uint64(len(targetInfo)), Stride: 1},
		{Direction: marshal.DirIn, Ptr: custom, Len: uint64(len(customData)), Stride: 1},
	})

	return s.collect(status, ret, report, min(reportLen, sgx.ReportSize))
}

// PrepareQuoteData fetches the report data the hierarchical attestation
// layer embeds into its quotes
func PrepareQuoteData(inv Invoker) Result {
	s := &stager{inv: inv}
	defer s.release()

	ret, err := s.alloc(marshal.RetSize)
	if err != nil {
		return s.fail(err)
	}
	out, err := s.alloc(sgx.ReportDataSize)
	if err != nil {
		return s.fail(err)
	}

	status := inv.Invoke(OpPrepareQuoteData, ret, []marshal.CallArgument{
		{Direction: marshal.DirOut, Ptr: out, Len: sgx.ReportDataSize, Stride: 1},
	})

	return s.collect(status, ret, out, sgx.ReportDataSize)
}

// stager places arguments into caller memory and frees them afterwards
type stager struct {
	inv    Invoker
	blocks []marshal.Block
}

func (s *stager) alloc(n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	b, err := s.inv.Heap().Alloc(n)
	if err != nil {
		return 0, err
	}
	s.blocks = append(s.blocks, b)
	return b.Addr, nil
}

// stage copies data into caller memory. Nil data yields a null pointer.
func (s *stager) stage(data []byte) (uint64, error) {
	if data == nil {
		return 0, nil
	}
	ptr, err := s.alloc(uint64(len(data)))
	if err != nil || ptr == 0 {
		return ptr, err
	}
	if err := s.inv.Memory().Write(ptr, data); err != nil {
		return 0, err
	}
	return ptr, nil
}

func (s *stager) fail(err error) Result {
	log.Debugf("Failed to stage arguments: %v", err)
	if errors.Is(err, marshal.ErrNoMemory) {
		return Result{Status: marshal.StatusOutOfMemory}
	}
	return Result{Status: marshal.StatusUnexpected}
}

func (s *stager) collect(status marshal.Status, ret, out, n uint64) Result {
	if status != marshal.StatusOK {
		return Result{Status: status}
	}

	raw := make([]byte, marshal.RetSize)
	if err := s.inv.Memory().Read(ret, raw); err != nil {
		return s.fail(err)
	}
	code := int32(binary.LittleEndian.Uint32(raw))
	if code != RetOK || out == 0 {
		return Result{Code: code}
	}

	data := make([]byte, n)
	if err := s.inv.Memory().Read(out, data); err != nil {
		return s.fail(err)
	}
	return Result{Code: code, Data: data}
}

func (s *stager) release() {
	for _, b := range s.blocks {
		if err := s.inv.Heap().Free(b); err != nil {
			log.Warnf("Failed to free staged argument: %v", err)
		}
	}
	s.blocks = nil
}
