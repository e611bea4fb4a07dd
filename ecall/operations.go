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
	"github.com/sirupsen/logrus"

	"github.com/Fraunhofer-AISEC/attestbench/marshal"
	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

var log = logrus.WithField("service", "ecall")

const (
	OpGenerateReport marshal.OperationID = iota
	OpGenerateReportForTarget
	OpPrepareQuoteData
)

// Operation result codes
const (
	RetOK               int32 = 0
	RetReportTooSmall   int32 = -1
	RetBadTargetInfo    int32 = -2
	RetPrimitiveFailure int32 = -3
	RetBufferTooSmall   int32 = -4
)

type operations struct {
	enclave sgx.Enclave
}

// NewRegistry binds the report operations of an enclave to their ids
func NewRegistry(e sgx.Enclave) *marshal.Registry {
	ops := &operations{enclave: e}

	reg := marshal.NewRegistry()
	reg.Register(OpGenerateReport, marshal.Operation{
		Name: "generate_report",
		Args: []marshal.Direction{marshal.DirOut, marshal.DirIn},
		Body: ops.generateReport,
	})
	reg.Register(OpGenerateReportForTarget, marshal.Operation{
		Name: "generate_report_for_target",
		Args: []marshal.Direction{marshal.DirOut, marshal.DirIn, marshal.DirIn},
		Body: ops.generateReportForTarget,
	})
	reg.Register(OpPrepareQuoteData, marshal.Operation{
		Name: "prepare_quote_data",
		Args: []marshal.Direction{marshal.DirOut},
		Body: ops.prepareQuoteData,
	})

	return reg
}

// args: report (out), custom data (in, optional)
func (o *operations) generateReport(args []marshal.Buffer) int32 {
	report, custom := args[0], args[1]

	if report.Data == nil || report.Len < sgx.ReportSize {
		return RetReportTooSmall
	}

	data := []byte(sgx.DefaultReportData)
	if custom.Data != nil {
		data = custom.Data
	}

	return o.produce(make([]byte, sgx.TargetInfoSize), data, report.Data)
}

// args: report (out), target info (in), custom data (in, optional)
func (o *operations) generateReportForTarget(args []marshal.Buffer) int32 {
	report, target, custom := args[0], args[1], args[2]

	if report.Data == nil || report.Len < sgx.ReportSize {
		return RetReportTooSmall
	}
	if target.Data == nil || target.Len != sgx.TargetInfoSize {
		return RetBadTargetInfo
	}

	return o.produce(target.Data, custom.Data, report.Data)
}

// args: report data (out)
func (o *operations) prepareQuoteData(args []marshal.Buffer) int32 {
	out := args[0]
	if out.Data == nil || out.Len < sgx.ReportDataSize {
		return RetBufferTooSmall
	}
	rd := sgx.ReportData([]byte(sgx.QuotePreparationData))
	copy(out.Data, rd[:])
	return RetOK
}

func (o *operations) produce(target, custom, out []byte) int32 {
	rd := sgx.ReportData(custom)
	report, err := o.enclave.ProduceReport(target, rd[:])
	if err != nil {
		log.Debugf("Failed to produce report: %v", err)
		return RetPrimitiveFailure
	}
	if len(report) != sgx.ReportSize {
		log.Debugf("Primitive returned report of %v bytes, expected %v", len(report), sgx.ReportSize)
		return RetPrimitiveFailure
	}
	copy(out, report)
	return RetOK
}
