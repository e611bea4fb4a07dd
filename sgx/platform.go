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

// Platform creates isolated execution contexts from an enclave image
type Platform interface {
	Name() string
	CreateEnclave(image string, debug bool) (Enclave, error)
}

// Enclave is one instantiated context. ProduceReport runs inside the
// context and returns a ReportSize byte report bound to targetInfo, which
// is TargetInfoSize bytes of zeros for a self-targeted report.
type Enclave interface {
	ID() uint64
	ProduceReport(targetInfo, reportData []byte) ([]byte, error)
	Destroy() error
}

// QuotingService converts reports into quotes
type QuotingService interface {
	Name() string
	// TargetInfo returns the target info reports must be bound to
	TargetInfo() ([]byte, error)
	QuoteSize() (uint32, error)
	// GetQuote converts a report into a quote of exactly size bytes
	GetQuote(report []byte, size uint32) ([]byte, error)
}
