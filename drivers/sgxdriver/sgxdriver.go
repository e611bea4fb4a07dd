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
	"fmt"
	"os"
	"sync"

	"github.com/edgelesssys/ego/enclave"
	"github.com/sirupsen/logrus"

	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

var log = logrus.WithField("service", "sgxdriver")

// Reports returned by the runtime are prefixed with a 16 byte header
// (version, type, size), which is stripped
const reportHeaderSize = 16

var (
	getLocalReport  = enclave.GetLocalReport
	getRemoteReport = enclave.GetRemoteReport
)

// Sgx is the platform of a process running inside an EGo enclave. The
// running enclave is the only one that can be attested, so CreateEnclave
// hands out handles to it rather than loading the image.
type Sgx struct {
	mu     sync.Mutex
	nextID uint64
	self   *sgx.Report
	qe     *Quoter
}

func New() *Sgx {
	s := &Sgx{}
	s.qe = &Quoter{platform: s}
	return s
}

func (s *Sgx) Name() string {
	return "sgx"
}

func (s *Sgx) QuotingService() *Quoter {
	return s.qe
}

func (s *Sgx) CreateEnclave(image string, debug bool) (sgx.Enclave, error) {
	if s == nil {
		return nil, errors.New("internal error: SGX object is nil")
	}

	self, err := s.selfReport()
	if err != nil {
		return nil, &sgx.CreationError{
			Reason: sgx.ReasonDeviceUnavailable,
			Image:  image,
			Err:    err,
		}
	}

	if image != "" {
		exe, err := os.Executable()
		if err == nil && exe != image {
			log.Debugf("Ignoring image %v, attesting running enclave %v", image, exe)
		}
	}
	if self.Body.Attributes.Debug() != debug {
		log.Warnf("Requested debug=%v but running enclave has debug=%v",
			debug, self.Body.Attributes.Debug())
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	log.Debugf("Opened enclave handle %v (MRENCLAVE %x)", id, self.Body.MrEnclave)

	return &Enclave{id: id, platform: s}, nil
}

// selfReport fetches and caches a report targeted at the running enclave
func (s *Sgx) selfReport() (*sgx.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.self != nil {
		return s.self, nil
	}
	data, err := localReport(nil)
	if err != nil {
		return nil, err
	}
	r, err := sgx.DecodeReport(data)
	if err != nil {
		return nil, err
	}
	s.self = r
	return r, nil
}

func localReport(reportData []byte) ([]byte, error) {
	data, err := getLocalReport(reportData, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get SGX report: %w", err)
	}
	if len(data) < reportHeaderSize+sgx.ReportSize {
		return nil, fmt.Errorf("SGX report too short: %v bytes", len(data))
	}
	return data[reportHeaderSize : reportHeaderSize+sgx.ReportSize], nil
}

// Enclave is a handle to the running enclave
type Enclave struct {
	id       uint64
	platform *Sgx
}

func (e *Enclave) ID() uint64 {
	return e.id
}

// ProduceReport supports self-targeted reports only, which includes
// reports for the quoter of this platform
func (e *Enclave) ProduceReport(targetInfo, reportData []byte) ([]byte, error) {
	ti, err := sgx.DecodeTargetInfo(targetInfo)
	if err != nil {
		return nil, err
	}
	if !ti.IsZero() {
		self, err := e.platform.selfReport()
		if err != nil {
			return nil, err
		}
		if ti.MrEnclave != self.Body.MrEnclave {
			return nil, fmt.Errorf("cannot target report at enclave %x", ti.MrEnclave)
		}
	}
	return localReport(reportData)
}

func (e *Enclave) Destroy() error {
	log.Debugf("Closed enclave handle %v", e.id)
	return nil
}

// Quoter obtains quotes through the runtime, which contacts the platform
// quoting enclave on its own. Reports handed to GetQuote only contribute
// their report data.
type Quoter struct {
	mu       sync.Mutex
	platform *Sgx
	size     uint32
}

func (q *Quoter) Name() string {
	return "ego"
}

// TargetInfo targets the running enclave, whose reports the quoter accepts
func (q *Quoter) TargetInfo() ([]byte, error) {
	self, err := q.platform.selfReport()
	if err != nil {
		return nil, &sgx.ServiceError{Reason: sgx.ServiceAbsent, Err: err}
	}
	ti := sgx.TargetInfo{
		MrEnclave:  self.Body.MrEnclave,
		Attributes: self.Body.Attributes,
		ConfigSVN:  self.Body.ConfigSVN,
		MiscSelect: self.Body.MiscSelect,
		ConfigID:   self.Body.ConfigID,
	}
	return ti.Marshal(), nil
}

// QuoteSize probes the runtime once and caches the result
func (q *Quoter) QuoteSize() (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size != 0 {
		return q.size, nil
	}
	quote, err := remoteReport(make([]byte, sgx.ReportDataSize))
	if err != nil {
		return 0, err
	}
	q.size = uint32(len(quote))
	log.Debugf("Probed quote size: %v", q.size)
	return q.size, nil
}

func (q *Quoter) GetQuote(report []byte, size uint32) ([]byte, error) {
	r, err := sgx.DecodeReport(report)
	if err != nil {
		return nil, &sgx.ServiceError{Reason: sgx.ServiceRejected, Err: err}
	}
	self, err := q.platform.selfReport()
	if err != nil {
		return nil, &sgx.ServiceError{Reason: sgx.ServiceAbsent, Err: err}
	}
	if r.Body.MrEnclave != self.Body.MrEnclave {
		return nil, &sgx.ServiceError{
			Reason: sgx.ServiceRejected,
			Err:    errors.New("report was not produced by the running enclave"),
		}
	}

	quote, err := remoteReport(r.Body.ReportData[:])
	if err != nil {
		return nil, err
	}
	if uint32(len(quote)) > size {
		return nil, &sgx.ServiceError{
			Reason: sgx.ServiceRejected,
			Err:    fmt.Errorf("quote of %v bytes exceeds buffer of %v bytes", len(quote), size),
		}
	}
	return quote, nil
}

func remoteReport(reportData []byte) ([]byte, error) {
	data, err := getRemoteReport(reportData)
	if err != nil {
		return nil, &sgx.ServiceError{
			Reason: sgx.ServiceAbsent,
			Err:    fmt.Errorf("failed to get SGX quote: %w", err),
		}
	}
	if len(data) < reportHeaderSize+sgx.QuoteHeaderSize {
		return nil, &sgx.ServiceError{
			Reason: sgx.ServiceRejected,
			Err:    fmt.Errorf("SGX quote too short: %v bytes", len(data)),
		}
	}
	return data[reportHeaderSize:], nil
}
