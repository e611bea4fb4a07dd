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

//go:build !nodefaults || gramine

package graminedriver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Fraunhofer-AISEC/attestbench/internal"
	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

var log = logrus.WithField("service", "graminedriver")

const DefaultRoot = "/dev/attestation"

const (
	fileAttestationType = "attestation_type"
	fileMyTargetInfo    = "my_target_info"
	fileTargetInfo      = "target_info"
	fileUserReportData  = "user_report_data"
	fileReport          = "report"
	fileQuote           = "quote"
)

// Gramine is the platform of a process running inside a Gramine enclave,
// which exposes the report and quote primitives as pseudo files. The
// pseudo files are process global, so all accesses are serialized.
type Gramine struct {
	mu     sync.Mutex
	root   string
	nextID uint64
	size   uint32
	qe     *Quoter
}

func New(root string) *Gramine {
	if root == "" {
		root = DefaultRoot
	}
	g := &Gramine{root: root}
	g.qe = &Quoter{platform: g}
	return g
}

func (g *Gramine) Name() string {
	return "gramine"
}

func (g *Gramine) QuotingService() *Quoter {
	return g.qe
}

func (g *Gramine) path(name string) string {
	return filepath.Join(g.root, name)
}

func (g *Gramine) read(name string) ([]byte, error) {
	data, err := os.ReadFile(g.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read %v: %w", name, err)
	}
	return data, nil
}

func (g *Gramine) write(name string, data []byte) error {
	err := os.WriteFile(g.path(name), data, 0600)
	if err != nil {
		return fmt.Errorf("failed to write %v: %w", name, err)
	}
	return nil
}

func (g *Gramine) CreateEnclave(image string, debug bool) (sgx.Enclave, error) {
	if g == nil {
		return nil, errors.New("internal error: Gramine object is nil")
	}

	if ok, _ := internal.IsDir(g.root); !ok {
		return nil, &sgx.CreationError{
			Reason: sgx.ReasonDeviceUnavailable,
			Image:  image,
			Err:    fmt.Errorf("%v not present, not running inside Gramine", g.root),
		}
	}
	if image != "" {
		log.Debugf("Ignoring image %v, attesting the running enclave", image)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	log.Debugf("Opened enclave handle %v", g.nextID)

	return &Enclave{id: g.nextID, platform: g}, nil
}

// Enclave is a handle to the running Gramine enclave
type Enclave struct {
	id       uint64
	platform *Gramine
}

func (e *Enclave) ID() uint64 {
	return e.id
}

// ProduceReport writes the target info and report data and reads back
// the report. A zero target info selects the running enclave.
func (e *Enclave) ProduceReport(targetInfo, reportData []byte) ([]byte, error) {
	ti, err := sgx.DecodeTargetInfo(targetInfo)
	if err != nil {
		return nil, err
	}

	g := e.platform
	g.mu.Lock()
	defer g.mu.Unlock()

	if ti.IsZero() {
		targetInfo, err = g.read(fileMyTargetInfo)
		if err != nil {
			return nil, err
		}
	}
	if err := g.write(fileTargetInfo, targetInfo); err != nil {
		return nil, err
	}
	rd := sgx.ReportData(reportData)
	if err := g.write(fileUserReportData, rd[:]); err != nil {
		return nil, err
	}
	report, err := g.read(fileReport)
	if err != nil {
		return nil, err
	}
	if len(report) != sgx.ReportSize {
		return nil, fmt.Errorf("report has %v bytes, expected %v", len(report), sgx.ReportSize)
	}
	return report, nil
}

func (e *Enclave) Destroy() error {
	log.Debugf("Closed enclave handle %v", e.id)
	return nil
}

// Quoter obtains DCAP quotes through the quote pseudo file. Reports handed
// to GetQuote only contribute their report data.
type Quoter struct {
	platform *Gramine
}

func (q *Quoter) Name() string {
	return "gramine-dcap"
}

func (q *Quoter) checkType() error {
	data, err := q.platform.read(fileAttestationType)
	if err != nil {
		return &sgx.ServiceError{Reason: sgx.ServiceAbsent, Err: err}
	}
	typ := strings.TrimSpace(string(data))
	if typ != "dcap" {
		return &sgx.ServiceError{
			Reason: sgx.ServiceAbsent,
			Err:    fmt.Errorf("attestation type is %q, expected \"dcap\"", typ),
		}
	}
	return nil
}

// TargetInfo returns the target info of the running enclave, whose reports
// the quoter accepts
func (q *Quoter) TargetInfo() ([]byte, error) {
	g := q.platform
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := q.checkType(); err != nil {
		return nil, err
	}
	ti, err := g.read(fileMyTargetInfo)
	if err != nil {
		return nil, &sgx.ServiceError{Reason: sgx.ServiceAbsent, Err: err}
	}
	return ti, nil
}

// QuoteSize probes the quote pseudo file once and caches the result
func (q *Quoter) QuoteSize() (uint32, error) {
	g := q.platform
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.size != 0 {
		return g.size, nil
	}
	quote, err := q.quote(make([]byte, sgx.ReportDataSize))
	if err != nil {
		return 0, err
	}
	g.size = uint32(len(quote))
	log.Debugf("Probed quote size: %v", g.size)
	return g.size, nil
}

func (q *Quoter) GetQuote(report []byte, size uint32) ([]byte, error) {
	r, err := sgx.DecodeReport(report)
	if err != nil {
		return nil, &sgx.ServiceError{Reason: sgx.ServiceRejected, Err: err}
	}

	g := q.platform
	g.mu.Lock()
	defer g.mu.Unlock()

	quote, err := q.quote(r.Body.ReportData[:])
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

// quote must be called with the platform lock held
func (q *Quoter) quote(reportData []byte) ([]byte, error) {
	if err := q.checkType(); err != nil {
		return nil, err
	}
	g := q.platform
	if err := g.write(fileUserReportData, reportData); err != nil {
		return nil, &sgx.ServiceError{Reason: sgx.ServiceAbsent, Err: err}
	}
	quote, err := g.read(fileQuote)
	if err != nil {
		return nil, &sgx.ServiceError{Reason: sgx.ServiceAbsent, Err: err}
	}
	if len(quote) < sgx.QuoteHeaderSize {
		return nil, &sgx.ServiceError{
			Reason: sgx.ServiceRejected,
			Err:    fmt.Errorf("quote too short: %v bytes", len(quote)),
		}
	}
	return quote, nil
}
