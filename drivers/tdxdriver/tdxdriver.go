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

//go:build !nodefaults || tdx

package tdxdriver

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-configfs-tsm/configfs/linuxtsm"
	"github.com/google/go-configfs-tsm/report"
	"github.com/sirupsen/logrus"

	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

var log = logrus.WithField("service", "tdxdriver")

var getReport = linuxtsm.GetReport

// Tdx quotes SGX reports of an enclave running inside a trust domain. The
// TD quote binds the enclave report through its REPORTDATA, which is the
// SHA-512 digest of the report body. The enclave report itself must be
// self-targeted, since no quoting enclave is involved.
type Tdx struct {
	mu   sync.Mutex
	size uint32
}

func New() *Tdx {
	return &Tdx{}
}

func (t *Tdx) Name() string {
	return "tdx"
}

// TargetInfo returns an all-zero target info, which selects a
// self-targeted report
func (t *Tdx) TargetInfo() ([]byte, error) {
	return make([]byte, sgx.TargetInfoSize), nil
}

// QuoteSize requests one quote and caches its size
func (t *Tdx) QuoteSize() (uint32, error) {
	if t == nil {
		return 0, errors.New("internal error: TDX object is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size != 0 {
		return t.size, nil
	}
	quote, err := getQuote(make([]byte, sha512.Size))
	if err != nil {
		return 0, err
	}
	t.size = uint32(len(quote))
	log.Debugf("Probed TD quote size: %v", t.size)
	return t.size, nil
}

func (t *Tdx) GetQuote(rep []byte, size uint32) ([]byte, error) {
	r, err := sgx.DecodeReport(rep)
	if err != nil {
		return nil, &sgx.ServiceError{Reason: sgx.ServiceRejected, Err: err}
	}

	digest := BindingData(&r.Body)
	quote, err := getQuote(digest[:])
	if err != nil {
		return nil, err
	}
	if uint32(len(quote)) > size {
		return nil, &sgx.ServiceError{
			Reason: sgx.ServiceRejected,
			Err:    fmt.Errorf("TD quote of %v bytes exceeds buffer of %v bytes", len(quote), size),
		}
	}
	return quote, nil
}

// BindingData is the TD REPORTDATA binding an enclave report body
func BindingData(body *sgx.ReportBody) [sha512.Size]byte {
	return sha512.Sum512(body.Marshal())
}

func getQuote(reportData []byte) ([]byte, error) {

	log.Tracef("Fetching TD quote via configfs with report data: %v", hex.EncodeToString(reportData))

	req := &report.Request{
		InBlob:     reportData,
		GetAuxBlob: false,
	}
	resp, err := getReport(req)
	if err != nil {
		return nil, &sgx.ServiceError{
			Reason: sgx.ServiceAbsent,
			Err:    fmt.Errorf("failed to get TD quote via configfs: %w", err),
		}
	}
	if len(resp.OutBlob) < sgx.QuoteHeaderSize {
		return nil, &sgx.ServiceError{
			Reason: sgx.ServiceRejected,
			Err:    fmt.Errorf("TD quote too short: %v bytes", len(resp.OutBlob)),
		}
	}

	return resp.OutBlob, nil
}
