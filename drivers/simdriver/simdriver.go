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

package simdriver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

var log = logrus.WithField("service", "simdriver")

const (
	DefaultEPCSize     uint64 = 128 << 20
	DefaultEnclaveSize uint64 = 16 << 20

	isvProdID = 1
	isvSVN    = 1
)

// Config of the simulated platform
type Config struct {
	// Total protected memory shared by all enclaves
	EPCSize uint64
	// Protected memory reserved by every enclave
	EnclaveSize uint64
	// QuotingUnavailable makes every quoting service call fail with
	// UnavailableReason
	QuotingUnavailable bool
	UnavailableReason  sgx.ServiceReason
	// Fault, if set, is consulted before every primitive operation
	// ("create", "report", "destroy", "target", "size", "quote") and its
	// error is returned instead of performing the operation
	Fault func(op string) error
}

// Platform simulates an SGX capable CPU. Reports are authenticated with
// keys derived from a per-platform secret, so only enclaves of the same
// platform can verify them.
type Platform struct {
	mu       sync.Mutex
	conf     Config
	secret   [32]byte
	mrsigner [32]byte
	cpusvn   [16]byte
	epcUsed  uint64
	nextID   uint64
	enclaves map[uint64]*Enclave
	qe       *QuotingEnclave
}

func New(conf Config) (*Platform, error) {
	if conf.EPCSize == 0 {
		conf.EPCSize = DefaultEPCSize
	}
	if conf.EnclaveSize == 0 {
		conf.EnclaveSize = DefaultEnclaveSize
	}

	p := &Platform{
		conf:     conf,
		enclaves: make(map[uint64]*Enclave),
		cpusvn:   [16]byte{0x0f, 0x0f, 0x02, 0x04, 0xff, 0x80},
	}

	if _, err := rand.Read(p.secret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate platform secret: %w", err)
	}

	// The enclave signing key only contributes its measurement
	signer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate enclave signing key: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&signer.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signing key: %w", err)
	}
	p.mrsigner = sha256.Sum256(pub)

	p.qe, err = newQuotingEnclave(p)
	if err != nil {
		return nil, fmt.Errorf("failed to create quoting enclave: %w", err)
	}

	log.Debugf("Initialized simulated platform with %v MiB EPC", conf.EPCSize>>20)

	return p, nil
}

func (p *Platform) Name() string {
	return "sim"
}

// QuotingService returns the quoting enclave of the platform
func (p *Platform) QuotingService() *QuotingEnclave {
	return p.qe
}

// EPCUsed returns the protected memory currently reserved
func (p *Platform) EPCUsed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epcUsed
}

func (p *Platform) fault(op string) error {
	if p.conf.Fault == nil {
		return nil
	}
	return p.conf.Fault(op)
}

func (p *Platform) CreateEnclave(image string, debug bool) (sgx.Enclave, error) {

	if err := p.fault("create"); err != nil {
		return nil, err
	}

	if image == "" {
		return nil, &sgx.CreationError{Reason: sgx.ReasonImageNotFound, Err: errors.New("no enclave image configured")}
	}
	data, err := os.ReadFile(image)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &sgx.CreationError{Reason: sgx.ReasonImageNotFound, Image: image, Err: err}
	} else if err != nil {
		return nil, &sgx.CreationError{Reason: sgx.ReasonUnknown, Image: image, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.epcUsed+p.conf.EnclaveSize > p.conf.EPCSize {
		return nil, &sgx.CreationError{
			Reason: sgx.ReasonOutOfEPC,
			Image:  image,
			Err: fmt.Errorf("%v bytes requested, %v of %v bytes in use",
				p.conf.EnclaveSize, p.epcUsed, p.conf.EPCSize),
		}
	}
	p.epcUsed += p.conf.EnclaveSize
	p.nextID++

	e := &Enclave{
		platform:  p,
		id:        p.nextID,
		mrenclave: sha256.Sum256(data),
		attributes: sgx.Attributes{
			Flags: sgx.AttributeInit | sgx.AttributeMode64,
			Xfrm:  0x03,
		},
	}
	if debug {
		e.attributes.Flags |= sgx.AttributeDebug
	}
	p.enclaves[e.id] = e

	log.Tracef("Created simulated enclave %v, MRENCLAVE %x", e.id, e.mrenclave)

	return e, nil
}

func (p *Platform) release(e *Enclave) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.enclaves, e.id)
	p.epcUsed -= p.conf.EnclaveSize
}

// reportKey derives the key that authenticates reports for the enclave
// with the given measurement
func (p *Platform) reportKey(target [32]byte, keyID [sgx.KeyIDSize]byte) []byte {
	h := hmac.New(sha256.New, p.secret[:])
	h.Write([]byte("REPORT"))
	h.Write(target[:])
	h.Write(keyID[:])
	return h.Sum(nil)
}

func (p *Platform) mac(body *sgx.ReportBody, keyID [sgx.KeyIDSize]byte, target [32]byte) [sgx.MacSize]byte {
	h := hmac.New(sha256.New, p.reportKey(target, keyID))
	h.Write(body.Marshal())
	var mac [sgx.MacSize]byte
	copy(mac[:], h.Sum(nil))
	return mac
}

// verifyReport checks that the report was produced on this platform for
// the enclave with measurement target
func (p *Platform) verifyReport(r *sgx.Report, target [32]byte) bool {
	want := p.mac(&r.Body, r.KeyID, target)
	return hmac.Equal(want[:], r.MAC[:])
}

func (p *Platform) report(body sgx.ReportBody, target [32]byte) ([]byte, error) {
	var keyID [sgx.KeyIDSize]byte
	if _, err := rand.Read(keyID[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key id: %w", err)
	}
	r := sgx.Report{
		Body:  body,
		KeyID: keyID,
		MAC:   p.mac(&body, keyID, target),
	}
	return r.Marshal(), nil
}

// Enclave is one simulated enclave instance
type Enclave struct {
	mu         sync.Mutex
	platform   *Platform
	id         uint64
	mrenclave  [32]byte
	attributes sgx.Attributes
	destroyed  bool
}

func (e *Enclave) ID() uint64 {
	return e.id
}

func (e *Enclave) MrEnclave() [32]byte {
	return e.mrenclave
}

func (e *Enclave) ProduceReport(targetInfo, reportData []byte) ([]byte, error) {
	if e == nil {
		return nil, errors.New("internal error: enclave object is nil")
	}
	if err := e.platform.fault("report"); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, fmt.Errorf("enclave %v lost", e.id)
	}

	ti, err := sgx.DecodeTargetInfo(targetInfo)
	if err != nil {
		return nil, err
	}
	if len(reportData) != sgx.ReportDataSize {
		return nil, fmt.Errorf("invalid report data size %v", len(reportData))
	}

	body := sgx.ReportBody{
		CPUSVN:     e.platform.cpusvn,
		Attributes: e.attributes,
		MrEnclave:  e.mrenclave,
		MrSigner:   e.platform.mrsigner,
		ISVProdID:  isvProdID,
		ISVSVN:     isvSVN,
	}
	copy(body.ReportData[:], reportData)

	// A zero target info yields a report the enclave can verify itself
	target := ti.MrEnclave
	if ti.IsZero() {
		target = e.mrenclave
	}

	return e.platform.report(body, target)
}

func (e *Enclave) Destroy() error {
	if err := e.platform.fault("destroy"); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return fmt.Errorf("enclave %v already destroyed", e.id)
	}
	e.destroyed = true
	e.platform.release(e)

	log.Tracef("Destroyed simulated enclave %v", e.id)

	return nil
}
