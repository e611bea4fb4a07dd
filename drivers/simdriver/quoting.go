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
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/Fraunhofer-AISEC/attestbench/internal"
	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

const (
	CnRootCA     = "Simulated SGX Root CA"
	CnPlatformCA = "Simulated SGX PCK Platform CA"
	CnPCK        = "Simulated SGX PCK Certificate"

	qeSVN  = 8
	pceSVN = 13
)

// Vendor id of quotes produced by Intel quoting enclaves
var qeVendorID = [16]byte{
	0x93, 0x9a, 0x72, 0x33, 0xf7, 0x9c, 0x4c, 0xa9,
	0x94, 0x0a, 0x0d, 0xb3, 0x95, 0x7f, 0x06, 0x07,
}

// QuotingEnclave converts reports targeted at it into ECDSA quotes
type QuotingEnclave struct {
	platform  *Platform
	mrenclave [32]byte
	attKey    *ecdsa.PrivateKey
	pckKey    *ecdsa.PrivateKey
	chain     []*x509.Certificate
	certData  []byte
	authData  [32]byte
	quoteSize uint32
}

func newQuotingEnclave(p *Platform) (*QuotingEnclave, error) {
	qe := &QuotingEnclave{
		platform:  p,
		mrenclave: sha256.Sum256([]byte("attestbench simulated quoting enclave")),
	}

	var err error
	qe.attKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation key: %w", err)
	}
	if _, err := rand.Read(qe.authData[:]); err != nil {
		return nil, fmt.Errorf("failed to generate QE auth data: %w", err)
	}

	qe.chain, qe.pckKey, err = createPckChain()
	if err != nil {
		return nil, err
	}
	qe.certData = internal.WriteCertChainPem(qe.chain)

	qe.quoteSize = uint32(sgx.QuoteHeaderSize + sgx.ReportBodySize + 4 +
		64 + 64 + sgx.ReportBodySize + 64 +
		2 + len(qe.authData) +
		2 + 4 + len(qe.certData))

	return qe, nil
}

// createPckChain creates a root CA, a platform CA and a PCK leaf. The
// chain is returned leaf first.
func createPckChain() ([]*x509.Certificate, *ecdsa.PrivateKey, error) {
	keys := make([]*ecdsa.PrivateKey, 3)
	for i := range keys {
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate key: %w", err)
		}
		keys[i] = k
	}

	now := time.Now()
	tmpl := func(serial int64, cn string, ca bool) *x509.Certificate {
		c := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject: pkix.Name{
				CommonName:   cn,
				Organization: []string{"Fraunhofer AISEC"},
			},
			NotBefore:             now.Add(-time.Minute),
			NotAfter:              now.AddDate(1, 0, 0),
			BasicConstraintsValid: true,
			IsCA:                  ca,
			KeyUsage:              x509.KeyUsageDigitalSignature,
		}
		if ca {
			c.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		}
		return c
	}

	root, err := internal.CreateCert(tmpl(1, CnRootCA, true), nil, &keys[0].PublicKey, keys[0])
	if err != nil {
		return nil, nil, err
	}
	platform, err := internal.CreateCert(tmpl(2, CnPlatformCA, true), root, &keys[1].PublicKey, keys[0])
	if err != nil {
		return nil, nil, err
	}
	pck, err := internal.CreateCert(tmpl(3, CnPCK, false), platform, &keys[2].PublicKey, keys[1])
	if err != nil {
		return nil, nil, err
	}

	return []*x509.Certificate{pck, platform, root}, keys[2], nil
}

func (qe *QuotingEnclave) Name() string {
	return "sim"
}

// Chain returns the PCK certificate chain, leaf first
func (qe *QuotingEnclave) Chain() []*x509.Certificate {
	return qe.chain
}

// AttestationKey returns the public key quotes are signed with
func (qe *QuotingEnclave) AttestationKey() *ecdsa.PublicKey {
	return &qe.attKey.PublicKey
}

func (qe *QuotingEnclave) available(op string) error {
	conf := qe.platform.conf
	if conf.QuotingUnavailable {
		return &sgx.ServiceError{Reason: conf.UnavailableReason, Err: fmt.Errorf("simulated %v failure", op)}
	}
	return qe.platform.fault(op)
}

func (qe *QuotingEnclave) TargetInfo() ([]byte, error) {
	if err := qe.available("target"); err != nil {
		return nil, err
	}
	ti := sgx.TargetInfo{
		MrEnclave: qe.mrenclave,
		Attributes: sgx.Attributes{
			Flags: sgx.AttributeInit | sgx.AttributeMode64,
			Xfrm:  0x03,
		},
	}
	return ti.Marshal(), nil
}

func (qe *QuotingEnclave) QuoteSize() (uint32, error) {
	if err := qe.available("size"); err != nil {
		return 0, err
	}
	return qe.quoteSize, nil
}

func (qe *QuotingEnclave) GetQuote(report []byte, size uint32) ([]byte, error) {
	if err := qe.available("quote"); err != nil {
		return nil, err
	}
	if size != qe.quoteSize {
		return nil, &sgx.ServiceError{
			Reason: sgx.ServiceRejected,
			Err:    fmt.Errorf("quote buffer size %v, expected %v", size, qe.quoteSize),
		}
	}

	r, err := sgx.DecodeReport(report)
	if err != nil {
		return nil, &sgx.ServiceError{Reason: sgx.ServiceRejected, Err: err}
	}
	if !qe.platform.verifyReport(r, qe.mrenclave) {
		return nil, &sgx.ServiceError{
			Reason: sgx.ServiceRejected,
			Err:    fmt.Errorf("report is not targeted at the quoting enclave"),
		}
	}

	q := sgx.Quote{
		Header: sgx.QuoteHeader{
			Version:            sgx.QuoteVersion3,
			AttestationKeyType: sgx.AttestationKeyECDSA256,
			TeeType:            sgx.TeeTypeSGX,
			QESVN:              qeSVN,
			PCESVN:             pceSVN,
			QEVendorID:         qeVendorID,
		},
		Body: r.Body,
	}

	signed := append(q.Header.Marshal(), q.Body.Marshal()...)
	q.SignatureData.ISVReportSignature, err = sign(qe.attKey, signed)
	if err != nil {
		return nil, err
	}

	attKey, err := rawPublicKey(&qe.attKey.PublicKey)
	if err != nil {
		return nil, err
	}
	q.SignatureData.AttestationKey = attKey

	// The QE report binds the attestation key and auth data
	keyHash := sha256.Sum256(append(attKey[:], qe.authData[:]...))
	qeReport := sgx.ReportBody{
		CPUSVN:     qe.platform.cpusvn,
		Attributes: sgx.Attributes{Flags: sgx.AttributeInit | sgx.AttributeMode64, Xfrm: 0x03},
		MrEnclave:  qe.mrenclave,
		MrSigner:   qe.platform.mrsigner,
		ISVSVN:     qeSVN,
	}
	copy(qeReport.ReportData[:], keyHash[:])
	q.SignatureData.QEReport = qeReport

	q.SignatureData.QEReportSignature, err = sign(qe.pckKey, qeReport.Marshal())
	if err != nil {
		return nil, err
	}

	q.SignatureData.QEAuthData = qe.authData[:]
	q.SignatureData.QECertDataType = sgx.CertDataPCKChain
	q.SignatureData.QECertData = qe.certData

	raw := q.Marshal()
	if len(raw) != int(qe.quoteSize) {
		return nil, fmt.Errorf("internal error: quote has %v bytes, expected %v", len(raw), qe.quoteSize)
	}

	return raw, nil
}

// sign returns the raw r || s ECDSA signature over the SHA-256 digest
func sign(key *ecdsa.PrivateKey, data []byte) ([64]byte, error) {
	var sig [64]byte
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return sig, fmt.Errorf("failed to sign: %w", err)
	}
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// rawPublicKey returns the uncompressed X || Y coordinates
func rawPublicKey(pub *ecdsa.PublicKey) ([64]byte, error) {
	var raw [64]byte
	k, err := pub.ECDH()
	if err != nil {
		return raw, fmt.Errorf("failed to convert attestation key: %w", err)
	}
	copy(raw[:], k.Bytes()[1:])
	return raw, nil
}
