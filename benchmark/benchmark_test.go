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

package benchmark

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"

	"github.com/Fraunhofer-AISEC/attestbench/drivers/simdriver"
	"github.com/Fraunhofer-AISEC/attestbench/ecall"
	"github.com/Fraunhofer-AISEC/attestbench/internal"
	"github.com/Fraunhofer-AISEC/attestbench/lifecycle"
	"github.com/Fraunhofer-AISEC/attestbench/marshal"
	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

// stepClock advances by one millisecond on every reading
type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newDriver(t *testing.T, conf simdriver.Config, iterations int) *Driver {
	t.Helper()
	image := filepath.Join(t.TempDir(), "enclave.signed.so")
	if err := os.WriteFile(image, []byte("benchmark enclave"), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := simdriver.New(conf)
	if err != nil {
		t.Fatal(err)
	}
	m, err := lifecycle.NewManager(p, lifecycle.Options{UntrustedSize: 1 << 16, ProtectedSize: 1 << 16})
	if err != nil {
		t.Fatal(err)
	}
	clock := &stepClock{t: time.Unix(0, 0)}
	return &Driver{
		Manager:            m,
		Quoter:             p.QuotingService(),
		Image:              image,
		Iterations:         iterations,
		CreationIterations: 3,
		Now:                clock.Now,
		Progress:           func(Phase, int, int) {},
	}
}

func TestClampIterations(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-5, DefaultIterations},
		{0, DefaultIterations},
		{1, 1},
		{100, 100},
		{MaxIterations, MaxIterations},
		{MaxIterations + 1, DefaultIterations},
		{1 << 20, DefaultIterations},
	}
	for _, tt := range tests {
		if got := ClampIterations(tt.in); got != tt.want {
			t.Errorf("ClampIterations(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAccumulator(t *testing.T) {
	base := time.Unix(0, 0)
	acc := NewAccumulator(KindReport)

	for i, ms := range []int{1, 2, 3} {
		acc.Add(Sample{
			Kind:    KindReport,
			Start:   base,
			End:     base.Add(time.Duration(ms) * time.Millisecond),
			Success: i != 1,
		})
	}

	want := AggregateStats{
		Kind:      KindReport,
		Attempted: 3,
		Successes: 2,
		Total:     6 * time.Millisecond,
		Average:   2 * time.Millisecond,
		Min:       time.Millisecond,
		Max:       3 * time.Millisecond,
		StdDev:    time.Millisecond,
	}
	if diff := cmp.Diff(want, acc.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
	if got := acc.Stats().Failures(); got != 1 {
		t.Errorf("Failures() = %v, want 1", got)
	}
	if got := acc.Stats().Throughput(); math.Abs(got-500) > 1e-6 {
		t.Errorf("Throughput() = %v, want 500", got)
	}

	empty := NewAccumulator(KindQuote).Stats()
	if empty.Attempted != 0 || empty.Average != 0 || empty.StdDev != 0 || empty.Throughput() != 0 {
		t.Errorf("empty accumulator = %+v", empty)
	}
}

func TestReportPhaseThenUseAfterDestroy(t *testing.T) {
	d := newDriver(t, simdriver.Config{}, 10)
	d.CustomData = []byte("test")

	ctx, err := d.Manager.Create(d.Image, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	res := d.ReportPhase(ctx)
	if len(res.Stats) != 1 {
		t.Fatalf("got %v stats, want 1", len(res.Stats))
	}
	s := res.Stats[0]
	if s.Attempted != 10 || s.Successes != 10 {
		t.Fatalf("attempted %v succeeded %v, want 10/10 (first failure: %v)", s.Attempted, s.Successes, res.FirstFailure)
	}
	if s.Min > s.Average || s.Average > s.Max {
		t.Errorf("min %v avg %v max %v not ordered", s.Min, s.Average, s.Max)
	}
	if !res.Succeeded() {
		t.Errorf("phase not succeeded")
	}
	if n := ctx.Outstanding(); n != 0 {
		t.Errorf("%v allocations outstanding", n)
	}

	if err := d.Manager.Destroy(ctx); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	r := ecall.GenerateReport(ctx, sgx.ReportSize, []byte("test"))
	if r.Status != marshal.StatusUseAfterDestroy {
		t.Fatalf("status after destroy = %v, want %v", r.Status, marshal.StatusUseAfterDestroy)
	}
}

func TestRunAll(t *testing.T) {
	d := newDriver(t, simdriver.Config{}, 5)

	res, err := d.Run(PlanAll)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Succeeded() {
		t.Fatalf("run not succeeded: %+v", res.Phases)
	}
	if res.RunID == "" || res.Platform != "sim" || res.Quoter != "sim" {
		t.Errorf("unexpected run metadata %v %v %v", res.RunID, res.Platform, res.Quoter)
	}
	if d.Manager.Active() != nil {
		t.Errorf("context still active after Run()")
	}

	names := []Phase{}
	for _, p := range res.Phases {
		names = append(names, p.Name)
	}
	want := []Phase{PhaseReport, PhasePreparation, PhaseQuote, PhaseCreation}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}

	quote := res.Phases[2]
	if len(quote.Stats) != 3 {
		t.Fatalf("quote phase has %v stats, want 3", len(quote.Stats))
	}
	for _, s := range quote.Stats {
		if s.Attempted != 5 || s.Successes != 5 {
			t.Errorf("%v: %v/%v", s.Kind, s.Successes, s.Attempted)
		}
	}

	creation := res.Phases[3]
	if creation.Stats[2].Kind != KindLifecycle || creation.Stats[2].Successes != 3 {
		t.Errorf("creation phase stats %+v", creation.Stats)
	}

	q := res.Quote
	if q == nil {
		t.Fatal("no quote info")
	}
	if !q.ReportDataMatches {
		t.Errorf("report data %v does not match", q.ReportData)
	}
	if q.Version != sgx.QuoteVersion3 || q.CertDataType != sgx.CertDataPCKChain {
		t.Errorf("version %v cert type %v", q.Version, q.CertDataType)
	}
	if q.ReportSize != sgx.ReportSize || q.QuoteSize < sgx.QuoteMinSize {
		t.Errorf("report size %v quote size %v", q.ReportSize, q.QuoteSize)
	}
	wantCerts := []string{simdriver.CnPCK, simdriver.CnPlatformCA, simdriver.CnRootCA}
	if diff := cmp.Diff(wantCerts, q.Certificates); diff != "" {
		t.Errorf("certificates mismatch (-want +got):\n%s", diff)
	}
	if q.FMSPC != "" {
		t.Errorf("unexpected FMSPC %v", q.FMSPC)
	}
	if !q.ChainVerified || q.ChainError != "" {
		t.Errorf("chain not verified: %v", q.ChainError)
	}
	if err := CheckQuote(q.Raw, uint32(q.QuoteSize)); err != nil {
		t.Errorf("CheckQuote() error = %v", err)
	}
}

func TestCheckQuote(t *testing.T) {
	q := sgx.Quote{
		Header: sgx.QuoteHeader{Version: sgx.QuoteVersion3, AttestationKeyType: sgx.AttestationKeyECDSA256},
	}
	q.SignatureData.QECertDataType = sgx.CertDataPCKChain
	q.SignatureData.QECertData = []byte("chain")
	raw := q.Marshal()

	tdx := sgx.QuoteHeader{Version: 4, TeeType: sgx.TeeTypeTDX}
	tdxRaw := append(tdx.Marshal(), make([]byte, 100)...)

	tests := []struct {
		name    string
		raw     []byte
		size    uint32
		wantErr bool
		wantIs  error
	}{
		{"exact", raw, uint32(len(raw)), false, nil},
		{"shorter than announced", raw, uint32(len(raw)) + 16, true, ErrQuoteSize},
		{"longer than announced", raw, uint32(len(raw)) - 1, true, ErrQuoteSize},
		{"trailing bytes", append(bytes.Clone(raw), 0, 0, 0, 0), uint32(len(raw)) + 4, true, ErrQuoteSize},
		{"tdx header only", tdxRaw, uint32(len(tdxRaw)), false, nil},
		{"truncated", raw[:10], 10, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQuote(tt.raw, tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckQuote() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("CheckQuote() error = %v, want %v", err, tt.wantIs)
			}
		})
	}
}

func TestDescribeQuoteBrokenChain(t *testing.T) {
	rootKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	otherKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	tmpl := func(serial int64, cn string, ca bool) *x509.Certificate {
		return &x509.Certificate{
			SerialNumber:          big.NewInt(serial),
			Subject:               pkix.Name{CommonName: cn},
			NotBefore:             time.Now().Add(-time.Minute),
			NotAfter:              time.Now().Add(time.Hour),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
			BasicConstraintsValid: true,
			IsCA:                  ca,
		}
	}
	root, err := internal.CreateCert(tmpl(1, "Root", true), nil, &rootKey.PublicKey, rootKey)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := internal.CreateCert(tmpl(2, "Leaf", false), root, &otherKey.PublicKey, rootKey)
	if err != nil {
		t.Fatal(err)
	}
	// Same name as the issuer of the leaf, different key
	root, err = internal.CreateCert(tmpl(3, "Root", true), nil, &otherKey.PublicKey, otherKey)
	if err != nil {
		t.Fatal(err)
	}

	q := sgx.Quote{
		Header: sgx.QuoteHeader{Version: sgx.QuoteVersion3, AttestationKeyType: sgx.AttestationKeyECDSA256},
	}
	q.SignatureData.QECertDataType = sgx.CertDataPCKChain
	q.SignatureData.QECertData = internal.WriteCertChainPem([]*x509.Certificate{leaf, root})

	info, err := DescribeQuote(q.Marshal(), nil)
	if err != nil {
		t.Fatalf("DescribeQuote() error = %v", err)
	}
	if diff := cmp.Diff([]string{"Leaf", "Root"}, info.Certificates); diff != "" {
		t.Errorf("certificates mismatch (-want +got):\n%s", diff)
	}
	if info.ChainVerified || info.ChainError == "" {
		t.Errorf("broken chain reported as verified")
	}
}

func TestRunCreationFailure(t *testing.T) {
	d := newDriver(t, simdriver.Config{}, 5)
	d.Image = filepath.Join(t.TempDir(), "missing.signed.so")

	res, err := d.Run(PlanAll)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Succeeded() {
		t.Fatal("run succeeded without a context")
	}

	var names []Phase
	for _, p := range res.Phases {
		names = append(names, p.Name)
		if p.Error == "" {
			t.Errorf("phase %v has no error", p.Name)
		}
		if diff := cmp.Diff([]string{sgx.ReasonImageNotFound.Hint()}, p.Hints); diff != "" {
			t.Errorf("phase %v hints mismatch (-want +got):\n%s", p.Name, diff)
		}
	}
	want := []Phase{PhaseReport, PhasePreparation, PhaseQuote, PhaseCreation}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}
	if !res.Finished.After(res.Started) {
		t.Error("run not finished")
	}
}

func TestRunDestroyFailure(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		wantOK   bool
	}{
		{"retry succeeds", 1, true},
		{"retry fails", 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := tt.failures
			d := newDriver(t, simdriver.Config{
				Fault: func(op string) error {
					if op == "destroy" && failures > 0 {
						failures--
						return errors.New("injected destroy fault")
					}
					return nil
				},
			}, 5)

			res, err := d.Run(Plan{Report: true})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(res.Phases) != 1 {
				t.Fatalf("got %v phases, want 1", len(res.Phases))
			}
			p := res.Phases[0]
			if got := p.Succeeded(); got != tt.wantOK {
				t.Errorf("Succeeded() = %v, want %v (error %q)", got, tt.wantOK, p.Error)
			}
			if !tt.wantOK && !strings.Contains(p.Error, "failed to destroy context") {
				t.Errorf("phase error = %q", p.Error)
			}
			if tt.wantOK && d.Manager.Active() != nil {
				t.Error("context still active after retried destroy")
			}
		})
	}
}

func TestQuotingUnavailable(t *testing.T) {
	d := newDriver(t, simdriver.Config{
		QuotingUnavailable: true,
		UnavailableReason:  sgx.TrustRootMissing,
	}, 5)

	res, err := d.Run(PlanQuote)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Succeeded() {
		t.Fatal("run succeeded without quoting service")
	}
	p := res.Phases[0]
	if p.Error == "" || len(p.Stats) != 0 {
		t.Errorf("phase error %q stats %v", p.Error, p.Stats)
	}
	if diff := cmp.Diff(sgx.TrustRootMissing.Hints(), p.Hints); diff != "" {
		t.Errorf("hints mismatch (-want +got):\n%s", diff)
	}
	if d.Manager.Active() != nil {
		t.Errorf("context not destroyed after aborted phase")
	}
}

func TestQuoteFirstIterationAbort(t *testing.T) {
	d := newDriver(t, simdriver.Config{
		Fault: func(op string) error {
			if op == "quote" {
				return &sgx.ServiceError{Reason: sgx.CertCacheUnreachable}
			}
			return nil
		},
	}, 10)

	ctx, err := d.Manager.Create(d.Image, false)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Manager.Destroy(ctx)

	res := d.QuotePhase(ctx)
	if res.Error == "" {
		t.Fatal("phase not aborted")
	}
	if res.FirstFailure == "" || len(res.Hints) == 0 {
		t.Errorf("first failure %q hints %v", res.FirstFailure, res.Hints)
	}
	report, quote, total := res.Stats[0], res.Stats[1], res.Stats[2]
	if report.Attempted != 1 || report.Successes != 1 {
		t.Errorf("report stats %+v", report)
	}
	if quote.Attempted != 1 || quote.Successes != 0 || total.Successes != 0 {
		t.Errorf("quote stats %+v total %+v", quote, total)
	}
}

func TestLaterFailuresKeepFirst(t *testing.T) {
	calls := 0
	d := newDriver(t, simdriver.Config{
		Fault: func(op string) error {
			if op != "report" {
				return nil
			}
			calls++
			if calls%2 == 0 {
				return errors.New("transient failure")
			}
			return nil
		},
	}, 6)

	ctx, err := d.Manager.Create(d.Image, false)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Manager.Destroy(ctx)

	res := d.ReportPhase(ctx)
	s := res.Stats[0]
	if s.Attempted != 6 || s.Successes != 3 {
		t.Errorf("attempted %v succeeded %v, want 6/3", s.Attempted, s.Successes)
	}
	if !strings.Contains(res.FirstFailure, "OperationFailure") {
		t.Errorf("first failure = %q", res.FirstFailure)
	}
	if !res.Succeeded() {
		t.Errorf("partially failing phase must still count as succeeded")
	}
}

func TestProgress(t *testing.T) {
	d := newDriver(t, simdriver.Config{}, 45)
	var got []int
	d.Progress = func(_ Phase, done, total int) {
		if total != 45 {
			t.Errorf("total = %v", total)
		}
		got = append(got, done)
	}

	ctx, err := d.Manager.Create(d.Image, false)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Manager.Destroy(ctx)

	d.PreparationPhase(ctx)

	if diff := cmp.Diff([]int{20, 40, 45}, got); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestSerialization(t *testing.T) {
	d := newDriver(t, simdriver.Config{}, 2)
	res, err := d.Run(PlanQuote)
	if err != nil {
		t.Fatal(err)
	}

	for _, format := range []string{"json", "cbor"} {
		s, err := NewSerializer(format)
		if err != nil {
			t.Fatalf("NewSerializer(%v) error = %v", format, err)
		}
		data, err := s.Marshal(res)
		if err != nil {
			t.Fatalf("%v: Marshal() error = %v", s, err)
		}
		detected, err := DetectSerialization(data)
		if err != nil {
			t.Fatalf("%v: DetectSerialization() error = %v", s, err)
		}
		if detected.String() != s.String() {
			t.Errorf("detected %v, want %v", detected, s)
		}
		var got Results
		if err := detected.Unmarshal(data, &got); err != nil {
			t.Fatalf("%v: Unmarshal() error = %v", s, err)
		}
		if got.RunID != res.RunID || !got.Succeeded() {
			t.Errorf("%v: decoded results differ", s)
		}
	}

	if _, err := NewSerializer("xml"); err == nil {
		t.Error("NewSerializer(xml) succeeded")
	}
}

func TestWriteSummary(t *testing.T) {
	color.NoColor = true

	d := newDriver(t, simdriver.Config{QuotingUnavailable: true}, 3)
	res, err := d.Run(Plan{Report: true, Quote: true})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	WriteSummary(&buf, res)
	out := buf.String()

	for _, want := range []string{
		string(PhaseReport),
		string(PhaseQuote),
		"3/3",
		"aborted:",
		"hint:",
		"FAILED",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary misses %q:\n%v", want, out)
		}
	}
}
