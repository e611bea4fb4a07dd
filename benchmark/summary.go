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
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var (
	headingColor = color.New(color.FgCyan, color.Bold)
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed)
	hintColor    = color.New(color.FgYellow)
)

// WriteSummary prints a human readable summary of the results
func WriteSummary(w io.Writer, r *Results) {
	if r == nil {
		return
	}

	headingColor.Fprintf(w, "Run %v on %v", r.RunID, r.Platform)
	if r.Quoter != "" {
		headingColor.Fprintf(w, " (quoting: %v)", r.Quoter)
	}
	fmt.Fprintln(w)

	for i := range r.Phases {
		writePhase(w, &r.Phases[i])
	}

	if r.Quote != nil {
		writeQuote(w, r.Quote)
	}

	fmt.Fprintln(w)
	if r.Succeeded() {
		okColor.Fprintln(w, "SUCCESS")
	} else {
		failColor.Fprintln(w, "FAILED")
	}
}

func writePhase(w io.Writer, p *PhaseResult) {
	fmt.Fprintln(w)
	headingColor.Fprintf(w, "%v", p.Name)
	fmt.Fprintf(w, " (%v iterations)\n", p.Iterations)

	for _, s := range p.Stats {
		c := okColor
		if s.Successes < s.Attempted {
			c = failColor
		}
		fmt.Fprintf(w, "  %-18v ", s.Kind)
		c.Fprintf(w, "%4v/%-4v ok", s.Successes, s.Attempted)
		fmt.Fprintf(w, "  total %-12v avg %-12v min %-12v max %-12v stddev %-12v %.1f ops/s\n",
			s.Total, s.Average, s.Min, s.Max, s.StdDev, s.Throughput())
	}

	if p.FirstFailure != "" {
		failColor.Fprintf(w, "  first failure: %v\n", p.FirstFailure)
	}
	if p.Error != "" {
		failColor.Fprintf(w, "  aborted: %v\n", p.Error)
	}
	for _, h := range p.Hints {
		hintColor.Fprintf(w, "  hint: %v\n", h)
	}
}

func writeQuote(w io.Writer, q *QuoteInfo) {
	fmt.Fprintln(w)
	headingColor.Fprintln(w, "quote")
	if q.ReportSize > 0 {
		fmt.Fprintf(w, "  size          %v bytes (report %v bytes, ratio %.2f)\n", q.QuoteSize, q.ReportSize, q.Ratio)
	} else {
		fmt.Fprintf(w, "  size          %v bytes\n", q.QuoteSize)
	}
	fmt.Fprintf(w, "  version       %v\n", q.Version)
	fmt.Fprintf(w, "  key type      %v\n", q.AttestationKeyType)
	fmt.Fprintf(w, "  tee type      0x%x\n", q.TeeType)
	fmt.Fprintf(w, "  header        %v\n", q.Header)
	if q.MrEnclave == "" {
		return
	}
	fmt.Fprintf(w, "  mrenclave     %v\n", q.MrEnclave)
	fmt.Fprintf(w, "  mrsigner      %v\n", q.MrSigner)
	fmt.Fprintf(w, "  report data   %v\n", q.ReportData)
	fmt.Fprintf(w, "  debug         %v\n", q.Debug)
	if q.ReportDataMatches {
		okColor.Fprintln(w, "  report data matches")
	} else if q.ReportSize > 0 {
		failColor.Fprintln(w, "  report data does not match")
	}
	fmt.Fprintf(w, "  cert type     %v\n", q.CertDataType)
	if len(q.Certificates) > 0 {
		fmt.Fprintf(w, "  certificates  %v\n", strings.Join(q.Certificates, " <- "))
		if q.ChainVerified {
			okColor.Fprintln(w, "  certificate chain verified against its root")
		} else {
			failColor.Fprintf(w, "  certificate chain invalid: %v\n", q.ChainError)
		}
	}
	if q.FMSPC != "" {
		fmt.Fprintf(w, "  fmspc         %v\n", q.FMSPC)
	}
}
