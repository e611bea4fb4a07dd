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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Fraunhofer-AISEC/attestbench/ecall"
	"github.com/Fraunhofer-AISEC/attestbench/lifecycle"
	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

var log = logrus.WithField("service", "benchmark")

const (
	MaxIterations             = 1000
	DefaultIterations         = 100
	DefaultCreationIterations = 10

	// Progress is reported every ProgressInterval iterations
	ProgressInterval = 20

	// DetailedQuoteData is the report data of the quote that is decoded
	DetailedQuoteData = "Detailed-Quote-Test"
)

type Phase string

const (
	PhaseReport        Phase = "report-generation"
	PhasePreparation   Phase = "quote-preparation"
	PhaseQuote         Phase = "report-to-quote"
	PhaseCreation      Phase = "creation-overhead"
	PhaseDetailedQuote Phase = "detailed-quote"
)

// ClampIterations returns n if it lies in [1, MaxIterations] and
// DefaultIterations otherwise
func ClampIterations(n int) int {
	c := clamp(n, DefaultIterations)
	if c != n {
		log.Warnf("Invalid iteration count %v (1-%v), using default %v", n, MaxIterations, c)
	}
	return c
}

func clamp(n, def int) int {
	if n <= 0 || n > MaxIterations {
		return def
	}
	return n
}

// Plan selects the phases of a run
type Plan struct {
	Report      bool
	Preparation bool
	Quote       bool
	Creation    bool
}

var (
	PlanReport    = Plan{Report: true, Preparation: true}
	PlanQuote     = Plan{Quote: true}
	PlanLifecycle = Plan{Creation: true}
	PlanAll       = Plan{Report: true, Preparation: true, Quote: true, Creation: true}
)

// Driver runs benchmark phases against one lifecycle manager
type Driver struct {
	Manager *lifecycle.Manager
	// Quoter may be nil, quote phases then fail with a diagnostic
	Quoter sgx.QuotingService

	Image string
	Debug bool

	Iterations         int
	CreationIterations int
	// CustomData is placed into the report data of the report phase. Nil
	// selects the default report data.
	CustomData []byte

	// Now defaults to time.Now
	Now func() time.Time
	// Progress defaults to logging
	Progress func(phase Phase, done, total int)
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Driver) progress(phase Phase, done, total int) {
	if done%ProgressInterval != 0 && done != total {
		return
	}
	if d.Progress != nil {
		d.Progress(phase, done, total)
		return
	}
	log.Infof("%v: %v/%v iterations", phase, done, total)
}

func (d *Driver) iterations() int {
	return clamp(d.Iterations, DefaultIterations)
}

func (d *Driver) creationIterations() int {
	return clamp(d.CreationIterations, DefaultCreationIterations)
}

// Run executes the planned phases. Each context-bound phase runs between
// one create and destroy pair, the destroy is guaranteed on every exit path.
func (d *Driver) Run(plan Plan) (*Results, error) {
	if d == nil || d.Manager == nil {
		return nil, errors.New("internal error: driver object is nil")
	}

	res := &Results{
		RunID:      uuid.NewString(),
		Started:    d.now(),
		Platform:   d.Manager.Platform().Name(),
		Iterations: d.iterations(),
	}
	if d.Quoter != nil {
		res.Quoter = d.Quoter.Name()
	}

	log.Debugf("Starting run %v on %v", res.RunID, res.Platform)

	steps := []struct {
		name    Phase
		enabled bool
		run     func(ctx *lifecycle.Context)
	}{
		{PhaseReport, plan.Report, func(ctx *lifecycle.Context) {
			res.Phases = append(res.Phases, d.ReportPhase(ctx))
		}},
		{PhasePreparation, plan.Preparation, func(ctx *lifecycle.Context) {
			res.Phases = append(res.Phases, d.PreparationPhase(ctx))
		}},
		{PhaseQuote, plan.Quote, func(ctx *lifecycle.Context) {
			quote := d.QuotePhase(ctx)
			res.Phases = append(res.Phases, quote)
			if quote.Error != "" {
				return
			}
			info, err := d.InspectQuote(ctx)
			if err != nil {
				res.Phases = append(res.Phases, PhaseResult{
					Name:  PhaseDetailedQuote,
					Error: err.Error(),
					Hints: Hints(err),
				})
				return
			}
			res.Quote = info
		}},
	}

	// Every context-bound phase gets its own context. A context that
	// cannot be created or destroyed fails that phase only.
	for _, step := range steps {
		if !step.enabled {
			continue
		}
		n := len(res.Phases)
		err := d.withContext(step.run)
		if err == nil {
			continue
		}
		for _, h := range Hints(err) {
			log.Warnf("Hint: %v", h)
		}
		if len(res.Phases) > n && res.Phases[n].Error == "" {
			res.Phases[n].Error = err.Error()
			res.Phases[n].Hints = Hints(err)
			continue
		}
		if len(res.Phases) == n {
			res.Phases = append(res.Phases, PhaseResult{
				Name:  step.name,
				Error: err.Error(),
				Hints: Hints(err),
			})
		}
	}

	if plan.Creation {
		res.Phases = append(res.Phases, d.CreationPhase())
	}

	res.Finished = d.now()

	return res, nil
}

func (d *Driver) withContext(fn func(ctx *lifecycle.Context)) (err error) {
	ctx, err := d.Manager.Create(d.Image, d.Debug)
	if err != nil {
		return fmt.Errorf("failed to create context: %w", err)
	}
	log.Debugf("Created context %v", ctx.Handle())

	defer func() {
		if derr := d.destroy(ctx); derr != nil {
			log.Errorf("Failed to destroy context %v: %v", ctx.Handle(), derr)
			if err == nil {
				err = fmt.Errorf("failed to destroy context: %w", derr)
			}
			return
		}
		log.Debugf("Destroyed context %v", ctx.Handle())
	}()

	fn(ctx)

	return nil
}

// destroy tears ctx down, retrying once if the platform failed and the
// context is still active
func (d *Driver) destroy(ctx *lifecycle.Context) error {
	err := d.Manager.Destroy(ctx)
	if err == nil || ctx.State() != lifecycle.StateActive {
		return err
	}
	log.Warnf("Retrying destroy of context %v: %v", ctx.Handle(), err)
	return d.Manager.Destroy(ctx)
}

// iterate runs fn n times and folds one sample per iteration into acc
func (d *Driver) iterate(res *PhaseResult, acc *Accumulator, fn func(i int) error) {
	for i := 0; i < res.Iterations; i++ {
		start := d.now()
		err := fn(i)
		end := d.now()
		acc.Add(Sample{Kind: acc.kind, Start: start, End: end, Success: err == nil})
		if err != nil {
			res.failure(i, err)
		}
		d.progress(res.Name, i+1, res.Iterations)
	}
}

// ReportPhase measures self-targeted report generation
func (d *Driver) ReportPhase(ctx *lifecycle.Context) PhaseResult {
	res := PhaseResult{Name: PhaseReport, Iterations: d.iterations()}
	acc := NewAccumulator(KindReport)

	log.Infof("Benchmarking report generation (%v iterations)", res.Iterations)

	d.iterate(&res, acc, func(i int) error {
		return ecall.GenerateReport(ctx, sgx.ReportSize, d.CustomData).Err("generate_report")
	})

	res.Stats = []AggregateStats{acc.Stats()}
	return res
}

// PreparationPhase measures filling the quote preparation buffer
func (d *Driver) PreparationPhase(ctx *lifecycle.Context) PhaseResult {
	res := PhaseResult{Name: PhasePreparation, Iterations: d.iterations()}
	acc := NewAccumulator(KindQuotePreparation)

	log.Infof("Benchmarking quote preparation (%v iterations)", res.Iterations)

	d.iterate(&res, acc, func(i int) error {
		return ecall.PrepareQuoteData(ctx).Err("prepare_quote_data")
	})

	res.Stats = []AggregateStats{acc.Stats()}
	return res
}

// QuotePhase measures report generation for the quoting service, quote
// retrieval, and both together. A failing first iteration ends the phase
// after surfacing diagnostics.
func (d *Driver) QuotePhase(ctx *lifecycle.Context) PhaseResult {
	res := PhaseResult{Name: PhaseQuote, Iterations: d.iterations()}

	log.Infof("Benchmarking report to quote conversion (%v iterations)", res.Iterations)

	ti, size, err := d.quoteParams()
	if err != nil {
		res.abort(err)
		return res
	}

	accReport := NewAccumulator(KindReport)
	accQuote := NewAccumulator(KindQuote)
	accTotal := NewAccumulator(KindEndToEnd)

	for i := 0; i < res.Iterations; i++ {
		custom := []byte(fmt.Sprintf("Iteration-%d", i))

		start := d.now()
		r := ecall.GenerateReportForTarget(ctx, sgx.ReportSize, ti, custom)
		mid := d.now()
		err := r.Err("generate_report_for_target")
		accReport.Add(Sample{Kind: KindReport, Start: start, End: mid, Success: err == nil})

		if err == nil {
			var quote []byte
			quote, err = d.Quoter.GetQuote(r.Data, size)
			done := d.now()
			if err == nil {
				err = CheckQuote(quote, size)
			}
			accQuote.Add(Sample{Kind: KindQuote, Start: mid, End: done, Success: err == nil})
		}
		end := d.now()
		accTotal.Add(Sample{Kind: KindEndToEnd, Start: start, End: end, Success: err == nil})

		if err != nil {
			res.failure(i, err)
			if i == 0 {
				res.Error = fmt.Sprintf("first iteration failed: %v", err)
				log.Warnf("Aborting %v after failed first iteration", res.Name)
				for _, h := range res.Hints {
					log.Warnf("Hint: %v", h)
				}
				break
			}
		}
		d.progress(res.Name, i+1, res.Iterations)
	}

	res.Stats = []AggregateStats{accReport.Stats(), accQuote.Stats(), accTotal.Stats()}
	return res
}

func (d *Driver) quoteParams() ([]byte, uint32, error) {
	if d.Quoter == nil {
		return nil, 0, &sgx.ServiceError{
			Reason: sgx.ServiceAbsent,
			Err:    errors.New("no quoting service configured"),
		}
	}
	ti, err := d.Quoter.TargetInfo()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get quoting service target info: %w", err)
	}
	size, err := d.Quoter.QuoteSize()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get quote size: %w", err)
	}
	if size == 0 {
		return nil, 0, &sgx.ServiceError{
			Reason: sgx.ServiceRejected,
			Err:    errors.New("quoting service reported quote size 0"),
		}
	}
	return ti, size, nil
}

// CreationPhase measures context creation and destruction. It requires
// that no context is active. Failures that cannot resolve by retrying end
// the phase.
func (d *Driver) CreationPhase() PhaseResult {
	res := PhaseResult{Name: PhaseCreation, Iterations: d.creationIterations()}

	log.Infof("Benchmarking creation overhead (%v iterations)", res.Iterations)

	accCreate := NewAccumulator(KindCreate)
	accDestroy := NewAccumulator(KindDestroy)
	accTotal := NewAccumulator(KindLifecycle)

	for i := 0; i < res.Iterations; i++ {
		start := d.now()
		ctx, err := d.Manager.Create(d.Image, d.Debug)
		mid := d.now()
		accCreate.Add(Sample{Kind: KindCreate, Start: start, End: mid, Success: err == nil})

		if err == nil {
			err = d.Manager.Destroy(ctx)
			accDestroy.Add(Sample{Kind: KindDestroy, Start: mid, End: d.now(), Success: err == nil})
			if err != nil && ctx.State() == lifecycle.StateActive {
				// Free the slot for the next iteration, the sample stays failed
				if rerr := d.Manager.Destroy(ctx); rerr != nil {
					log.Errorf("Failed to release context %v: %v", ctx.Handle(), rerr)
				}
			}
		}
		end := d.now()
		accTotal.Add(Sample{Kind: KindLifecycle, Start: start, End: end, Success: err == nil})

		if err != nil {
			res.failure(i, err)
			var ce *sgx.CreationError
			if errors.As(err, &ce) && !ce.Retryable() {
				res.Error = fmt.Sprintf("creation failed: %v", err)
				break
			}
		}
		d.progress(res.Name, i+1, res.Iterations)
	}

	res.Stats = []AggregateStats{accCreate.Stats(), accDestroy.Stats(), accTotal.Stats()}
	return res
}

// InspectQuote obtains one quote with known report data and decodes it
func (d *Driver) InspectQuote(ctx *lifecycle.Context) (*QuoteInfo, error) {
	ti, size, err := d.quoteParams()
	if err != nil {
		return nil, err
	}

	custom := []byte(DetailedQuoteData)
	r := ecall.GenerateReportForTarget(ctx, sgx.ReportSize, ti, custom)
	if err := r.Err("generate_report_for_target"); err != nil {
		return nil, fmt.Errorf("failed to generate report: %w", err)
	}

	raw, err := d.Quoter.GetQuote(r.Data, size)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	if err := CheckQuote(raw, size); err != nil {
		return nil, err
	}

	info, err := DescribeQuote(raw, custom)
	if err != nil {
		return nil, err
	}
	info.ReportSize = len(r.Data)
	info.Ratio = float64(len(raw)) / float64(len(r.Data))

	return info, nil
}
