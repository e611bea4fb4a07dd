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

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Fraunhofer-AISEC/attestbench/benchmark"
)

func testResults(id string, started time.Time, successes int) *benchmark.Results {
	return &benchmark.Results{
		RunID:      id,
		Started:    started,
		Finished:   started.Add(time.Second),
		Platform:   "sim",
		Quoter:     "sim",
		Iterations: 10,
		Phases: []benchmark.PhaseResult{
			{
				Name:       benchmark.PhaseReport,
				Iterations: 10,
				Stats: []benchmark.AggregateStats{
					{
						Kind:      benchmark.KindReport,
						Attempted: 10,
						Successes: successes,
						Total:     10 * time.Millisecond,
						Average:   time.Millisecond,
						Min:       500 * time.Microsecond,
						Max:       2 * time.Millisecond,
						StdDev:    100 * time.Microsecond,
					},
				},
			},
		},
	}
}

func TestDb(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	older := testResults("run-1", start, 10)
	newer := testResults("run-2", start.Add(time.Hour), 0)

	for _, r := range []*benchmark.Results{older, newer} {
		if err := db.Save(r); err != nil {
			t.Fatalf("Save(%v) error = %v", r.RunID, err)
		}
	}

	if err := db.Save(older); err == nil {
		t.Error("Save() of duplicate run succeeded")
	}
	if err := db.Save(&benchmark.Results{}); err == nil {
		t.Error("Save() without run ID succeeded")
	}

	runs, err := db.Runs()
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Runs() returned %v runs, want 2", len(runs))
	}
	if runs[0].Id != "run-2" || runs[0].Status != StatusFail {
		t.Errorf("newest run = %+v", runs[0])
	}
	if runs[1].Id != "run-1" || runs[1].Status != StatusSuccess {
		t.Errorf("oldest run = %+v", runs[1])
	}

	latest, err := db.LatestRun("sim")
	if err != nil {
		t.Fatalf("LatestRun() error = %v", err)
	}
	if latest.Id != "run-2" || latest.Result == nil || latest.Result.RunID != "run-2" {
		t.Errorf("LatestRun() = %+v", latest)
	}
	if _, err := db.LatestRun("sgx"); err == nil {
		t.Error("LatestRun() of unknown platform succeeded")
	}

	stats, err := db.Stats("run-1", benchmark.PhaseReport)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if diff := cmp.Diff(older.Phases[0].Stats, stats); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}
