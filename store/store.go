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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/Fraunhofer-AISEC/attestbench/benchmark"
)

var log = logrus.WithField("service", "store")

type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

// RunEnvelope is the summary row of one stored run. Result is only
// populated by queries that load the full run.
type RunEnvelope struct {
	Id         string             `json:"id"`
	Platform   string             `json:"platform"`
	Quoter     string             `json:"quoter,omitempty"`
	Started    string             `json:"started"`
	Iterations int                `json:"iterations"`
	Status     Status             `json:"status"`
	Result     *benchmark.Results `json:"result,omitempty"`
}

// Db persists benchmark runs in a sqlite3 database. Every run is stored
// as a JSON document together with one row per aggregate for querying.
type Db struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	quoter TEXT,
	started TEXT NOT NULL,
	iterations INTEGER NOT NULL,
	status TEXT NOT NULL,
	result TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS stats (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	phase TEXT NOT NULL,
	kind TEXT NOT NULL,
	attempted INTEGER NOT NULL,
	successes INTEGER NOT NULL,
	total_ns INTEGER NOT NULL,
	average_ns INTEGER NOT NULL,
	min_ns INTEGER NOT NULL,
	max_ns INTEGER NOT NULL,
	stddev_ns INTEGER NOT NULL,
	PRIMARY KEY (run_id, phase, kind)
);
CREATE INDEX IF NOT EXISTS runs_platform ON runs (platform, started);
`

func Open(path string) (*Db, error) {

	log.Tracef("Opening database %v", path)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 DB: %w", err)
	}

	_, err = db.Exec(schema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Tracef("Opened database %v", path)

	return &Db{db: db}, nil
}

func (db *Db) Close() error {
	return db.db.Close()
}

// Save inserts a run and its aggregates in one transaction
func (db *Db) Save(res *benchmark.Results) (err error) {
	if res == nil {
		return errors.New("internal error: results object is nil")
	}
	if res.RunID == "" {
		return errors.New("cannot insert into database: the run ID is empty")
	}

	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	status := StatusFail
	if res.Succeeded() {
		status = StatusSuccess
	}

	log.Tracef("Inserting run %v into database", res.RunID)

	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	_, err = tx.Exec(`INSERT INTO runs
		(id, platform, quoter, started, iterations, status, result)
		VALUES
		(?, ?, ?, ?, ?, ?, json(?))`,
		res.RunID, res.Platform, res.Quoter, res.Started.UTC().Format(time.RFC3339Nano),
		res.Iterations, status, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO stats
		(run_id, phase, kind, attempted, successes, total_ns, average_ns, min_ns, max_ns, stddev_ns)
		VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range res.Phases {
		for _, s := range p.Stats {
			_, err = stmt.Exec(res.RunID, p.Name, s.Kind, s.Attempted, s.Successes,
				int64(s.Total), int64(s.Average), int64(s.Min), int64(s.Max), int64(s.StdDev))
			if err != nil {
				return fmt.Errorf("failed to insert %v/%v stats: %w", p.Name, s.Kind, err)
			}
		}
	}

	return nil
}

// Runs returns the summary rows of all runs, newest first
func (db *Db) Runs() ([]*RunEnvelope, error) {

	log.Trace("Querying all runs")

	rows, err := db.db.Query(`SELECT id, platform, quoter, started, iterations, status
		FROM runs ORDER BY started DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to exec sqlite3 statement: %w", err)
	}
	defer rows.Close()

	runs := make([]*RunEnvelope, 0)
	for rows.Next() {
		r := new(RunEnvelope)
		var quoter sql.NullString
		err = rows.Scan(&r.Id, &r.Platform, &quoter, &r.Started, &r.Iterations, &r.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Quoter = quoter.String
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	log.Tracef("Returning %v runs", len(runs))

	return runs, nil
}

// LatestRun returns the newest run of a platform including the full
// results
func (db *Db) LatestRun(platform string) (*RunEnvelope, error) {

	log.Tracef("Querying latest run of %v", platform)

	r := new(RunEnvelope)
	var quoter sql.NullString
	var data string
	err := db.db.QueryRow(`SELECT id, platform, quoter, started, iterations, status, result
		FROM runs WHERE platform = ? ORDER BY started DESC LIMIT 1`, platform).
		Scan(&r.Id, &r.Platform, &quoter, &r.Started, &r.Iterations, &r.Status, &data)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}
	r.Quoter = quoter.String

	r.Result = new(benchmark.Results)
	err = json.Unmarshal([]byte(data), r.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}

	return r, nil
}

// Stats returns the aggregates recorded for one phase of one run
func (db *Db) Stats(runID string, phase benchmark.Phase) ([]benchmark.AggregateStats, error) {

	rows, err := db.db.Query(`SELECT kind, attempted, successes, total_ns, average_ns, min_ns, max_ns, stddev_ns
		FROM stats WHERE run_id = ? AND phase = ? ORDER BY rowid`, runID, phase)
	if err != nil {
		return nil, fmt.Errorf("failed to exec sqlite3 statement: %w", err)
	}
	defer rows.Close()

	stats := make([]benchmark.AggregateStats, 0)
	for rows.Next() {
		var s benchmark.AggregateStats
		var total, avg, lo, hi, stddev int64
		err = rows.Scan(&s.Kind, &s.Attempted, &s.Successes, &total, &avg, &lo, &hi, &stddev)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		s.Total = time.Duration(total)
		s.Average = time.Duration(avg)
		s.Min = time.Duration(lo)
		s.Max = time.Duration(hi)
		s.StdDev = time.Duration(stddev)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return stats, nil
}
