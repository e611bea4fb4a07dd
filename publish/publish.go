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

package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Fraunhofer-AISEC/attestbench/benchmark"
	"github.com/Fraunhofer-AISEC/attestbench/internal"
)

var (
	log = logrus.WithField("service", "publish")
)

const Timeout = 30 * time.Second

// PublishResults writes the results to file and sends them to addr. Empty
// targets are skipped. Failures to reach the remote server are only logged.
func PublishResults(addr, file string, res *benchmark.Results, s benchmark.Serializer) error {

	if res == nil {
		return errors.New("will not publish results: not present")
	}
	if s == nil {
		s = benchmark.JsonSerializer{}
	}

	if res.Succeeded() {
		log.Infof("SUCCESS: Benchmark run %v on %v", res.RunID, res.Platform)
	} else {
		log.Warnf("FAILED: Benchmark run %v on %v", res.RunID, res.Platform)
	}

	if file == "" && addr == "" {
		log.Trace("Will not publish results: no file or address specified")
		return nil
	}

	data, err := s.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	if file != "" {
		log.Debugf("Publishing results to file %q", file)
		err = os.WriteFile(file, data, 0644)
		if err != nil {
			return fmt.Errorf("failed to write %v: %w", file, err)
		}
		log.Infof("Wrote %v results: %v", s, file)
	} else {
		log.Trace("Will not publish results to file: no file specified")
	}

	if addr != "" {
		log.Debugf("Publishing results to '%v'", addr)
		err = sendResults(addr, data, s.ContentType())
		if err != nil {
			log.Warnf("Failed to publish: %v", err)
		}
	} else {
		log.Trace("Will not publish to remote server: no address specified")
	}

	return nil
}

// LoadResults reads a results file written by PublishResults. The
// serialization is detected from the content.
func LoadResults(file string) (*benchmark.Results, error) {
	data, err := internal.GetFile(file, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}

	s, err := benchmark.DetectSerialization(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load results %v: %w", file, err)
	}
	log.Debugf("Detected %v serialization for %v", s, file)

	res := new(benchmark.Results)
	err = s.Unmarshal(data, res)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %v results: %w", s, err)
	}

	return res, nil
}

func sendResults(addr string, data []byte, contentType string) error {

	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create new http request with context: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("http post request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to publish results: server responded with %v: %v",
			resp.Status, string(body))
	}

	log.Debugf("Successfully published results: server responded with %v", resp.Status)

	return nil
}

// SaveQuote stores a raw quote and the report data it was requested with
func SaveQuote(quoteFile, dataFile string, quote, reportData []byte) error {

	err := os.WriteFile(quoteFile, quote, 0644)
	if err != nil {
		return fmt.Errorf("failed to write file %v: %w", quoteFile, err)
	}
	log.Infof("Wrote quote length %v: %v", len(quote), quoteFile)

	if dataFile == "" {
		return nil
	}
	err = os.WriteFile(dataFile, reportData, 0644)
	if err != nil {
		return fmt.Errorf("failed to write file %v: %w", dataFile, err)
	}
	log.Infof("Wrote report data: %v", dataFile)

	return nil
}

// LoadQuote reads a raw quote and, if dataFile is not empty, the report
// data it is expected to carry
func LoadQuote(quoteFile, dataFile string) ([]byte, []byte, error) {
	quote, err := internal.GetFile(quoteFile, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load quote: %w", err)
	}

	if dataFile == "" {
		return quote, nil, nil
	}
	data, err := internal.GetFile(dataFile, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load report data: %w", err)
	}

	return quote, data, nil
}
