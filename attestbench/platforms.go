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

package main

import (
	"fmt"
	"strings"

	"github.com/Fraunhofer-AISEC/attestbench/drivers/simdriver"
	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

// platformFactory creates a platform together with its default quoting
// service, which may be nil
type platformFactory func(c *config) (sgx.Platform, sgx.QuotingService, error)

type quoterFactory func(c *config) (sgx.QuotingService, error)

var (
	platforms = map[string]platformFactory{}
	quoters   = map[string]quoterFactory{
		"none": func(*config) (sgx.QuotingService, error) { return nil, nil },
	}
)

func init() {
	platforms["sim"] = func(c *config) (sgx.Platform, sgx.QuotingService, error) {
		p, err := simdriver.New(simdriver.Config{
			EPCSize:     c.SimEpcSize << 20,
			EnclaveSize: c.SimContextSize << 20,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, p.QuotingService(), nil
	}
}

func getPlatform(c *config) (sgx.Platform, sgx.QuotingService, error) {
	pf, ok := platforms[strings.ToLower(c.Driver)]
	if !ok {
		return nil, nil, fmt.Errorf("driver %v not implemented", c.Driver)
	}
	p, q, err := pf(c)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize driver %v: %w", c.Driver, err)
	}

	if c.Quoter != "" {
		qf, ok := quoters[strings.ToLower(c.Quoter)]
		if !ok {
			return nil, nil, fmt.Errorf("quoter %v not implemented", c.Quoter)
		}
		q, err = qf(c)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize quoter %v: %w", c.Quoter, err)
		}
	}
	if q == nil {
		log.Warnf("No quoting service available for driver %v", c.Driver)
	}

	return p, q, nil
}
