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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Serializer encodes benchmark results in one of the supported formats
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	ContentType() string
	String() string
}

func NewSerializer(format string) (Serializer, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return JsonSerializer{}, nil
	case "cbor":
		return CborSerializer{}, nil
	default:
		return nil, fmt.Errorf("unknown serialization format %q", format)
	}
}

func DetectSerialization(payload []byte) (Serializer, error) {
	if json.Valid(payload) {
		return JsonSerializer{}, nil
	} else if err := cbor.Valid(payload); err == nil {
		return CborSerializer{}, nil
	} else {
		return nil, fmt.Errorf("failed to detect serialization")
	}
}

type JsonSerializer struct{}

func (s JsonSerializer) String() string {
	return "JSON"
}

func (s JsonSerializer) ContentType() string {
	return "application/json"
}

func (s JsonSerializer) Marshal(v any) ([]byte, error) {
	log.Tracef("Marshalling data using %v serialization", s.String())
	return json.MarshalIndent(v, "", "    ")
}

func (s JsonSerializer) Unmarshal(data []byte, v any) error {
	log.Tracef("Unmarshalling data using %v serialization", s.String())
	return json.Unmarshal(data, v)
}

type CborSerializer struct{}

func (s CborSerializer) String() string {
	return "CBOR"
}

func (s CborSerializer) ContentType() string {
	return "application/cbor"
}

func (s CborSerializer) Marshal(v any) ([]byte, error) {
	log.Tracef("Marshalling data using %v serialization", s.String())
	return cbor.Marshal(v)
}

func (s CborSerializer) Unmarshal(data []byte, v any) error {
	log.Tracef("Unmarshalling data using %v serialization", s.String())
	return cbor.Unmarshal(data, v)
}
