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

package marshal

import (
	"errors"
	"fmt"
)

// Status is the closed set of outcomes a call across the trust boundary
// can report. The numeric values are stable, they travel across the
// boundary as plain integers.
type Status uint32

const (
	StatusOK               Status = 0x0000
	StatusUnexpected       Status = 0x0001
	StatusInvalidParameter Status = 0x0002
	StatusOutOfMemory      Status = 0x0003
	StatusInvalidFunction  Status = 0x1001

	StatusOperationFailure   Status = 0x8001
	StatusCreationFailed     Status = 0x8002
	StatusServiceUnavailable Status = 0x8003
	StatusUseAfterDestroy    Status = 0x8004
)

var statusNames = map[Status]string{
	StatusOK:                 "OK",
	StatusUnexpected:         "UnexpectedError",
	StatusInvalidParameter:   "InvalidParameter",
	StatusOutOfMemory:        "OutOfMemory",
	StatusInvalidFunction:    "InvalidFunction",
	StatusOperationFailure:   "OperationFailure",
	StatusCreationFailed:     "CreationFailed",
	StatusServiceUnavailable: "ServiceUnavailable",
	StatusUseAfterDestroy:    "UseAfterDestroy",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(0x%04x)", uint32(s))
}

// IsMarshaling reports whether the status was raised by the marshaler
// itself, i.e. before the operation body could run
func (s Status) IsMarshaling() bool {
	switch s {
	case StatusUnexpected, StatusInvalidParameter, StatusOutOfMemory, StatusInvalidFunction:
		return true
	default:
		return false
	}
}

// StatusError carries a non-OK status through Go error returns
type StatusError struct {
	Status Status
	Op     string
	Err    error
}

func (e *StatusError) Error() string {
	msg := e.Status.String()
	if e.Op != "" {
		msg = fmt.Sprintf("%v: %v", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%v: %v", msg, e.Err)
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Is matches any StatusError with the same status, so that the sentinel
// errors below can be used with errors.Is
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return t.Status == e.Status && (t.Op == "" || t.Op == e.Op)
}

var (
	ErrInvalidParameter   = &StatusError{Status: StatusInvalidParameter}
	ErrOutOfMemory        = &StatusError{Status: StatusOutOfMemory}
	ErrUnexpected         = &StatusError{Status: StatusUnexpected}
	ErrOperationFailure   = &StatusError{Status: StatusOperationFailure}
	ErrCreationFailed     = &StatusError{Status: StatusCreationFailed}
	ErrServiceUnavailable = &StatusError{Status: StatusServiceUnavailable}
	ErrUseAfterDestroy    = &StatusError{Status: StatusUseAfterDestroy}
)

// NewError returns nil for StatusOK and a *StatusError otherwise
func NewError(op string, s Status, err error) error {
	if s == StatusOK {
		return nil
	}
	return &StatusError{Status: s, Op: op, Err: err}
}

// StatusOf extracts the status from an error chain. A nil error maps to
// StatusOK, an error without a status to StatusUnexpected.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusUnexpected
}
