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

package sgx

import (
	"errors"
	"fmt"
)

type CreationReason int

const (
	ReasonUnknown CreationReason = iota
	ReasonImageNotFound
	ReasonOutOfEPC
	ReasonServiceUnavailable
	ReasonDeviceUnavailable
)

func (r CreationReason) String() string {
	switch r {
	case ReasonImageNotFound:
		return "image not found"
	case ReasonOutOfEPC:
		return "protected memory exhausted"
	case ReasonServiceUnavailable:
		return "platform service unavailable"
	case ReasonDeviceUnavailable:
		return "device unavailable"
	default:
		return "unknown"
	}
}

// Hint returns advice for the operator
func (r CreationReason) Hint() string {
	switch r {
	case ReasonImageNotFound:
		return "make sure the signed enclave image exists at the configured path"
	case ReasonOutOfEPC:
		return "not enough EPC, destroy other enclaves or reduce the enclave heap size and retry"
	case ReasonServiceUnavailable:
		return "check that the AESM service is running (systemctl status aesmd)"
	case ReasonDeviceUnavailable:
		return "check that SGX is enabled in the BIOS and the driver is loaded (/dev/sgx_enclave)"
	default:
		return "check the platform logs"
	}
}

// CreationError is returned by Platform.CreateEnclave
type CreationError struct {
	Reason CreationReason
	Image  string
	Err    error
}

func (e *CreationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to create enclave %q: %v: %v", e.Image, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to create enclave %q: %v", e.Image, e.Reason)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying after a backoff may succeed. Only
// transient exhaustion of protected memory qualifies.
func (e *CreationError) Retryable() bool {
	return e.Reason == ReasonOutOfEPC
}

type ServiceReason int

const (
	ServiceAbsent ServiceReason = iota
	TrustRootMissing
	CertCacheUnreachable
	ServiceRejected
)

func (r ServiceReason) String() string {
	switch r {
	case ServiceAbsent:
		return "quoting service absent"
	case TrustRootMissing:
		return "trust root missing"
	case CertCacheUnreachable:
		return "certificate cache unreachable"
	case ServiceRejected:
		return "request rejected"
	default:
		return "unknown"
	}
}

// Hints returns advice for the operator
func (r ServiceReason) Hints() []string {
	switch r {
	case ServiceAbsent:
		return []string{
			"check that the AESM service is running (systemctl status aesmd)",
			"check that the DCAP quote provider library is installed (libsgx-dcap-default-qpl)",
		}
	case TrustRootMissing:
		return []string{
			"check the PCCS configuration (/etc/sgx_default_qcnl.conf)",
			"check that the platform is registered with the PCCS",
		}
	case CertCacheUnreachable:
		return []string{
			"check that the PCCS is reachable from this host",
		}
	default:
		return nil
	}
}

var ErrServiceUnavailable = errors.New("quoting service unavailable")

// ServiceError is returned by a QuotingService
type ServiceError struct {
	Reason ServiceReason
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Reason, e.Err)
	}
	return e.Reason.String()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches ErrServiceUnavailable for every reason except a rejected
// request, where the service was reachable
func (e *ServiceError) Is(target error) bool {
	return target == ErrServiceUnavailable && e.Reason != ServiceRejected
}
