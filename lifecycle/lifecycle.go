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

package lifecycle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Fraunhofer-AISEC/attestbench/ecall"
	"github.com/Fraunhofer-AISEC/attestbench/marshal"
	"github.com/Fraunhofer-AISEC/attestbench/sgx"
)

var log = logrus.WithField("service", "lifecycle")

type State int

const (
	StateUninitialized State = iota
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrContextActive  = errors.New("a context is already active")
	ErrForeignContext = errors.New("context belongs to another manager")
)

// Options size the simulated address space of every context
type Options struct {
	UntrustedSize uint64
	ProtectedSize uint64
	// Barrier defaults to the hardware speculation barrier
	Barrier marshal.Barrier
}

func DefaultOptions() Options {
	return Options{
		UntrustedSize: 1 << 20,
		ProtectedSize: 1 << 20,
	}
}

// Manager creates and destroys contexts on a platform. At most one
// context is active at a time.
type Manager struct {
	mu       sync.Mutex
	platform sgx.Platform
	opts     Options
	active   *Context
	state    State
}

func NewManager(p sgx.Platform, opts Options) (*Manager, error) {
	if p == nil {
		return nil, errors.New("internal error: platform object is nil")
	}
	def := DefaultOptions()
	if opts.UntrustedSize == 0 {
		opts.UntrustedSize = def.UntrustedSize
	}
	if opts.ProtectedSize == 0 {
		opts.ProtectedSize = def.ProtectedSize
	}
	if opts.Barrier == nil {
		opts.Barrier = marshal.SpeculationBarrier{}
	}
	return &Manager{platform: p, opts: opts}, nil
}

func (m *Manager) Platform() sgx.Platform {
	return m.platform
}

// State returns the state of the most recent context
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Active() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Create instantiates the enclave image. Platform failures are returned as
// a CreationFailed status error wrapping the *sgx.CreationError.
func (m *Manager) Create(image string, debug bool) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, fmt.Errorf("failed to create context: %w (handle %v)", ErrContextActive, m.active.handle)
	}

	log.Debugf("Creating enclave %q on platform %v (debug: %v)", image, m.platform.Name(), debug)

	e, err := m.platform.CreateEnclave(image, debug)
	if err != nil {
		return nil, &marshal.StatusError{Status: marshal.StatusCreationFailed, Op: "create", Err: err}
	}

	arena := marshal.NewArena(m.opts.UntrustedSize, m.opts.ProtectedSize)
	c := &Context{
		owner:   m,
		enclave: e,
		handle:  e.ID(),
		state:   StateActive,
		arena:   arena,
		boundary: &marshal.Boundary{
			Space:    arena,
			Private:  arena.Protected(),
			Barrier:  m.opts.Barrier,
			Crossing: marshal.IntoContext,
			Registry: ecall.NewRegistry(e),
		},
	}
	m.active = c
	m.state = StateActive

	log.Debugf("Created context %v", c.handle)

	return c, nil
}

// Destroy tears the context down. Destroying a context twice is reported
// as UseAfterDestroy. If the platform fails to release the enclave, the
// context stays active and Destroy may be called again.
func (m *Manager) Destroy(c *Context) error {
	if c == nil {
		return errors.New("internal error: context object is nil")
	}
	if c.owner != m {
		return marshal.NewError("destroy", marshal.StatusInvalidParameter,
			fmt.Errorf("context %v: %w", c.handle, ErrForeignContext))
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return marshal.NewError("destroy", marshal.StatusUseAfterDestroy,
			fmt.Errorf("context %v already destroyed", c.handle))
	}
	if err := c.enclave.Destroy(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to destroy context %v: %w", c.handle, err)
	}
	c.state = StateDestroyed
	c.mu.Unlock()

	m.mu.Lock()
	if m.active == c {
		m.active = nil
		m.state = StateDestroyed
	}
	m.mu.Unlock()

	log.Debugf("Destroyed context %v", c.handle)

	return nil
}

// Context is the handle of one instantiated enclave. Calls through a
// context are serialized.
type Context struct {
	mu       sync.Mutex
	owner    *Manager
	enclave  sgx.Enclave
	handle   uint64
	state    State
	arena    *marshal.Arena
	boundary *marshal.Boundary
}

func (c *Context) Handle() uint64 {
	return c.handle
}

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Invoke forwards the call to the boundary of an active context. Calls
// on a destroyed context never reach the boundary.
func (c *Context) Invoke(id marshal.OperationID, ret uint64, args []marshal.CallArgument) marshal.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		log.Warnf("Call %v on context %v in state %v", id, c.handle, c.state)
		return marshal.StatusUseAfterDestroy
	}
	return c.boundary.Invoke(id, ret, args)
}

func (c *Context) Memory() marshal.AddressSpace {
	return c.arena
}

func (c *Context) Heap() marshal.Allocator {
	return c.arena.Untrusted()
}

// Outstanding returns the number of live allocations in both regions
func (c *Context) Outstanding() int {
	return c.arena.Untrusted().Outstanding() + c.arena.Protected().Outstanding()
}
