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
	"encoding/binary"
	"errors"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("service", "marshal")

// Direction describes which way an argument's bytes travel relative to
// the callee
type Direction int

const (
	DirIn Direction = iota + 1
	DirOut
	DirInOut
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	case DirInOut:
		return "in-out"
	default:
		return "invalid"
	}
}

// Crossing selects the direction of the call itself
type Crossing int

const (
	// IntoContext is a call from the untrusted caller into the isolated
	// context (ecall)
	IntoContext Crossing = iota
	// OutOfContext is a call from the isolated context out to the
	// untrusted host (ocall)
	OutOfContext
)

// RetSize is the width of the return slot written back to the caller
const RetSize = 4

// CallArgument describes one pointer argument as supplied by the caller.
// A zero Ptr is the null pointer. Stride is the element size, zero is
// treated as one.
type CallArgument struct {
	Direction Direction
	Ptr       uint64
	Len       uint64
	Stride    uint64
}

// Buffer is the private copy of an argument handed to an operation body.
// Data is nil if the caller passed a null pointer or a zero length, Len
// always holds the declared length.
type Buffer struct {
	Data []byte
	Len  uint64
}

// Body is the code of an operation. It only ever sees private buffers and
// returns an operation specific result code.
type Body func(args []Buffer) int32

type Operation struct {
	Name string
	Args []Direction
	Body Body
}

type OperationID uint32

// Registry maps operation ids to operations. Ids index a dense table.
type Registry struct {
	ops []Operation
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds op under id, replacing any previous operation
func (r *Registry) Register(id OperationID, op Operation) {
	if int(id) >= len(r.ops) {
		grown := make([]Operation, int(id)+1)
		copy(grown, r.ops)
		r.ops = grown
	}
	r.ops[id] = op
}

func (r *Registry) Lookup(id OperationID) (Operation, bool) {
	if r == nil || int(id) >= len(r.ops) || r.ops[id].Body == nil {
		return Operation{}, false
	}
	return r.ops[id], true
}

func (r *Registry) Len() int {
	return len(r.ops)
}

// Boundary performs calls across the trust boundary. Private is the
// allocator for the copies the callee works on, it must hand out memory
// on the callee's side of Space.
type Boundary struct {
	Space    AddressSpace
	Private  Allocator
	Barrier  Barrier
	Crossing Crossing
	Registry *Registry
}

func (b *Boundary) callerSide(addr, n uint64) bool {
	if b.Crossing == OutOfContext {
		return b.Space.IsWithin(addr, n)
	}
	return b.Space.IsOutside(addr, n)
}

func (b *Boundary) calleeSide(addr, n uint64) bool {
	if b.Crossing == OutOfContext {
		return b.Space.IsOutside(addr, n)
	}
	return b.Space.IsWithin(addr, n)
}

// Invoke runs operation id with the given arguments. If ret is not null,
// the operation's int32 result is stored there in little endian.
//
// All pointers are validated before the barrier and nothing is read
// through them before it. The body only sees private copies. Every
// private block is released on every return path.
func (b *Boundary) Invoke(id OperationID, ret uint64, args []CallArgument) (status Status) {
	if b == nil || b.Space == nil || b.Private == nil || b.Barrier == nil {
		log.Error("internal error: boundary object is nil or incomplete")
		return StatusUnexpected
	}

	op, ok := b.Registry.Lookup(id)
	if !ok {
		log.Debugf("Unknown operation %v", id)
		return StatusInvalidFunction
	}
	if len(args) != len(op.Args) {
		log.Debugf("%v: expected %v arguments, got %v", op.Name, len(op.Args), len(args))
		return StatusInvalidParameter
	}

	// Work on a copy of the descriptors so that later changes to the
	// caller's slice cannot affect what was validated
	frame := make([]CallArgument, len(args))
	copy(frame, args)

	for i, a := range frame {
		if a.Direction != op.Args[i] {
			log.Debugf("%v: argument %v has direction %v, expected %v", op.Name, i, a.Direction, op.Args[i])
			return StatusInvalidParameter
		}
		if a.Ptr == 0 {
			continue
		}
		if !b.callerSide(a.Ptr, a.Len) {
			log.Debugf("%v: argument %v [0x%x, +%d) not in caller memory", op.Name, i, a.Ptr, a.Len)
			return StatusInvalidParameter
		}
	}
	if ret != 0 && !b.callerSide(ret, RetSize) {
		log.Debugf("%v: return slot 0x%x not in caller memory", op.Name, ret)
		return StatusInvalidParameter
	}

	b.Barrier.Fence()

	blocks := make([]Block, 0, len(frame))
	defer func() {
		for i := len(blocks) - 1; i >= 0; i-- {
			if err := b.Private.Free(blocks[i]); err != nil {
				log.Errorf("%v: failed to release private buffer: %v", op.Name, err)
				if status == StatusOK {
					status = StatusUnexpected
				}
			}
		}
	}()

	// The body may reassign bufs[i].Data. Copy-out only ever reads the
	// private blocks kept here.
	private := make([][]byte, len(frame))
	bufs := make([]Buffer, len(frame))
	for i, a := range frame {
		bufs[i].Len = a.Len
		if a.Ptr == 0 || a.Len == 0 {
			continue
		}

		stride := a.Stride
		if stride == 0 {
			stride = 1
		}
		if a.Len%stride != 0 {
			log.Debugf("%v: argument %v length %v is not a multiple of %v", op.Name, i, a.Len, stride)
			return StatusInvalidParameter
		}

		blk, err := b.Private.Alloc(a.Len)
		if errors.Is(err, ErrNoMemory) {
			log.Debugf("%v: failed to allocate %v bytes", op.Name, a.Len)
			return StatusOutOfMemory
		} else if err != nil {
			log.Errorf("%v: failed to allocate private buffer: %v", op.Name, err)
			return StatusUnexpected
		}
		blocks = append(blocks, blk)

		if !b.calleeSide(blk.Addr, blk.Len()) {
			log.Errorf("%v: private buffer 0x%x is not on the callee side", op.Name, blk.Addr)
			return StatusUnexpected
		}
		clear(blk.Data)

		if a.Direction != DirOut {
			if err := b.Space.Read(a.Ptr, blk.Data); err != nil {
				log.Errorf("%v: failed to copy in argument %v: %v", op.Name, i, err)
				return StatusUnexpected
			}
		}
		private[i] = blk.Data
		bufs[i].Data = blk.Data
	}

	rv := op.Body(bufs)

	if ret != 0 {
		var raw [RetSize]byte
		binary.LittleEndian.PutUint32(raw[:], uint32(rv))
		if err := b.Space.Write(ret, raw[:]); err != nil {
			log.Errorf("%v: failed to copy out return value: %v", op.Name, err)
			return StatusUnexpected
		}
	}

	for i, a := range frame {
		if a.Direction == DirIn || private[i] == nil {
			continue
		}
		if err := b.Space.Write(a.Ptr, private[i][:a.Len]); err != nil {
			log.Errorf("%v: failed to copy out argument %v: %v", op.Name, i, err)
			return StatusUnexpected
		}
	}

	return StatusOK
}
