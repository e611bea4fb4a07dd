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
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

const (
	opEcho OperationID = iota
	opFill
	opNone
)

type trackingAllocator struct {
	inner  Allocator
	failAt int
	allocs int
	frees  int
	live   map[uint64]bool
	double int
}

func newTrackingAllocator(inner Allocator) *trackingAllocator {
	return &trackingAllocator{inner: inner, failAt: -1, live: make(map[uint64]bool)}
}

func (t *trackingAllocator) Alloc(n uint64) (Block, error) {
	if t.failAt == t.allocs {
		t.allocs++
		return Block{}, ErrNoMemory
	}
	t.allocs++
	b, err := t.inner.Alloc(n)
	if err == nil {
		t.live[b.Addr] = true
	}
	return b, err
}

func (t *trackingAllocator) Free(b Block) error {
	if !t.live[b.Addr] {
		t.double++
	}
	delete(t.live, b.Addr)
	t.frees++
	return t.inner.Free(b)
}

type faultySpace struct {
	AddressSpace
	failRead  uint64
	failWrite uint64
	events    *[]string
}

func (f *faultySpace) Read(addr uint64, p []byte) error {
	if f.events != nil {
		*f.events = append(*f.events, "read")
	}
	if addr == f.failRead {
		return ErrFault
	}
	return f.AddressSpace.Read(addr, p)
}

func (f *faultySpace) Write(addr uint64, p []byte) error {
	if f.events != nil {
		*f.events = append(*f.events, "write")
	}
	if addr == f.failWrite {
		return ErrFault
	}
	return f.AddressSpace.Write(addr, p)
}

type recordingBarrier struct {
	events *[]string
}

func (r recordingBarrier) Fence() {
	*r.events = append(*r.events, "fence")
}

type fixture struct {
	arena    *Arena
	alloc    *trackingAllocator
	space    *faultySpace
	boundary *Boundary
	calls    int
	events   []string
}

// newFixture registers an echo operation (in -> out copy) and a fill
// operation (in-out buffer filled with 0xaa)
func newFixture() *fixture {
	f := &fixture{arena: NewArena(4096, 4096)}
	f.alloc = newTrackingAllocator(f.arena.Protected())
	f.space = &faultySpace{AddressSpace: f.arena, events: &f.events}

	reg := NewRegistry()
	reg.Register(opEcho, Operation{
		Name: "echo",
		Args: []Direction{DirIn, DirOut},
		Body: func(args []Buffer) int32 {
			f.calls++
			copy(args[1].Data, args[0].Data)
			return int32(len(args[0].Data))
		},
	})
	reg.Register(opFill, Operation{
		Name: "fill",
		Args: []Direction{DirInOut},
		Body: func(args []Buffer) int32 {
			f.calls++
			for i := range args[0].Data {
				args[0].Data[i] ^= 0xaa
			}
			return 0
		},
	})

	f.boundary = &Boundary{
		Space:    f.space,
		Private:  f.alloc,
		Barrier:  recordingBarrier{events: &f.events},
		Crossing: IntoContext,
		Registry: reg,
	}
	return f
}

func (f *fixture) stage(t *testing.T, data []byte) Block {
	t.Helper()
	b, err := f.arena.Untrusted().Alloc(uint64(len(data)))
	if err != nil {
		t.Fatalf("failed to stage: %v", err)
	}
	copy(b.Data, data)
	return b
}

func TestInvokeEcho(t *testing.T) {
	f := newFixture()
	in := f.stage(t, []byte("hello boundary"))
	out := f.stage(t, make([]byte, 14))
	ret := f.stage(t, make([]byte, RetSize))

	status := f.boundary.Invoke(opEcho, ret.Addr, []CallArgument{
		{Direction: DirIn, Ptr: in.Addr, Len: in.Len(), Stride: 1},
		{Direction: DirOut, Ptr: out.Addr, Len: out.Len(), Stride: 1},
	})
	if status != StatusOK {
		t.Fatalf("Invoke() = %v, want OK", status)
	}
	if !bytes.Equal(out.Data, []byte("hello boundary")) {
		t.Fatalf("out = %q", out.Data)
	}
	if got := int32(binary.LittleEndian.Uint32(ret.Data)); got != 14 {
		t.Fatalf("ret = %v, want 14", got)
	}
	if f.arena.Protected().Outstanding() != 0 {
		t.Fatalf("private buffers leaked: %v", f.arena.Protected().Outstanding())
	}
}

func TestInvokeRejectsBadPointers(t *testing.T) {
	f := newFixture()
	valid := f.stage(t, make([]byte, 32))
	secret, err := f.arena.Protected().Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	untrusted := f.arena.Untrusted().Region()

	tests := []struct {
		name string
		id   OperationID
		ret  uint64
		args []CallArgument
	}{
		{
			name: "in pointer inside protected region",
			id:   opEcho,
			args: []CallArgument{
				{Direction: DirIn, Ptr: secret.Addr, Len: 32},
				{Direction: DirOut, Ptr: valid.Addr, Len: 32},
			},
		},
		{
			name: "in-out pointer inside protected region",
			id:   opFill,
			args: []CallArgument{{Direction: DirInOut, Ptr: secret.Addr, Len: 32}},
		},
		{
			name: "out pointer inside protected region",
			id:   opEcho,
			args: []CallArgument{
				{Direction: DirIn, Ptr: valid.Addr, Len: 32},
				{Direction: DirOut, Ptr: secret.Addr, Len: 32},
			},
		},
		{
			name: "range past end of caller memory",
			id:   opFill,
			args: []CallArgument{{Direction: DirInOut, Ptr: untrusted.End() - 8, Len: 16}},
		},
		{
			name: "length wraps address space",
			id:   opFill,
			args: []CallArgument{{Direction: DirInOut, Ptr: valid.Addr, Len: ^uint64(0)}},
		},
		{
			name: "unmapped pointer",
			id:   opFill,
			args: []CallArgument{{Direction: DirInOut, Ptr: 0x42, Len: 4}},
		},
		{
			name: "return slot inside protected region",
			id:   opFill,
			ret:  secret.Addr,
			args: []CallArgument{{Direction: DirInOut, Ptr: valid.Addr, Len: 32}},
		},
		{
			name: "wrong direction",
			id:   opFill,
			args: []CallArgument{{Direction: DirIn, Ptr: valid.Addr, Len: 32}},
		},
		{
			name: "wrong argument count",
			id:   opEcho,
			args: []CallArgument{{Direction: DirIn, Ptr: valid.Addr, Len: 32}},
		},
		{
			name: "length not a multiple of stride",
			id:   opFill,
			args: []CallArgument{{Direction: DirInOut, Ptr: valid.Addr, Len: 30, Stride: 4}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.calls = 0
			got := f.boundary.Invoke(tt.id, tt.ret, tt.args)
			if got != StatusInvalidParameter {
				t.Fatalf("Invoke() = %v, want %v", got, StatusInvalidParameter)
			}
			if f.calls != 0 {
				t.Fatalf("operation body entered %v times", f.calls)
			}
		})
	}
}

func TestInvokeUnknownOperation(t *testing.T) {
	f := newFixture()
	if got := f.boundary.Invoke(opNone, 0, nil); got != StatusInvalidFunction {
		t.Fatalf("Invoke() = %v, want %v", got, StatusInvalidFunction)
	}
	if got := f.boundary.Invoke(1000, 0, nil); got != StatusInvalidFunction {
		t.Fatalf("Invoke() = %v, want %v", got, StatusInvalidFunction)
	}
}

func TestInvokeReleasesOnEveryPath(t *testing.T) {
	tests := []struct {
		name      string
		failAlloc int
		failRead  bool
		failRet   bool
		failOut   bool
		want      Status
		wantCalls int
	}{
		{name: "success", failAlloc: -1, want: StatusOK, wantCalls: 1},
		{name: "first allocation fails", failAlloc: 0, want: StatusOutOfMemory},
		{name: "second allocation fails", failAlloc: 1, want: StatusOutOfMemory},
		{name: "copy in fails", failAlloc: -1, failRead: true, want: StatusUnexpected},
		{name: "return value copy out fails", failAlloc: -1, failRet: true, want: StatusUnexpected, wantCalls: 1},
		{name: "result copy out fails", failAlloc: -1, failOut: true, want: StatusUnexpected, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			in := f.stage(t, []byte("0123456789abcdef"))
			out := f.stage(t, make([]byte, 16))
			ret := f.stage(t, make([]byte, RetSize))

			f.alloc.failAt = tt.failAlloc
			if tt.failRead {
				f.space.failRead = in.Addr
			}
			if tt.failRet {
				f.space.failWrite = ret.Addr
			}
			if tt.failOut {
				f.space.failWrite = out.Addr
			}

			got := f.boundary.Invoke(opEcho, ret.Addr, []CallArgument{
				{Direction: DirIn, Ptr: in.Addr, Len: in.Len(), Stride: 1},
				{Direction: DirOut, Ptr: out.Addr, Len: out.Len(), Stride: 1},
			})
			if got != tt.want {
				t.Fatalf("Invoke() = %v, want %v", got, tt.want)
			}
			if f.calls != tt.wantCalls {
				t.Fatalf("body called %v times, want %v", f.calls, tt.wantCalls)
			}
			if len(f.alloc.live) != 0 {
				t.Fatalf("%v private buffers leaked", len(f.alloc.live))
			}
			if f.alloc.double != 0 {
				t.Fatalf("%v double frees", f.alloc.double)
			}
			if f.arena.Protected().Outstanding() != 0 {
				t.Fatalf("protected heap has %v outstanding blocks", f.arena.Protected().Outstanding())
			}
		})
	}
}

func TestInvokeFencesBeforeDereference(t *testing.T) {
	f := newFixture()
	buf := f.stage(t, []byte{1, 2, 3, 4})

	status := f.boundary.Invoke(opFill, 0, []CallArgument{{Direction: DirInOut, Ptr: buf.Addr, Len: 4}})
	if status != StatusOK {
		t.Fatalf("Invoke() = %v", status)
	}
	if len(f.events) == 0 || f.events[0] != "fence" {
		t.Fatalf("first memory event = %v, want fence first", f.events)
	}
	if !bytes.Equal(buf.Data, []byte{0xab, 0xa8, 0xa9, 0xae}) {
		t.Fatalf("in-out result = %x", buf.Data)
	}
}

func TestInvokeIsolatesCallerMutation(t *testing.T) {
	arena := NewArena(4096, 4096)
	in, _ := arena.Untrusted().Alloc(8)
	copy(in.Data, "original")

	var seen []byte
	reg := NewRegistry()
	reg.Register(0, Operation{
		Name: "observe",
		Args: []Direction{DirIn},
		Body: func(args []Buffer) int32 {
			// The caller rewrites its argument while the body runs
			copy(in.Data, "modified")
			seen = append([]byte(nil), args[0].Data...)
			return 0
		},
	})
	b := &Boundary{Space: arena, Private: arena.Protected(), Barrier: SpeculationBarrier{}, Registry: reg}

	if got := b.Invoke(0, 0, []CallArgument{{Direction: DirIn, Ptr: in.Addr, Len: 8}}); got != StatusOK {
		t.Fatalf("Invoke() = %v", got)
	}
	if string(seen) != "original" {
		t.Fatalf("body observed %q, want the copy taken at entry", seen)
	}
}

func TestInvokeCopiesOutDeclaredLength(t *testing.T) {
	tests := []struct {
		name    string
		replace []byte
	}{
		{"longer slice", bytes.Repeat([]byte{0xee}, 32)},
		{"foreign slice", []byte("secret!!")},
		{"nil slice", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arena := NewArena(4096, 4096)
			out, _ := arena.Untrusted().Alloc(16)
			neighbour, _ := arena.Untrusted().Alloc(16)
			if neighbour.Addr != out.Addr+16 {
				t.Fatalf("neighbour at 0x%x, want 0x%x", neighbour.Addr, out.Addr+16)
			}
			copy(neighbour.Data, bytes.Repeat([]byte{0x11}, 16))

			reg := NewRegistry()
			reg.Register(0, Operation{
				Name: "swap",
				Args: []Direction{DirOut},
				Body: func(args []Buffer) int32 {
					copy(args[0].Data, bytes.Repeat([]byte{0x5a}, 16))
					args[0].Data = tt.replace
					return 0
				},
			})
			b := &Boundary{Space: arena, Private: arena.Protected(), Barrier: SpeculationBarrier{}, Registry: reg}

			if got := b.Invoke(0, 0, []CallArgument{{Direction: DirOut, Ptr: out.Addr, Len: 16}}); got != StatusOK {
				t.Fatalf("Invoke() = %v", got)
			}
			if !bytes.Equal(out.Data, bytes.Repeat([]byte{0x5a}, 16)) {
				t.Errorf("out = %x, want the private block contents", out.Data)
			}
			if !bytes.Equal(neighbour.Data, bytes.Repeat([]byte{0x11}, 16)) {
				t.Errorf("neighbour = %x, memory past the argument was written", neighbour.Data)
			}
			if n := arena.Protected().Outstanding(); n != 0 {
				t.Errorf("%v private blocks leaked", n)
			}
		})
	}
}

func TestInvokeNullAndEmptyArguments(t *testing.T) {
	f := newFixture()
	out := f.stage(t, make([]byte, 4))

	status := f.boundary.Invoke(opEcho, 0, []CallArgument{
		{Direction: DirIn, Ptr: 0, Len: 64},
		{Direction: DirOut, Ptr: out.Addr, Len: 0},
	})
	if status != StatusOK {
		t.Fatalf("Invoke() = %v", status)
	}
	if f.alloc.allocs != 0 {
		t.Fatalf("allocated %v buffers for null arguments", f.alloc.allocs)
	}
}

func TestInvokeOutOfContext(t *testing.T) {
	arena := NewArena(4096, 4096)
	msg, _ := arena.Protected().Alloc(5)
	copy(msg.Data, "trace")
	hostPtr, _ := arena.Untrusted().Alloc(5)

	var got []byte
	reg := NewRegistry()
	reg.Register(0, Operation{
		Name: "print",
		Args: []Direction{DirIn},
		Body: func(args []Buffer) int32 {
			got = append([]byte(nil), args[0].Data...)
			return 0
		},
	})
	b := &Boundary{
		Space:    arena,
		Private:  arena.Untrusted(),
		Barrier:  SpeculationBarrier{},
		Crossing: OutOfContext,
		Registry: reg,
	}

	if s := b.Invoke(0, 0, []CallArgument{{Direction: DirIn, Ptr: msg.Addr, Len: 5}}); s != StatusOK {
		t.Fatalf("Invoke() = %v", s)
	}
	if string(got) != "trace" {
		t.Fatalf("host observed %q", got)
	}
	if s := b.Invoke(0, 0, []CallArgument{{Direction: DirIn, Ptr: hostPtr.Addr, Len: 5}}); s != StatusInvalidParameter {
		t.Fatalf("Invoke() with host pointer = %v, want %v", s, StatusInvalidParameter)
	}
	// Only the staged host block is still allocated
	if n := arena.Untrusted().Outstanding(); n != 1 {
		t.Fatalf("untrusted heap has %v outstanding blocks, want 1", n)
	}
}

func TestInvokePrivateBufferOnWrongSide(t *testing.T) {
	arena := NewArena(4096, 4096)
	in, _ := arena.Untrusted().Alloc(4)

	reg := NewRegistry()
	called := false
	reg.Register(0, Operation{Name: "op", Args: []Direction{DirIn}, Body: func([]Buffer) int32 {
		called = true
		return 0
	}})
	b := &Boundary{Space: arena, Private: arena.Untrusted(), Barrier: SpeculationBarrier{}, Registry: reg}

	if s := b.Invoke(0, 0, []CallArgument{{Direction: DirIn, Ptr: in.Addr, Len: 4}}); s != StatusUnexpected {
		t.Fatalf("Invoke() = %v, want %v", s, StatusUnexpected)
	}
	if called {
		t.Fatal("body ran on a buffer outside the protected region")
	}
	if n := arena.Untrusted().Outstanding(); n != 1 {
		t.Fatalf("untrusted heap has %v outstanding blocks, want 1", n)
	}
}

func TestStatusErrors(t *testing.T) {
	err := NewError("generate_report", StatusUseAfterDestroy, nil)
	if !errors.Is(err, ErrUseAfterDestroy) {
		t.Fatalf("errors.Is(%v, ErrUseAfterDestroy) = false", err)
	}
	if errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("errors.Is(%v, ErrInvalidParameter) = true", err)
	}
	if StatusOf(err) != StatusUseAfterDestroy {
		t.Fatalf("StatusOf() = %v", StatusOf(err))
	}
	if NewError("x", StatusOK, nil) != nil {
		t.Fatal("NewError(StatusOK) != nil")
	}
	if StatusOf(errors.New("plain")) != StatusUnexpected {
		t.Fatal("plain error did not map to StatusUnexpected")
	}
	if !StatusOutOfMemory.IsMarshaling() || StatusOperationFailure.IsMarshaling() {
		t.Fatal("IsMarshaling classification wrong")
	}
}
