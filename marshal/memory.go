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
	"sort"
	"sync"
)

var (
	ErrFault      = errors.New("address range not mapped")
	ErrNoMemory   = errors.New("out of memory")
	ErrDoubleFree = errors.New("block is not allocated")
)

const (
	// Base addresses of the simulated regions. Address 0 is never mapped
	// and is used as the null pointer.
	UntrustedBase uint64 = 0x0000_1000_0000
	ProtectedBase uint64 = 0x7f00_0000_0000

	// Heap allocations are aligned to this many bytes
	heapAlign uint64 = 16
)

// Region is a half-open address range [Base, Base+Size)
type Region struct {
	Base uint64
	Size uint64
}

func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Contains reports whether [addr, addr+n) lies entirely inside the region.
// Ranges whose end wraps around the address space are never contained.
func (r Region) Contains(addr, n uint64) bool {
	end := addr + n
	if end < addr {
		return false
	}
	return addr >= r.Base && end <= r.End()
}

// Overlaps reports whether [addr, addr+n) shares at least one byte with
// the region. A wrapping range is treated as overlapping everything.
func (r Region) Overlaps(addr, n uint64) bool {
	end := addr + n
	if end < addr {
		return true
	}
	if n == 0 {
		return addr >= r.Base && addr < r.End()
	}
	return addr < r.End() && end > r.Base
}

// AddressSpace is the view of memory the boundary validates pointers
// against and copies through
type AddressSpace interface {
	// IsOutside reports whether the range lies entirely in caller memory,
	// with no byte inside the protected region
	IsOutside(addr, n uint64) bool
	// IsWithin reports whether the range lies entirely in the protected
	// region
	IsWithin(addr, n uint64) bool
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
}

// Block is one allocation. Data aliases the backing memory of the region
// the block was carved from.
type Block struct {
	Addr uint64
	Data []byte
}

func (b Block) Len() uint64 {
	return uint64(len(b.Data))
}

// Allocator hands out blocks from a region
type Allocator interface {
	Alloc(n uint64) (Block, error)
	Free(b Block) error
}

type span struct {
	off  uint64
	size uint64
}

// Heap is a first-fit allocator over one region with coalescing of free
// spans
type Heap struct {
	mu     sync.Mutex
	region Region
	mem    []byte
	free   []span
	used   map[uint64]uint64
	inUse  uint64
}

func newHeap(base, size uint64) *Heap {
	return &Heap{
		region: Region{Base: base, Size: size},
		mem:    make([]byte, size),
		free:   []span{{off: 0, size: size}},
		used:   make(map[uint64]uint64),
	}
}

func (h *Heap) Region() Region {
	return h.region
}

// Alloc reserves n bytes. Zero-sized requests still consume one aligned
// unit so that every block has a unique address.
func (h *Heap) Alloc(n uint64) (Block, error) {
	if h == nil {
		return Block{}, errors.New("internal error: heap object is nil")
	}
	size := alignUp(n)
	if size == 0 {
		if n != 0 {
			return Block{}, ErrNoMemory
		}
		size = heapAlign
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.free {
		if s.size < size {
			continue
		}
		off := s.off
		if s.size == size {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = span{off: s.off + size, size: s.size - size}
		}
		h.used[off] = size
		h.inUse += size
		return Block{
			Addr: h.region.Base + off,
			Data: h.mem[off : off+n : off+n],
		}, nil
	}

	return Block{}, ErrNoMemory
}

func (h *Heap) Free(b Block) error {
	if h == nil {
		return errors.New("internal error: heap object is nil")
	}
	if !h.region.Contains(b.Addr, 0) {
		return fmt.Errorf("%w: 0x%x", ErrDoubleFree, b.Addr)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	off := b.Addr - h.region.Base
	size, ok := h.used[off]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrDoubleFree, b.Addr)
	}
	delete(h.used, off)
	h.inUse -= size

	h.free = append(h.free, span{off: off, size: size})
	sort.Slice(h.free, func(i, j int) bool { return h.free[i].off < h.free[j].off })
	merged := h.free[:1]
	for _, s := range h.free[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.size == s.off {
			last.size += s.size
		} else {
			merged = append(merged, s)
		}
	}
	h.free = merged

	return nil
}

// Outstanding returns the number of live allocations
func (h *Heap) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.used)
}

// InUse returns the number of bytes reserved by live allocations
func (h *Heap) InUse() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse
}

func (h *Heap) slice(addr, n uint64) ([]byte, bool) {
	if !h.region.Contains(addr, n) {
		return nil, false
	}
	off := addr - h.region.Base
	return h.mem[off : off+n], true
}

func alignUp(n uint64) uint64 {
	return (n + heapAlign - 1) &^ (heapAlign - 1)
}

// Arena is a simulated process address space made of an untrusted region,
// which the caller owns, and a protected region, which only the isolated
// context may touch
type Arena struct {
	untrusted *Heap
	protected *Heap
}

func NewArena(untrustedSize, protectedSize uint64) *Arena {
	return &Arena{
		untrusted: newHeap(UntrustedBase, untrustedSize),
		protected: newHeap(ProtectedBase, protectedSize),
	}
}

func (a *Arena) Untrusted() *Heap {
	return a.untrusted
}

func (a *Arena) Protected() *Heap {
	return a.protected
}

func (a *Arena) IsOutside(addr, n uint64) bool {
	if a.protected.region.Overlaps(addr, n) {
		return false
	}
	return a.untrusted.region.Contains(addr, n)
}

func (a *Arena) IsWithin(addr, n uint64) bool {
	return a.protected.region.Contains(addr, n)
}

func (a *Arena) Read(addr uint64, p []byte) error {
	src, err := a.lookup(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

func (a *Arena) Write(addr uint64, p []byte) error {
	dst, err := a.lookup(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

func (a *Arena) lookup(addr, n uint64) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: null pointer", ErrFault)
	}
	if b, ok := a.untrusted.slice(addr, n); ok {
		return b, nil
	}
	if b, ok := a.protected.slice(addr, n); ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: [0x%x, +%d)", ErrFault, addr, n)
}
