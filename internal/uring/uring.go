// Copyright 2015 Google Inc. All Rights Reserved.
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

//go:build linux
// +build linux

// Package uring is a minimal interface to Linux io_uring, covering exactly
// what the reactor needs: a submission/completion ring pair, batched submits,
// and a timed wait for completions.
//
// The submission queue is a producer/consumer ring shared with the kernel:
// the application writes SQEs and advances the tail, the kernel consumes from
// the head during io_uring_enter. The completion queue runs the other way.
// Head and tail words live in memory shared with the kernel and must be
// accessed with atomics.
//
// Requires Linux 5.4+ (IORING_FEAT_SINGLE_MMAP) for setup and 5.11+
// (IORING_ENTER_EXT_ARG) for timed completion waits.
package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Opcodes used by the reactor.
const (
	OpAccept = 13 // IORING_OP_ACCEPT (Linux 5.5+)
	OpRead   = 22 // IORING_OP_READ (Linux 5.6+)
	OpWrite  = 23 // IORING_OP_WRITE (Linux 5.6+)
)

// Feature flags returned in params.Features after setup.
const (
	featSingleMmap = 1 << 0 // IORING_FEAT_SINGLE_MMAP (Linux 5.4+)
)

// io_uring_enter flags.
const (
	enterGetEvents = 1 << 0 // IORING_ENTER_GETEVENTS
	enterExtArg    = 1 << 3 // IORING_ENTER_EXT_ARG (Linux 5.11+)
)

// Magic mmap offsets defined by the io_uring ABI.
const (
	offSQRing = 0
	offSQEs   = 0x10000000
)

// SQE is struct io_uring_sqe: one submission queue entry.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64 // union: off / addr2
	Addr        uint64 // union: addr / splice_off_in
	Len         uint32
	OpFlags     uint32 // union: rw_flags / accept_flags / ...
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	_pad        [2]uint64
}

// CQE is struct io_uring_cqe: one completion queue entry. Res is the
// operation's result: a byte count or accepted fd on success, a negated errno
// on failure.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Timespec is struct __kernel_timespec, used for timed completion waits.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// getEventsArg is struct io_uring_getevents_arg, passed to io_uring_enter
// with IORING_ENTER_EXT_ARG.
type getEventsArg struct {
	Sigmask   uint64
	SigmaskSz uint32
	_pad      uint32
	Ts        uint64
}

// sqringOffsets is struct io_sqring_offsets: byte offsets into the mmap'd SQ
// ring for locating its fields.
type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	_resv1      uint32
	_resv2      uint64
}

// cqringOffsets is struct io_cqring_offsets.
type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	CQEs        uint32
	Flags       uint32
	_resv1      uint32
	_resv2      uint64
}

// params is struct io_uring_params, used both as input (flags) and output
// (features, ring offsets) of io_uring_setup.
type params struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WqFd         uint32
	_resv        [3]uint32
	SQOff        sqringOffsets
	CQOff        cqringOffsets
}

// submissionQueue holds pointers into the shared SQ ring. The application is
// the producer (advances tail), the kernel the consumer (advances head).
type submissionQueue struct {
	head        *uint32 // shared with kernel
	tail        *uint32 // shared with kernel
	ringMask    uint32
	ringEntries uint32
	array       *uint32
	sqes        []SQE
}

// completionQueue holds pointers into the shared CQ ring. The kernel is the
// producer (advances tail), the application the consumer (advances head).
type completionQueue struct {
	head        *uint32 // shared with kernel
	tail        *uint32 // shared with kernel
	ringMask    uint32
	ringEntries uint32
	cqes        []CQE
}

// Ring is one io_uring instance: the ring fd plus the mmap'd submission and
// completion queues.
//
// A Ring is not safe for concurrent use; the owning reactor serializes all
// access on its worker.
type Ring struct {
	fd      int
	p       params
	sq      submissionQueue
	cq      completionQueue
	ringMem []byte
	sqeMem  []byte
}

// New creates an io_uring instance with the given submission queue depth
// (rounded up by the kernel to a power of two).
func New(entries uint32) (*Ring, error) {
	var p params
	fd, _, errno := unix.Syscall(
		unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(&p)),
		0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %v", errno)
	}

	if p.Features&featSingleMmap == 0 {
		unix.Close(int(fd))
		return nil, fmt.Errorf("kernel lacks IORING_FEAT_SINGLE_MMAP (need Linux 5.4+)")
	}

	r := &Ring{
		fd: int(fd),
		p:  p,
	}

	// One mapping covers both rings under IORING_FEAT_SINGLE_MMAP; size it to
	// the larger of the two regions.
	sqSize := p.SQOff.Array + p.SQEntries*uint32(unsafe.Sizeof(uint32(0)))
	cqSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(CQE{}))
	ringSize := sqSize
	if cqSize > ringSize {
		ringSize = cqSize
	}

	ringMem, err := unix.Mmap(
		r.fd, offSQRing, int(ringSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("mmap ring: %v", err)
	}
	r.ringMem = ringMem

	sqeMem, err := unix.Mmap(
		r.fd, offSQEs, int(p.SQEntries*uint32(unsafe.Sizeof(SQE{}))),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("mmap sqes: %v", err)
	}
	r.sqeMem = sqeMem

	r.sq.head = (*uint32)(unsafe.Pointer(&ringMem[p.SQOff.Head]))
	r.sq.tail = (*uint32)(unsafe.Pointer(&ringMem[p.SQOff.Tail]))
	r.sq.ringMask = *(*uint32)(unsafe.Pointer(&ringMem[p.SQOff.RingMask]))
	r.sq.ringEntries = *(*uint32)(unsafe.Pointer(&ringMem[p.SQOff.RingEntries]))
	r.sq.array = (*uint32)(unsafe.Pointer(&ringMem[p.SQOff.Array]))
	r.sq.sqes = (*[1 << 16]SQE)(unsafe.Pointer(&sqeMem[0]))[:p.SQEntries]

	r.cq.head = (*uint32)(unsafe.Pointer(&ringMem[p.CQOff.Head]))
	r.cq.tail = (*uint32)(unsafe.Pointer(&ringMem[p.CQOff.Tail]))
	r.cq.ringMask = *(*uint32)(unsafe.Pointer(&ringMem[p.CQOff.RingMask]))
	r.cq.ringEntries = *(*uint32)(unsafe.Pointer(&ringMem[p.CQOff.RingEntries]))
	r.cq.cqes = (*[1 << 17]CQE)(unsafe.Pointer(&ringMem[p.CQOff.CQEs]))[:p.CQEntries]

	return r, nil
}

// SQEntries returns the submission queue depth chosen by the kernel.
func (r *Ring) SQEntries() uint32 {
	return r.sq.ringEntries
}

// SpaceLeft returns the number of free submission slots.
func (r *Ring) SpaceLeft() uint32 {
	return r.sq.ringEntries - (atomic.LoadUint32(r.sq.tail) - atomic.LoadUint32(r.sq.head))
}

// PeekSQE returns the next free submission queue entry, zeroed, or nil when
// the queue is full. The entry becomes visible to the kernel only after
// AdvanceSQ.
func (r *Ring) PeekSQE() *SQE {
	q := &r.sq

	tail := atomic.LoadUint32(q.tail)
	head := atomic.LoadUint32(q.head)
	if tail-head >= q.ringEntries {
		return nil
	}

	idx := tail & q.ringMask
	sqe := &q.sqes[idx]
	*sqe = SQE{}

	// The indirection array maps ring positions to SQE indices; we use the
	// identity mapping. The write becomes visible with AdvanceSQ's barrier.
	arrayPtr := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(q.array)) + uintptr(idx)*4))
	*arrayPtr = idx

	return sqe
}

// AdvanceSQ publishes the most recently peeked SQE to the kernel.
func (r *Ring) AdvanceSQ() {
	atomic.AddUint32(r.sq.tail, 1)
}

// Submit notifies the kernel of all published but unsubmitted SQEs, retrying
// on EINTR. Returns the number of entries the kernel accepted.
func (r *Ring) Submit() (int, error) {
	toSubmit := atomic.LoadUint32(r.sq.tail) - atomic.LoadUint32(r.sq.head)
	if toSubmit == 0 {
		return 0, nil
	}

	for {
		n, _, errno := unix.Syscall6(
			unix.SYS_IO_URING_ENTER,
			uintptr(r.fd), uintptr(toSubmit), 0, 0, 0, 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, fmt.Errorf("io_uring_enter: %v", errno)
		}

		return int(n), nil
	}
}

// PeekCQE returns the completion at the head of the queue without consuming
// it, or nil when the queue is empty. Call AdvanceCQ after processing.
func (r *Ring) PeekCQE() *CQE {
	q := &r.cq

	head := atomic.LoadUint32(q.head)
	tail := atomic.LoadUint32(q.tail)
	if head == tail {
		return nil
	}

	return &q.cqes[head&q.ringMask]
}

// WaitCQE waits up to ts for a completion and returns it without consuming
// it, or nil if the wait timed out. Call AdvanceCQ after processing.
func (r *Ring) WaitCQE(ts *Timespec) (*CQE, error) {
	if cqe := r.PeekCQE(); cqe != nil {
		return cqe, nil
	}

	arg := getEventsArg{
		Ts: uint64(uintptr(unsafe.Pointer(ts))),
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_IO_URING_ENTER,
		uintptr(r.fd),
		0, 1,
		enterGetEvents|enterExtArg,
		uintptr(unsafe.Pointer(&arg)),
		unsafe.Sizeof(arg))

	switch errno {
	case 0, unix.ETIME, unix.EINTR:
		// A completion may have raced the timeout; peek either way.
		return r.PeekCQE(), nil
	default:
		return nil, fmt.Errorf("io_uring_enter(GETEVENTS): %v", errno)
	}
}

// AdvanceCQ consumes the completion at the head of the queue, freeing its
// slot for the kernel.
func (r *Ring) AdvanceCQ() {
	atomic.AddUint32(r.cq.head, 1)
}

// Close tears down the ring: the kernel cancels or completes outstanding
// operations when the ring fd is closed.
func (r *Ring) Close() error {
	var firstErr error

	if r.ringMem != nil {
		if err := unix.Munmap(r.ringMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.ringMem = nil
	}

	if r.sqeMem != nil {
		if err := unix.Munmap(r.sqeMem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.sqeMem = nil
	}

	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		r.fd = -1
	}

	return firstErr
}
