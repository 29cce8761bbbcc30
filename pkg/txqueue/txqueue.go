// Package txqueue implements the ICCom TX package queue (spec.md §4.D):
// an ordered, mutex-protected sequence of finalized packages pending
// acknowledgement, fed by PostMessage and drained by the protocol state
// machine (pkg/iccom) as packages are acked.
//
// The locking discipline follows the teacher's pkg/usock: one mutex
// guarding the whole data structure, acquired only around the mutation
// itself (spec.md §5's "scoped locking" note).
package txqueue

import (
	"container/list"
	"errors"
	"sync"

	"github.com/iccomlink/iccom/pkg/wire"
)

// ErrFrameTooSmallForPacket is returned by EnqueueMessage when frameSize
// leaves no room for even a bare packet header in an empty package.
var ErrFrameTooSmallForPacket = errors.New("txqueue: frame size too small to carry any packet")

// Queue is the FIFO of packages awaiting transmission/acknowledgement.
// It is never empty after any operation returns (spec.md invariant 6),
// except FreeAll, which empties it for shutdown.
type Queue struct {
	mu        sync.Mutex
	frameSize int
	packages  *list.List // of *wire.Package
	nextID    uint8
}

// New creates a queue primed with one empty, finalized package, as
// spec.md §4.F mandates for engine startup.
func New(frameSize int) (*Queue, error) {
	q := &Queue{
		frameSize: frameSize,
		packages:  list.New(),
		nextID:    1,
	}
	pkg, err := wire.NewEmpty(frameSize, q.allocID())
	if err != nil {
		return nil, err
	}
	q.packages.PushBack(pkg)
	return q, nil
}

// allocID returns the next package id, skipping the reserved value 0 on wrap.
func (q *Queue) allocID() uint8 {
	id := q.nextID
	q.nextID++
	if q.nextID == 0 {
		q.nextID = 1
	}
	return id
}

// Len reports the number of packages currently queued (tests/diagnostics only).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.packages.Len()
}

// Head returns the package currently at the front of the queue — the one
// to hand to the transport next. The returned pointer is owned by the
// queue; callers must not retain it past the next mutating call.
func (q *Queue) Head() *wire.Package {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.packages.Front().Value.(*wire.Package)
}

// EnqueueMessage fragments data into packets and appends them to the
// queue's tail package, spawning new packages as each fills up, per
// spec.md §4.D. The tail is left finalized when this returns.
func (q *Queue) EnqueueMessage(data []byte, channel uint16) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	// If only one package resides, it is assumed to be in flight — start a
	// fresh tail so we never mutate a package the transport might already
	// be transmitting.
	if q.packages.Len() == 1 {
		if err := q.pushNewTailLocked(); err != nil {
			return err
		}
	}

	remaining := data
	for {
		tail := q.packages.Back().Value.(*wire.Package)
		tailUsed, _ := tail.UsedPayload()
		n, err := tail.AppendPacket(remaining, channel)
		if err != nil {
			return err
		}
		if n == 0 && len(tailUsed) == 0 {
			// A brand new, empty package still can't fit even a bare packet
			// header: frameSize is too small to carry any payload at all.
			return ErrFrameTooSmallForPacket
		}
		remaining = remaining[n:]

		if len(remaining) == 0 {
			tail.Finalize()
			return nil
		}

		// Tail can't take more (or took nothing this round because it has
		// <=4 bytes free) — finalize it and roll onto a new package.
		tail.Finalize()
		if err := q.pushNewTailLocked(); err != nil {
			return err
		}
	}
}

func (q *Queue) pushNewTailLocked() error {
	pkg, err := wire.NewEmpty(q.frameSize, q.allocID())
	if err != nil {
		return err
	}
	q.packages.PushBack(pkg)
	return nil
}

// StepForward is called once the head package has been acknowledged. If
// more than one package is queued, it drops the head and returns true
// (more data pending). Otherwise it recycles the sole remaining package
// under a fresh id and returns false, per spec.md §4.D.
func (q *Queue) StepForward() (haveMore bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.packages.Len() > 1 {
		q.packages.Remove(q.packages.Front())
		return true, nil
	}

	front := q.packages.Front()
	pkg, err := wire.NewEmpty(q.frameSize, q.allocID())
	if err != nil {
		return false, err
	}
	q.packages.Remove(front)
	q.packages.PushBack(pkg)
	return false, nil
}

// FreeAll drops every queued package. Callers must have already fenced
// off every other caller of this queue (spec.md §4.D) — typically during
// Engine.Close after the closing flag is observed everywhere.
func (q *Queue) FreeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.packages.Init()
}
