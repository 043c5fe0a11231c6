// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import "sync"

type lockerState uint8

const (
	lockerFree lockerState = iota
	lockerAwaiting
	lockerWritten
	lockerCancelled
)

func (s lockerState) String() string {
	switch s {
	case lockerFree:
		return "free"
	case lockerAwaiting:
		return "awaiting"
	case lockerWritten:
		return "written"
	case lockerCancelled:
		return "cancelled"
	}
	return "unknown"
}

// locker tracks one outstanding two-way call. wake is closed when the reply
// is written or the table terminates.
type locker struct {
	state   lockerState
	ordinal uint64
	buf     *Buffer
	wake    chan struct{}
}

// Lockers is the transaction table shared by a client's senders and its run
// loop. Slot i carries transaction id i+1. A slot is handed out again only
// after it returns to the free list, which never happens while a reply for
// it may still arrive.
type Lockers struct {
	mu      sync.Mutex
	lockers []locker
	free    []uint32
	err     error
}

// NewLockers returns an empty table.
func NewLockers() *Lockers {
	return &Lockers{}
}

// Alloc reserves a slot for a call expecting a reply with the given ordinal.
// It fails with the terminal error once the table has been woken by WakeAll.
func (l *Lockers) Alloc(ordinal uint64) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	var index uint32
	if n := len(l.free); n > 0 {
		index = l.free[n-1]
		l.free = l.free[:n-1]
	} else {
		index = uint32(len(l.lockers))
		l.lockers = append(l.lockers, locker{})
	}
	l.lockers[index] = locker{
		state:   lockerAwaiting,
		ordinal: ordinal,
		wake:    make(chan struct{}),
	}
	return index, nil
}

// Free returns a slot to the free list. Callers free a slot only after its
// reply has been consumed or when no reply can arrive anymore.
func (l *Lockers) Free(index uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.freeLocked(index)
}

func (l *Lockers) freeLocked(index uint32) {
	if int(index) >= len(l.lockers) || l.lockers[index].state == lockerFree {
		return
	}
	l.lockers[index] = locker{}
	l.free = append(l.free, index)
}

// Write stores a reply for slot index. It reports whether the caller must
// free the slot because the call was cancelled and nobody will read it.
// After termination it fails with the terminal error.
func (l *Lockers) Write(index uint32, ordinal uint64, buf *Buffer) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if int(index) >= len(l.lockers) {
		return false, ErrNotWriteable
	}
	lk := &l.lockers[index]
	switch lk.state {
	case lockerAwaiting, lockerCancelled:
	default:
		return false, ErrNotWriteable
	}
	if lk.ordinal != ordinal {
		return false, &MismatchedOrdinalError{Expected: lk.ordinal, Actual: ordinal}
	}
	if lk.state == lockerCancelled {
		return true, nil
	}
	lk.state = lockerWritten
	lk.buf = buf
	close(lk.wake)
	return false, nil
}

// Read returns the reply for slot index once it has been written. Until
// then it returns a channel that is closed when the caller should try again.
// After termination a slot without a reply yields the terminal error.
func (l *Lockers) Read(index uint32) (*Buffer, <-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(index) >= len(l.lockers) {
		return nil, nil, ErrNotWriteable
	}
	lk := &l.lockers[index]
	switch {
	case lk.state == lockerWritten:
		buf := lk.buf
		lk.buf = nil
		return buf, nil, nil
	case l.err != nil:
		return nil, nil, l.err
	case lk.state == lockerAwaiting:
		return nil, lk.wake, nil
	}
	return nil, nil, ErrNotWriteable
}

// Cancel abandons the call in slot index. It returns true when the slot can
// be freed immediately: the reply was already written and is discarded, or
// the table has terminated. Otherwise the slot stays reserved as cancelled
// until its reply arrives or the table terminates.
func (l *Lockers) Cancel(index uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(index) >= len(l.lockers) {
		return false
	}
	lk := &l.lockers[index]
	switch lk.state {
	case lockerWritten:
		lk.buf = nil
		return true
	case lockerAwaiting:
		if l.err != nil {
			return true
		}
		lk.state = lockerCancelled
	}
	return false
}

// WakeAll records the terminal error, wakes every pending reader and
// reclaims cancelled slots, since no reply can arrive anymore.
func (l *Lockers) WakeAll(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	if err == nil {
		err = ErrClosed
	}
	l.err = err
	for i := range l.lockers {
		switch l.lockers[i].state {
		case lockerAwaiting:
			close(l.lockers[i].wake)
		case lockerCancelled:
			l.freeLocked(uint32(i))
		}
	}
}

// Err returns the terminal error, or nil while the table is live.
func (l *Lockers) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Pending returns the number of slots that are not free.
func (l *Lockers) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lockers) - len(l.free)
}

func (l *Lockers) state(index uint32) lockerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(index) >= len(l.lockers) {
		return lockerFree
	}
	return l.lockers[index].state
}
