// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fidl

import (
	"errors"
	"math/rand"
	"testing"
)

func TestLockersAllocReusesFreedSlots(t *testing.T) {
	l := NewLockers()
	a, err := l.Alloc(1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, err := l.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a == b {
		t.Fatalf("two live calls share slot %d", a)
	}
	l.Free(a)
	c, err := l.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if c != a {
		t.Errorf("Alloc after Free = %d, want reused slot %d", c, a)
	}
	if got := l.Pending(); got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
}

func TestLockersWriteThenRead(t *testing.T) {
	l := NewLockers()
	index, _ := l.Alloc(0x1001)

	buf, wait, err := l.Read(index)
	if err != nil || buf != nil || wait == nil {
		t.Fatalf("Read before reply = (%v, %v, %v), want a wait channel", buf, wait, err)
	}

	reply := &Buffer{Chunks: make([]Chunk, 2)}
	free, err := l.Write(index, 0x1001, reply)
	if err != nil || free {
		t.Fatalf("Write = (%v, %v), want (false, nil)", free, err)
	}
	select {
	case <-wait:
	default:
		t.Fatal("wait channel not closed by Write")
	}

	buf, _, err = l.Read(index)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if buf != reply {
		t.Errorf("Read returned a different buffer")
	}
}

func TestLockersWriteErrors(t *testing.T) {
	l := NewLockers()
	index, _ := l.Alloc(0x1001)

	_, err := l.Write(index, 0x2002, &Buffer{})
	var mismatch *MismatchedOrdinalError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Write with wrong ordinal = %v, want MismatchedOrdinalError", err)
	}
	if mismatch.Expected != 0x1001 || mismatch.Actual != 0x2002 {
		t.Errorf("mismatch = %+v", mismatch)
	}

	if _, err := l.Write(index+5, 0x1001, &Buffer{}); !errors.Is(err, ErrNotWriteable) {
		t.Errorf("Write out of range = %v, want %v", err, ErrNotWriteable)
	}

	if _, err := l.Write(index, 0x1001, &Buffer{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := l.Write(index, 0x1001, &Buffer{}); !errors.Is(err, ErrNotWriteable) {
		t.Errorf("second Write = %v, want %v", err, ErrNotWriteable)
	}
}

func TestLockersCancelBeforeReply(t *testing.T) {
	l := NewLockers()
	index, _ := l.Alloc(0x1001)

	if l.Cancel(index) {
		t.Fatal("Cancel of an awaiting slot must keep it reserved")
	}
	if got := l.state(index); got != lockerCancelled {
		t.Fatalf("state = %v, want %v", got, lockerCancelled)
	}

	// The slot is not handed out while its reply may still arrive.
	other, _ := l.Alloc(0x1002)
	if other == index {
		t.Fatalf("cancelled slot %d reused before its reply", index)
	}

	free, err := l.Write(index, 0x1001, &Buffer{})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !free {
		t.Fatal("late reply to a cancelled slot must be freed by the writer")
	}
	l.Free(index)
	if got := l.state(index); got != lockerFree {
		t.Errorf("state = %v, want %v", got, lockerFree)
	}
}

func TestLockersCancelAfterReply(t *testing.T) {
	l := NewLockers()
	index, _ := l.Alloc(1)
	if _, err := l.Write(index, 1, &Buffer{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !l.Cancel(index) {
		t.Fatal("Cancel of a written slot should allow freeing")
	}
}

func TestLockersWakeAll(t *testing.T) {
	l := NewLockers()
	awaiting, _ := l.Alloc(1)
	cancelled, _ := l.Alloc(2)
	l.Cancel(cancelled)

	_, wait, _ := l.Read(awaiting)
	terminal := errors.New("boom")
	l.WakeAll(terminal)

	select {
	case <-wait:
	default:
		t.Fatal("WakeAll did not wake the awaiting slot")
	}
	if _, _, err := l.Read(awaiting); !errors.Is(err, terminal) {
		t.Errorf("Read after WakeAll = %v, want %v", err, terminal)
	}
	if got := l.state(cancelled); got != lockerFree {
		t.Errorf("cancelled slot state = %v, want %v", got, lockerFree)
	}
	if _, err := l.Alloc(3); !errors.Is(err, terminal) {
		t.Errorf("Alloc after WakeAll = %v, want %v", err, terminal)
	}
	if !l.Cancel(awaiting) {
		t.Error("Cancel after WakeAll should allow freeing")
	}

	// Only the first terminal error is kept.
	l.WakeAll(nil)
	if err := l.Err(); !errors.Is(err, terminal) {
		t.Errorf("Err = %v, want %v", err, terminal)
	}
}

func TestLockersWriteAfterWakeAll(t *testing.T) {
	l := NewLockers()
	index, _ := l.Alloc(1)
	l.WakeAll(nil)

	free, err := l.Write(index, 1, &Buffer{})
	if !errors.Is(err, ErrClosed) || free {
		t.Fatalf("Write after WakeAll = (%v, %v), want (false, %v)", free, err, ErrClosed)
	}
	if _, _, err := l.Read(index); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after WakeAll = %v, want %v", err, ErrClosed)
	}
}

func TestLockersWakeAllNil(t *testing.T) {
	l := NewLockers()
	l.WakeAll(nil)
	if err := l.Err(); !errors.Is(err, ErrClosed) {
		t.Errorf("Err = %v, want %v", err, ErrClosed)
	}
}

func TestLockersNoSharedLiveSlots(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewLockers()
	// live holds slots whose call has neither completed nor had its reply
	// discarded; cancelled tracks which of them were cancelled.
	live := make(map[uint32]bool)
	for i := 0; i < 5000; i++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(live) == 0:
			index, err := l.Alloc(uint64(i) + 1)
			if err != nil {
				t.Fatalf("Alloc: %v", err)
			}
			if _, ok := live[index]; ok {
				t.Fatalf("step %d: slot %d handed out while still live", i, index)
			}
			live[index] = false
		default:
			var index uint32
			for index = range live {
				break
			}
			cancelled := live[index]
			switch {
			case op == 1 && !cancelled:
				if l.Cancel(index) {
					l.Free(index)
					delete(live, index)
				} else {
					live[index] = true
				}
			case op == 2:
				// A reply arrives.
				if cancelled {
					free, err := l.Write(index, expectedOrdinal(t, l, index), nil)
					if err != nil || !free {
						t.Fatalf("late reply = (%v, %v), want (true, nil)", free, err)
					}
					l.Free(index)
					delete(live, index)
				} else {
					buf := &Buffer{}
					free, err := l.Write(index, expectedOrdinal(t, l, index), buf)
					if err != nil || free {
						t.Fatalf("Write = (%v, %v)", free, err)
					}
					got, _, err := l.Read(index)
					if err != nil || got != buf {
						t.Fatalf("Read = (%v, %v)", got, err)
					}
					l.Free(index)
					delete(live, index)
				}
			}
		}
		if got := l.Pending(); got != len(live) {
			t.Fatalf("step %d: Pending = %d, want %d", i, got, len(live))
		}
	}
}

func expectedOrdinal(t *testing.T, l *Lockers, index uint32) uint64 {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lockers[index].ordinal
}
