package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/mincore-dev/mincore"
)

func uuidOf(b byte) [16]byte {
	var u [16]byte
	u[15] = b
	return u
}

// TestPerPlayerOrdering exercises spec §8 scenario 3: interleaved
// deposits for two players must each be delivered in strictly increasing
// seq order, independent of cross-player interleaving.
func TestPerPlayerOrdering(t *testing.T) {
	bus := New(4, nil, nil)

	var mu sync.Mutex
	received := map[[16]byte][]uint64{}
	var wg sync.WaitGroup

	p1, p2 := uuidOf(1), uuidOf(2)
	wg.Add(20)
	bus.Subscribe(func(ev mincore.BalanceChanged) {
		mu.Lock()
		received[ev.UUID] = append(received[ev.UUID], ev.Seq)
		mu.Unlock()
		wg.Done()
	})

	for i := uint64(1); i <= 10; i++ {
		bus.Publish(p1, mincore.BalanceChanged{UUID: p1, Seq: i})
		bus.Publish(p2, mincore.BalanceChanged{UUID: p2, Seq: i})
	}

	waitOrTimeout(t, &wg, 2*time.Second)

	for _, id := range [][16]byte{p1, p2} {
		seqs := received[id]
		if len(seqs) != 10 {
			t.Fatalf("player %v received %d events, want 10", id, len(seqs))
		}
		for i, s := range seqs {
			if s != uint64(i+1) {
				t.Fatalf("player %v event %d has seq %d, want %d (out of order)", id, i, s, i+1)
			}
		}
	}

	if err := bus.Close(1000); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestSubscriberPanicDoesNotStopOtherSubscribers asserts spec §4.E failure
// semantics: a subscriber error/panic is isolated.
func TestSubscriberPanicDoesNotStopOtherSubscribers(t *testing.T) {
	bus := New(2, nil, nil)
	var wg sync.WaitGroup
	wg.Add(1)

	bus.Subscribe(func(ev mincore.BalanceChanged) {
		panic("boom")
	})
	bus.Subscribe(func(ev mincore.BalanceChanged) {
		wg.Done()
	})

	bus.Publish(uuidOf(3), mincore.BalanceChanged{UUID: uuidOf(3), Seq: 1})
	waitOrTimeout(t, &wg, time.Second)
	_ = bus.Close(1000)
}

// TestPublishAfterCloseIsDropped asserts no new events are accepted once
// draining begins (spec §4.E cancellation).
func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := New(2, nil, nil)
	if err := bus.Close(1000); err != nil {
		t.Fatalf("Close: %v", err)
	}
	bus.Publish(uuidOf(4), mincore.BalanceChanged{UUID: uuidOf(4), Seq: 1})
	// No assertion beyond "does not panic/hang": Publish after close is a
	// documented no-op.
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timed out waiting for events")
	}
}
