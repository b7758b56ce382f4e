package store

import (
	"sync"
	"testing"
	"time"
)

type snapshot struct {
	Good    int
	Message string
}

func set(good int) func(*snapshot) bool {
	return func(s *snapshot) bool {
		if s.Good == good {
			return false
		}
		s.Good = good
		return true
	}
}

func TestNewMemoryStore(t *testing.T) {
	st := NewMemoryStore(snapshot{Message: "init"})
	if st == nil {
		t.Fatal("NewMemoryStore() = nil")
	}

	if got := st.Get(); got.Message != "init" {
		t.Errorf("Get().Message = %v, want %v", got.Message, "init")
	}
}

func TestMemoryStore_Update(t *testing.T) {
	st := NewMemoryStore(snapshot{})

	got, published := st.Update(set(7))
	if !published {
		t.Error("Update() published = false, want true")
	}
	if got.Good != 7 {
		t.Errorf("Update() snapshot.Good = %v, want 7", got.Good)
	}
	if st.Get().Good != 7 {
		t.Errorf("Get().Good = %v, want 7", st.Get().Good)
	}
}

// TestMemoryStore_NoOpUpdateNotPublished verifies that a mutator reporting no
// change does not reach subscribers.
func TestMemoryStore_NoOpUpdateNotPublished(t *testing.T) {
	st := NewMemoryStore(snapshot{Good: 3})
	ch := st.Subscribe()
	defer st.Unsubscribe(ch)

	if _, published := st.Update(set(3)); published {
		t.Error("Update() published = true for unchanged state")
	}

	select {
	case s := <-ch:
		t.Errorf("received %+v, want nothing", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStore_Subscribe(t *testing.T) {
	st := NewMemoryStore(snapshot{})

	ch := st.Subscribe()
	if ch == nil {
		t.Fatal("Subscribe() = nil")
	}

	go st.Update(set(1))

	select {
	case s := <-ch:
		if s.Good != 1 {
			t.Errorf("received Good = %v, want 1", s.Good)
		}
	case <-time.After(1 * time.Second):
		t.Error("Subscribe() channel did not receive update")
	}
}

func TestMemoryStore_MultipleSubscribers(t *testing.T) {
	st := NewMemoryStore(snapshot{})

	ch1 := st.Subscribe()
	ch2 := st.Subscribe()
	ch3 := st.Subscribe()

	go st.Update(set(1))

	received := 0
	timeout := time.After(1 * time.Second)

	for received < 3 {
		select {
		case <-ch1:
			received++
		case <-ch2:
			received++
		case <-ch3:
			received++
		case <-timeout:
			t.Fatalf("Only received %d/3 updates", received)
		}
	}
}

// TestMemoryStore_DeliveryOrder verifies that snapshots arrive in the order
// they were produced.
func TestMemoryStore_DeliveryOrder(t *testing.T) {
	st := NewMemoryStore(snapshot{})
	ch := st.Subscribe()
	defer st.Unsubscribe(ch)

	for i := 1; i <= 50; i++ {
		st.Update(set(i))
	}

	for want := 1; want <= 50; want++ {
		if got := (<-ch).Good; got != want {
			t.Fatalf("snapshot %d Good = %v, want %v", want, got, want)
		}
	}
}

func TestMemoryStore_Unsubscribe(t *testing.T) {
	st := NewMemoryStore(snapshot{})

	ch := st.Subscribe()
	st.Unsubscribe(ch)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Unsubscribe() channel should be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Unsubscribe() channel should be closed immediately")
	}

	// second call is a no-op
	st.Unsubscribe(ch)
}

func TestMemoryStore_UnsubscribeStopsDelivery(t *testing.T) {
	st := NewMemoryStore(snapshot{})

	ch1 := st.Subscribe()
	ch2 := st.Subscribe()

	st.Unsubscribe(ch1)

	go st.Update(set(1))

	select {
	case <-ch2:
	case <-time.After(1 * time.Second):
		t.Error("ch2 should still receive updates")
	}
}

func TestMemoryStore_SlowSubscriberDoesNotBlock(t *testing.T) {
	st := NewMemoryStore(snapshot{})

	// never read
	_ = st.Subscribe()

	ch2 := st.Subscribe()

	done := make(chan bool)

	go func() {
		for i := 1; i <= 200; i++ {
			st.Update(set(i))
		}
		done <- true
	}()

	go func() {
		for range ch2 {
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Update() blocked on slow subscriber")
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	st := NewMemoryStore(snapshot{})

	var wg sync.WaitGroup
	numGoroutines := 10
	numUpdates := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numUpdates; j++ {
				st.Update(set(id*numUpdates + j))
			}
		}(i)
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numUpdates; j++ {
				_ = st.Get()
			}
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := st.Subscribe()
			time.Sleep(10 * time.Millisecond)
			st.Unsubscribe(ch)
		}()
	}

	wg.Wait()
}
