package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestExactSubjectDelivery(t *testing.T) {
	t.Parallel()
	b := New(nil, testLogger())

	var count atomic.Int64
	if _, err := b.Subscribe("pm.account.loaded", func(Event) { count.Add(1) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish(NewEvent("pm.account.loaded", map[string]any{"user_id": "u1"}))
	b.Publish(NewEvent("pm.account.disabled", nil))

	waitFor(t, func() bool { return count.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("handler invoked %d times, want 1", got)
	}
}

func TestWildcardDelivery(t *testing.T) {
	t.Parallel()
	b := New(nil, testLogger())

	var got sync.Map
	_, _ = b.Subscribe("pm.*", func(e Event) { got.Store(e.Subject, true) })

	subjects := []string{"pm.account.loaded", "pm.manager.ready", "de.kline.update"}
	for _, s := range subjects {
		b.Publish(NewEvent(s, nil))
	}

	waitFor(t, func() bool {
		_, a := got.Load("pm.account.loaded")
		_, b2 := got.Load("pm.manager.ready")
		return a && b2
	})
	if _, ok := got.Load("de.kline.update"); ok {
		t.Error("pm.* must not match de.kline.update")
	}
}

func TestPanickingHandlerIsolation(t *testing.T) {
	t.Parallel()
	b := New(nil, testLogger())

	var survived atomic.Int64
	_, _ = b.Subscribe("de.order.filled", func(Event) { panic("boom") })
	_, _ = b.Subscribe("de.order.filled", func(Event) { survived.Add(1) })
	_, _ = b.Subscribe("de.*", func(Event) { survived.Add(1) })

	b.Publish(NewEvent("de.order.filled", nil))
	waitFor(t, func() bool { return survived.Load() == 2 })

	// Future publishes still work after a panic.
	b.Publish(NewEvent("de.order.filled", nil))
	waitFor(t, func() bool { return survived.Load() == 4 })
}

func TestJournalCapAndOrder(t *testing.T) {
	t.Parallel()
	j := NewMemoryJournal(JournalCap)
	b := New(j, testLogger())

	const total = JournalCap + 50
	for i := 0; i < total; i++ {
		b.Publish(NewEvent("tick", map[string]any{"seq": i}))
	}

	if j.Len() != JournalCap {
		t.Fatalf("journal length = %d, want %d", j.Len(), JournalCap)
	}

	recent, err := b.QueryRecent(10)
	if err != nil {
		t.Fatalf("QueryRecent: %v", err)
	}
	if len(recent) != 10 {
		t.Fatalf("QueryRecent returned %d entries, want 10", len(recent))
	}
	// Newest first: the latest sequence number leads.
	if seq := recent[0].Int("seq"); seq != total-1 {
		t.Errorf("newest seq = %d, want %d", seq, total-1)
	}
	if seq := recent[9].Int("seq"); seq != total-10 {
		t.Errorf("10th-newest seq = %d, want %d", seq, total-10)
	}
}

func TestDuplicateSubscription(t *testing.T) {
	t.Parallel()
	b := New(nil, testLogger())

	var count atomic.Int64
	h := func(Event) { count.Add(1) }
	_, _ = b.Subscribe("st.signal.generated", h)
	_, _ = b.Subscribe("st.signal.generated", h)

	b.Publish(NewEvent("st.signal.generated", nil))
	waitFor(t, func() bool { return count.Load() == 2 })
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New(nil, testLogger())

	var count atomic.Int64
	tok, _ := b.Subscribe("tr.*", func(Event) { count.Add(1) })

	b.Publish(NewEvent("tr.position.opened", nil))
	waitFor(t, func() bool { return count.Load() == 1 })

	b.Unsubscribe(tok)
	b.Publish(NewEvent("tr.position.opened", nil))
	time.Sleep(30 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("handler invoked %d times after unsubscribe, want 1", got)
	}
}

func TestDistinctEventIDs(t *testing.T) {
	t.Parallel()
	j := NewMemoryJournal(10)
	b := New(j, testLogger())

	data := map[string]any{"k": "v"}
	b.Publish(NewEvent("x.y", data))
	b.Publish(NewEvent("x.y", data))

	recent, _ := b.QueryRecent(2)
	if len(recent) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(recent))
	}
	if recent[0].EventID == recent[1].EventID {
		t.Error("two publishes produced identical event_ids")
	}
}

func TestCloseRejectsNewEvents(t *testing.T) {
	t.Parallel()
	j := NewMemoryJournal(10)
	b := New(j, testLogger())

	b.Close(100 * time.Millisecond)
	b.Publish(NewEvent("late.event", nil))
	if j.Len() != 0 {
		t.Errorf("journal length = %d after close, want 0", j.Len())
	}
}

func TestCloseWaitsForInflight(t *testing.T) {
	t.Parallel()
	b := New(nil, testLogger())

	var finished atomic.Bool
	_, _ = b.Subscribe("slow", func(Event) {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})

	b.Publish(NewEvent("slow", nil))
	b.Close(time.Second)
	if !finished.Load() {
		t.Error("Close returned before in-flight handler finished")
	}
}

func TestConcurrentPublish(t *testing.T) {
	t.Parallel()
	b := New(NewMemoryJournal(JournalCap), testLogger())

	var count atomic.Int64
	_, _ = b.Subscribe("load.*", func(Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for k := 0; k < 25; k++ {
				b.Publish(NewEvent(fmt.Sprintf("load.%d", i), nil))
			}
		}(i)
	}
	wg.Wait()

	waitFor(t, func() bool { return count.Load() == 500 })
}
