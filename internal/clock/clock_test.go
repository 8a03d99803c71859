package clock

import (
	"testing"
	"time"
)

func TestRealClock(t *testing.T) {
	c := New()

	before := time.Now()
	now := c.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}

	if d := c.Since(before); d < 0 {
		t.Errorf("Since() = %v, expected non-negative", d)
	}
}

func TestMock_NowAndSet(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMock(base)

	if !m.Now().Equal(base) {
		t.Errorf("Now() = %v, want %v", m.Now(), base)
	}

	later := base.Add(time.Hour)
	m.Set(later)
	if !m.Now().Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", m.Now(), later)
	}
}

func TestMock_Advance(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMock(base)

	m.Advance(90 * time.Second)
	want := base.Add(90 * time.Second)
	if !m.Now().Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", m.Now(), want)
	}

	if d := m.Since(base); d != 90*time.Second {
		t.Errorf("Since(base) = %v, want 90s", d)
	}
}

func TestMock_TickerDelivery(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMock(base)

	ticker := m.NewTicker(time.Second)
	defer ticker.Stop()

	select {
	case <-ticker.C():
		t.Fatal("ticker fired before Tick")
	default:
	}

	m.Advance(time.Second)
	m.Tick()

	select {
	case ts := <-ticker.C():
		if !ts.Equal(base.Add(time.Second)) {
			t.Errorf("tick time = %v, want %v", ts, base.Add(time.Second))
		}
	default:
		t.Fatal("expected a tick after Tick")
	}
}

func TestMock_TickAfterStopIsDropped(t *testing.T) {
	m := NewMock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	ticker := m.NewTicker(time.Second)
	ticker.Stop()
	m.Tick()

	select {
	case <-ticker.C():
		t.Fatal("stopped ticker must not receive ticks")
	default:
	}
}

func TestMock_TickIsNonBlocking(t *testing.T) {
	m := NewMock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	ticker := m.NewTicker(time.Second)
	defer ticker.Stop()

	// A slow consumer must not block the clock: the second tick is dropped.
	m.Tick()
	m.Tick()

	<-ticker.C()
	select {
	case <-ticker.C():
		t.Fatal("expected the second tick to be dropped")
	default:
	}
}

func TestMock_After(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMock(base)

	select {
	case ts := <-m.After(time.Minute):
		if !ts.Equal(base.Add(time.Minute)) {
			t.Errorf("After value = %v, want %v", ts, base.Add(time.Minute))
		}
	default:
		t.Fatal("mock After must deliver immediately")
	}
}
