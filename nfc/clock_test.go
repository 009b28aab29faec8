package nfc

import (
	"testing"
	"time"
)

var testTime = time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)

func TestFakeClock_AdvanceFiresInOrder(t *testing.T) {
	fc := NewFakeClock(testTime)
	var fired []string

	fc.AfterFunc(3*time.Second, func() { fired = append(fired, "3s") })
	fc.AfterFunc(1*time.Second, func() { fired = append(fired, "1s") })
	fc.AfterFunc(10*time.Second, func() { fired = append(fired, "10s") })

	fc.Advance(5 * time.Second)

	if len(fired) != 2 || fired[0] != "1s" || fired[1] != "3s" {
		t.Fatalf("fired = %v, want [1s 3s]", fired)
	}
	if fc.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", fc.Pending())
	}
	if got := fc.Now(); !got.Equal(testTime.Add(5 * time.Second)) {
		t.Errorf("Now() = %v", got)
	}
}

func TestFakeClock_CallbackSeesDeadline(t *testing.T) {
	fc := NewFakeClock(testTime)
	var at time.Time
	fc.AfterFunc(2*time.Second, func() { at = fc.Now() })

	fc.Advance(time.Minute)

	if !at.Equal(testTime.Add(2 * time.Second)) {
		t.Errorf("callback saw %v, want deadline", at)
	}
}

func TestFakeClock_NestedScheduling(t *testing.T) {
	fc := NewFakeClock(testTime)
	count := 0
	var tick func()
	tick = func() {
		count++
		fc.AfterFunc(30*time.Second, tick)
	}
	fc.AfterFunc(30*time.Second, tick)

	fc.Advance(95 * time.Second)

	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestFakeClock_Stop(t *testing.T) {
	fc := NewFakeClock(testTime)
	fired := false
	timer := fc.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("first Stop() should return true")
	}
	if timer.Stop() {
		t.Error("second Stop() should return false")
	}

	fc.Advance(time.Hour)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeClock_NextDeadline(t *testing.T) {
	fc := NewFakeClock(testTime)
	if _, ok := fc.NextDeadline(); ok {
		t.Error("expected no deadline")
	}
	fc.AfterFunc(4*time.Second, func() {})
	fc.AfterFunc(2*time.Second, func() {})

	d, ok := fc.NextDeadline()
	if !ok || d != 2*time.Second {
		t.Errorf("NextDeadline() = %v, %v", d, ok)
	}
}
