package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/dotside-studios/davi-pcsc-bridge/nfc"
)

type requestLog struct {
	triggers []Trigger
}

func (r *requestLog) Request(t Trigger) {
	r.triggers = append(r.triggers, t)
}

func TestCommands_Cooldowns(t *testing.T) {
	clock := nfc.NewFakeClock(testTime)
	loop := newSyncLoop(clock)
	reqs := &requestLog{}
	cmds := NewCommands(loop, reqs, DefaultManualCooldown, DefaultForceCooldown)

	if err := cmds.ManualReinitialize(); err != nil {
		t.Fatalf("First manual command: %v", err)
	}
	if err := cmds.ManualReinitialize(); !errors.Is(err, ErrThrottled) {
		t.Errorf("Expected ErrThrottled, got %v", err)
	}

	// Cooldowns are independent per command
	if err := cmds.ForceReinitialize(); err != nil {
		t.Fatalf("First force command: %v", err)
	}

	clock.Advance(DefaultManualCooldown)
	if err := cmds.ManualReinitialize(); err != nil {
		t.Errorf("Manual command after cooldown: %v", err)
	}
	if err := cmds.ForceReinitialize(); !errors.Is(err, ErrThrottled) {
		t.Errorf("Expected force still throttled at 5s, got %v", err)
	}

	clock.Advance(DefaultForceCooldown - DefaultManualCooldown)
	if err := cmds.ForceReinitialize(); err != nil {
		t.Errorf("Force command after cooldown: %v", err)
	}

	want := []Trigger{TriggerManual, TriggerForced, TriggerManual, TriggerForced}
	if len(reqs.triggers) != len(want) {
		t.Fatalf("Triggers = %v, want %v", reqs.triggers, want)
	}
	for i := range want {
		if reqs.triggers[i] != want[i] {
			t.Errorf("Triggers = %v, want %v", reqs.triggers, want)
			break
		}
	}
}

func TestCommands_NoCooldown(t *testing.T) {
	loop := newSyncLoop(nfc.NewFakeClock(testTime))
	reqs := &requestLog{}
	cmds := NewCommands(loop, reqs, 0, 0)

	for i := 0; i < 3; i++ {
		if err := cmds.ForceReinitialize(); err != nil {
			t.Fatalf("Command %d: %v", i, err)
		}
	}
	if len(reqs.triggers) != 3 {
		t.Errorf("Expected 3 requests, got %d", len(reqs.triggers))
	}
}

func TestCommands_ForceThroughSupervisor(t *testing.T) {
	h := newHarness(t)
	h.boot()
	cmds := NewCommands(h.loop, h.sup, time.Second, time.Second)

	if err := cmds.ForceReinitialize(); err != nil {
		t.Fatal(err)
	}
	if h.driver.OpenCount() != 2 {
		t.Errorf("Expected forced restart, got %d opens", h.driver.OpenCount())
	}
}
