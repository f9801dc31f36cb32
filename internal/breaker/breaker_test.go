package breaker

import (
	"testing"
	"time"
)

const testThreshold = 3

func newTestBreaker() *Breaker {
	return New(Config{ErrorThreshold: testThreshold, TimeWindow: time.Minute, HalfOpenTimeout: 10 * time.Second})
}

func TestBreaker_InitialStateIsClosed(t *testing.T) {
	b := newTestBreaker()
	if b.StateLabel("b1") != "closed" {
		t.Errorf("expected closed, got %s", b.StateLabel("b1"))
	}
	if !b.Allow("b1") {
		t.Error("closed breaker should allow requests")
	}
}

func TestBreaker_AllowUnseenBackend(t *testing.T) {
	b := newTestBreaker()
	if !b.Allow("never-seen-before") {
		t.Error("a backend with no recorded history should be allowed")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := newTestBreaker()

	for i := 0; i < testThreshold-1; i++ {
		b.RecordFailure("b1")
		if b.StateLabel("b1") != "closed" {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	b.RecordFailure("b1")
	if b.StateLabel("b1") != "open" {
		t.Error("should be open after reaching threshold")
	}
}

func TestBreaker_OpenRejectsRequests(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < testThreshold; i++ {
		b.RecordFailure("b1")
	}
	if b.Allow("b1") {
		t.Error("open breaker should reject requests")
	}
}

func TestBreaker_SuccessResetsBeforeThreshold(t *testing.T) {
	b := newTestBreaker()

	for i := 0; i < testThreshold-1; i++ {
		b.RecordFailure("b1")
	}
	b.RecordSuccess("b1")
	if b.StateLabel("b1") != "closed" {
		t.Error("success should reset to closed")
	}

	for i := 0; i < testThreshold-1; i++ {
		b.RecordFailure("b1")
	}
	if b.StateLabel("b1") != "closed" {
		t.Error("should still be closed before a fresh threshold is reached")
	}
}

func TestBreaker_WindowReset(t *testing.T) {
	b := newTestBreaker()
	bc := b.getOrCreate("b1")
	bc.mu.Lock()
	bc.windowStart = time.Now().Add(-time.Minute - time.Second)
	bc.errorCount = testThreshold - 1
	bc.mu.Unlock()

	b.RecordFailure("b1")

	if b.StateLabel("b1") != "closed" {
		t.Error("error counter should reset once the rolling window expires")
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < testThreshold; i++ {
		b.RecordFailure("b1")
	}
	if b.StateLabel("b1") != "open" {
		t.Fatal("expected open")
	}

	bc := b.getOrCreate("b1")
	bc.mu.Lock()
	bc.openedAt = time.Now().Add(-20 * time.Second)
	bc.mu.Unlock()

	if !b.Allow("b1") {
		t.Error("should allow one probe in half-open state")
	}
	if b.StateLabel("b1") != "half_open" {
		t.Errorf("expected half_open, got %s", b.StateLabel("b1"))
	}
	if b.Allow("b1") {
		t.Error("should reject a second request while a probe is in flight")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < testThreshold; i++ {
		b.RecordFailure("b1")
	}
	bc := b.getOrCreate("b1")
	bc.mu.Lock()
	bc.openedAt = time.Now().Add(-20 * time.Second)
	bc.mu.Unlock()

	b.Allow("b1")
	b.RecordSuccess("b1")

	if b.StateLabel("b1") != "closed" {
		t.Error("success in half-open should close the breaker")
	}
	if !b.Allow("b1") {
		t.Error("should allow requests after closing from half-open")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < testThreshold; i++ {
		b.RecordFailure("b1")
	}
	bc := b.getOrCreate("b1")
	bc.mu.Lock()
	bc.openedAt = time.Now().Add(-20 * time.Second)
	bc.mu.Unlock()

	b.Allow("b1")
	b.RecordFailure("b1")

	if b.StateLabel("b1") != "open" {
		t.Error("failure in half-open should reopen the breaker")
	}
}

func TestBreaker_IndependentBackends(t *testing.T) {
	b := newTestBreaker()
	for i := 0; i < testThreshold; i++ {
		b.RecordFailure("b1")
	}
	if b.StateLabel("b1") != "open" {
		t.Error("b1 should be open")
	}
	if b.StateLabel("b2") != "closed" {
		t.Error("b2 should remain closed")
	}
	if !b.Allow("b2") {
		t.Error("b2 should still allow requests")
	}
}
