package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucket_BurstThenExhaustion(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clock, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("message %d within burst capacity denied", i)
		}
	}
	if b.Allow() {
		t.Fatalf("message beyond burst capacity allowed")
	}
}

func TestTokenBucket_RefillsAtRate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clock, 2, 2)

	if !b.Allow() || !b.Allow() {
		t.Fatalf("initial capacity denied")
	}
	if b.Allow() {
		t.Fatalf("empty bucket allowed")
	}

	clock.advance(500 * time.Millisecond) // 2 tokens/sec -> 1 token
	if !b.Allow() {
		t.Fatalf("refilled token denied")
	}
	if b.Allow() {
		t.Fatalf("second token allowed before refill")
	}
}

func TestTokenBucket_RefillClampsToCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clock, 2, 1000)

	if !b.Allow() || !b.Allow() {
		t.Fatalf("initial capacity denied")
	}

	clock.advance(time.Hour)
	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("token %d after long idle denied", i)
		}
	}
	if b.Allow() {
		t.Fatalf("refill exceeded capacity")
	}
}

func TestTokenBucket_TimeGoingBackwardsDoesNotRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clock, 1, 1)

	if !b.Allow() {
		t.Fatalf("initial token denied")
	}
	clock.now = clock.now.Add(-time.Minute)
	if b.Allow() {
		t.Fatalf("backwards clock must not refill")
	}
}

func TestTokenBucket_ZeroCapacityDeniesEverything(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clock, 0, 10)

	if b.Allow() {
		t.Fatalf("zero-capacity bucket allowed a message")
	}
	clock.advance(time.Minute)
	if b.Allow() {
		t.Fatalf("zero-capacity bucket allowed a message after refill window")
	}
}
