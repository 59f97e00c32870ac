package ratelimit

import (
	"testing"
	"time"
)

func TestBucketBurstThenDeny(t *testing.T) {
	b := NewBucket(10, 1.0)
	for i := 0; i < 10; i++ {
		if !b.Allow() {
			t.Fatalf("send %d denied within burst", i+1)
		}
	}
	if b.Allow() {
		t.Fatal("11th send allowed, want denied")
	}
}

func TestBucketRefill(t *testing.T) {
	b := NewBucket(2, 10.0) // fast refill keeps the test quick
	b.Allow()
	b.Allow()
	if b.Allow() {
		t.Fatal("bucket not empty after burst")
	}
	time.Sleep(150 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("no token after refill window")
	}
}

func TestKeyedIndependentKeys(t *testing.T) {
	k := NewKeyed(1, 0.1)
	if !k.Allow("alice") {
		t.Fatal("alice first send denied")
	}
	if k.Allow("alice") {
		t.Fatal("alice second send allowed")
	}
	if !k.Allow("bob") {
		t.Fatal("bob starved by alice's bucket")
	}
}

func TestKeyedConcurrentDistinctKeys(t *testing.T) {
	k := NewKeyed(5, 1.0)
	done := make(chan bool)
	for i := 0; i < 8; i++ {
		key := string(rune('a' + i))
		go func() {
			ok := true
			for j := 0; j < 5; j++ {
				ok = ok && k.Allow(key)
			}
			done <- ok
		}()
	}
	for i := 0; i < 8; i++ {
		if !<-done {
			t.Fatal("burst denied under concurrent distinct keys")
		}
	}
}

func TestKeyedForgetAndPrune(t *testing.T) {
	k := NewKeyed(1, 0.0001)
	k.Allow("alice")
	k.Forget("alice")
	if !k.Allow("alice") {
		t.Fatal("forgotten key should start with a full bucket")
	}

	k.Allow("bob")
	if n := k.Prune(0); n != 2 {
		t.Fatalf("Prune dropped %d buckets, want 2", n)
	}
}
