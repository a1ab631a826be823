package dhcp

import (
	"sync"
	"testing"
	"time"
)

func TestRealTimersFireAndStop(t *testing.T) {
	var mu sync.Mutex
	fired := make([]Token, 0)
	timers := NewRealTimers(func(token Token) {
		mu.Lock()
		fired = append(fired, token)
		mu.Unlock()
	})

	token := Token{1, 2, 3, 4, 5, 6}
	h := timers.Start(10*time.Millisecond, token, false)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	n := len(fired)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected timer to fire exactly once, got %d", n)
	}

	// Stop after firing is a no-op, must not panic.
	timers.Stop(h)
}

func TestRealTimersStopPreventsFire(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	timers := NewRealTimers(func(token Token) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	h := timers.Start(30*time.Millisecond, Token{}, false)
	timers.Stop(h)
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Fatalf("expected stopped timer not to fire, got %d fires", fired)
	}
}
