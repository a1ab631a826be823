package dhcp

import (
	"sync"
	"time"
)

// Handle is an opaque reference to a scheduled timer, returned by
// Timers.Start and required by Stop/Reset.
type Handle uint64

// Token is whatever the core wants to recover a binding by when its timer
// fires; the registry uses the binding's MAC as a stable identifier.
type Token = [6]byte

// Timers is the abstract contract the core requires from its host
// environment for lease-expiry scheduling (§4.6). The core never blocks
// on I/O; timer delivery happens on whatever schedule the host chooses,
// by calling Server.TimedOut(token) between reactor iterations.
type Timers interface {
	// Start schedules a one-shot (periodic=false) or recurring callback
	// after delay, identified by token, and returns a handle to later
	// stop or reset it.
	Start(delay time.Duration, token Token, periodic bool) Handle

	// Stop cancels a scheduled timer. After Stop returns, no callback
	// for that handle will fire.
	Stop(handle Handle)

	// Reset reschedules an existing timer to fire after newDelay,
	// without changing its token.
	Reset(handle Handle, newDelay time.Duration)
}

// realTimers is the goroutine-based Timers implementation used outside
// of tests. It calls fire(token) on expiry from the timer's own
// goroutine; the services/dhcp package's Service.onTimedOut passes that
// straight to Server.TimedOut, which serialises it against RX with the
// registry's mutex.
type realTimers struct {
	mu      sync.Mutex
	next    Handle
	timers  map[Handle]*time.Timer
	fire    func(token Token)
}

// NewRealTimers returns a Timers backed by the standard library's
// time.Timer, delivering fired tokens to fire.
func NewRealTimers(fire func(token Token)) Timers {
	return &realTimers{
		timers: make(map[Handle]*time.Timer),
		fire:   fire,
	}
}

func (t *realTimers) Start(delay time.Duration, token Token, periodic bool) Handle {
	t.mu.Lock()
	t.next++
	h := t.next
	t.mu.Unlock()

	var timer *time.Timer
	if periodic {
		timer = time.AfterFunc(delay, func() { t.periodicFire(h, delay, token) })
	} else {
		timer = time.AfterFunc(delay, func() { t.fire(token) })
	}

	t.mu.Lock()
	t.timers[h] = timer
	t.mu.Unlock()
	return h
}

func (t *realTimers) periodicFire(h Handle, delay time.Duration, token Token) {
	t.fire(token)
	t.mu.Lock()
	timer, ok := t.timers[h]
	t.mu.Unlock()
	if ok {
		timer.Reset(delay)
	}
}

func (t *realTimers) Stop(handle Handle) {
	t.mu.Lock()
	timer, ok := t.timers[handle]
	delete(t.timers, handle)
	t.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (t *realTimers) Reset(handle Handle, newDelay time.Duration) {
	t.mu.Lock()
	timer, ok := t.timers[handle]
	t.mu.Unlock()
	if ok {
		timer.Reset(newDelay)
	}
}
