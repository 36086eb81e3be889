// Package echoguard tracks paths that were just written by an incoming
// remote delta application, so the local change watcher can tell a
// self-generated filesystem event from a genuinely new local edit and
// avoid re-broadcasting it back to the peer it came from.
package echoguard

import (
	"sync"
	"time"
)

// Window is the default duration an inserted entry suppresses events for.
// Tunable — see internal/config.
const Window = 500 * time.Millisecond

// Guard is a concurrency-safe map from absolute path to the monotonic
// time a remote-originated write landed there.
type Guard struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

// New creates a Guard that suppresses events for window after each
// insert. window <= 0 selects Window.
func New(window time.Duration) *Guard {
	if window <= 0 {
		window = Window
	}
	return &Guard{window: window, entries: make(map[string]time.Time)}
}

// Mark records that path was just written by a remote delta apply, at
// the current instant. Must be called before the write touches disk so
// the watcher cannot observe the write before the suppression entry
// exists.
func (g *Guard) Mark(path string) {
	g.mu.Lock()
	g.entries[path] = time.Now()
	g.mu.Unlock()
}

// ShouldSuppress reports whether an event observed now for path should be
// dropped as a self-echo. A matching entry younger than the guard window
// suppresses the event and is kept (it may still be needed for a second,
// nearly-simultaneous event); an entry at or past the window is evicted
// and the event is allowed through.
func (g *Guard) ShouldSuppress(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.entries[path]
	if !ok {
		return false
	}
	if time.Since(t) < g.window {
		return true
	}
	delete(g.entries, path)
	return false
}
