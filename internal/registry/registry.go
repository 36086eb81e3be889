// Package registry keeps the live set of connected peer sessions and
// accepts inbound connections on the node's listen port. Grounded on the
// accept-loop-with-backoff shape of internal/server/server.go, adapted from
// a single backup listener to a bidirectional mesh of peer sessions.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dirsync/dirsync/internal/echoguard"
	"github.com/dirsync/dirsync/internal/peer"
	"github.com/dirsync/dirsync/internal/signature"
	"github.com/dirsync/dirsync/internal/wire"
)

// Registry is the mutex-guarded map of live peer sessions, keyed by the
// remote "ip:port" string.
type Registry struct {
	store      *signature.Store
	guard      *echoguard.Guard
	monitorDir string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*peer.Session
	stopped  bool
}

// New creates an empty Registry. store, guard and monitorDir are threaded
// into every session it creates or accepts.
func New(store *signature.Store, guard *echoguard.Guard, monitorDir string, logger *slog.Logger) *Registry {
	return &Registry{
		store:      store,
		guard:      guard,
		monitorDir: monitorDir,
		logger:     logger.With("component", "registry"),
		sessions:   make(map[string]*peer.Session),
	}
}

// Connect dials addr, creates a session and starts it in its own goroutine.
// A connect to an address already present in the registry is a no-op.
func (r *Registry) Connect(addr string) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("registry: stopped")
	}
	if _, ok := r.sessions[addr]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("registry: dialing %s: %w", addr, err)
	}
	r.start(addr, conn)
	return nil
}

// Accept wraps an already-accepted inbound connection in a session and
// starts it, keyed by the remote address reported by conn.
func (r *Registry) Accept(conn net.Conn) {
	addr := conn.RemoteAddr().String()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		conn.Close()
		return
	}
	if _, ok := r.sessions[addr]; ok {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.mu.Unlock()

	r.start(addr, conn)
}

func (r *Registry) start(addr string, conn net.Conn) {
	s := peer.New(addr, conn, r.store, r.guard, r.monitorDir, r, r.logger)

	r.mu.Lock()
	r.sessions[addr] = s
	r.mu.Unlock()

	go func() {
		if err := s.Run(); err != nil {
			r.logger.Warn("peer session ended with error", "peer_addr", addr, "error", err)
		}
	}()
}

// Remove drops addr from the live set. Implements peer.Registry. Safe to
// call for an address that is not present, or more than once.
func (r *Registry) Remove(addr string) {
	r.mu.Lock()
	delete(r.sessions, addr)
	r.mu.Unlock()
}

// Broadcast sends payload to every currently synchronized session. Sessions
// still in their initial handshake are skipped, per spec.md's rule that
// only a synchronized peer is eligible for live updates.
func (r *Registry) Broadcast(msgType wire.Type, payload any) {
	for _, s := range r.snapshot() {
		if !s.Synchronized() {
			continue
		}
		if err := s.Send(msgType, payload); err != nil {
			r.logger.Warn("broadcast send failed", "peer_addr", s.Addr, "error", err)
		}
	}
}

// Reconcile re-sends this node's DIRECTORY_STATE to every synchronized
// peer, used by the periodic full-reconciliation sweep.
func (r *Registry) Reconcile(logger *slog.Logger) {
	for _, s := range r.snapshot() {
		if !s.Synchronized() {
			continue
		}
		manifest, err := s.BuildManifest()
		if err != nil {
			logger.Warn("reconcile: building manifest failed", "peer_addr", s.Addr, "error", err)
			continue
		}
		if err := s.Send(wire.DirectoryState, manifest); err != nil {
			logger.Warn("reconcile: resend failed", "peer_addr", s.Addr, "error", err)
		}
	}
}

func (r *Registry) snapshot() []*peer.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Stop closes every live session and marks the registry as no longer
// accepting new connections.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.stopped = true
	sessions := make([]*peer.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// Serve accepts inbound connections on ln until ctx is cancelled. Grounded
// on the accept-loop-with-backoff shape of internal/server/server.go's Run.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				consecutiveErrors++
				r.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}
		consecutiveErrors = 0
		r.Accept(conn)
	}
}
