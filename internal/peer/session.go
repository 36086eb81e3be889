// Package peer implements one per-connection session with a remote node:
// the handshake/reconciliation exchange, live update application, and the
// echo-suppression rule that keeps a node from re-broadcasting a change it
// just received back to its origin.
package peer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/dirsync/dirsync/internal/echoguard"
	"github.com/dirsync/dirsync/internal/signature"
	"github.com/dirsync/dirsync/internal/wire"
)

// Registry is the subset of the peer registry a Session needs, to avoid an
// import cycle between internal/peer and internal/registry.
type Registry interface {
	Remove(addr string)
}

// Session owns one peer connection. It is HANDSHAKING until it has
// processed an incoming DIRECTORY_STATE, at which point Synchronized
// becomes true and it is eligible to receive live broadcasts; it is CLOSED
// once the channel fails or Close is called. In practice the three-state
// machine collapses to a single boolean plus a closed flag, matching
// spec.md's own note that this is how implementers tend to build it.
type Session struct {
	Addr string // "ip:port", used as the registry key and in logs

	channel    *wire.Channel
	store      *signature.Store
	guard      *echoguard.Guard
	monitorDir string
	registry   Registry
	logger     *slog.Logger

	mu           sync.Mutex
	synchronized bool
	closed       bool
}

// New creates a Session wrapping an already-established connection. Run
// must be called to drive the handshake and message loop.
func New(addr string, conn net.Conn, store *signature.Store, guard *echoguard.Guard, monitorDir string, registry Registry, logger *slog.Logger) *Session {
	return &Session{
		Addr:       addr,
		channel:    wire.New(conn),
		store:      store,
		guard:      guard,
		monitorDir: monitorDir,
		registry:   registry,
		logger:     logger.With("component", "peer", "peer_addr", addr),
	}
}

// Synchronized reports whether this session has completed at least one
// DIRECTORY_STATE exchange and is eligible for live broadcasts.
func (s *Session) Synchronized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synchronized
}

func (s *Session) setSynchronized(v bool) {
	s.mu.Lock()
	s.synchronized = v
	s.mu.Unlock()
}

// Close tears the session down and removes it from the registry. Safe to
// call more than once.
func (s *Session) Close() {
	s.close()
}

// BuildManifest computes this node's current directory manifest, for the
// periodic full-reconciliation sweep to resend as a fresh DIRECTORY_STATE.
func (s *Session) BuildManifest() (wire.Manifest, error) {
	return s.localManifest()
}

// Closed reports whether the session's channel has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Send delivers payload to the remote peer. Returns an error without
// closing the session itself — the caller's Run loop owns teardown once its
// own Recv fails.
func (s *Session) Send(msgType wire.Type, payload any) error {
	return s.channel.Send(msgType, payload)
}

// Run sends the session's own directory manifest (the HANDSHAKING entry
// action) and then services incoming frames until the channel fails or
// Close is called. It always returns with the session CLOSED and removed from the
// registry.
func (s *Session) Run() error {
	defer s.close()

	manifest, err := s.localManifest()
	if err != nil {
		return fmt.Errorf("peer %s: building local manifest: %w", s.Addr, err)
	}
	if err := s.channel.Send(wire.DirectoryState, manifest); err != nil {
		return fmt.Errorf("peer %s: sending handshake: %w", s.Addr, err)
	}

	for {
		env, err := s.channel.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("peer disconnected")
			} else {
				s.logger.Warn("recv failed, closing session", "error", err)
			}
			return nil
		}

		if err := s.dispatch(env); err != nil {
			s.logger.Warn("handling frame failed", "type", env.Type, "error", err)
		}
	}
}

func (s *Session) dispatch(env *wire.Envelope) error {
	switch env.Type {
	case wire.DirectoryState:
		return s.handleDirectoryState(env.Payload)
	case wire.DeltaTransfer:
		return s.handleDeltaTransfer(env.Payload)
	case wire.ModificationUpdate:
		return s.handleModificationUpdate(env.Payload)
	default:
		return fmt.Errorf("unknown frame type %q", env.Type)
	}
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.channel.Close()
	if s.registry != nil {
		s.registry.Remove(s.Addr)
	}
}
