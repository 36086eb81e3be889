package peer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dirsync/dirsync/internal/signature"
)

func TestApplyIncoming_FullFileCreate(t *testing.T) {
	dir := t.TempDir()
	s, peerConn := newTestSession(t, dir)
	defer peerConn.Close()

	serialized, err := signature.SerializeDelta([]signature.DeltaItem{{Kind: signature.KindLiteral, Data: []byte("hello world")}})
	if err != nil {
		t.Fatalf("SerializeDelta: %v", err)
	}

	mtime := time.Now().Truncate(time.Second)
	if err := s.applyIncoming("new.txt", toUnixFloat(mtime), serialized, true); err != nil {
		t.Fatalf("applyIncoming: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	if err != nil {
		t.Fatalf("reading applied file: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("content = %q, want %q", got, "hello world")
	}

	if _, exists, err := s.store.Load("new.txt"); err != nil || !exists {
		t.Fatalf("expected a signature to be saved for the new file, exists=%v err=%v", exists, err)
	}

	absPath, _ := filepath.Abs(filepath.Join(dir, "new.txt"))
	if !s.guard.ShouldSuppress(absPath) {
		t.Fatal("expected the echo guard to suppress the path applyIncoming just wrote")
	}
}

func TestApplyIncoming_SkipsWhenSignatureMissing(t *testing.T) {
	dir := t.TempDir()
	s, peerConn := newTestSession(t, dir)
	defer peerConn.Close()

	path := filepath.Join(dir, "existing.txt")
	if err := os.WriteFile(path, []byte("original content"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	delta := []signature.DeltaItem{{Kind: signature.KindBlockRef, Index: 0}}
	serialized, err := signature.SerializeDelta(delta)
	if err != nil {
		t.Fatalf("SerializeDelta: %v", err)
	}

	if err := s.applyIncoming("existing.txt", toUnixFloat(time.Now()), serialized, false); err != nil {
		t.Fatalf("applyIncoming should skip, not error, when the local signature is missing: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if string(got) != "original content" {
		t.Fatalf("expected the file to be left untouched, got %q", got)
	}
}

func TestApplyIncoming_EmptyDeltaWritesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	s, peerConn := newTestSession(t, dir)
	defer peerConn.Close()

	if err := s.applyIncoming("empty.txt", toUnixFloat(time.Now()), []any{}, true); err != nil {
		t.Fatalf("applyIncoming: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "empty.txt"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected an empty file, got size %d", info.Size())
	}
}

func TestApplyDelete_RemovesFileAndSignature(t *testing.T) {
	dir := t.TempDir()
	s, peerConn := newTestSession(t, dir)
	defer peerConn.Close()

	path := filepath.Join(dir, "gone.txt")
	if err := os.WriteFile(path, []byte("bye"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	sig, _ := s.store.Compute(path)
	if _, err := s.store.Save(sig, "gone.txt"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.applyDelete("gone.txt"); err != nil {
		t.Fatalf("applyDelete: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file to be removed, stat err=%v", err)
	}
	if _, exists, _ := s.store.Load("gone.txt"); exists {
		t.Fatal("expected signature to be removed")
	}
}

func TestApplyRename_MovesFileAndSignature(t *testing.T) {
	dir := t.TempDir()
	s, peerConn := newTestSession(t, dir)
	defer peerConn.Close()

	srcPath := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(srcPath, []byte("content"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	sig, _ := s.store.Compute(srcPath)
	if _, err := s.store.Save(sig, "old.txt"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	mtime := time.Now().Truncate(time.Second)
	if err := s.applyRename("old.txt", "new.txt", toUnixFloat(mtime)); err != nil {
		t.Fatalf("applyRename: %v", err)
	}

	if _, err := os.Stat(srcPath); !os.IsNotExist(err) {
		t.Fatalf("expected source file to be gone, err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); err != nil {
		t.Fatalf("expected destination file to exist: %v", err)
	}
	if _, exists, _ := s.store.Load("old.txt"); exists {
		t.Fatal("expected source signature to be gone")
	}
	if _, exists, _ := s.store.Load("new.txt"); !exists {
		t.Fatal("expected destination signature to exist")
	}
}

func TestApplyRename_DanglingSignatureIsDeletedNotMoved(t *testing.T) {
	dir := t.TempDir()
	s, peerConn := newTestSession(t, dir)
	defer peerConn.Close()

	sig := []signature.Block{{Weak: 1}}
	if _, err := s.store.Save(sig, "ghost.txt"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.applyRename("ghost.txt", "ghost2.txt", toUnixFloat(time.Now())); err != nil {
		t.Fatalf("applyRename of a missing source should not error: %v", err)
	}

	if _, exists, _ := s.store.Load("ghost.txt"); exists {
		t.Fatal("expected the dangling source signature to be deleted")
	}
	if _, exists, _ := s.store.Load("ghost2.txt"); exists {
		t.Fatal("expected no signature to be created at the destination for a dangling rename")
	}
}
