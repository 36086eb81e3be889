package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dirsync/dirsync/internal/echoguard"
	"github.com/dirsync/dirsync/internal/logging"
	"github.com/dirsync/dirsync/internal/signature"
	"github.com/dirsync/dirsync/internal/wire"
)

type fakeBroadcaster struct {
	mu      sync.Mutex
	updates []wire.Update
}

func (f *fakeBroadcaster) Broadcast(msgType wire.Type, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := payload.(wire.Update); ok {
		f.updates = append(f.updates, u)
	}
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func newTestWatcher(t *testing.T, dir string, fb *fakeBroadcaster) *Watcher {
	t.Helper()
	store := signature.NewStore(filepath.Join(dir, ".sigs"), 8)
	if err := store.Init(); err != nil {
		t.Fatalf("Init store: %v", err)
	}
	guard := echoguard.New(50 * time.Millisecond)
	logger, _ := logging.NewLogger("error", "text", "")

	w, err := New(dir, store, guard, fb, 20*time.Millisecond, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.AddAll(); err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWatcher_IgnoresEditorBackupFiles(t *testing.T) {
	if !shouldIgnoreName("/some/path/file.txt~") {
		t.Fatal("expected a trailing-~ file to be ignored")
	}
	if shouldIgnoreName("/some/path/file.txt") {
		t.Fatal("expected a normal file not to be ignored")
	}
}

func TestWatcher_BroadcastsCreate(t *testing.T) {
	dir := t.TempDir()
	fb := &fakeBroadcaster{}
	w := newTestWatcher(t, dir, fb)
	go w.Run()

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("content"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fb.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a broadcast after file creation")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_SuppressesEchoGuardedPath(t *testing.T) {
	dir := t.TempDir()
	fb := &fakeBroadcaster{}
	w := newTestWatcher(t, dir, fb)
	go w.Run()

	path := filepath.Join(dir, "echoed.txt")
	absPath, _ := filepath.Abs(path)
	w.guard.Mark(absPath)

	if err := os.WriteFile(path, []byte("from a peer"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if fb.count() != 0 {
		t.Fatalf("expected the echo-guarded write to be suppressed, got %d broadcasts", fb.count())
	}
}

func TestWatcher_CorrelatesRenameIntoSingleRenameUpdate(t *testing.T) {
	dir := t.TempDir()
	fb := &fakeBroadcaster{}
	w := newTestWatcher(t, dir, fb)

	srcPath := filepath.Join(dir, "old.txt")
	if err := os.WriteFile(srcPath, []byte("content"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	sig, err := w.store.Compute(srcPath)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if _, err := w.store.Save(sig, "old.txt"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	destPath := filepath.Join(dir, "new.txt")
	w.handle(renameEvent(srcPath))
	w.handle(createEvent(destPath))

	if fb.count() != 1 {
		t.Fatalf("expected exactly one broadcast for a rename, got %d", fb.count())
	}
	upd := fb.updates[0]
	if upd.Action != wire.ActionRename {
		t.Fatalf("expected a RENAME update, got %q", upd.Action)
	}
	if upd.FilePath != "old.txt" || upd.DestPath != "new.txt" {
		t.Fatalf("expected FilePath=old.txt DestPath=new.txt, got FilePath=%q DestPath=%q", upd.FilePath, upd.DestPath)
	}
	if _, exists, _ := w.store.Load("old.txt"); exists {
		t.Fatal("expected the source signature to be gone after a rename")
	}
}

func TestWatcher_RenameWithoutFollowingCreateFallsBackToDelete(t *testing.T) {
	dir := t.TempDir()
	fb := &fakeBroadcaster{}
	w := newTestWatcher(t, dir, fb)

	srcPath := filepath.Join(dir, "gone.txt")
	if _, err := w.store.Save(nil, "gone.txt"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	w.handle(renameEvent(srcPath))

	deadline := time.Now().Add(time.Second)
	for fb.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the grace window to expire into a delete")
		}
		time.Sleep(10 * time.Millisecond)
	}
	upd := fb.updates[0]
	if upd.Action != wire.ActionDelete {
		t.Fatalf("expected a DELETE fallback, got %q", upd.Action)
	}
}

func renameEvent(path string) fsnotify.Event {
	return fsnotify.Event{Name: path, Op: fsnotify.Rename}
}

func createEvent(path string) fsnotify.Event {
	return fsnotify.Event{Name: path, Op: fsnotify.Create}
}

func TestWatcher_DebounceCollapsesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	fb := &fakeBroadcaster{}
	w := newTestWatcher(t, dir, fb)

	path := filepath.Join(dir, "hot.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	absPath, _ := filepath.Abs(path)
	if w.allowModify(absPath) {
		// Drain the first token so the next few calls exercise the debounce path.
	}
	if w.allowModify(absPath) {
		t.Fatal("expected a second rapid modify to be debounced")
	}
}
