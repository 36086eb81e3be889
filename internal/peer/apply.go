package peer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dirsync/dirsync/internal/signature"
	"github.com/dirsync/dirsync/internal/wire"
)

// handleDeltaTransfer applies every entry of a DELTA_TRANSFER batch. Each
// entry is always a create/modify of data the sender holds a strictly
// newer copy of (spec.md §4.3.1); a failure on one path is logged and does
// not abort the rest of the batch.
func (s *Session) handleDeltaTransfer(raw json.RawMessage) error {
	var transfer wire.Transfer
	if err := json.Unmarshal(raw, &transfer); err != nil {
		return fmt.Errorf("decoding DELTA_TRANSFER: %w", err)
	}

	for relPath, entry := range transfer {
		if err := s.applyIncoming(relPath, entry.MTime, entry.Delta, entry.IsFullFile); err != nil {
			s.logger.Warn("applying transfer entry failed", "path", relPath, "error", err)
		}
	}
	return nil
}

// handleModificationUpdate applies one live change detected by a remote
// change watcher.
func (s *Session) handleModificationUpdate(raw json.RawMessage) error {
	var upd wire.Update
	if err := json.Unmarshal(raw, &upd); err != nil {
		return fmt.Errorf("decoding MODIFICATION_UPDATE: %w", err)
	}

	switch upd.Action {
	case wire.ActionCreate, wire.ActionModify:
		return s.applyIncoming(upd.FilePath, upd.MTime, upd.Delta, upd.IsFullFile)
	case wire.ActionDelete:
		return s.applyDelete(upd.FilePath)
	case wire.ActionRename:
		return s.applyRename(upd.FilePath, upd.DestPath, upd.MTime)
	default:
		return fmt.Errorf("unknown action %q", upd.Action)
	}
}

// applyIncoming writes relPath's new content (spec.md §4.3.2). It marks the
// echo guard before touching disk, so the local watcher cannot observe the
// write as a genuine local edit. Both a missing base file and a missing
// local signature are treated as a skip, not a hard error: the next full
// reconciliation sweep will re-supply the path as a full file.
func (s *Session) applyIncoming(relPath string, mtime float64, serializedDelta []any, isFullFile bool) error {
	fullPath := filepath.Join(s.monitorDir, filepath.FromSlash(relPath))
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return fmt.Errorf("resolving absolute path for %q: %w", relPath, err)
	}
	s.guard.Mark(absPath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("creating parent directory for %q: %w", relPath, err)
	}

	delta, err := signature.DeserializeDelta(serializedDelta)
	if err != nil {
		return fmt.Errorf("decoding delta for %q: %w", relPath, err)
	}

	switch {
	case len(delta) == 0:
		if err := os.WriteFile(fullPath, nil, 0o644); err != nil {
			return fmt.Errorf("writing empty file %q: %w", relPath, err)
		}

	case isFullFile:
		var buf bytes.Buffer
		for _, item := range delta {
			buf.Write(item.Data)
		}
		if existing, err := os.ReadFile(fullPath); err == nil && bytes.Equal(existing, buf.Bytes()) {
			return nil // byte-identical, true no-op
		}
		if err := os.WriteFile(fullPath, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("writing full file %q: %w", relPath, err)
		}

	default:
		if _, err := os.Stat(fullPath); err != nil {
			s.logger.Warn("base file missing, skipping delta apply", "path", relPath)
			return nil
		}
		if _, exists, err := s.store.Load(relPath); err != nil {
			return fmt.Errorf("loading local signature for %q: %w", relPath, err)
		} else if !exists {
			s.logger.Warn("local signature missing, skipping delta apply", "path", relPath)
			return nil
		}
		if err := s.store.ApplyDelta(fullPath, delta); err != nil {
			return fmt.Errorf("applying delta to %q: %w", relPath, err)
		}
	}

	t := fromUnixFloat(mtime)
	if err := os.Chtimes(fullPath, t, t); err != nil {
		return fmt.Errorf("setting mtime on %q: %w", relPath, err)
	}

	newSig, err := s.store.Compute(fullPath)
	if err != nil {
		return fmt.Errorf("recomputing signature for %q: %w", relPath, err)
	}
	if _, err := s.store.Save(newSig, relPath); err != nil {
		return fmt.Errorf("saving signature for %q: %w", relPath, err)
	}
	return nil
}

// applyDelete removes relPath's data file and signature, if present.
func (s *Session) applyDelete(relPath string) error {
	fullPath := filepath.Join(s.monitorDir, filepath.FromSlash(relPath))
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return fmt.Errorf("resolving absolute path for %q: %w", relPath, err)
	}
	s.guard.Mark(absPath)

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %q: %w", relPath, err)
	}
	return s.store.Remove(relPath)
}

// applyRename moves srcRel to destRel. If the source data file is absent
// but a signature still exists for it, the signature is deleted rather
// than relocated to a path with no data behind it — the next full
// reconciliation sweep will re-supply the file from a peer that still has
// it (SPEC_FULL.md §5 item 3).
func (s *Session) applyRename(srcRel, destRel string, mtime float64) error {
	srcPath := filepath.Join(s.monitorDir, filepath.FromSlash(srcRel))
	destPath := filepath.Join(s.monitorDir, filepath.FromSlash(destRel))

	absSrc, err := filepath.Abs(srcPath)
	if err != nil {
		return fmt.Errorf("resolving absolute path for %q: %w", srcRel, err)
	}
	absDest, err := filepath.Abs(destPath)
	if err != nil {
		return fmt.Errorf("resolving absolute path for %q: %w", destRel, err)
	}
	s.guard.Mark(absSrc)
	s.guard.Mark(absDest)

	if _, err := os.Stat(srcPath); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("statting %q: %w", srcRel, err)
		}
		s.logger.Warn("rename source missing, dropping dangling signature", "path", srcRel)
		if rerr := s.store.Remove(srcRel); rerr != nil {
			return rerr
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating parent directory for %q: %w", destRel, err)
	}
	if err := os.Rename(srcPath, destPath); err != nil {
		return fmt.Errorf("renaming %q to %q: %w", srcRel, destRel, err)
	}

	t := fromUnixFloat(mtime)
	if err := os.Chtimes(destPath, t, t); err != nil {
		return fmt.Errorf("setting mtime on %q: %w", destRel, err)
	}

	if _, err := s.store.Rename(srcRel, destRel); err != nil {
		return fmt.Errorf("renaming signature %q to %q: %w", srcRel, destRel, err)
	}
	return nil
}

func toUnixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixFloat(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}
