package peer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dirsync/dirsync/internal/signature"
	"github.com/dirsync/dirsync/internal/wire"
)

// localManifest walks the monitored directory and builds this node's
// current DIRECTORY_STATE payload: for every regular file, its mtime, size
// and compressed block signature (computed and persisted as a side
// effect). Grounded on dir_sync/node.py's
// get_local_directory_state_with_signatures.
func (s *Session) localManifest() (wire.Manifest, error) {
	manifest := wire.Manifest{}

	err := filepath.WalkDir(s.monitorDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(s.monitorDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		sig, err := s.store.Compute(path)
		if err != nil {
			return fmt.Errorf("computing signature for %q: %w", rel, err)
		}
		compressed, err := s.store.Save(sig, rel)
		if err != nil {
			return fmt.Errorf("saving signature for %q: %w", rel, err)
		}

		manifest[rel] = wire.ManifestEntry{
			MTime:     toUnixFloat(info.ModTime()),
			Size:      uint64(info.Size()),
			Signature: base64.StdEncoding.EncodeToString(compressed),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

// handleDirectoryState implements spec.md §4.3.1: compare the remote
// manifest against the local one, build a DELTA_TRANSFER for every path
// this node holds a strictly newer copy of, and mark the session
// synchronized regardless of whether any transfer was needed.
func (s *Session) handleDirectoryState(raw json.RawMessage) error {
	var remote wire.Manifest
	if err := json.Unmarshal(raw, &remote); err != nil {
		return fmt.Errorf("decoding DIRECTORY_STATE: %w", err)
	}

	local, err := s.localManifest()
	if err != nil {
		return fmt.Errorf("building local manifest: %w", err)
	}

	transfer := wire.Transfer{}
	for path := range union(local, remote) {
		lf, lok := local[path]
		rf, rok := remote[path]

		switch {
		case lok && rok:
			if lf.MTime <= rf.MTime {
				continue // remote newer, or a tie: no-op per the conflict policy
			}
			entry, err := s.prepareTransferEntry(path, &rf)
			if err != nil {
				s.logger.Warn("preparing delta failed, skipping path", "path", path, "error", err)
				continue
			}
			transfer[path] = entry
		case lok && !rok:
			entry, err := s.prepareTransferEntry(path, nil)
			if err != nil {
				s.logger.Warn("preparing full-file transfer failed, skipping path", "path", path, "error", err)
				continue
			}
			transfer[path] = entry
		default:
			// remote-only: nothing to send, remote will push it to us.
		}
	}

	if len(transfer) > 0 {
		if err := s.channel.Send(wire.DeltaTransfer, transfer); err != nil {
			return fmt.Errorf("sending delta transfer: %w", err)
		}
	}

	s.setSynchronized(true)
	return nil
}

// prepareTransferEntry builds one DELTA_TRANSFER entry for path: a
// block-delta against remote's signature when remote has a copy, or the
// full file (a single literal chunk) when remote has none at all.
func (s *Session) prepareTransferEntry(relPath string, remote *wire.ManifestEntry) (wire.TransferEntry, error) {
	fullPath := filepath.Join(s.monitorDir, filepath.FromSlash(relPath))
	info, err := os.Stat(fullPath)
	if err != nil {
		return wire.TransferEntry{}, fmt.Errorf("statting %q: %w", relPath, err)
	}
	mtime := toUnixFloat(info.ModTime())

	if remote == nil {
		data, err := os.ReadFile(fullPath)
		if err != nil {
			return wire.TransferEntry{}, fmt.Errorf("reading %q: %w", relPath, err)
		}
		serialized, err := signature.SerializeDelta([]signature.DeltaItem{{Kind: signature.KindLiteral, Data: data}})
		if err != nil {
			return wire.TransferEntry{}, err
		}
		return wire.TransferEntry{Delta: serialized, MTime: mtime, Action: wire.ActionCreate, IsFullFile: true}, nil
	}

	remoteSigBytes, err := base64.StdEncoding.DecodeString(remote.Signature)
	if err != nil {
		return wire.TransferEntry{}, fmt.Errorf("decoding remote signature for %q: %w", relPath, err)
	}
	remoteSig, err := s.store.Parse(remoteSigBytes)
	if err != nil {
		return wire.TransferEntry{}, fmt.Errorf("parsing remote signature for %q: %w", relPath, err)
	}
	delta, err := s.store.GenerateDelta(remoteSig, fullPath)
	if err != nil {
		return wire.TransferEntry{}, fmt.Errorf("generating delta for %q: %w", relPath, err)
	}
	serialized, err := signature.SerializeDelta(delta)
	if err != nil {
		return wire.TransferEntry{}, err
	}
	return wire.TransferEntry{Delta: serialized, MTime: mtime, Action: wire.ActionCreate, IsFullFile: false}, nil
}

func union(local, remote wire.Manifest) map[string]struct{} {
	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}
	return keys
}
