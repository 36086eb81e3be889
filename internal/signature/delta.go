package signature

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ItemKind distinguishes the two kinds of delta item.
type ItemKind int

const (
	// KindBlockRef means "reuse this block index from the receiver's base file".
	KindBlockRef ItemKind = iota
	// KindLiteral means "write these literal bytes; they have no match in the base file".
	KindLiteral
)

// DeltaItem is one instruction in a delta: either a reference to a block
// in the base file, or a chunk of literal new data.
type DeltaItem struct {
	Kind  ItemKind
	Index uint64
	Data  []byte
}

type searchEntry struct {
	strong [strongSize]byte
	index  int
}

// GenerateDelta computes a delta that describes how to turn a copy of the
// file the signature sig was computed from into newFilePath's content.
func (s *Store) GenerateDelta(sig []Block, newFilePath string) ([]DeltaItem, error) {
	f, err := os.Open(newFilePath)
	if err != nil {
		return nil, fmt.Errorf("signature: opening %q: %w", newFilePath, err)
	}
	defer f.Close()

	return generateDelta(f, sig, s.blockSize)
}

func generateDelta(r io.Reader, sig []Block, blockSize int) ([]DeltaItem, error) {
	search := make(map[uint32][]searchEntry, len(sig))
	for i, b := range sig {
		search[b.Weak] = append(search[b.Weak], searchEntry{strong: b.Strong, index: i})
	}

	rh := newRollingHash()
	strong := md5.New()

	var items []DeltaItem
	var literal []byte
	rolling := false
	readBuf := make([]byte, blockSize)

	flushLiteral := func() {
		if len(literal) > 0 {
			items = append(items, DeltaItem{Kind: KindLiteral, Data: literal})
			literal = nil
		}
	}

	for {
		var chunk []byte
		if !rolling {
			chunk = readBuf
		} else {
			chunk = readBuf[:1]
		}
		n, err := r.Read(chunk)
		if n == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("signature: reading source: %w", err)
		}
		chunk = chunk[:n]

		if !rolling {
			rh.load(chunk)
		} else {
			literal = append(literal, rh.roll(chunk[0]))
		}

		if idx, ok := matchBlock(search, rh, strong); ok {
			flushLiteral()
			items = append(items, DeltaItem{Kind: KindBlockRef, Index: uint64(idx)})
			rolling = false
			continue
		}
		rolling = true

		if err == io.EOF {
			break
		}
	}

	if rolling {
		literal = append(literal, rh.window()...)
	}
	flushLiteral()

	return items, nil
}

// matchBlock checks whether the rolling window's current content matches a
// block in the signature, consuming the match so duplicate blocks in the
// base file are each only used once.
func matchBlock(search map[uint32][]searchEntry, rh *rollingHash, strong hashResetWriter) (int, bool) {
	entries, ok := search[rh.sum32()]
	if !ok {
		return 0, false
	}

	content := rh.window()
	strong.Reset()
	strong.Write(content)
	sum := strong.Sum(nil)

	for i, e := range entries {
		if bytes.Equal(e.strong[:], sum) {
			search[rh.sum32()] = append(entries[:i:i], entries[i+1:]...)
			return e.index, true
		}
	}
	return 0, false
}

// hashResetWriter is the subset of hash.Hash used by matchBlock; declared
// narrowly so the strong-hash algorithm can be swapped without touching
// the matching logic.
type hashResetWriter interface {
	Reset()
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// ApplyDelta reconstructs baseFilePath's new content by applying delta
// against its current content, writing into a temporary file alongside it
// and atomically replacing the original. On any failure the temp file is
// removed and baseFilePath is left untouched.
func (s *Store) ApplyDelta(baseFilePath string, delta []DeltaItem) error {
	base, err := os.Open(baseFilePath)
	if err != nil {
		return fmt.Errorf("signature: opening base %q: %w", baseFilePath, err)
	}
	defer base.Close()

	tmp, err := os.CreateTemp(filepath.Dir(baseFilePath), ".dirsync-*.tmp")
	if err != nil {
		return fmt.Errorf("signature: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	fail := func(cause error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return cause
	}

	blockBuf := make([]byte, s.blockSize)
	for _, item := range delta {
		switch item.Kind {
		case KindLiteral:
			if _, err := tmp.Write(item.Data); err != nil {
				return fail(fmt.Errorf("signature: writing literal chunk: %w", err))
			}
		case KindBlockRef:
			n, err := base.ReadAt(blockBuf, int64(item.Index)*int64(s.blockSize))
			if err != nil && err != io.EOF {
				return fail(fmt.Errorf("signature: reading base block %d: %w", item.Index, err))
			}
			if _, err := tmp.Write(blockBuf[:n]); err != nil {
				return fail(fmt.Errorf("signature: writing block %d: %w", item.Index, err))
			}
		default:
			return fail(fmt.Errorf("signature: unknown delta item kind %v", item.Kind))
		}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("signature: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, baseFilePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("signature: replacing %q: %w", baseFilePath, err)
	}
	return nil
}

// SerializeDelta converts a delta into a JSON-safe list: block indexes
// pass through as integers, literal chunks become base64 strings.
func SerializeDelta(delta []DeltaItem) ([]any, error) {
	out := make([]any, 0, len(delta))
	for _, item := range delta {
		switch item.Kind {
		case KindBlockRef:
			out = append(out, item.Index)
		case KindLiteral:
			out = append(out, base64.StdEncoding.EncodeToString(item.Data))
		default:
			return nil, fmt.Errorf("signature: unknown delta item kind %v", item.Kind)
		}
	}
	return out, nil
}

// DeserializeDelta is the inverse of SerializeDelta. It accepts both
// directly-constructed values (uint64/int/int64) and values that round
// tripped through encoding/json, which decodes all JSON numbers as
// float64 or json.Number when looked up through an interface{}.
func DeserializeDelta(raw []any) ([]DeltaItem, error) {
	out := make([]DeltaItem, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case uint64:
			out = append(out, DeltaItem{Kind: KindBlockRef, Index: t})
		case int:
			out = append(out, DeltaItem{Kind: KindBlockRef, Index: uint64(t)})
		case int64:
			out = append(out, DeltaItem{Kind: KindBlockRef, Index: uint64(t)})
		case float64:
			out = append(out, DeltaItem{Kind: KindBlockRef, Index: uint64(t)})
		case json.Number:
			n, err := t.Int64()
			if err != nil {
				return nil, fmt.Errorf("signature: invalid block index %q: %w", t, err)
			}
			out = append(out, DeltaItem{Kind: KindBlockRef, Index: uint64(n)})
		case string:
			data, err := base64.StdEncoding.DecodeString(t)
			if err != nil {
				return nil, fmt.Errorf("signature: invalid literal chunk: %w", err)
			}
			out = append(out, DeltaItem{Kind: KindLiteral, Data: data})
		default:
			return nil, fmt.Errorf("signature: unsupported delta element type %T", v)
		}
	}
	return out, nil
}
