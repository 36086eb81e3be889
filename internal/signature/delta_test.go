package signature

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateApplyDelta_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "sigs"), 4)

	basePath := filepath.Join(dir, "base.txt")
	baseContent := []byte("0123456789ABCDEF")
	if err := os.WriteFile(basePath, baseContent, 0o644); err != nil {
		t.Fatalf("writing base fixture: %v", err)
	}

	sig, err := store.Compute(basePath)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	newPath := filepath.Join(dir, "new.txt")
	newContent := []byte("XY23456789ABCDEFGH")
	if err := os.WriteFile(newPath, newContent, 0o644); err != nil {
		t.Fatalf("writing new fixture: %v", err)
	}

	delta, err := store.GenerateDelta(sig, newPath)
	if err != nil {
		t.Fatalf("GenerateDelta: %v", err)
	}

	if err := store.ApplyDelta(basePath, delta); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}

	got, err := os.ReadFile(basePath)
	if err != nil {
		t.Fatalf("reading reconstructed file: %v", err)
	}
	if !bytes.Equal(got, newContent) {
		t.Fatalf("reconstructed content mismatch:\n got:  %q\n want: %q", got, newContent)
	}
}

func TestGenerateApplyDelta_IdenticalFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "sigs"), 4)

	basePath := filepath.Join(dir, "base.txt")
	content := []byte("same content here")
	if err := os.WriteFile(basePath, content, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	sig, err := store.Compute(basePath)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	delta, err := store.GenerateDelta(sig, basePath)
	if err != nil {
		t.Fatalf("GenerateDelta: %v", err)
	}
	for _, item := range delta {
		if item.Kind == KindLiteral {
			t.Fatalf("expected an identical file to produce only block references, got a literal chunk")
		}
	}

	if err := store.ApplyDelta(basePath, delta); err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	got, err := os.ReadFile(basePath)
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content changed after applying a no-op delta: got %q, want %q", got, content)
	}
}

func TestApplyDelta_FailureLeavesBaseUntouched(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "sigs"), 4)

	basePath := filepath.Join(dir, "base.txt")
	content := []byte("original")
	if err := os.WriteFile(basePath, content, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	badDelta := []DeltaItem{{Kind: ItemKind(99)}}
	if err := store.ApplyDelta(basePath, badDelta); err == nil {
		t.Fatal("expected ApplyDelta to fail on an unknown delta item kind")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("expected no leftover temp file, found %q", e.Name())
		}
	}

	got, err := os.ReadFile(basePath)
	if err != nil {
		t.Fatalf("reading base file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("base file was modified despite a failed apply: got %q, want %q", got, content)
	}
}

func TestSerializeDeserializeDelta_RoundTrip(t *testing.T) {
	delta := []DeltaItem{
		{Kind: KindBlockRef, Index: 0},
		{Kind: KindLiteral, Data: []byte("hello")},
		{Kind: KindBlockRef, Index: 7},
	}

	serialized, err := SerializeDelta(delta)
	if err != nil {
		t.Fatalf("SerializeDelta: %v", err)
	}

	got, err := DeserializeDelta(serialized)
	if err != nil {
		t.Fatalf("DeserializeDelta: %v", err)
	}
	if len(got) != len(delta) {
		t.Fatalf("expected %d items, got %d", len(delta), len(got))
	}
	for i := range delta {
		if got[i].Kind != delta[i].Kind || got[i].Index != delta[i].Index || !bytes.Equal(got[i].Data, delta[i].Data) {
			t.Fatalf("item %d mismatch: got %+v, want %+v", i, got[i], delta[i])
		}
	}
}

func TestDeserializeDelta_JSONNumberTypes(t *testing.T) {
	// encoding/json decodes numbers inside an interface{} as float64; this
	// must decode the same way a directly-constructed uint64/int would.
	raw := []any{float64(5), "aGVsbG8="}
	got, err := DeserializeDelta(raw)
	if err != nil {
		t.Fatalf("DeserializeDelta: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0].Kind != KindBlockRef || got[0].Index != 5 {
		t.Fatalf("expected block ref 5, got %+v", got[0])
	}
	if got[1].Kind != KindLiteral || string(got[1].Data) != "hello" {
		t.Fatalf("expected literal %q, got %+v", "hello", got[1])
	}
}

func TestDeserializeDelta_InvalidLiteral(t *testing.T) {
	_, err := DeserializeDelta([]any{"not-valid-base64!!"})
	if err == nil {
		t.Fatal("expected an error for an invalid base64 literal")
	}
}
