package signature

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"
)

// DefaultBlockSize is the block size used to split files into signature
// blocks when none is configured. Both peers in a session must agree on
// the same value — it is a property of the codec, not of any single file.
const DefaultBlockSize = 8 * 1024

// strongSize is the length in bytes of the strong (MD5) checksum.
const strongSize = md5.Size

// recordSize is the on-disk size of one (weak, strong) record: a
// little-endian uint32 weak checksum followed by a 16-byte MD5 digest.
const recordSize = 4 + strongSize

// Block is one entry of a file's signature: the weak (rolling) checksum
// and the strong (cryptographic) checksum of one block of the file.
type Block struct {
	Weak   uint32
	Strong [strongSize]byte
}

// Store persists and retrieves per-file block-checksum signatures under a
// root directory, and computes signatures and deltas against files on
// disk. A Store is the only place block size is configured; it must be
// threaded explicitly into any component that needs it (registry,
// watcher) rather than read from a package-level global.
type Store struct {
	root      string
	blockSize int
}

// NewStore creates a Store rooted at root with the given block size. A
// blockSize <= 0 selects DefaultBlockSize.
func NewStore(root string, blockSize int) *Store {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Store{root: root, blockSize: blockSize}
}

// Root returns the signature store's root directory.
func (s *Store) Root() string { return s.root }

// BlockSize returns the block size this store's signatures and deltas are
// computed with.
func (s *Store) BlockSize() int { return s.blockSize }

// Init removes and recreates the signature root. Call once at startup —
// the store carries no durability guarantees across restarts.
func (s *Store) Init() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("signature: clearing root %q: %w", s.root, err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("signature: creating root %q: %w", s.root, err)
	}
	return nil
}

// SigPath returns the path a relative file path's signature is stored at.
// Pure mapping; does not touch disk.
func (s *Store) SigPath(relPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(relPath)+".sig")
}

// Compute streams filePath and returns its block signature.
func (s *Store) Compute(filePath string) ([]Block, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("signature: opening %q: %w", filePath, err)
	}
	defer f.Close()

	return computeSignature(f, s.blockSize)
}

func computeSignature(r io.Reader, blockSize int) ([]Block, error) {
	var out []Block
	strong := md5.New()
	buf := make([]byte, blockSize)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := buf[:n]
			strong.Reset()
			strong.Write(block)

			var b Block
			copy(b.Strong[:], strong.Sum(nil))
			b.Weak = weakSum(block)
			out = append(out, b)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("signature: reading block: %w", err)
		}
	}
	return out, nil
}

// weakSum computes the rolling checksum of a standalone block (not part of
// an active roll), used when building a signature from scratch.
func weakSum(block []byte) uint32 {
	rh := newRollingHash()
	rh.load(block)
	return rh.sum32()
}

// Save packs sig into the store's fixed binary layout, compresses it with
// deflate, writes it to <root>/relPath.sig and returns the compressed
// bytes (callers reuse them verbatim inside directory manifests).
func (s *Store) Save(sig []Block, relPath string) ([]byte, error) {
	compressed, err := packSignature(sig)
	if err != nil {
		return nil, err
	}

	path := s.SigPath(relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("signature: creating directory for %q: %w", relPath, err)
	}
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return nil, fmt.Errorf("signature: writing %q: %w", path, err)
	}
	return compressed, nil
}

// Load reads and decodes the stored signature for relPath. exists is
// false (with a nil error) when no signature is on disk for that path —
// callers treat that as "no baseline; send full file".
func (s *Store) Load(relPath string) (sig []Block, exists bool, err error) {
	path := s.SigPath(relPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("signature: reading %q: %w", path, err)
	}
	sig, err = s.Parse(data)
	if err != nil {
		return nil, false, err
	}
	return sig, true, nil
}

// Parse decodes a compressed signature byte string without touching disk,
// as used when a peer hands us a signature inside a directory manifest.
func (s *Store) Parse(compressed []byte) ([]Block, error) {
	return unpackSignature(compressed)
}

// Remove deletes relPath's stored signature, if any. Missing is not an
// error.
func (s *Store) Remove(relPath string) error {
	err := os.Remove(s.SigPath(relPath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("signature: removing %q: %w", relPath, err)
	}
	return nil
}

// Rename moves srcRel's signature file to destRel's location. Returns
// (false, nil) without error when the source signature does not exist.
func (s *Store) Rename(srcRel, destRel string) (bool, error) {
	srcPath := s.SigPath(srcRel)
	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("signature: statting %q: %w", srcPath, err)
	}

	destPath := s.SigPath(destRel)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return false, fmt.Errorf("signature: creating directory for %q: %w", destRel, err)
	}
	if err := os.Rename(srcPath, destPath); err != nil {
		return false, fmt.Errorf("signature: renaming %q to %q: %w", srcPath, destPath, err)
	}
	return true, nil
}

func packSignature(sig []Block) ([]byte, error) {
	var flat bytes.Buffer
	rec := make([]byte, recordSize)
	for _, b := range sig {
		binary.LittleEndian.PutUint32(rec[:4], b.Weak)
		copy(rec[4:], b.Strong[:])
		flat.Write(rec)
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(flat.Bytes()); err != nil {
		return nil, fmt.Errorf("signature: compressing: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("signature: closing compressor: %w", err)
	}
	return compressed.Bytes(), nil
}

func unpackSignature(compressed []byte) ([]Block, error) {
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("signature: opening compressed signature: %w", err)
	}
	defer zr.Close()

	flat, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("signature: decompressing: %w", err)
	}
	if len(flat)%recordSize != 0 {
		return nil, fmt.Errorf("signature: corrupt signature, length %d not a multiple of %d", len(flat), recordSize)
	}

	out := make([]Block, 0, len(flat)/recordSize)
	for off := 0; off < len(flat); off += recordSize {
		var b Block
		b.Weak = binary.LittleEndian.Uint32(flat[off : off+4])
		copy(b.Strong[:], flat[off+4:off+recordSize])
		out = append(out, b)
	}
	return out, nil
}
