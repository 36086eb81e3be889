// Package signature implements the per-file block-checksum store and the
// rsync-style delta codec used to describe how to reconstruct one file from
// another plus a literal byte stream.
package signature

import (
	"container/ring"
	"hash"
	"hash/adler32"
)

// adlerModulo is the modulo used by the classic Adler-32 construction.
const adlerModulo = 65521

// rollingHash is an Adler-32 style rolling checksum over a fixed-size
// window. Rolling one byte in and one byte out costs O(1), which is what
// makes block matching against a shifting window affordable.
type rollingHash struct {
	a, b uint32
	n    uint32
	win  *ring.Ring
	full hash.Hash32
}

func newRollingHash() *rollingHash {
	return &rollingHash{a: 1, full: adler32.New()}
}

// reset clears all rolling state without reallocating the classic hasher.
func (r *rollingHash) reset() {
	r.a, r.b, r.n = 1, 0, 0
	r.win = nil
	r.full.Reset()
}

// load seeds the window with p and computes the initial checksum from
// scratch. Used at the start of each block and whenever the window size
// changes (the final short block of a file).
func (r *rollingHash) load(p []byte) {
	if len(p) == 0 {
		return
	}
	if len(p) != int(r.n) {
		r.win = ring.New(len(p))
		r.n = uint32(len(p))
	}
	for _, b := range p {
		r.win.Value = b
		r.win = r.win.Next()
	}

	r.full.Reset()
	_, _ = r.full.Write(p)
	s := r.full.Sum32()
	r.a, r.b = s&0xffff, s>>16
}

// roll slides the window forward by one byte, returning the byte evicted.
func (r *rollingHash) roll(in byte) byte {
	out := r.win.Value.(byte)
	r.win.Value = in
	r.win = r.win.Next()

	entering, leaving := uint32(in), uint32(out)
	r.a = (r.a + adlerModulo + entering - leaving) % adlerModulo
	r.b = (r.b + (r.n*leaving/adlerModulo+1)*adlerModulo + r.a - (r.n * leaving) - 1) % adlerModulo

	return out
}

func (r *rollingHash) sum32() uint32 {
	return r.b<<16 | r.a&0xffff
}

// window returns a copy of the bytes currently in the rolling window, in
// order, oldest-to-be-evicted first.
func (r *rollingHash) window() []byte {
	if r.win == nil {
		return nil
	}
	out := make([]byte, 0, r.n)
	cur := r.win
	for i := uint32(0); i < r.n; i++ {
		out = append(out, cur.Value.(byte))
		cur = cur.Next()
	}
	return out
}
