package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// lengthPrefixSize is the size in bytes of the frame length prefix.
const lengthPrefixSize = 8

// Channel is a length-prefixed, deflate-compressed, bidirectional JSON
// message transport over a stream socket. Sends from multiple goroutines
// are serialized; a failed send or receive closes the underlying
// connection.
type Channel struct {
	conn net.Conn

	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New wraps conn in a Channel. The caller owns conn's lifecycle only
// insofar as Close on the Channel closes conn too.
func New(conn net.Conn) *Channel {
	return &Channel{conn: conn}
}

// Send serializes {type, payload} as JSON, compresses it, prefixes the
// compressed length and writes the frame. Writes from concurrent callers
// are serialized so exactly one frame is ever in flight on the wire at a
// time. A send failure closes the channel.
func (c *Channel) Send(msgType Type, payload any) error {
	body, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("wire: marshaling %s payload: %w", msgType, err)
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(body); err != nil {
		return fmt.Errorf("wire: compressing frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("wire: closing compressor: %w", err)
	}

	frame := make([]byte, lengthPrefixSize+compressed.Len())
	binary.BigEndian.PutUint64(frame[:lengthPrefixSize], uint64(compressed.Len()))
	copy(frame[lengthPrefixSize:], compressed.Bytes())

	c.sendMu.Lock()
	_, err = c.conn.Write(frame)
	c.sendMu.Unlock()

	if err != nil {
		c.Close()
		return fmt.Errorf("wire: writing frame: %w", err)
	}
	return nil
}

// Recv blocks until a full frame has arrived, decompresses and parses it,
// and returns the decoded envelope. End-of-stream or a decode failure
// both close the channel and return a non-nil error.
func (c *Channel) Recv() (*Envelope, error) {
	var lengthBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.conn, lengthBuf[:]); err != nil {
		c.Close()
		return nil, fmt.Errorf("wire: reading frame length: %w", err)
	}
	length := binary.BigEndian.Uint64(lengthBuf[:])

	body := make([]byte, length)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		c.Close()
		return nil, fmt.Errorf("wire: reading frame body: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("wire: opening compressed frame: %w", err)
	}
	defer zr.Close()

	decompressed, err := io.ReadAll(zr)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("wire: decompressing frame: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(decompressed, &env); err != nil {
		c.Close()
		return nil, fmt.Errorf("wire: parsing frame json: %w", err)
	}
	return &env, nil
}

// Close closes the underlying connection. Safe to call more than once
// and from multiple goroutines; only the first call's error is returned
// on later calls.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
