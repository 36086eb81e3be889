package peer

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/dirsync/dirsync/internal/wire"
)

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling test fixture: %v", err)
	}
	return data
}

func recvEnvelope(t *testing.T, conn net.Conn) *wire.Envelope {
	t.Helper()
	ch := wire.New(conn)
	env, err := ch.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return env
}
