package discovery

import "testing"

func TestParseBeacon(t *testing.T) {
	addr, ip, port, ok := parseBeacon([]byte("NODE:192.168.1.5:6000"))
	if !ok {
		t.Fatal("expected a well-formed beacon to parse")
	}
	if addr != "192.168.1.5:6000" {
		t.Fatalf("addr = %q, want %q", addr, "192.168.1.5:6000")
	}
	if ip != "192.168.1.5" {
		t.Fatalf("ip = %q, want %q", ip, "192.168.1.5")
	}
	if port != 6000 {
		t.Fatalf("port = %d, want 6000", port)
	}
}

func TestParseBeacon_RejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"NODE:",
		"NODE:192.168.1.5",
		"NODE:192.168.1.5:notaport",
		"GARBAGE:192.168.1.5:6000",
	}
	for _, c := range cases {
		if _, _, _, ok := parseBeacon([]byte(c)); ok {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestBeacon_IsSelf_RequiresSameIPAndPort(t *testing.T) {
	b := &Beacon{selfIP: "127.0.0.1", listenPort: 6000}

	if !b.isSelf("127.0.0.1", 6000) {
		t.Fatal("expected an exact ip+port match to be reported as self")
	}
	if b.isSelf("127.0.0.1", 6001) {
		t.Fatal("expected a same-host peer on a different listen port to not be treated as self")
	}
	if b.isSelf("10.0.0.9", 6000) {
		t.Fatal("expected a different ip to never be treated as self")
	}
}
