package dial

import (
	"net"
	"testing"
)

func makeTestConnPair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestMySQLNativePasswordHashDeterministic(t *testing.T) {
	challenge := []byte("01234567890123456789")
	h1 := mysqlNativePasswordHash([]byte("secret"), challenge)
	h2 := mysqlNativePasswordHash([]byte("secret"), challenge)
	if len(h1) != 20 {
		t.Fatalf("expected 20-byte scramble, got %d", len(h1))
	}
	for i := range h1 {
		if h1[i] != h2[i] {
			t.Fatalf("hash not deterministic at byte %d", i)
		}
	}
}

func TestMySQLNativePasswordHashEmptyPassword(t *testing.T) {
	if got := mysqlNativePasswordHash(nil, []byte("challenge1234567890.")); got != nil {
		t.Errorf("expected nil scramble for empty password, got %v", got)
	}
}

func TestMySQLNativePasswordHashDiffersByChallenge(t *testing.T) {
	a := mysqlNativePasswordHash([]byte("secret"), []byte("aaaaaaaaaaaaaaaaaaaa"))
	b := mysqlNativePasswordHash([]byte("secret"), []byte("bbbbbbbbbbbbbbbbbbbb"))
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Errorf("expected different scrambles for different challenges")
	}
}

func TestReadMySQLServerHandshakeRejectsUnsupportedVersion(t *testing.T) {
	r, w := makeTestConnPair()
	defer r.Close()
	defer w.Close()

	go func() {
		writeMySQLPacket(w, []byte{9}, 0) // protocol version 9, unsupported
	}()

	if _, err := readMySQLServerHandshake(r); err == nil {
		t.Errorf("expected error for unsupported handshake protocol version")
	}
}
