package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

func writeAuthTestMsg(conn net.Conn, msgType byte, payload []byte) {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	conn.Write(buf)
}

// mockSCRAMBackend simulates a PG backend that performs a full SCRAM-SHA-256
// exchange against a client already past AuthenticationSASL.
func mockSCRAMBackend(t *testing.T, conn net.Conn, password string) []byte {
	t.Helper()

	typeBuf := make([]byte, 1)
	if _, err := conn.Read(typeBuf); err != nil || typeBuf[0] != 'p' {
		t.Errorf("expected password message 'p', got %c (err=%v)", typeBuf[0], err)
		return nil
	}
	pLenBuf := make([]byte, 4)
	conn.Read(pLenBuf)
	pLen := int(binary.BigEndian.Uint32(pLenBuf)) - 4
	pPayload := make([]byte, pLen)
	conn.Read(pPayload)

	mechEnd := strings.IndexByte(string(pPayload), 0)
	mechanism := string(pPayload[:mechEnd])
	if mechanism != "SCRAM-SHA-256" {
		t.Errorf("expected mechanism SCRAM-SHA-256, got %q", mechanism)
		return nil
	}
	cfmLen := int(binary.BigEndian.Uint32(pPayload[mechEnd+1 : mechEnd+5]))
	clientFirstMsg := string(pPayload[mechEnd+5 : mechEnd+5+cfmLen])
	clientFirstBare := clientFirstMsg[3:] // strip "n,,"

	var clientNonce string
	for _, part := range strings.Split(clientFirstBare, ",") {
		if strings.HasPrefix(part, "r=") {
			clientNonce = part[2:]
		}
	}

	serverNonce := clientNonce + "servernonce123"
	salt := []byte("randomsaltvalue!")
	iterations := 4096
	saltB64 := base64.StdEncoding.EncodeToString(salt)
	serverFirstMsg := fmt.Sprintf("r=%s,s=%s,i=%d", serverNonce, saltB64, iterations)

	continuePayload := make([]byte, 4)
	binary.BigEndian.PutUint32(continuePayload, 11)
	continuePayload = append(continuePayload, serverFirstMsg...)
	writeAuthTestMsg(conn, 'R', continuePayload)

	conn.Read(typeBuf)
	conn.Read(pLenBuf)
	pLen = int(binary.BigEndian.Uint32(pLenBuf)) - 4
	clientFinalMsg := make([]byte, pLen)
	conn.Read(clientFinalMsg)
	clientFinalStr := string(clientFinalMsg)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + serverFirstMsg + "," + clientFinalWithoutProof

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	expectedProof := xorBytes(clientKey, clientSignature)
	expectedProofB64 := base64.StdEncoding.EncodeToString(expectedProof)

	if !strings.Contains(clientFinalStr, "p="+expectedProofB64) {
		errPayload := []byte("SFATAL\x00Mauthentication failed\x00\x00")
		writeAuthTestMsg(conn, 'E', errPayload)
		return nil
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSig := hmacSHA256(serverKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSig)

	finalPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(finalPayload, 12)
	finalPayload = append(finalPayload, serverFinal...)
	writeAuthTestMsg(conn, 'R', finalPayload)
	return clientFinalMsg
}

func initialSASLPayload() []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 10)
	payload = append(payload, "SCRAM-SHA-256"...)
	payload = append(payload, 0, 0)
	return payload
}

func TestScramSHA256Success(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		mockSCRAMBackend(t, server, "scrampass")
		close(done)
	}()

	if err := ScramSHA256(client, "scramuser", "scrampass", initialSASLPayload()); err != nil {
		t.Fatalf("ScramSHA256 failed: %v", err)
	}
	<-done
}

func TestScramSHA256WrongPassword(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		mockSCRAMBackend(t, server, "rightpass")
		close(done)
	}()

	if err := ScramSHA256(client, "scramuser", "wrongpass", initialSASLPayload()); err == nil {
		t.Fatal("expected ScramSHA256 to fail with wrong password")
	}
	<-done
}

func TestParseSASLMechanisms(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []string
	}{
		{
			name: "single mechanism",
			data: append([]byte("SCRAM-SHA-256"), 0, 0),
			want: []string{"SCRAM-SHA-256"},
		},
		{
			name: "two mechanisms",
			data: append(append([]byte("SCRAM-SHA-256"), 0), append([]byte("SCRAM-SHA-256-PLUS"), 0, 0)...),
			want: []string{"SCRAM-SHA-256", "SCRAM-SHA-256-PLUS"},
		},
		{
			name: "empty",
			data: []byte{0},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseSASLMechanisms(tt.data)
			if len(got) != len(tt.want) {
				t.Errorf("parseSASLMechanisms() = %v, want %v", got, tt.want)
				return
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseSASLMechanisms()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSASLEscapeUsername(t *testing.T) {
	if got := saslEscapeUsername("user"); got != "user" {
		t.Errorf("expected 'user', got %q", got)
	}
	if got := saslEscapeUsername("us=er"); got != "us=3Der" {
		t.Errorf("expected 'us=3Der', got %q", got)
	}
	if got := saslEscapeUsername("us,er"); got != "us=2Cer" {
		t.Errorf("expected 'us=2Cer', got %q", got)
	}
}

func TestParseServerFirst(t *testing.T) {
	salt := base64.StdEncoding.EncodeToString([]byte("somesalt"))
	msg := fmt.Sprintf("r=clientnonceservernonce,s=%s,i=4096", salt)

	nonce, saltBytes, iterations, err := parseServerFirst(msg)
	if err != nil {
		t.Fatalf("parseServerFirst failed: %v", err)
	}
	if nonce != "clientnonceservernonce" {
		t.Errorf("nonce = %q, want 'clientnonceservernonce'", nonce)
	}
	if string(saltBytes) != "somesalt" {
		t.Errorf("salt = %q, want 'somesalt'", saltBytes)
	}
	if iterations != 4096 {
		t.Errorf("iterations = %d, want 4096", iterations)
	}
}

func TestParseErrorFields(t *testing.T) {
	payload := []byte("SFATAL\x00Mauthentication failed\x00\x00")
	got := parseErrorFields(payload)
	if got != "authentication failed" {
		t.Errorf("parseErrorFields() = %q, want %q", got, "authentication failed")
	}
}

func TestXorBytes(t *testing.T) {
	a := []byte{0xff, 0x00, 0xaa}
	b := []byte{0x0f, 0xf0, 0x55}
	got := xorBytes(a, b)
	want := []byte{0xf0, 0xf0, 0xff}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("xorBytes[%d] = 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
}

func TestHMACSHA256(t *testing.T) {
	key := []byte("key")
	data := []byte("data")
	got := hmacSHA256(key, data)
	h := hmac.New(sha256.New, key)
	h.Write(data)
	want := h.Sum(nil)
	if len(got) != len(want) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("hmacSHA256[%d] = 0x%02x, want 0x%02x", i, got[i], want[i])
		}
	}
}
