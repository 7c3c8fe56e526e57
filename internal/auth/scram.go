// Package auth implements backend authentication handshakes run during
// connection establishment — the one piece of necessarily blocking,
// synchronous I/O in an otherwise non-blocking core (see DESIGN.md's note
// on internal/connpool.Dialer). Adapted from the teacher's
// internal/pool/scram.go, now the PostgreSQL connpool.Dialer's
// collaborator rather than a method on the old blocking PooledConn.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ScramSHA256 performs the SASL SCRAM-SHA-256 authentication exchange with
// a PostgreSQL backend. It handles:
//   - AuthenticationSASL (type 10) — mechanism selection
//   - AuthenticationSASLContinue (type 11) — server challenge
//   - AuthenticationSASLFinal (type 12) — server signature verification
//
// conn must already have sent the startup message and read the initial
// AuthenticationSASL response (passed as saslPayload).
func ScramSHA256(conn net.Conn, user, password string, saslPayload []byte) error {
	mechanisms := parseSASLMechanisms(saslPayload[4:]) // skip auth type (4 bytes)
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not support SCRAM-SHA-256, offered: %v", mechanisms)
	}

	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	// gs2-header = "n,,"  (no channel binding, no authzid)
	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(user), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := sendSASLInitialResponse(conn, "SCRAM-SHA-256", []byte(clientFirstMsg)); err != nil {
		return fmt.Errorf("sending SASL initial response: %w", err)
	}

	serverFirstMsg, err := readAuthMessage(conn, 11)
	if err != nil {
		return fmt.Errorf("reading server-first-message: %w", err)
	}

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return fmt.Errorf("parsing server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server nonce does not start with client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)

	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	if err := sendSASLResponse(conn, []byte(clientFinalMsg)); err != nil {
		return fmt.Errorf("sending SASL response: %w", err)
	}

	serverFinalMsg, err := readAuthMessage(conn, 12)
	if err != nil {
		return fmt.Errorf("reading server-final-message: %w", err)
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedServerSig := hmacSHA256(serverKey, []byte(authMessage))
	expectedServerFinal := "v=" + base64.StdEncoding.EncodeToString(expectedServerSig)
	if string(serverFinalMsg) != expectedServerFinal {
		return fmt.Errorf("server signature mismatch")
	}
	return nil
}

func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

// parseServerFirst parses "r=<nonce>,s=<salt>,i=<iterations>" from the server.
func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	parts := strings.Split(msg, ",")
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// saslEscapeUsername replaces "=" with "=3D" and "," with "=2C" per RFC 5802.
func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func sendSASLInitialResponse(conn net.Conn, mechanism string, clientFirstMsg []byte) error {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMsg)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)

	msgLen := len(payload) + 4
	buf := make([]byte, 1+4+len(payload))
	buf[0] = 'p'
	binary.BigEndian.PutUint32(buf[1:5], uint32(msgLen))
	copy(buf[5:], payload)
	_, err := conn.Write(buf)
	return err
}

func sendSASLResponse(conn net.Conn, data []byte) error {
	msgLen := len(data) + 4
	buf := make([]byte, 1+4+len(data))
	buf[0] = 'p'
	binary.BigEndian.PutUint32(buf[1:5], uint32(msgLen))
	copy(buf[5:], data)
	_, err := conn.Write(buf)
	return err
}

// readAuthMessage reads a PG Authentication message and verifies its auth
// subtype, returning the payload after the 4-byte auth type field.
func readAuthMessage(conn net.Conn, expectedAuthType uint32) ([]byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, typeBuf); err != nil {
		return nil, fmt.Errorf("reading message type: %w", err)
	}
	if typeBuf[0] == 'E' {
		return nil, readAndParseError(conn)
	}
	if typeBuf[0] != 'R' {
		return nil, fmt.Errorf("expected Authentication message ('R'), got '%c'", typeBuf[0])
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, fmt.Errorf("reading message length: %w", err)
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen < 4 {
		return nil, fmt.Errorf("auth message too short: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("reading auth payload: %w", err)
	}

	authType := binary.BigEndian.Uint32(payload[:4])
	if authType != expectedAuthType {
		return nil, fmt.Errorf("expected auth type %d, got %d", expectedAuthType, authType)
	}
	return payload[4:], nil
}

func readAndParseError(conn net.Conn) error {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return fmt.Errorf("reading error length: %w", err)
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen > 0 {
		payload := make([]byte, payloadLen)
		io.ReadFull(conn, payload)
		return fmt.Errorf("backend error: %s", parseErrorFields(payload))
	}
	return fmt.Errorf("backend error (empty)")
}

// parseErrorFields decodes a PostgreSQL ErrorResponse body: a sequence of
// one-byte field-type tags each followed by a null-terminated string,
// terminated by a zero byte. Returns the "M" (message) field if present,
// otherwise the raw field dump.
func parseErrorFields(payload []byte) string {
	fields := make(map[byte]string)
	for len(payload) > 0 && payload[0] != 0 {
		tag := payload[0]
		rest := payload[1:]
		end := strings.IndexByte(string(rest), 0)
		if end < 0 {
			break
		}
		fields[tag] = string(rest[:end])
		payload = rest[end+1:]
	}
	if msg, ok := fields['M']; ok {
		return msg
	}
	return fmt.Sprintf("%v", fields)
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
