package dial

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/dbbouncer/dbbouncer/internal/connpool"
	"github.com/dbbouncer/dbbouncer/internal/reactor"
	"github.com/dbbouncer/dbbouncer/internal/router"
)

const (
	mysqlOKPacket  byte = 0x00
	mysqlErrPacket byte = 0xff
)

// NewMySQLDialer builds a connpool.Dialer that resolves target through
// routes and speaks the MySQL handshake/native-password exchange against
// the resolved host:port.
func NewMySQLDialer(routes *router.Router, w *reactor.Worker) connpool.Dialer {
	return func(ctx context.Context, target connpool.TargetID) (*connpool.Conn, error) {
		tc, err := routes.Resolve(string(target))
		if err != nil {
			return nil, fmt.Errorf("resolving target %q: %w", target, err)
		}

		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", tc.Host, tc.Port))
		if err != nil {
			return nil, fmt.Errorf("dialing %s:%d: %w", tc.Host, tc.Port, err)
		}

		challenge, err := readMySQLServerHandshake(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("reading server handshake: %w", err)
		}
		if err := sendMySQLHandshakeResponse(conn, tc.Username, tc.Password, tc.DBName, challenge); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sending handshake response: %w", err)
		}
		if err := readMySQLAuthResult(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("backend auth: %w", err)
		}

		fd, err := nonblockingFD(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("extracting fd: %w", err)
		}

		desc, err := w.NewDescriptor(fd, reactor.RoleBackend, reactor.PoolStubHandler{Evict: func(d *reactor.Descriptor) {
			w.CloseDescriptor(d, "idle backend protocol violation", nil)
		}})
		if err != nil {
			syscall.Close(fd)
			return nil, fmt.Errorf("registering backend descriptor: %w", err)
		}

		return connpool.NewConn(target, desc, connpool.NeutralState{
			Schema:        tc.DBName,
			AuthPrincipal: tc.Username,
		}), nil
	}
}

func readMySQLPacket(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func writeMySQLPacket(conn net.Conn, payload []byte, seq byte) error {
	header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	_, err := conn.Write(append(header, payload...))
	return err
}

// readMySQLServerHandshake reads Protocol::Handshake (v10) and returns the
// concatenated 20-byte auth-plugin-data challenge.
func readMySQLServerHandshake(conn net.Conn) ([]byte, error) {
	payload, err := readMySQLPacket(conn)
	if err != nil {
		return nil, err
	}
	if len(payload) < 1 || payload[0] != 10 {
		return nil, fmt.Errorf("unsupported handshake protocol version")
	}
	pos := 1
	for pos < len(payload) && payload[pos] != 0 { // server version
		pos++
	}
	pos++
	pos += 4 // connection id
	if pos+8 > len(payload) {
		return nil, fmt.Errorf("handshake too short")
	}
	challenge := append([]byte{}, payload[pos:pos+8]...)
	pos += 8 + 1 // part 1 + filler
	pos += 2     // capability flags low
	if pos < len(payload) {
		pos += 1 // charset
	}
	pos += 2 // status flags
	pos += 2 // capability flags high
	if pos < len(payload) {
		pos += 1 // auth-plugin-data length
	}
	pos += 10 // reserved
	end := pos + 12
	if end <= len(payload) {
		challenge = append(challenge, payload[pos:end]...)
	}
	return challenge, nil
}

func sendMySQLHandshakeResponse(conn net.Conn, user, password, dbname string, challenge []byte) error {
	var buf []byte
	capFlags := uint32(0x00008000 | 0x00000200 | 0x00000008 | 0x00000001) // SECURE_CONNECTION | PROTOCOL_41 | CONNECT_WITH_DB | LONG_PASSWORD
	buf = append(buf, byte(capFlags), byte(capFlags>>8), byte(capFlags>>16), byte(capFlags>>24))
	buf = append(buf, 0, 0, 0, 1) // max packet size
	buf = append(buf, 33)         // charset utf8
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, user...)
	buf = append(buf, 0)

	scramble := mysqlNativePasswordHash([]byte(password), challenge)
	buf = append(buf, byte(len(scramble)))
	buf = append(buf, scramble...)

	buf = append(buf, dbname...)
	buf = append(buf, 0)

	return writeMySQLPacket(conn, buf, 1)
}

func readMySQLAuthResult(conn net.Conn) error {
	payload, err := readMySQLPacket(conn)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("empty auth result")
	}
	if payload[0] == mysqlErrPacket {
		return fmt.Errorf("backend rejected credentials: %s", string(payload[1:]))
	}
	return nil
}

// mysqlNativePasswordHash computes the mysql_native_password scramble:
// SHA1(password) XOR SHA1(challenge + SHA1(SHA1(password))).
func mysqlNativePasswordHash(password, challenge []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	stage1 := sha1.Sum(password)
	stage2 := sha1.Sum(stage1[:])

	h := sha1.New()
	h.Write(challenge)
	h.Write(stage2[:])
	stage3 := h.Sum(nil)

	out := make([]byte, len(stage1))
	for i := range stage1 {
		out[i] = stage1[i] ^ stage3[i]
	}
	return out
}
