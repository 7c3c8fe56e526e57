// Package dial builds the connpool.Dialer callbacks that actually open a
// backend connection: resolve the target's config via router.Router,
// establish the TCP connection, run the startup/auth handshake
// (internal/auth for SCRAM-SHA-256), and wrap the now-authenticated fd as
// a reactor.Descriptor owned by the calling worker.
//
// Every function here runs synchronously on the worker's own goroutine —
// the single deliberately-blocking seam documented in DESIGN.md alongside
// connpool.Pool.Acquire and internal/auth.
package dial

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/dbbouncer/dbbouncer/internal/auth"
	"github.com/dbbouncer/dbbouncer/internal/connpool"
	"github.com/dbbouncer/dbbouncer/internal/reactor"
	"github.com/dbbouncer/dbbouncer/internal/router"
)

const (
	dialPgMsgAuthentication byte = 'R'
	dialPgMsgErrorResponse  byte = 'E'
	dialPgMsgReadyForQuery  byte = 'Z'
	dialPgMsgBackendKeyData byte = 'K'
	dialPgMsgParameterStatus byte = 'S'
)

// NewPostgresDialer builds a connpool.Dialer that resolves target through
// routes and speaks the Postgres startup/auth handshake against the
// resolved host:port, registering the resulting fd with w.
func NewPostgresDialer(routes *router.Router, w *reactor.Worker) connpool.Dialer {
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

		if err := sendPGStartup(conn, tc.Username, tc.DBName); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sending startup message: %w", err)
		}
		if err := runPGAuth(conn, tc.Username, tc.Password); err != nil {
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
			Schema:        "public",
			AuthPrincipal: tc.Username,
		}), nil
	}
}

func sendPGStartup(conn net.Conn, user, dbname string) error {
	var params []byte
	params = append(params, "user"...)
	params = append(params, 0)
	params = append(params, user...)
	params = append(params, 0)
	params = append(params, "database"...)
	params = append(params, 0)
	params = append(params, dbname...)
	params = append(params, 0)
	params = append(params, 0) // terminator

	body := make([]byte, 4+len(params))
	binary.BigEndian.PutUint32(body[:4], 3<<16) // protocol 3.0
	copy(body[4:], params)

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)))
	copy(msg[4:], body)

	_, err := conn.Write(msg)
	return err
}

// runPGAuth drives the backend's authentication request to completion,
// dispatching SASL exchanges to internal/auth and handling cleartext/MD5
// inline, then drains ParameterStatus/BackendKeyData up to ReadyForQuery.
func runPGAuth(conn net.Conn, user, password string) error {
	for {
		msgType, payload, err := readPGFrame(conn)
		if err != nil {
			return err
		}
		switch msgType {
		case dialPgMsgErrorResponse:
			return fmt.Errorf("backend rejected connection: %s", string(payload))
		case dialPgMsgReadyForQuery:
			return nil
		case dialPgMsgAuthentication:
			if len(payload) < 4 {
				continue
			}
			authType := binary.BigEndian.Uint32(payload[:4])
			switch authType {
			case 0: // AuthenticationOk
				continue
			case 3: // cleartext
				if err := sendPGPasswordMessage(conn, password); err != nil {
					return err
				}
			case 5: // MD5
				salt := payload[4:8]
				if err := sendPGPasswordMessage(conn, md5PGPassword(user, password, salt)); err != nil {
					return err
				}
			case 10: // SASL
				if err := auth.ScramSHA256(conn, user, password, payload); err != nil {
					return fmt.Errorf("scram: %w", err)
				}
			default:
				// SASLContinue/SASLFinal arriving here means ScramSHA256
				// already consumed the exchange; nothing further to do.
			}
		case dialPgMsgParameterStatus, dialPgMsgBackendKeyData:
			continue
		}
	}
}

func sendPGPasswordMessage(conn net.Conn, password string) error {
	payload := append([]byte(password), 0)
	msg := make([]byte, 1+4+len(payload))
	msg[0] = 'p'
	binary.BigEndian.PutUint32(msg[1:5], uint32(len(payload)+4))
	copy(msg[5:], payload)
	_, err := conn.Write(msg)
	return err
}

func md5PGPassword(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

func readPGFrame(conn net.Conn) (byte, []byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, typeBuf); err != nil {
		return 0, nil, err
	}
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return 0, nil, err
	}
	payloadLen := int(binary.BigEndian.Uint32(lenBuf)) - 4
	if payloadLen < 0 || payloadLen > 1<<24 {
		return 0, nil, fmt.Errorf("invalid frame length %d", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return typeBuf[0], payload, nil
}

// nonblockingFD extracts the raw OS fd from conn (closing conn's Go-level
// wrapper but keeping the fd alive via File's dup) and switches it to
// non-blocking mode for epoll registration.
func nonblockingFD(conn net.Conn) (int, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, fmt.Errorf("not a TCP connection")
	}
	f, err := tc.File()
	if err != nil {
		return 0, err
	}
	defer f.Close()
	defer conn.Close()

	fd, err := dupFD(f)
	if err != nil {
		return 0, err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return 0, err
	}
	return fd, nil
}

func dupFD(f *os.File) (int, error) {
	return syscall.Dup(int(f.Fd()))
}
