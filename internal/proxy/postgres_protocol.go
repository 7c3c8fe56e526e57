package proxy

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/dbbouncer/dbbouncer/internal/connpool"
	"github.com/dbbouncer/dbbouncer/internal/router"
	"github.com/dbbouncer/dbbouncer/internal/session"
	"github.com/dbbouncer/dbbouncer/internal/statementcache"
)

const (
	pgProtoVersionMajor = 3
	pgProtoVersionMinor = 0
	pgProtoVersion      = pgProtoVersionMajor<<16 | pgProtoVersionMinor

	pgSSLRequestCode = 80877103

	pgMsgAuthentication  byte = 'R'
	pgMsgErrorResponse   byte = 'E'
	pgMsgReadyForQuery   byte = 'Z'
	pgMsgTerminate       byte = 'X'
	pgMsgQuery           byte = 'Q'
	pgMsgParse           byte = 'P'
	pgMsgParameterStatus byte = 'S'
	pgMsgBackendKeyData  byte = 'K'

	// DialectPostgres tags statementcache.Fingerprint entries parsed under
	// Postgres rules, keeping them from colliding with a MySQL fingerprint
	// for the same text under a shared worker cache.
	DialectPostgres uint8 = 1
)

// PostgresProtocol implements router.Protocol for PostgreSQL wire traffic.
// It is stateless; all per-connection state lives on the session and the
// connpool.Conn it is handed.
type PostgresProtocol struct{}

var _ router.Protocol = PostgresProtocol{}

// HandleClientBytes frames zero or more complete client messages out of buf
// and classifies each one. A caller drops sum(len(Statement.Raw)) bytes
// from its read buffer afterward — Raw always holds the full wire message,
// so that sum is exactly what was consumed; a trailing partial message is
// left unparsed and reappears once more bytes arrive.
func (PostgresProtocol) HandleClientBytes(s *session.Session, buf []byte) ([]router.Statement, error) {
	var out []router.Statement
	for {
		msgType, payload, total, ok := peekPGMessage(buf)
		if !ok {
			return out, nil
		}
		raw := buf[:total]
		buf = buf[total:]

		c := classifyPGMessage(msgType, payload)
		out = append(out, router.Statement{Raw: append([]byte(nil), raw...), Classification: c})

		if msgType == pgMsgTerminate {
			return out, nil
		}
	}
}

// HandleBackendBytes frames exactly one backend message and reports whether
// it concludes the current reply (ReadyForQuery terminates a simple-query
// response cycle; anything else is forwarded and awaits more).
func (PostgresProtocol) HandleBackendBytes(s *session.Session, b *connpool.Conn, buf []byte) (router.Reply, error) {
	msgType, _, total, ok := peekPGMessage(buf)
	if !ok {
		return router.Reply{}, nil
	}
	raw := buf[:total]
	return router.Reply{
		AppendToClient: append([]byte(nil), raw...),
		IsTerminal:     msgType == pgMsgReadyForQuery,
		NextExpected:   0,
	}, nil
}

// SerializeForBackend returns the statement's already-wire-format bytes.
// TenantPolicy routes every statement unmodified to its one pinned target,
// so there is nothing to transform here.
func (PostgresProtocol) SerializeForBackend(st router.Statement) []byte {
	return st.Raw
}

// IsSafeToReuse reports whether s's connection state is clean enough to
// hand back to the pool: movable (no open transaction, no streaming
// result, nothing mid-parse) is the same bar connpool.Release enforces on
// the Conn itself, checked here at the session level before Release is
// even called.
func (PostgresProtocol) IsSafeToReuse(s *session.Session) bool {
	return s.Movable()
}

// ResetForPooling queues a DISCARD ALL so the next session to acquire this
// connection doesn't inherit temp tables, prepared statements, or session
// GUCs from the previous tenant. Queued non-blocking via the descriptor's
// write buffer — the reply is drained like any other backend message the
// next time this connection is actually in use, matching the core's "a
// worker never suspends mid-handler" rule.
func (PostgresProtocol) ResetForPooling(b *connpool.Conn) error {
	if b.Descriptor == nil {
		return fmt.Errorf("postgres: reset on connection with no descriptor")
	}
	b.Descriptor.Write(buildSimpleQuery("DISCARD ALL"))
	return nil
}

func buildSimpleQuery(sql string) []byte {
	payload := append([]byte(sql), 0)
	buf := make([]byte, 1+4+len(payload))
	buf[0] = pgMsgQuery
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	return buf
}

// peekPGMessage extracts one complete message (type + length + payload)
// from the front of buf without copying, reporting the total wire length
// consumed. ok is false if buf doesn't yet hold a complete message.
func peekPGMessage(buf []byte) (msgType byte, payload []byte, total int, ok bool) {
	if len(buf) < 5 {
		return 0, nil, 0, false
	}
	msgType = buf[0]
	msgLen := int(binary.BigEndian.Uint32(buf[1:5]))
	total = 1 + msgLen
	if msgLen < 4 || total > len(buf) {
		return 0, nil, 0, false
	}
	return msgType, buf[5:total], total, true
}

func classifyPGMessage(msgType byte, payload []byte) router.Classification {
	switch msgType {
	case pgMsgQuery:
		text := string(payload)
		if i := strings.IndexByte(text, 0); i >= 0 {
			text = text[:i]
		}
		kind := classifyQueryText(text)
		return router.Classification{
			Kind:                kind,
			Fingerprint:         statementcache.Fingerprint{Text: text, Dialect: DialectPostgres},
			IsWrite:             isWriteQueryText(text),
			TouchesSessionState: kind == router.KindBeginTransaction || kind == router.KindCommit || kind == router.KindRollback,
		}
	case pgMsgParse:
		return router.Classification{Kind: router.KindPrepare}
	default:
		return router.Classification{Kind: router.KindOther}
	}
}

func classifyQueryText(text string) router.StatementKind {
	trimmed := strings.TrimSpace(strings.ToUpper(text))
	switch {
	case strings.HasPrefix(trimmed, "BEGIN"), strings.HasPrefix(trimmed, "START TRANSACTION"):
		return router.KindBeginTransaction
	case strings.HasPrefix(trimmed, "COMMIT"):
		return router.KindCommit
	case strings.HasPrefix(trimmed, "ROLLBACK"):
		return router.KindRollback
	default:
		return router.KindQuery
	}
}

func isWriteQueryText(text string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(text))
	for _, verb := range []string{"INSERT", "UPDATE", "DELETE", "TRUNCATE", "ALTER", "CREATE", "DROP"} {
		if strings.HasPrefix(trimmed, verb) {
			return true
		}
	}
	return false
}

// --- connection setup: startup message, tenant extraction, TLS upgrade ---
//
// This runs once per client connection, before the session is registered
// with a worker, and is the proxy's other piece of deliberately blocking
// I/O alongside internal/connpool.Dialer and internal/auth — see
// DESIGN.md's note on why a full non-blocking handshake state machine is
// out of scope here.

// ReadPostgresStartup reads the startup message (handling SSL negotiation)
// and extracts the tenant ID, returning the (possibly TLS-upgraded)
// connection to use from here on along with the raw startup bytes to
// forward to the backend once one is acquired.
func ReadPostgresStartup(conn net.Conn, tlsConfig *tls.Config) (tenantID string, startupMsg []byte, out net.Conn, err error) {
	const maxSSLAttempts = 3
	current := conn

	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(current, lenBuf); err != nil {
			return "", nil, current, fmt.Errorf("reading startup length: %w", err)
		}
		msgLen := int(binary.BigEndian.Uint32(lenBuf))
		if msgLen < 8 || msgLen > 10000 {
			return "", nil, current, fmt.Errorf("invalid startup message length: %d", msgLen)
		}

		body := make([]byte, msgLen-4)
		if _, err := io.ReadFull(current, body); err != nil {
			return "", nil, current, fmt.Errorf("reading startup body: %w", err)
		}

		protoVersion := binary.BigEndian.Uint32(body[:4])
		if protoVersion == pgSSLRequestCode {
			if tlsConfig != nil {
				current.Write([]byte{'S'})
				tlsConn := tls.Server(current, tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return "", nil, current, fmt.Errorf("TLS handshake failed: %w", err)
				}
				current = tlsConn
			} else {
				current.Write([]byte{'N'})
			}
			continue
		}

		params := parsePGStartupParams(body[4:])
		tenantID = tenantFromStartupParams(params)

		full := make([]byte, msgLen)
		copy(full[:4], lenBuf)
		copy(full[4:], body)
		return tenantID, full, current, nil
	}

	return "", nil, current, fmt.Errorf("too many SSL negotiation attempts")
}

func parsePGStartupParams(data []byte) map[string]string {
	params := make(map[string]string)
	for len(data) > 1 {
		keyEnd := 0
		for keyEnd < len(data) && data[keyEnd] != 0 {
			keyEnd++
		}
		if keyEnd >= len(data) {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := 0
		for valEnd < len(data) && data[valEnd] != 0 {
			valEnd++
		}
		if valEnd >= len(data) {
			break
		}
		params[key] = string(data[:valEnd])
		data = data[valEnd+1:]
	}
	return params
}

func tenantFromStartupParams(params map[string]string) string {
	if options, ok := params["options"]; ok {
		if tid := parseTenantFromOptions(options); tid != "" {
			return tid
		}
	}
	if tid, ok := params["tenant_id"]; ok {
		return tid
	}
	if user, ok := params["user"]; ok {
		if tid, _, ok := router.ExtractTenantFromUsername(user); ok {
			return tid
		}
	}
	return ""
}

// parseTenantFromOptions extracts tenant_id from a PG options string,
// formatted either as "-c tenant_id=xxx" or bare "tenant_id=xxx".
func parseTenantFromOptions(options string) string {
	parts := strings.Fields(options)
	for i, p := range parts {
		if p == "-c" && i+1 < len(parts) {
			if kv := parts[i+1]; strings.HasPrefix(kv, "tenant_id=") {
				return strings.TrimPrefix(kv, "tenant_id=")
			}
		}
		if strings.HasPrefix(p, "tenant_id=") {
			return strings.TrimPrefix(p, "tenant_id=")
		}
	}
	return ""
}

// SendPGError writes a PostgreSQL ErrorResponse to conn, used for the
// handful of pre-session failures (unknown tenant, paused tenant) that
// never reach a session at all.
func SendPGError(conn net.Conn, severity, code, message string) {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0)

	msgLen := len(buf) + 4
	out := make([]byte, 1+4+len(buf))
	out[0] = pgMsgErrorResponse
	binary.BigEndian.PutUint32(out[1:5], uint32(msgLen))
	copy(out[5:], buf)
	conn.Write(out)
}

// SendPGTrustAuth completes client-facing authentication in trust mode:
// AuthenticationOk followed by ReadyForQuery. Real credential checking
// happens only once, against the backend, when a session's first
// statement acquires a connection (internal/dial) — the pooler itself
// trusts any client that can reach its listening port, the same model
// most connection poolers offer alongside SCRAM/MD5 passthrough.
func SendPGTrustAuth(conn net.Conn) error {
	authOK := []byte{pgMsgAuthentication, 0, 0, 0, 8, 0, 0, 0, 0}
	if _, err := conn.Write(authOK); err != nil {
		return err
	}
	ready := []byte{pgMsgReadyForQuery, 0, 0, 0, 5, 'I'}
	_, err := conn.Write(ready)
	return err
}
