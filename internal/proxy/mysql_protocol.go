package proxy

import (
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
	mysqlComQuit        byte = 0x01
	mysqlComInitDB      byte = 0x02
	mysqlComQuery       byte = 0x03
	mysqlComPing        byte = 0x0e
	mysqlComStmtPrepare byte = 0x16

	mysqlOKPacket  byte = 0x00
	mysqlErrPacket byte = 0xff
	mysqlEOFPacket byte = 0xfe

	// DialectMySQL tags statementcache.Fingerprint entries parsed under
	// MySQL rules.
	DialectMySQL uint8 = 2
)

// MySQLProtocol implements router.Protocol for the MySQL wire format.
type MySQLProtocol struct{}

var _ router.Protocol = MySQLProtocol{}

// HandleClientBytes frames zero or more complete MySQL packets out of buf
// and classifies each one by its command byte. See PostgresProtocol's
// HandleClientBytes doc for the "consumed = sum(len(Raw))" contract this
// shares.
func (MySQLProtocol) HandleClientBytes(s *session.Session, buf []byte) ([]router.Statement, error) {
	var out []router.Statement
	for {
		payload, total, ok := peekMySQLPacket(buf)
		if !ok {
			return out, nil
		}
		raw := buf[:total]
		buf = buf[total:]

		out = append(out, router.Statement{
			Raw:            append([]byte(nil), raw...),
			Classification: classifyMySQLPacket(payload),
		})

		if len(payload) > 0 && payload[0] == mysqlComQuit {
			return out, nil
		}
	}
}

// HandleBackendBytes frames exactly one backend packet. MySQL's simple
// query response ends either with an OK/ERR packet directly or with an
// EOF-terminated result set; both cases are terminal for the purposes of
// the core's reply-shape tracking, since multi-packet result sets are
// already counted via Session.BeginStatement's expectedReplies.
func (MySQLProtocol) HandleBackendBytes(s *session.Session, b *connpool.Conn, buf []byte) (router.Reply, error) {
	payload, total, ok := peekMySQLPacket(buf)
	if !ok {
		return router.Reply{}, nil
	}
	raw := buf[:total]
	terminal := len(payload) > 0 && (payload[0] == mysqlOKPacket || payload[0] == mysqlErrPacket || payload[0] == mysqlEOFPacket)
	return router.Reply{
		AppendToClient: append([]byte(nil), raw...),
		IsTerminal:     terminal,
	}, nil
}

// SerializeForBackend returns the statement's wire-format bytes unchanged.
func (MySQLProtocol) SerializeForBackend(st router.Statement) []byte {
	return st.Raw
}

// IsSafeToReuse mirrors PostgresProtocol: movable sessions only.
func (MySQLProtocol) IsSafeToReuse(s *session.Session) bool {
	return s.Movable()
}

// ResetForPooling re-selects database and clears session variables with a
// minimal COM_QUERY, queued non-blocking on the connection's descriptor.
func (MySQLProtocol) ResetForPooling(b *connpool.Conn) error {
	if b.Descriptor == nil {
		return fmt.Errorf("mysql: reset on connection with no descriptor")
	}
	payload := append([]byte{mysqlComQuery}, "DO 1"...)
	header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), 0}
	b.Descriptor.Write(append(header, payload...))
	return nil
}

func peekMySQLPacket(buf []byte) (payload []byte, total int, ok bool) {
	if len(buf) < 4 {
		return nil, 0, false
	}
	payloadLen := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
	total = 4 + payloadLen
	if total > len(buf) {
		return nil, 0, false
	}
	return buf[4:total], total, true
}

func classifyMySQLPacket(payload []byte) router.Classification {
	if len(payload) == 0 {
		return router.Classification{Kind: router.KindOther}
	}
	switch payload[0] {
	case mysqlComQuery:
		text := string(payload[1:])
		kind := classifyMySQLQueryText(text)
		return router.Classification{
			Kind:                kind,
			Fingerprint:         statementcache.Fingerprint{Text: text, Dialect: DialectMySQL},
			IsWrite:             isWriteQueryText(text),
			TouchesSessionState: kind == router.KindBeginTransaction || kind == router.KindCommit || kind == router.KindRollback,
		}
	case mysqlComStmtPrepare:
		return router.Classification{Kind: router.KindPrepare}
	default:
		return router.Classification{Kind: router.KindOther}
	}
}

func classifyMySQLQueryText(text string) router.StatementKind {
	trimmed := strings.TrimSpace(strings.ToUpper(text))
	switch {
	case strings.HasPrefix(trimmed, "START TRANSACTION"), strings.HasPrefix(trimmed, "BEGIN"):
		return router.KindBeginTransaction
	case strings.HasPrefix(trimmed, "COMMIT"):
		return router.KindCommit
	case strings.HasPrefix(trimmed, "ROLLBACK"):
		return router.KindRollback
	default:
		return router.KindQuery
	}
}

// --- connection setup: synthetic handshake, tenant extraction ---

// SendSyntheticMySQLHandshake sends a minimal Protocol::Handshake (v10) to
// the client so its HandshakeResponse can be read and mined for a tenant
// ID, before any backend is known.
func SendSyntheticMySQLHandshake(conn net.Conn) error {
	var buf []byte
	buf = append(buf, 10)
	buf = append(buf, "5.7.0-dbbouncer"...)
	buf = append(buf, 0)
	buf = append(buf, 1, 0, 0, 0)
	buf = append(buf, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08)
	buf = append(buf, 0)
	capLow := uint16(0xf7ff)
	buf = append(buf, byte(capLow), byte(capLow>>8))
	buf = append(buf, 33)
	buf = append(buf, 0x02, 0x00)
	capHigh := uint16(0x0081)
	buf = append(buf, byte(capHigh), byte(capHigh>>8))
	buf = append(buf, 21)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14, 0x00)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return writeMySQLPacket(conn, buf, 0)
}

// ReadMySQLHandshakeResponse reads the client's HandshakeResponse41 and
// extracts the tenant ID (from "tenant__user" username or a database name
// that resolves as a tenant), returning the raw packet to forward to
// whichever backend the tenant resolves to.
func ReadMySQLHandshakeResponse(conn net.Conn, resolveTenant func(candidate string) bool) (tenantID string, rawPacket []byte, err error) {
	headerBuf := make([]byte, 4)
	if _, err = io.ReadFull(conn, headerBuf); err != nil {
		return "", nil, fmt.Errorf("reading packet header: %w", err)
	}
	payloadLen := int(headerBuf[0]) | int(headerBuf[1])<<8 | int(headerBuf[2])<<16
	if payloadLen > 1<<24 || payloadLen < 32 {
		return "", nil, fmt.Errorf("invalid handshake response length: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err = io.ReadFull(conn, payload); err != nil {
		return "", nil, fmt.Errorf("reading handshake response: %w", err)
	}

	rawPacket = make([]byte, 4+payloadLen)
	copy(rawPacket, headerBuf)
	copy(rawPacket[4:], payload)

	if len(payload) < 32 {
		return "", rawPacket, fmt.Errorf("handshake response too short")
	}

	clientFlags := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	pos := 32

	usernameEnd := pos
	for usernameEnd < len(payload) && payload[usernameEnd] != 0 {
		usernameEnd++
	}
	username := string(payload[pos:usernameEnd])
	pos = usernameEnd + 1

	if clientFlags&0x00200000 != 0 || clientFlags&0x00008000 != 0 {
		if pos < len(payload) {
			authLen := int(payload[pos])
			pos++
			if pos+authLen <= len(payload) {
				pos += authLen
			}
		}
	} else {
		authEnd := pos
		for authEnd < len(payload) && payload[authEnd] != 0 {
			authEnd++
		}
		pos = authEnd + 1
	}

	database := ""
	if clientFlags&0x00000008 != 0 && pos < len(payload) {
		dbEnd := pos
		for dbEnd < len(payload) && payload[dbEnd] != 0 {
			dbEnd++
		}
		database = string(payload[pos:dbEnd])
	}

	if tid, _, ok := router.ExtractTenantFromUsername(username); ok {
		tenantID = tid
	}
	if tenantID == "" && database != "" && resolveTenant != nil && resolveTenant(database) {
		tenantID = database
	}

	return tenantID, rawPacket, nil
}

func writeMySQLPacket(conn net.Conn, payload []byte, seqNum byte) error {
	header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seqNum}
	buf := make([]byte, 4+len(payload))
	copy(buf, header)
	copy(buf[4:], payload)
	_, err := conn.Write(buf)
	return err
}

// SendMySQLError writes an ERR_Packet to conn.
func SendMySQLError(conn net.Conn, errorCode uint16, sqlState, message string) {
	var buf []byte
	buf = append(buf, mysqlErrPacket)
	buf = append(buf, byte(errorCode), byte(errorCode>>8))
	buf = append(buf, '#')
	state := sqlState
	if len(state) < 5 {
		state += "     "
	}
	buf = append(buf, state[:5]...)
	buf = append(buf, message...)
	writeMySQLPacket(conn, buf, 2)
}

// SendMySQLAuthOK completes client-facing authentication in trust mode: an
// OK_Packet with seq 2 (following the handshake at seq 0 and the client's
// HandshakeResponse41 at seq 1), mirroring SendPGTrustAuth's rationale.
func SendMySQLAuthOK(conn net.Conn) error {
	buf := []byte{mysqlOKPacket, 0, 0, 0x02, 0x00, 0x00, 0x00}
	return writeMySQLPacket(conn, buf, 2)
}
