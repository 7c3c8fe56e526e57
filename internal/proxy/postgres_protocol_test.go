package proxy

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/dbbouncer/dbbouncer/internal/router"
	"github.com/dbbouncer/dbbouncer/internal/session"
)

func buildPGMessage(t byte, payload []byte) []byte {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = t
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4))
	copy(buf[5:], payload)
	return buf
}

func TestPostgresHandleClientBytesFramesMultipleMessages(t *testing.T) {
	sess := session.New(1, 0, nil, time.Second)
	q1 := buildPGMessage(pgMsgQuery, append([]byte("SELECT 1"), 0))
	q2 := buildPGMessage(pgMsgQuery, append([]byte("BEGIN"), 0))
	buf := append(append([]byte{}, q1...), q2...)

	stmts, err := PostgresProtocol{}.HandleClientBytes(sess, buf)
	if err != nil {
		t.Fatalf("HandleClientBytes: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	if stmts[0].Classification.Kind != router.KindQuery {
		t.Errorf("expected first statement KindQuery, got %v", stmts[0].Classification.Kind)
	}
	if stmts[1].Classification.Kind != router.KindBeginTransaction {
		t.Errorf("expected second statement KindBeginTransaction, got %v", stmts[1].Classification.Kind)
	}
	consumed := len(stmts[0].Raw) + len(stmts[1].Raw)
	if consumed != len(buf) {
		t.Errorf("sum(len(Raw)) = %d, want %d (full buffer consumed)", consumed, len(buf))
	}
}

func TestPostgresHandleClientBytesLeavesPartialMessage(t *testing.T) {
	sess := session.New(1, 0, nil, time.Second)
	full := buildPGMessage(pgMsgQuery, append([]byte("SELECT 1"), 0))
	partial := full[:len(full)-2]

	stmts, err := PostgresProtocol{}.HandleClientBytes(sess, partial)
	if err != nil {
		t.Fatalf("HandleClientBytes: %v", err)
	}
	if len(stmts) != 0 {
		t.Fatalf("expected no statements from a partial message, got %d", len(stmts))
	}
}

func TestPostgresHandleBackendBytesReadyForQueryIsTerminal(t *testing.T) {
	sess := session.New(1, 0, nil, time.Second)
	msg := buildPGMessage(pgMsgReadyForQuery, []byte{'I'})

	reply, err := PostgresProtocol{}.HandleBackendBytes(sess, nil, msg)
	if err != nil {
		t.Fatalf("HandleBackendBytes: %v", err)
	}
	if !reply.IsTerminal {
		t.Error("expected ReadyForQuery to be terminal")
	}
}

func TestParseTenantFromOptions(t *testing.T) {
	if got := parseTenantFromOptions("-c tenant_id=acme -c search_path=public"); got != "acme" {
		t.Errorf("got %q, want acme", got)
	}
	if got := parseTenantFromOptions("tenant_id=acme"); got != "acme" {
		t.Errorf("got %q, want acme", got)
	}
	if got := parseTenantFromOptions("-c search_path=public"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestClassifyQueryText(t *testing.T) {
	cases := map[string]router.StatementKind{
		"SELECT 1":          router.KindQuery,
		"begin":             router.KindBeginTransaction,
		"START TRANSACTION": router.KindBeginTransaction,
		"commit":            router.KindCommit,
		"ROLLBACK":          router.KindRollback,
	}
	for text, want := range cases {
		if got := classifyQueryText(text); got != want {
			t.Errorf("classifyQueryText(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestIsWriteQueryText(t *testing.T) {
	if !isWriteQueryText("INSERT INTO t VALUES (1)") {
		t.Error("expected INSERT to be classified as a write")
	}
	if isWriteQueryText("SELECT * FROM t") {
		t.Error("expected SELECT not to be classified as a write")
	}
}
