package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func TestAppend_ChainsOffPreviousHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	ledger := New(sqlx.NewDb(db, "sqlmock"))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT this_hash FROM audit_ledger WHERE node_id=$1 ORDER BY seq DESC LIMIT 1`)).
		WithArgs("node-1").
		WillReturnRows(sqlmock.NewRows([]string{"this_hash"}).AddRow("deadbeef"))

	payload := map[string]string{"op": "StartProvisioning"}
	b, _ := json.Marshal(payload)
	h := sha256.New()
	pb, _ := hex.DecodeString("deadbeef")
	h.Write(pb)
	h.Write(b)
	wantHash := hex.EncodeToString(h.Sum(nil))

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_ledger`)).
		WithArgs("node-1", string(EventProvisioningChanged), sqlmock.AnyArg(), "deadbeef", wantHash).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := ledger.Append(context.Background(), "node-1", EventProvisioningChanged, payload); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerify_DetectsBrokenChain(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	ledger := New(sqlx.NewDb(db, "sqlmock"))

	rows := sqlmock.NewRows([]string{"seq", "prev_hash", "this_hash", "payload"}).
		AddRow(int64(1), "", "0000000000", []byte(`{"op":"a"}`)).
		AddRow(int64(2), "0000000000", "ffffffffff", []byte(`{"op":"b"}`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT seq, prev_hash, this_hash, payload FROM audit_ledger WHERE node_id=$1 ORDER BY seq ASC LIMIT $2`)).
		WithArgs("node-1", 10000).
		WillReturnRows(rows)

	badSeq, err := ledger.Verify(context.Background(), "node-1", 0)
	if err == nil {
		t.Fatal("expected a hash mismatch error for tampered chain")
	}
	if badSeq != 1 {
		t.Fatalf("expected mismatch reported at seq 1, got %d", badSeq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerify_IntactChainReturnsZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	ledger := New(sqlx.NewDb(db, "sqlmock"))

	payload1 := []byte(`{"op":"a"}`)
	h1 := sha256.Sum256(payload1)
	hash1 := hex.EncodeToString(h1[:])

	h2 := sha256.New()
	pb, _ := hex.DecodeString(hash1)
	h2.Write(pb)
	payload2 := []byte(`{"op":"b"}`)
	h2.Write(payload2)
	hash2 := hex.EncodeToString(h2.Sum(nil))

	rows := sqlmock.NewRows([]string{"seq", "prev_hash", "this_hash", "payload"}).
		AddRow(int64(1), "", hash1, payload1).
		AddRow(int64(2), hash1, hash2, payload2)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT seq, prev_hash, this_hash, payload FROM audit_ledger WHERE node_id=$1 ORDER BY seq ASC LIMIT $2`)).
		WithArgs("node-1", 10000).
		WillReturnRows(rows)

	badSeq, err := ledger.Verify(context.Background(), "node-1", 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if badSeq != 0 {
		t.Fatalf("expected no mismatch, got seq %d", badSeq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
