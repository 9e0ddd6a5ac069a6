// Package auditlog adapts the teacher's internal/audit/ledger.go
// hash-chained ledger verbatim in technique, repointed at dispatcher events
// (node registration, provisioning transition, forwarded-call outcome)
// instead of per-organization HTTP API events. Persisted through the same
// pgx/sqlx pool internal/permstore uses, per SPEC_FULL.md §3
// "NodeInfoStore / audit trail."
package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/edgefleet/iamfleet/internal/iamerr"
)

// Schema mirrors the teacher's audit_ledger table, scoped per main-node
// deployment (node_id) rather than per-organization.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_ledger (
	seq        BIGSERIAL PRIMARY KEY,
	node_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB NOT NULL,
	prev_hash  TEXT NOT NULL DEFAULT '',
	this_hash  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_ledger_node_id_seq_idx ON audit_ledger(node_id, seq DESC);
`

// Ledger appends dispatcher-observable events to a hash-chained audit
// trail, one chain per node_id.
type Ledger struct {
	db *sqlx.DB
}

// New wraps db; callers run Schema against it once at startup (e.g. via
// cmd/iamserver's idempotent CREATE TABLE IF NOT EXISTS, per spec.md §1's
// Non-goal excluding a migration tool).
func New(db *sqlx.DB) *Ledger { return &Ledger{db: db} }

// EventKind names the dispatcher events the ledger records.
type EventKind string

const (
	EventNodeRegistered       EventKind = "node_registered"
	EventProvisioningChanged  EventKind = "provisioning_changed"
	EventForwardedCallOutcome EventKind = "forwarded_call_outcome"
	EventCertApplied          EventKind = "cert_applied"
)

// Append writes one event, chaining this_hash = SHA256(prev_hash ||
// canonical_json) exactly as the teacher's audit.Append does, scoped by
// node_id instead of org_id.
func (l *Ledger) Append(ctx context.Context, nodeID string, eventType EventKind, payload any) error {
	var prev string
	_ = l.db.GetContext(ctx, &prev, `SELECT this_hash FROM audit_ledger WHERE node_id=$1 ORDER BY seq DESC LIMIT 1`, nodeID)

	b, err := json.Marshal(payload)
	if err != nil {
		return iamerr.Wrap(iamerr.Internal, "marshal audit payload", err)
	}

	h := sha256.New()
	if prev != "" {
		pb, _ := hex.DecodeString(prev)
		h.Write(pb)
	}
	h.Write(b)
	thisHash := hex.EncodeToString(h.Sum(nil))

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_ledger(node_id, event_type, payload, prev_hash, this_hash) VALUES ($1,$2,$3,$4,$5)`,
		nodeID, string(eventType), b, prev, thisHash)
	if err != nil {
		return iamerr.Wrap(iamerr.Internal, "insert audit event", err)
	}
	return nil
}

// Verify walks the chain for nodeID and returns the first broken seq, or 0
// when the chain is intact.
func (l *Ledger) Verify(ctx context.Context, nodeID string, limit int) (int64, error) {
	type row struct {
		Seq     int64  `db:"seq"`
		Prev    string `db:"prev_hash"`
		This    string `db:"this_hash"`
		Payload []byte `db:"payload"`
	}
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}
	var rows []row
	if err := l.db.SelectContext(ctx, &rows,
		`SELECT seq, prev_hash, this_hash, payload FROM audit_ledger WHERE node_id=$1 ORDER BY seq ASC LIMIT $2`,
		nodeID, limit); err != nil {
		return 0, iamerr.Wrap(iamerr.Internal, "select audit chain", err)
	}

	var last string
	for _, r := range rows {
		h := sha256.New()
		if last != "" {
			pb, _ := hex.DecodeString(last)
			h.Write(pb)
		}
		h.Write(r.Payload)
		sum := hex.EncodeToString(h.Sum(nil))
		if sum != r.This {
			return r.Seq, fmt.Errorf("hash mismatch at seq %d", r.Seq)
		}
		last = r.This
	}
	return 0, nil
}
