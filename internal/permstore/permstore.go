// Package permstore is the default PermissionStore collaborator (spec.md
// §4.5): RegisterInstance/UnregisterInstance/GetPermissions. The minted
// `secret` is a signed golang-jwt/jwt/v5 token embedding InstanceIdentity
// plus a capability-set hash; durable registration state survives a
// dispatcher restart via jackc/pgx/v5 + jmoiron/sqlx (the collaborator is
// allowed to persist even though spec.md §1 says the *core* reconstructs
// from collaborators at startup). An optional OPA gate
// (github.com/open-policy-agent/opa) and an optional SpiceDB-backed
// capability check (build tag "spicedb") compose on top of this default,
// per SPEC_FULL.md §3.
package permstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"

	"github.com/edgefleet/iamfleet/internal/iamerr"
	"github.com/edgefleet/iamfleet/internal/iampb"
)

// Schema mirrors the durable registration table; cmd/iamserver runs this
// idempotently at startup (spec.md §1's migration-tooling Non-goal means no
// separate migration command, just CREATE TABLE IF NOT EXISTS).
const Schema = `
CREATE TABLE IF NOT EXISTS permstore_instances (
	service_id   TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	instance     BIGINT NOT NULL,
	secret_hash  TEXT NOT NULL,
	capabilities JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (service_id, subject_id, instance)
);
`

// instanceKey orders by (service_id, subject_id, instance) per spec.md §3's
// "ordering-significant for permission lookups."
type instanceKey struct {
	ServiceID string
	SubjectID string
	Instance  uint64
}

func keyOf(id iampb.InstanceIdentity) instanceKey {
	return instanceKey{ServiceID: id.ServiceID, SubjectID: id.SubjectID, Instance: id.Instance}
}

// claims is the JWT payload embedded in every minted secret.
type claims struct {
	jwt.RegisteredClaims
	Instance   iampb.InstanceIdentity `json:"instance"`
	CapsDigest string                 `json:"caps_digest"`
}

// Gate is consulted before RegisterInstance commits; the OPA-backed
// implementation lives in opa_gate.go, gated by config's
// enablePermissionsHandler per spec.md §6.
type Gate interface {
	Allow(ctx context.Context, instance iampb.InstanceIdentity, permissions map[string]map[string]string) (bool, string, error)
}

// RelationChecker is consulted by GetPermissions as an additional
// Zanzibar-style check when the "spicedb" build tag is enabled; the default
// build's NewSpiceDBFromEnv returns an explanatory error and Store simply
// skips the check if none is configured.
type RelationChecker interface {
	Check(ctx context.Context, subjectID, functionalServerID string) (bool, error)
}

// Store implements the PermissionStore collaborator interface.
type Store struct {
	db       *sqlx.DB
	signKey  []byte
	gate     Gate
	relCheck RelationChecker

	mu   sync.RWMutex
	live map[instanceKey]map[string]map[string]string // in-memory mirror for fast GetPermissions
}

// New constructs a Store. signKey signs/verifies the opaque secrets; db may
// be nil for a purely in-memory deployment (tests), in which case
// RegisterInstance/UnregisterInstance skip durable persistence.
func New(db *sqlx.DB, signKey []byte, gate Gate, relCheck RelationChecker) *Store {
	return &Store{db: db, signKey: signKey, gate: gate, relCheck: relCheck, live: make(map[instanceKey]map[string]map[string]string)}
}

func capsDigest(permissions map[string]map[string]string) string {
	b, _ := json.Marshal(canonicalize(permissions))
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalize sorts map keys so the digest is stable regardless of Go's
// randomized map iteration order.
func canonicalize(permissions map[string]map[string]string) [][2]any {
	services := make([]string, 0, len(permissions))
	for svc := range permissions {
		services = append(services, svc)
	}
	sort.Strings(services)

	out := make([][2]any, 0, len(services))
	for _, svc := range services {
		kv := permissions[svc]
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([][2]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, [2]string{k, kv[k]})
		}
		out = append(out, [2]any{svc, pairs})
	}
	return out
}

// RegisterInstance mints a fresh opaque secret for instance, enforcing the
// policy gate (if configured) before committing. spec.md §4.5's
// cMaxNumServices bound is enforced by the dispatcher before this is
// called, not here.
func (s *Store) RegisterInstance(ctx context.Context, instance iampb.InstanceIdentity, permissions map[string]map[string]string) (string, error) {
	if s.gate != nil {
		ok, reason, err := s.gate.Allow(ctx, instance, permissions)
		if err != nil {
			return "", iamerr.Wrap(iamerr.Internal, "policy gate evaluation", err)
		}
		if !ok {
			return "", iamerr.New(iamerr.PermissionDenied, fmt.Sprintf("policy denied registration: %s", reason))
		}
	}

	digest := capsDigest(permissions)
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			Subject:  instance.SubjectID,
		},
		Instance:   instance,
		CapsDigest: digest,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	secret, err := token.SignedString(s.signKey)
	if err != nil {
		return "", iamerr.Wrap(iamerr.Internal, "sign instance secret", err)
	}

	k := keyOf(instance)
	s.mu.Lock()
	s.live[k] = permissions
	s.mu.Unlock()

	if s.db != nil {
		permJSON, _ := json.Marshal(permissions)
		secretHash := sha256.Sum256([]byte(secret))
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO permstore_instances(service_id, subject_id, instance, secret_hash, capabilities)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (service_id, subject_id, instance)
			DO UPDATE SET secret_hash = EXCLUDED.secret_hash, capabilities = EXCLUDED.capabilities`,
			instance.ServiceID, instance.SubjectID, instance.Instance, hex.EncodeToString(secretHash[:]), permJSON)
		if err != nil {
			return "", iamerr.Wrap(iamerr.Internal, "persist instance registration", err)
		}
	}

	return secret, nil
}

// UnregisterInstance removes instance's registration.
func (s *Store) UnregisterInstance(ctx context.Context, instance iampb.InstanceIdentity) error {
	k := keyOf(instance)
	s.mu.Lock()
	delete(s.live, k)
	s.mu.Unlock()

	if s.db != nil {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM permstore_instances WHERE service_id=$1 AND subject_id=$2 AND instance=$3`,
			instance.ServiceID, instance.SubjectID, instance.Instance)
		if err != nil {
			return iamerr.Wrap(iamerr.Internal, "delete instance registration", err)
		}
	}
	return nil
}

// GetPermissions verifies secret and returns the instance's capability set
// for functionalServerID, optionally cross-checked against a SpiceDB
// relationship graph when relCheck is configured.
func (s *Store) GetPermissions(ctx context.Context, secret, functionalServerID string) (iampb.InstanceIdentity, map[string]string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(secret, &c, func(t *jwt.Token) (interface{}, error) {
		return s.signKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return iampb.InstanceIdentity{}, nil, iamerr.Wrap(iamerr.NotFound, "invalid or expired secret", err)
	}

	k := keyOf(c.Instance)
	s.mu.RLock()
	permissions, ok := s.live[k]
	s.mu.RUnlock()
	if !ok {
		return iampb.InstanceIdentity{}, nil, iamerr.New(iamerr.NotFound, "instance not registered")
	}
	if capsDigest(permissions) != c.CapsDigest {
		return iampb.InstanceIdentity{}, nil, iamerr.New(iamerr.NotFound, "instance capabilities changed since secret was minted")
	}

	if s.relCheck != nil {
		allowed, err := s.relCheck.Check(ctx, c.Instance.SubjectID, functionalServerID)
		if err != nil {
			return iampb.InstanceIdentity{}, nil, iamerr.Wrap(iamerr.Internal, "relation check", err)
		}
		if !allowed {
			return iampb.InstanceIdentity{}, nil, iamerr.New(iamerr.PermissionDenied, "relation graph denies this functional server")
		}
	}

	caps, ok := permissions[functionalServerID]
	if !ok {
		return iampb.InstanceIdentity{}, nil, iamerr.New(iamerr.NotFound, fmt.Sprintf("no capabilities registered for %q", functionalServerID))
	}
	return c.Instance, caps, nil
}

// LoadFromDB repopulates the in-memory mirror from durable storage at
// startup, since the live map itself is not persisted (spec.md §1: "the
// core does not persist its own state across restarts; it reconstructs
// state from collaborators at startup" -- the collaborator's own db IS the
// durable state it reconstructs from).
func (s *Store) LoadFromDB(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	type row struct {
		ServiceID    string `db:"service_id"`
		SubjectID    string `db:"subject_id"`
		Instance     uint64 `db:"instance"`
		Capabilities []byte `db:"capabilities"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT service_id, subject_id, instance, capabilities FROM permstore_instances`); err != nil {
		return iamerr.Wrap(iamerr.Internal, "load permstore instances", err)
	}

	live := make(map[instanceKey]map[string]map[string]string, len(rows))
	for _, r := range rows {
		var caps map[string]map[string]string
		if err := json.Unmarshal(r.Capabilities, &caps); err != nil {
			continue
		}
		live[instanceKey{ServiceID: r.ServiceID, SubjectID: r.SubjectID, Instance: r.Instance}] = caps
	}

	s.mu.Lock()
	s.live = live
	s.mu.Unlock()
	return nil
}

// Len reports the number of live registrations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}
