// Package ledger persists issued authorization grants keyed by their logical
// event, so an at-least-once event feed can never mint two valid signatures
// for one action. It also carries the read-only eligibility verdict table
// owned by the stats-computation collaborator.
package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "modernc.org/sqlite"

	"bloomgate/grant"
)

// Grant record statuses.
const (
	StatusIssued   = "issued"
	StatusConsumed = "consumed"
	StatusExpired  = "expired"
)

// Key identifies one logical authorization event. It is derivable without
// any non-deterministic input, so duplicate deliveries collide on the same
// record.
type Key struct {
	Kind      grant.Kind
	EventHash common.Hash
	From      common.Address
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.EventHash.Hex(), strings.ToLower(k.From.Hex()))
}

// Store wraps the sqlite database backing the ledger.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

// Open initialises the store and its schema at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; funnel all access through a single
	// connection so concurrent IssueOnce calls queue instead of failing
	// with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	store := &Store{db: db, nowFn: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS grants (
            kind TEXT NOT NULL,
            event_hash TEXT NOT NULL,
            sender TEXT NOT NULL,
            receiver TEXT NOT NULL,
            amount_wei TEXT NOT NULL,
            sender_id INTEGER NOT NULL,
            receiver_id INTEGER NOT NULL,
            nonce TEXT NOT NULL,
            deadline INTEGER NOT NULL,
            chain_id INTEGER NOT NULL,
            verifier TEXT NOT NULL,
            signature TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'issued',
            issued_at TIMESTAMP NOT NULL,
            PRIMARY KEY(kind, event_hash, sender)
        );`,
		`CREATE TABLE IF NOT EXISTS verdicts (
            social_id INTEGER PRIMARY KEY,
            favorable INTEGER NOT NULL,
            claimed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            outcome TEXT NOT NULL,
            status INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// IssueOnce returns the stored grant for the key when a live record exists;
// otherwise it runs the factory (the full resolve/nonce/encode/sign pipeline)
// and persists the result. The insert uses the primary key as the atomic
// insert-if-absent primitive: if a concurrent duplicate wins the race, the
// loser discards its freshly signed grant and returns the stored one, so both
// callers observe identical (signature, nonce, deadline). The second return
// value reports whether the grant was replayed from the ledger.
func (s *Store) IssueOnce(ctx context.Context, key Key, factory func(context.Context) (*grant.Grant, error)) (*grant.Grant, bool, error) {
	now := s.nowFn().UTC()
	if stored, found, err := s.lookupLive(ctx, key, now); err != nil {
		return nil, false, err
	} else if found {
		return stored, true, nil
	}

	issued, err := factory(ctx)
	if err != nil {
		return nil, false, err
	}

	const stmt = `INSERT INTO grants(kind, event_hash, sender, receiver, amount_wei, sender_id, receiver_id, nonce, deadline, chain_id, verifier, signature, status, issued_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(kind, event_hash, sender) DO UPDATE SET
            receiver = excluded.receiver,
            amount_wei = excluded.amount_wei,
            sender_id = excluded.sender_id,
            receiver_id = excluded.receiver_id,
            nonce = excluded.nonce,
            deadline = excluded.deadline,
            chain_id = excluded.chain_id,
            verifier = excluded.verifier,
            signature = excluded.signature,
            status = excluded.status,
            issued_at = excluded.issued_at
        WHERE grants.status = 'expired' OR grants.deadline <= ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(issued.Kind),
		issued.EventHash.Hex(),
		strings.ToLower(issued.From.Hex()),
		strings.ToLower(issued.To.Hex()),
		issued.AmountWei.Dec(),
		uint64(issued.FromID),
		uint64(issued.ToID),
		issued.Nonce.Dec(),
		issued.Deadline,
		issued.ChainID,
		strings.ToLower(issued.Verifier.Hex()),
		hex.EncodeToString(issued.Signature),
		StatusIssued,
		issued.IssuedAt.UTC(),
		now.Unix(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("persist grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected > 0 {
		return issued, false, nil
	}

	// A concurrent duplicate persisted first; its grant is the grant.
	stored, found, err := s.lookupLive(ctx, key, now)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, errors.New("ledger: lost insert race but no live record found")
	}
	return stored, true, nil
}

func (s *Store) lookupLive(ctx context.Context, key Key, now time.Time) (*grant.Grant, bool, error) {
	const query = `SELECT receiver, amount_wei, sender_id, receiver_id, nonce, deadline, chain_id, verifier, signature, status, issued_at
        FROM grants WHERE kind = ? AND event_hash = ? AND sender = ?`
	row := s.db.QueryRowContext(ctx, query, string(key.Kind), key.EventHash.Hex(), strings.ToLower(key.From.Hex()))

	var (
		receiver, amountWei, nonce, verifier, signature, status string
		senderID, receiverID, deadline, chainID                 uint64
		issuedAt                                                time.Time
	)
	err := row.Scan(&receiver, &amountWei, &senderID, &receiverID, &nonce, &deadline, &chainID, &verifier, &signature, &status, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if status == StatusExpired || deadline <= uint64(now.Unix()) {
		return nil, false, nil
	}

	amount, err := uint256.FromDecimal(amountWei)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt amount in ledger: %w", err)
	}
	nonceVal, err := uint256.FromDecimal(nonce)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt nonce in ledger: %w", err)
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt signature in ledger: %w", err)
	}
	stored := &grant.Grant{
		Fields: grant.Fields{
			Kind:      key.Kind,
			From:      key.From,
			To:        common.HexToAddress(receiver),
			AmountWei: amount,
			FromID:    grant.SocialID(senderID),
			ToID:      grant.SocialID(receiverID),
			EventHash: key.EventHash,
			Nonce:     nonceVal,
			Deadline:  deadline,
			ChainID:   chainID,
			Verifier:  common.HexToAddress(verifier),
		},
		Signature: sig,
		IssuedAt:  issuedAt.UTC(),
	}
	return stored, true, nil
}

// MarkConsumed records that a grant's signature was observed on-chain. Called
// by the submission watcher, never by the issuing path.
func (s *Store) MarkConsumed(ctx context.Context, key Key) error {
	const stmt = `UPDATE grants SET status = ? WHERE kind = ? AND event_hash = ? AND sender = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusConsumed, string(key.Kind), key.EventHash.Hex(), strings.ToLower(key.From.Hex()), StatusIssued)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("no issued grant for key %s", key)
	}
	return nil
}

// ExpireStale marks issued grants whose deadline has elapsed. Run
// periodically; an expired record no longer satisfies IssueOnce, so the next
// request for the same event produces a fresh grant with a new nonce and
// deadline.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	const stmt = `UPDATE grants SET status = ? WHERE status = ? AND deadline <= ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusExpired, StatusIssued, now.UTC().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
