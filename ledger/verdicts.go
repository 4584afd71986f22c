package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bloomgate/grant"
)

// Verdict mirrors the per-principal eligibility state computed by the stats
// collaborator. The issuing path only ever reads this table.
type Verdict struct {
	SocialID  grant.SocialID
	Favorable bool
	ClaimedAt *time.Time
}

// Verdict returns the stored verdict for a principal, if any.
func (s *Store) Verdict(ctx context.Context, id grant.SocialID) (*Verdict, bool, error) {
	const query = `SELECT favorable, claimed_at FROM verdicts WHERE social_id = ?`
	row := s.db.QueryRowContext(ctx, query, uint64(id))

	var favorable int
	var claimedAt sql.NullTime
	err := row.Scan(&favorable, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	verdict := &Verdict{SocialID: id, Favorable: favorable == 1}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		verdict.ClaimedAt = &t
	}
	return verdict, true, nil
}

// UpsertVerdict is the stats collaborator's write path, reached through the
// verdict push endpoint. The issuing pipeline never calls it.
func (s *Store) UpsertVerdict(ctx context.Context, verdict Verdict) error {
	const stmt = `INSERT INTO verdicts(social_id, favorable, claimed_at) VALUES (?, ?, ?)
        ON CONFLICT(social_id) DO UPDATE SET favorable = excluded.favorable, claimed_at = excluded.claimed_at`
	favorable := 0
	if verdict.Favorable {
		favorable = 1
	}
	var claimedAt interface{}
	if verdict.ClaimedAt != nil {
		claimedAt = verdict.ClaimedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, stmt, uint64(verdict.SocialID), favorable, claimedAt)
	return err
}

// InsertAudit appends one request outcome to the audit trail. Bodies are
// deliberately not recorded; they can contain command text and signatures.
func (s *Store) InsertAudit(ctx context.Context, apiKey, method, path, outcome string, status int, occurredAt time.Time) error {
	const stmt = `INSERT INTO audit_log(occurred_at, api_key, method, path, outcome, status) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, occurredAt.UTC(), apiKey, method, path, outcome, status)
	return err
}
