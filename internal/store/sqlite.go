package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLite persists rows in a single-file database. The daemon is the only
// writer, so WAL with a busy timeout is sufficient.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailure, err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS instances (
    id TEXT PRIMARY KEY,
    creator TEXT NOT NULL,
    max_members INTEGER NOT NULL,
    settings BLOB,
    created_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS members (
    instance_id TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
    identity TEXT NOT NULL,
    display_name TEXT,
    joined_at_ms INTEGER NOT NULL,
    PRIMARY KEY (instance_id, identity)
);
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    status TEXT NOT NULL,
    final_decision TEXT,
    created_at_ms INTEGER NOT NULL,
    expires_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS votes (
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    identity TEXT NOT NULL,
    decision TEXT NOT NULL,
    voted_at_ms INTEGER NOT NULL,
    PRIMARY KEY (campaign_id, identity)
);
CREATE INDEX IF NOT EXISTS idx_campaigns_instance ON campaigns(instance_id);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) InsertInstance(ctx context.Context, row InstanceRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, creator, max_members, settings, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.Creator, row.MaxMembers, row.Settings, row.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("store: insert instance: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateInstance(ctx context.Context, row InstanceRow) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET max_members = ?, settings = ? WHERE id = ?`,
		row.MaxMembers, row.Settings, row.ID)
	if err != nil {
		return fmt.Errorf("store: update instance: %w", err)
	}
	return requireRows(res, "instance "+row.ID)
}

func (s *SQLite) DeleteInstance(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("store: delete instance: %w", err)
	}
	return nil
}

func (s *SQLite) GetInstance(ctx context.Context, instanceID string) (InstanceRow, error) {
	var row InstanceRow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, creator, max_members, settings, created_at_ms FROM instances WHERE id = ?`,
		instanceID).Scan(&row.ID, &row.Creator, &row.MaxMembers, &row.Settings, &row.CreatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return InstanceRow{}, fmt.Errorf("%w: instance %s", ErrRowNotFound, instanceID)
	}
	if err != nil {
		return InstanceRow{}, fmt.Errorf("store: get instance: %w", err)
	}
	return row, nil
}

func (s *SQLite) ListInstances(ctx context.Context) ([]InstanceRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, creator, max_members, settings, created_at_ms FROM instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	defer rows.Close()
	out := make([]InstanceRow, 0)
	for rows.Next() {
		var row InstanceRow
		if err := rows.Scan(&row.ID, &row.Creator, &row.MaxMembers, &row.Settings, &row.CreatedAtMS); err != nil {
			return nil, fmt.Errorf("store: scan instance: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertMember(ctx context.Context, row MemberRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members (instance_id, identity, display_name, joined_at_ms) VALUES (?, ?, ?, ?)`,
		row.InstanceID, row.Identity, row.DisplayName, row.JoinedAtMS)
	if err != nil {
		return fmt.Errorf("store: insert member: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteMember(ctx context.Context, instanceID, identity string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM members WHERE instance_id = ? AND identity = ?`, instanceID, identity)
	if err != nil {
		return fmt.Errorf("store: delete member: %w", err)
	}
	return nil
}

func (s *SQLite) ListMembers(ctx context.Context, instanceID string) ([]MemberRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, identity, display_name, joined_at_ms FROM members WHERE instance_id = ? ORDER BY identity`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("store: list members: %w", err)
	}
	defer rows.Close()
	out := make([]MemberRow, 0)
	for rows.Next() {
		var row MemberRow
		if err := rows.Scan(&row.InstanceID, &row.Identity, &row.DisplayName, &row.JoinedAtMS); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertCampaign(ctx context.Context, row CampaignRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, instance_id, subject, status, final_decision, created_at_ms, expires_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.InstanceID, row.Subject, row.Status, row.FinalDecision, row.CreatedAtMS, row.ExpiresAtMS)
	if err != nil {
		return fmt.Errorf("store: insert campaign: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateCampaign(ctx context.Context, row CampaignRow) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, final_decision = ? WHERE id = ?`,
		row.Status, row.FinalDecision, row.ID)
	if err != nil {
		return fmt.Errorf("store: update campaign: %w", err)
	}
	return requireRows(res, "campaign "+row.ID)
}

func (s *SQLite) GetCampaign(ctx context.Context, campaignID string) (CampaignRow, error) {
	var row CampaignRow
	var decision sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, subject, status, final_decision, created_at_ms, expires_at_ms
		 FROM campaigns WHERE id = ?`, campaignID).
		Scan(&row.ID, &row.InstanceID, &row.Subject, &row.Status, &decision, &row.CreatedAtMS, &row.ExpiresAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return CampaignRow{}, fmt.Errorf("%w: campaign %s", ErrRowNotFound, campaignID)
	}
	if err != nil {
		return CampaignRow{}, fmt.Errorf("store: get campaign: %w", err)
	}
	row.FinalDecision = decision.String
	return row, nil
}

func (s *SQLite) UpsertVote(ctx context.Context, row VoteRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (campaign_id, identity, decision, voted_at_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT(campaign_id, identity) DO UPDATE SET decision = excluded.decision, voted_at_ms = excluded.voted_at_ms`,
		row.CampaignID, row.Identity, row.Decision, row.VotedAtMS)
	if err != nil {
		return fmt.Errorf("store: upsert vote: %w", err)
	}
	return nil
}

func (s *SQLite) ListVotes(ctx context.Context, campaignID string) ([]VoteRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT campaign_id, identity, decision, voted_at_ms FROM votes WHERE campaign_id = ? ORDER BY identity`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("store: list votes: %w", err)
	}
	defer rows.Close()
	out := make([]VoteRow, 0)
	for rows.Next() {
		var row VoteRow
		if err := rows.Scan(&row.CampaignID, &row.Identity, &row.Decision, &row.VotedAtMS); err != nil {
			return nil, fmt.Errorf("store: scan vote: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func requireRows(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRowNotFound, what)
	}
	return nil
}
