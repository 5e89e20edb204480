package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRowNotFound      = errors.New("store: row not found")
	ErrUnknownDriver    = errors.New("store: unknown driver")
	ErrPathRequired     = errors.New("store: path required")
	ErrDuplicateRow     = errors.New("store: duplicate row")
	ErrInvalidRow       = errors.New("store: invalid row")
	ErrStoreClosed      = errors.New("store: closed")
	ErrMigrationFailure = errors.New("store: migration failed")
)

// InstanceRow is the persisted shape of one instance.
type InstanceRow struct {
	ID          string
	Creator     string
	MaxMembers  int
	Settings    []byte
	CreatedAtMS int64
}

// MemberRow is the persisted shape of one membership.
type MemberRow struct {
	InstanceID  string
	Identity    string
	DisplayName string
	JoinedAtMS  int64
}

// CampaignRow is the persisted shape of one voting campaign.
type CampaignRow struct {
	ID            string
	InstanceID    string
	Subject       string
	Status        string
	FinalDecision string
	CreatedAtMS   int64
	ExpiresAtMS   int64
}

// VoteRow is the persisted shape of one vote. Unique per
// (campaign_id, identity); upserts implement last-vote-wins.
type VoteRow struct {
	CampaignID string
	Identity   string
	Decision   string
	VotedAtMS  int64
}

// Store is the row-level durability boundary. A key-value or relational
// backend both satisfy it.
type Store interface {
	InsertInstance(ctx context.Context, row InstanceRow) error
	UpdateInstance(ctx context.Context, row InstanceRow) error
	DeleteInstance(ctx context.Context, instanceID string) error
	GetInstance(ctx context.Context, instanceID string) (InstanceRow, error)
	ListInstances(ctx context.Context) ([]InstanceRow, error)

	InsertMember(ctx context.Context, row MemberRow) error
	DeleteMember(ctx context.Context, instanceID, identity string) error
	ListMembers(ctx context.Context, instanceID string) ([]MemberRow, error)

	InsertCampaign(ctx context.Context, row CampaignRow) error
	UpdateCampaign(ctx context.Context, row CampaignRow) error
	GetCampaign(ctx context.Context, campaignID string) (CampaignRow, error)

	UpsertVote(ctx context.Context, row VoteRow) error
	ListVotes(ctx context.Context, campaignID string) ([]VoteRow, error)

	Close() error
}

// Open builds a store for the configured driver.
func Open(driver, path string) (Store, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		if strings.TrimSpace(path) == "" {
			return nil, ErrPathRequired
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
