// Package voting owns the campaign lifecycle: start, vote collection,
// quorum detection, and deadline-forced resolution.
//
// Ownership boundary:
// - one PENDING campaign per instance
// - last-vote-wins upserts
// - resolve exactly once, whether quorum- or timer-triggered
//
// Both resolution paths route through the per-campaign mutex and the
// idempotent guard in resolveLocked, so the timer firing and the final
// vote arriving concurrently still tally and broadcast once.
package voting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lovetwice1012/roundsync/internal/observability"
	"github.com/lovetwice1012/roundsync/internal/protocol"
	"github.com/lovetwice1012/roundsync/internal/store"
)

var (
	ErrCampaignAlreadyActive = errors.New("voting: campaign already active")
	ErrCampaignNotFound      = errors.New("voting: campaign not found")
	ErrCampaignResolved      = errors.New("voting: campaign already resolved")
	ErrNotMember             = errors.New("voting: not an instance member")
	ErrInvalidDecision       = errors.New("voting: invalid decision")
	ErrInvalidDeadline       = errors.New("voting: invalid deadline")
)

// Decision is a vote value. Implicit abstention resolves to Cancel.
type Decision string

const (
	DecisionProceed Decision = "Proceed"
	DecisionCancel  Decision = "Cancel"
)

func ParseDecision(raw string) (Decision, error) {
	switch Decision(raw) {
	case DecisionProceed:
		return DecisionProceed, nil
	case DecisionCancel:
		return DecisionCancel, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, raw)
	}
}

// Status is the campaign state machine: PENDING -> RESOLVED, terminal.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusResolved Status = "RESOLVED"
)

// Campaign is one voting round inside an instance.
type Campaign struct {
	ID            string
	InstanceID    string
	Subject       string
	Status        Status
	FinalDecision Decision
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Vote is one identity's current decision in a campaign.
type Vote struct {
	CampaignID string
	Identity   string
	Decision   Decision
	VotedAt    time.Time
}

// Members supplies the eligible voter set: identities currently joined
// to the instance.
type Members interface {
	ActiveMembers(instanceID string) ([]string, error)
}

// Broadcaster fans stream envelopes out to instance members.
type Broadcaster interface {
	BroadcastToInstance(instanceID string, env protocol.Envelope)
}

type Config struct {
	DefaultDeadline time.Duration
	MinDeadline     time.Duration
	MaxDeadline     time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultDeadline: 30 * time.Second,
		MinDeadline:     time.Second,
		MaxDeadline:     10 * time.Minute,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = def.DefaultDeadline
	}
	if c.MinDeadline <= 0 {
		c.MinDeadline = def.MinDeadline
	}
	if c.MaxDeadline <= 0 {
		c.MaxDeadline = def.MaxDeadline
	}
	return c
}

const (
	triggerQuorum   = "quorum"
	triggerDeadline = "deadline"
	triggerTeardown = "teardown"
)

type campaignState struct {
	mu          sync.Mutex
	c           Campaign
	votes       map[string]Vote
	timer       *time.Timer
	finalCounts protocol.VoteCounts
}

// Coordinator owns the campaign tables. The coordinator mutex guards
// only the maps; per-campaign state carries its own mutex, and no path
// waits on a campaign mutex while holding the coordinator mutex beyond
// publication of a freshly created state.
type Coordinator struct {
	cfg     Config
	log     zerolog.Logger
	members Members
	bc      Broadcaster
	st      store.Store

	mu                sync.Mutex
	byID              map[string]*campaignState
	pendingByInstance map[string]*campaignState
}

func NewCoordinator(cfg Config, members Members, st store.Store, bc Broadcaster, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:               cfg.WithDefaults(),
		log:               log.With().Str("component", "voting").Logger(),
		members:           members,
		bc:                bc,
		st:                st,
		byID:              make(map[string]*campaignState),
		pendingByInstance: make(map[string]*campaignState),
	}
}

// Start opens a campaign and arms its deadline timer. Only one PENDING
// campaign may exist per instance; a concurrent second start is
// rejected with ErrCampaignAlreadyActive.
func (co *Coordinator) Start(ctx context.Context, instanceID, identity, subject string, expiresAt time.Time) (Campaign, error) {
	active, err := co.members.ActiveMembers(instanceID)
	if err != nil {
		return Campaign{}, err
	}
	if !contains(active, identity) {
		return Campaign{}, fmt.Errorf("%w: %s in %s", ErrNotMember, identity, instanceID)
	}

	now := time.Now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(co.cfg.DefaultDeadline)
	}
	window := expiresAt.Sub(now)
	if window < co.cfg.MinDeadline || window > co.cfg.MaxDeadline {
		return Campaign{}, fmt.Errorf("%w: %s from now", ErrInvalidDeadline, window)
	}

	state := &campaignState{
		c: Campaign{
			ID:         uuid.NewString(),
			InstanceID: instanceID,
			Subject:    subject,
			Status:     StatusPending,
			CreatedAt:  now,
			ExpiresAt:  expiresAt,
		},
		votes: make(map[string]Vote),
	}

	co.mu.Lock()
	if _, ok := co.pendingByInstance[instanceID]; ok {
		co.mu.Unlock()
		return Campaign{}, fmt.Errorf("%w: instance %s", ErrCampaignAlreadyActive, instanceID)
	}
	co.byID[state.c.ID] = state
	co.pendingByInstance[instanceID] = state
	// Hold the campaign mutex across publication so the timer and any
	// early vote serialize behind persistence.
	state.mu.Lock()
	co.mu.Unlock()
	defer state.mu.Unlock()

	if err := co.st.InsertCampaign(ctx, campaignToRow(state.c)); err != nil {
		co.mu.Lock()
		delete(co.byID, state.c.ID)
		delete(co.pendingByInstance, instanceID)
		co.mu.Unlock()
		return Campaign{}, err
	}
	state.timer = time.AfterFunc(window, func() {
		co.resolveByDeadline(state)
	})

	co.broadcast(instanceID, protocol.EventVotingStarted, protocol.VotingStartedEvent{
		CampaignID:  state.c.ID,
		InstanceID:  instanceID,
		Subject:     subject,
		ExpiresAtMS: uint64(expiresAt.UnixMilli()),
	})
	co.log.Info().
		Str("campaign_id", state.c.ID).
		Str("instance_id", instanceID).
		Str("subject", subject).
		Time("expires_at", expiresAt).
		Msg("campaign started")
	return state.c, nil
}

// SubmitVote upserts the identity's vote (last-vote-wins) and resolves
// immediately once every active member has voted.
func (co *Coordinator) SubmitVote(ctx context.Context, campaignID, identity string, decision Decision) (Campaign, error) {
	state, err := co.lookup(campaignID)
	if err != nil {
		return Campaign{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.c.Status == StatusResolved {
		return Campaign{}, fmt.Errorf("%w: %s", ErrCampaignResolved, campaignID)
	}

	active, err := co.members.ActiveMembers(state.c.InstanceID)
	if err != nil {
		return Campaign{}, err
	}
	if !contains(active, identity) {
		return Campaign{}, fmt.Errorf("%w: %s in %s", ErrNotMember, identity, state.c.InstanceID)
	}

	vote := Vote{
		CampaignID: campaignID,
		Identity:   identity,
		Decision:   decision,
		VotedAt:    time.Now(),
	}
	if err := co.st.UpsertVote(ctx, voteToRow(vote)); err != nil {
		return Campaign{}, err
	}
	state.votes[identity] = vote
	co.log.Debug().
		Str("campaign_id", campaignID).
		Str("identity", identity).
		Str("decision", string(decision)).
		Msg("vote recorded")

	received := 0
	for _, member := range active {
		if _, ok := state.votes[member]; ok {
			received++
		}
	}
	if received == len(active) {
		co.resolveLocked(ctx, state, triggerQuorum)
	}
	return state.c, nil
}

// GetCampaign returns the campaign and its current tally: explicit
// votes while pending, the final counts once resolved.
func (co *Coordinator) GetCampaign(campaignID string) (Campaign, protocol.VoteCounts, error) {
	state, err := co.lookup(campaignID)
	if err != nil {
		return Campaign{}, protocol.VoteCounts{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.c.Status == StatusResolved {
		return state.c, state.finalCounts, nil
	}
	counts := protocol.VoteCounts{Total: len(state.votes)}
	for _, vote := range state.votes {
		switch vote.Decision {
		case DecisionProceed:
			counts.Proceed++
		case DecisionCancel:
			counts.Cancel++
		}
	}
	return state.c, counts, nil
}

// InstanceDeleted force-resolves a pending campaign after its instance
// tore down. With no active members left the tally is all-implicit,
// which resolves to Cancel.
func (co *Coordinator) InstanceDeleted(instanceID string) {
	co.mu.Lock()
	state, ok := co.pendingByInstance[instanceID]
	co.mu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	co.resolveLocked(context.Background(), state, triggerTeardown)
}

// PendingCount reports campaigns awaiting resolution.
func (co *Coordinator) PendingCount() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.pendingByInstance)
}

func (co *Coordinator) lookup(campaignID string) (*campaignState, error) {
	co.mu.Lock()
	state, ok := co.byID[campaignID]
	co.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, campaignID)
	}
	return state, nil
}

func (co *Coordinator) resolveByDeadline(state *campaignState) {
	state.mu.Lock()
	defer state.mu.Unlock()
	co.resolveLocked(context.Background(), state, triggerDeadline)
}

// resolveLocked tallies and broadcasts exactly once. Caller holds
// state.mu. Members who never voted count as implicit Cancel; the
// decision is Proceed iff proceed votes form a strict majority, so
// ties resolve to Cancel.
func (co *Coordinator) resolveLocked(ctx context.Context, state *campaignState, trigger string) {
	if state.c.Status == StatusResolved {
		return
	}

	active, err := co.members.ActiveMembers(state.c.InstanceID)
	if err != nil {
		active = nil
	}

	counts := protocol.VoteCounts{Total: len(active)}
	for _, member := range active {
		vote, ok := state.votes[member]
		if !ok {
			counts.Cancel++
			counts.Implicit++
			continue
		}
		switch vote.Decision {
		case DecisionProceed:
			counts.Proceed++
		default:
			counts.Cancel++
		}
	}

	decision := DecisionCancel
	if 2*counts.Proceed > counts.Total {
		decision = DecisionProceed
	}

	if state.timer != nil {
		state.timer.Stop()
	}
	state.c.Status = StatusResolved
	state.c.FinalDecision = decision
	state.finalCounts = counts

	if err := co.st.UpdateCampaign(ctx, campaignToRow(state.c)); err != nil {
		co.log.Warn().Err(err).Str("campaign_id", state.c.ID).Msg("campaign row update failed")
	}

	co.mu.Lock()
	if co.pendingByInstance[state.c.InstanceID] == state {
		delete(co.pendingByInstance, state.c.InstanceID)
	}
	co.mu.Unlock()

	co.broadcast(state.c.InstanceID, protocol.EventVotingResolved, protocol.VotingResolvedEvent{
		CampaignID:    state.c.ID,
		InstanceID:    state.c.InstanceID,
		FinalDecision: string(decision),
		VoteCounts:    counts,
	})
	observability.RecordCampaignResolved(string(decision), trigger)
	co.log.Info().
		Str("campaign_id", state.c.ID).
		Str("instance_id", state.c.InstanceID).
		Str("decision", string(decision)).
		Str("trigger", trigger).
		Int("proceed", counts.Proceed).
		Int("cancel", counts.Cancel).
		Int("implicit", counts.Implicit).
		Msg("campaign resolved")
}

func (co *Coordinator) broadcast(instanceID, event string, data any) {
	env, err := protocol.NewStream(event, data)
	if err != nil {
		co.log.Error().Err(err).Str("event", event).Msg("encode stream envelope")
		return
	}
	co.bc.BroadcastToInstance(instanceID, env)
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func campaignToRow(c Campaign) store.CampaignRow {
	return store.CampaignRow{
		ID:            c.ID,
		InstanceID:    c.InstanceID,
		Subject:       c.Subject,
		Status:        string(c.Status),
		FinalDecision: string(c.FinalDecision),
		CreatedAtMS:   c.CreatedAt.UnixMilli(),
		ExpiresAtMS:   c.ExpiresAt.UnixMilli(),
	}
}

func voteToRow(v Vote) store.VoteRow {
	return store.VoteRow{
		CampaignID: v.CampaignID,
		Identity:   v.Identity,
		Decision:   string(v.Decision),
		VotedAtMS:  v.VotedAt.UnixMilli(),
	}
}
