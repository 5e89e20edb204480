package voting

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovetwice1012/roundsync/internal/instance"
	"github.com/lovetwice1012/roundsync/internal/protocol"
	"github.com/lovetwice1012/roundsync/internal/store"
	"github.com/lovetwice1012/roundsync/internal/testutil/testlog"
)

// stubMembers serves a fixed roster per instance.
type stubMembers struct {
	mu      sync.Mutex
	rosters map[string][]string
}

func (s *stubMembers) ActiveMembers(instanceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster, ok := s.rosters[instanceID]
	if !ok {
		return nil, instance.ErrInstanceNotFound
	}
	return append([]string(nil), roster...), nil
}

func (s *stubMembers) set(instanceID string, roster ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rosters == nil {
		s.rosters = make(map[string][]string)
	}
	s.rosters[instanceID] = roster
}

// recorder captures broadcast envelopes in commit order.
type recorder struct {
	mu     sync.Mutex
	events []protocol.Envelope
}

func (r *recorder) BroadcastToInstance(_ string, env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
}

func (r *recorder) byName(event string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range r.events {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *stubMembers, *recorder) {
	t.Helper()
	members := &stubMembers{}
	rec := &recorder{}
	co := NewCoordinator(cfg, members, store.NewMemory(), rec, testlog.New(t))
	return co, members, rec
}

func resolvedEvent(t *testing.T, env protocol.Envelope) protocol.VotingResolvedEvent {
	t.Helper()
	var ev protocol.VotingResolvedEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	return ev
}

func TestDeadlineResolvesWithImplicitCancel(t *testing.T) {
	co, members, rec := newTestCoordinator(t, Config{MinDeadline: 10 * time.Millisecond})
	members.set("inst-1", "client.a", "client.b", "client.c")
	ctx := context.Background()

	c, err := co.Start(ctx, "inst-1", "client.a", "ready-check", time.Now().Add(60*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, StatusPending, c.Status)
	require.Len(t, rec.byName(protocol.EventVotingStarted), 1)

	_, err = co.SubmitVote(ctx, c.ID, "client.a", DecisionProceed)
	require.NoError(t, err)
	_, err = co.SubmitVote(ctx, c.ID, "client.b", DecisionProceed)
	require.NoError(t, err)

	// client.c never votes; the deadline must force resolution, and two
	// explicit Proceed out of three beats the implicit Cancel.
	require.Eventually(t, func() bool {
		got, _, err := co.GetCampaign(c.ID)
		return err == nil && got.Status == StatusResolved
	}, time.Second, 5*time.Millisecond)

	resolved := rec.byName(protocol.EventVotingResolved)
	require.Len(t, resolved, 1)
	ev := resolvedEvent(t, resolved[0])
	assert.Equal(t, string(DecisionProceed), ev.FinalDecision)
	assert.Equal(t, protocol.VoteCounts{Proceed: 2, Cancel: 1, Implicit: 1, Total: 3}, ev.VoteCounts)
	assert.Equal(t, 0, co.PendingCount())
}

func TestQuorumResolvesBeforeDeadline(t *testing.T) {
	co, members, rec := newTestCoordinator(t, Config{})
	members.set("inst-1", "client.a", "client.b")
	ctx := context.Background()

	c, err := co.Start(ctx, "inst-1", "client.a", "ready-check", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = co.SubmitVote(ctx, c.ID, "client.a", DecisionProceed)
	require.NoError(t, err)
	got, err := co.SubmitVote(ctx, c.ID, "client.b", DecisionCancel)
	require.NoError(t, err)

	// Full quorum: resolution happened inside the final SubmitVote.
	assert.Equal(t, StatusResolved, got.Status)
	resolved := rec.byName(protocol.EventVotingResolved)
	require.Len(t, resolved, 1)
	ev := resolvedEvent(t, resolved[0])
	assert.Equal(t, string(DecisionCancel), ev.FinalDecision)
	assert.Equal(t, protocol.VoteCounts{Proceed: 1, Cancel: 1, Implicit: 0, Total: 2}, ev.VoteCounts)
}

func TestTieResolvesToCancel(t *testing.T) {
	co, members, _ := newTestCoordinator(t, Config{})
	members.set("inst-1", "client.a", "client.b", "client.c", "client.d")
	ctx := context.Background()

	c, err := co.Start(ctx, "inst-1", "client.a", "tie", time.Now().Add(time.Hour))
	require.NoError(t, err)
	for identity, d := range map[string]Decision{
		"client.a": DecisionProceed,
		"client.b": DecisionProceed,
		"client.c": DecisionCancel,
		"client.d": DecisionCancel,
	} {
		_, err = co.SubmitVote(ctx, c.ID, identity, d)
		require.NoError(t, err)
	}

	got, counts, err := co.GetCampaign(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, DecisionCancel, got.FinalDecision)
	assert.Equal(t, protocol.VoteCounts{Proceed: 2, Cancel: 2, Implicit: 0, Total: 4}, counts)
}

func TestLastVoteWins(t *testing.T) {
	co, members, _ := newTestCoordinator(t, Config{})
	members.set("inst-1", "client.a", "client.b")
	ctx := context.Background()

	c, err := co.Start(ctx, "inst-1", "client.a", "flip", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = co.SubmitVote(ctx, c.ID, "client.a", DecisionCancel)
	require.NoError(t, err)
	_, err = co.SubmitVote(ctx, c.ID, "client.a", DecisionProceed)
	require.NoError(t, err)

	_, counts, err := co.GetCampaign(c.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.VoteCounts{Proceed: 1, Total: 1}, counts)

	got, err := co.SubmitVote(ctx, c.ID, "client.b", DecisionProceed)
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, got.FinalDecision)
}

func TestSecondStartRejected(t *testing.T) {
	co, members, _ := newTestCoordinator(t, Config{})
	members.set("inst-1", "client.a", "client.b")
	ctx := context.Background()

	first, err := co.Start(ctx, "inst-1", "client.a", "one", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = co.Start(ctx, "inst-1", "client.b", "two", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrCampaignAlreadyActive)

	// Resolving the first frees the slot.
	_, err = co.SubmitVote(ctx, first.ID, "client.a", DecisionProceed)
	require.NoError(t, err)
	_, err = co.SubmitVote(ctx, first.ID, "client.b", DecisionProceed)
	require.NoError(t, err)
	_, err = co.Start(ctx, "inst-1", "client.b", "two", time.Now().Add(time.Hour))
	require.NoError(t, err)
}

func TestVoteOnResolvedCampaign(t *testing.T) {
	co, members, _ := newTestCoordinator(t, Config{})
	members.set("inst-1", "client.a")
	ctx := context.Background()

	c, err := co.Start(ctx, "inst-1", "client.a", "solo", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = co.SubmitVote(ctx, c.ID, "client.a", DecisionProceed)
	require.NoError(t, err)

	_, err = co.SubmitVote(ctx, c.ID, "client.a", DecisionCancel)
	assert.ErrorIs(t, err, ErrCampaignResolved)
}

func TestNonMemberRejected(t *testing.T) {
	co, members, _ := newTestCoordinator(t, Config{})
	members.set("inst-1", "client.a")
	ctx := context.Background()

	_, err := co.Start(ctx, "inst-1", "client.x", "s", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotMember)

	c, err := co.Start(ctx, "inst-1", "client.a", "s", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = co.SubmitVote(ctx, c.ID, "client.x", DecisionProceed)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestDeadlineBounds(t *testing.T) {
	co, members, _ := newTestCoordinator(t, Config{
		MinDeadline: time.Second,
		MaxDeadline: time.Minute,
	})
	members.set("inst-1", "client.a")
	ctx := context.Background()

	_, err := co.Start(ctx, "inst-1", "client.a", "s", time.Now().Add(100*time.Millisecond))
	assert.ErrorIs(t, err, ErrInvalidDeadline)
	_, err = co.Start(ctx, "inst-1", "client.a", "s", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidDeadline)
	_, err = co.Start(ctx, "inst-1", "client.a", "s", time.Now().Add(30*time.Second))
	require.NoError(t, err)
}

func TestInvalidDecision(t *testing.T) {
	_, err := ParseDecision("Maybe")
	assert.ErrorIs(t, err, ErrInvalidDecision)
	d, err := ParseDecision("Proceed")
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, d)
}

func TestUnknownCampaign(t *testing.T) {
	co, _, _ := newTestCoordinator(t, Config{})
	_, err := co.SubmitVote(context.Background(), "nope", "client.a", DecisionProceed)
	assert.ErrorIs(t, err, ErrCampaignNotFound)
	_, _, err = co.GetCampaign("nope")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestInstanceDeletedResolvesCancel(t *testing.T) {
	co, members, rec := newTestCoordinator(t, Config{})
	members.set("inst-1", "client.a", "client.b")
	ctx := context.Background()

	c, err := co.Start(ctx, "inst-1", "client.a", "doomed", time.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = co.SubmitVote(ctx, c.ID, "client.a", DecisionProceed)
	require.NoError(t, err)

	members.rosters = map[string][]string{}
	co.InstanceDeleted("inst-1")

	got, _, err := co.GetCampaign(c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, DecisionCancel, got.FinalDecision)
	require.Len(t, rec.byName(protocol.EventVotingResolved), 1)

	// Idempotent on a second teardown signal.
	co.InstanceDeleted("inst-1")
	assert.Len(t, rec.byName(protocol.EventVotingResolved), 1)
}

// The timer firing and the final vote arriving concurrently must
// produce exactly one resolved broadcast.
func TestTimerVoteRaceResolvesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		co, members, rec := newTestCoordinator(t, Config{MinDeadline: time.Millisecond})
		members.set("inst-1", "client.a")
		ctx := context.Background()

		c, err := co.Start(ctx, "inst-1", "client.a", "race", time.Now().Add(5*time.Millisecond))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(4 * time.Millisecond)
			_, err := co.SubmitVote(ctx, c.ID, "client.a", DecisionProceed)
			if err != nil {
				assert.ErrorIs(t, err, ErrCampaignResolved)
			}
		}()
		wg.Wait()

		require.Eventually(t, func() bool {
			got, _, err := co.GetCampaign(c.ID)
			return err == nil && got.Status == StatusResolved
		}, time.Second, time.Millisecond)
		assert.Len(t, rec.byName(protocol.EventVotingResolved), 1, "iteration %d", i)
	}
}
