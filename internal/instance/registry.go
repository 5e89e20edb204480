// Package instance owns the registry of ephemeral play instances and
// their memberships.
//
// Ownership boundary:
// - instance create/join/leave/list/update/delete
// - capacity enforcement at join time
// - auto-teardown when the last member leaves
//
// Mutations for one instance serialize behind that instance's mutex;
// different instances proceed in parallel.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lovetwice1012/roundsync/internal/observability"
	"github.com/lovetwice1012/roundsync/internal/protocol"
	"github.com/lovetwice1012/roundsync/internal/store"
)

var (
	ErrInstanceNotFound = errors.New("instance: not found")
	ErrInstanceFull     = errors.New("instance: full")
	ErrAlreadyMember    = errors.New("instance: already a member")
	ErrNotAMember       = errors.New("instance: not a member")
	ErrForbidden        = errors.New("instance: forbidden")
	ErrInvalidCapacity  = errors.New("instance: invalid capacity")
)

// Broadcaster fans one stream envelope out to every socket currently
// joined to an instance.
type Broadcaster interface {
	BroadcastToInstance(instanceID string, env protocol.Envelope)
}

// Instance is one ephemeral shared play session.
type Instance struct {
	ID         string
	Creator    string
	MaxMembers int
	Settings   json.RawMessage
	CreatedAt  time.Time
}

// Member is one identity's presence inside an instance. Unique per
// (instance, identity); a second join is rejected, not merged.
type Member struct {
	InstanceID  string
	Identity    string
	DisplayName string
	JoinedAt    time.Time
}

// Summary is the list/admin projection of an instance.
type Summary struct {
	Instance
	MemberCount int
}

// UpdateChanges carries the mutable instance fields; nil means keep.
type UpdateChanges struct {
	MaxMembers *int
	Settings   json.RawMessage
}

// LeaveResult reports whether the leave tore the instance down.
type LeaveResult struct {
	InstanceDeleted bool
}

type Config struct {
	DefaultMaxMembers int
	MaxMembersLimit   int
	DefaultListLimit  int
}

func DefaultConfig() Config {
	return Config{
		DefaultMaxMembers: 8,
		MaxMembersLimit:   64,
		DefaultListLimit:  50,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.DefaultMaxMembers <= 0 {
		c.DefaultMaxMembers = def.DefaultMaxMembers
	}
	if c.MaxMembersLimit <= 0 {
		c.MaxMembersLimit = def.MaxMembersLimit
	}
	if c.DefaultListLimit <= 0 {
		c.DefaultListLimit = def.DefaultListLimit
	}
	return c
}

type instanceState struct {
	mu      sync.Mutex
	inst    Instance
	members map[string]Member
	deleted bool
}

// Registry owns the instance table. The registry mutex guards only map
// membership; per-instance state carries its own mutex.
type Registry struct {
	cfg Config
	log zerolog.Logger
	bc  Broadcaster
	st  store.Store

	mu        sync.RWMutex
	instances map[string]*instanceState
}

func NewRegistry(cfg Config, st store.Store, bc Broadcaster, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:       cfg.WithDefaults(),
		log:       log.With().Str("component", "instance").Logger(),
		bc:        bc,
		st:        st,
		instances: make(map[string]*instanceState),
	}
}

// Create registers a new instance. The creator does not implicitly
// join; membership is an explicit instance.join call.
func (r *Registry) Create(ctx context.Context, identity string, maxMembers int, settings json.RawMessage) (Instance, error) {
	if maxMembers == 0 {
		maxMembers = r.cfg.DefaultMaxMembers
	}
	if maxMembers < 1 || maxMembers > r.cfg.MaxMembersLimit {
		return Instance{}, fmt.Errorf("%w: max_members=%d", ErrInvalidCapacity, maxMembers)
	}

	inst := Instance{
		ID:         uuid.NewString(),
		Creator:    identity,
		MaxMembers: maxMembers,
		Settings:   append(json.RawMessage(nil), settings...),
		CreatedAt:  time.Now(),
	}
	if err := r.st.InsertInstance(ctx, instanceToRow(inst)); err != nil {
		return Instance{}, err
	}

	r.mu.Lock()
	r.instances[inst.ID] = &instanceState{
		inst:    inst,
		members: make(map[string]Member),
	}
	count := len(r.instances)
	r.mu.Unlock()
	observability.SetInstancesActive(count)

	r.log.Info().
		Str("instance_id", inst.ID).
		Str("creator", identity).
		Int("max_members", maxMembers).
		Msg("instance created")
	return inst, nil
}

// Join inserts the membership row and broadcasts member.joined. The
// capacity invariant is enforced here, under the instance lock.
func (r *Registry) Join(ctx context.Context, instanceID, identity, displayName string) (Instance, error) {
	state, err := r.lookup(instanceID)
	if err != nil {
		return Instance{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.deleted {
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if _, ok := state.members[identity]; ok {
		return Instance{}, fmt.Errorf("%w: %s in %s", ErrAlreadyMember, identity, instanceID)
	}
	if len(state.members) >= state.inst.MaxMembers {
		return Instance{}, fmt.Errorf("%w: %s at %d", ErrInstanceFull, instanceID, state.inst.MaxMembers)
	}

	member := Member{
		InstanceID:  instanceID,
		Identity:    identity,
		DisplayName: strings.TrimSpace(displayName),
		JoinedAt:    time.Now(),
	}
	if err := r.st.InsertMember(ctx, memberToRow(member)); err != nil {
		return Instance{}, err
	}
	state.members[identity] = member

	r.broadcast(instanceID, protocol.EventMemberJoined, protocol.MemberEvent{
		InstanceID:  instanceID,
		Identity:    identity,
		DisplayName: member.DisplayName,
		MemberCount: len(state.members),
	})
	r.log.Info().
		Str("instance_id", instanceID).
		Str("identity", identity).
		Int("member_count", len(state.members)).
		Msg("member joined")
	return state.inst, nil
}

// Leave removes the membership row, broadcasts member.left, and tears
// the instance down synchronously when the last member leaves. The
// instance.deleted broadcast happens before Leave returns.
func (r *Registry) Leave(ctx context.Context, instanceID, identity string) (LeaveResult, error) {
	state, err := r.lookup(instanceID)
	if err != nil {
		return LeaveResult{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.deleted {
		return LeaveResult{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if _, ok := state.members[identity]; !ok {
		return LeaveResult{}, fmt.Errorf("%w: %s in %s", ErrNotAMember, identity, instanceID)
	}

	if err := r.st.DeleteMember(ctx, instanceID, identity); err != nil {
		return LeaveResult{}, err
	}
	delete(state.members, identity)

	r.broadcast(instanceID, protocol.EventMemberLeft, protocol.MemberEvent{
		InstanceID:  instanceID,
		Identity:    identity,
		MemberCount: len(state.members),
	})
	r.log.Info().
		Str("instance_id", instanceID).
		Str("identity", identity).
		Int("member_count", len(state.members)).
		Msg("member left")

	if len(state.members) > 0 {
		return LeaveResult{}, nil
	}
	r.teardownLocked(ctx, state)
	return LeaveResult{InstanceDeleted: true}, nil
}

// DropIdentity removes the identity from every instance it occupies,
// used when a transport disconnect is configured to drop membership.
// It returns the ids of instances torn down as a result.
func (r *Registry) DropIdentity(ctx context.Context, identity string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	deleted := make([]string, 0)
	for _, id := range ids {
		res, err := r.Leave(ctx, id, identity)
		if err != nil {
			continue
		}
		if res.InstanceDeleted {
			deleted = append(deleted, id)
		}
	}
	return deleted
}

// List returns summaries filtered by substring match on id or creator,
// sorted by creation time, with limit/offset pagination.
func (r *Registry) List(filter string, limit, offset int) []Summary {
	if limit <= 0 {
		limit = r.cfg.DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	filter = strings.TrimSpace(filter)

	all := r.Snapshot()
	matched := all[:0:0]
	for _, s := range all {
		if filter == "" || strings.Contains(s.ID, filter) || strings.Contains(s.Creator, filter) {
			matched = append(matched, s)
		}
	}
	if offset >= len(matched) {
		return []Summary{}
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

// Update mutates capacity or settings; creator-only. Capacity cannot
// drop below the current member count.
func (r *Registry) Update(ctx context.Context, instanceID, identity string, changes UpdateChanges) (Instance, error) {
	state, err := r.lookup(instanceID)
	if err != nil {
		return Instance{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.deleted {
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if state.inst.Creator != identity {
		return Instance{}, fmt.Errorf("%w: %s is not the creator of %s", ErrForbidden, identity, instanceID)
	}

	updated := state.inst
	if changes.MaxMembers != nil {
		capacity := *changes.MaxMembers
		if capacity < 1 || capacity > r.cfg.MaxMembersLimit {
			return Instance{}, fmt.Errorf("%w: max_members=%d", ErrInvalidCapacity, capacity)
		}
		if capacity < len(state.members) {
			return Instance{}, fmt.Errorf("%w: max_members=%d below member_count=%d", ErrInvalidCapacity, capacity, len(state.members))
		}
		updated.MaxMembers = capacity
	}
	if changes.Settings != nil {
		updated.Settings = append(json.RawMessage(nil), changes.Settings...)
	}
	if err := r.st.UpdateInstance(ctx, instanceToRow(updated)); err != nil {
		return Instance{}, err
	}
	state.inst = updated
	return updated, nil
}

// Delete removes the instance explicitly; creator-only. Broadcasts
// instance.deleted to whoever is still attached.
func (r *Registry) Delete(ctx context.Context, instanceID, identity string) error {
	state, err := r.lookup(instanceID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.deleted {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if state.inst.Creator != identity {
		return fmt.Errorf("%w: %s is not the creator of %s", ErrForbidden, identity, instanceID)
	}
	r.teardownLocked(ctx, state)
	return nil
}

// Get returns the instance and its members.
func (r *Registry) Get(instanceID string) (Instance, []Member, error) {
	state, err := r.lookup(instanceID)
	if err != nil {
		return Instance{}, nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.deleted {
		return Instance{}, nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	members := make([]Member, 0, len(state.members))
	for _, m := range state.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Identity < members[j].Identity })
	return state.inst, members, nil
}

// ActiveMembers returns the identities currently joined, the eligible
// voter set for a campaign in this instance.
func (r *Registry) ActiveMembers(instanceID string) ([]string, error) {
	state, err := r.lookup(instanceID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.deleted {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	out := make([]string, 0, len(state.members))
	for identity := range state.members {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out, nil
}

// Snapshot returns all instance summaries sorted by creation time.
func (r *Registry) Snapshot() []Summary {
	r.mu.RLock()
	states := make([]*instanceState, 0, len(r.instances))
	for _, state := range r.instances {
		states = append(states, state)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		if !state.deleted {
			out = append(out, Summary{Instance: state.inst, MemberCount: len(state.members)})
		}
		state.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count reports live instances for the admin plane.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) lookup(instanceID string) (*instanceState, error) {
	r.mu.RLock()
	state, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return state, nil
}

// teardownLocked deletes the instance and broadcasts instance.deleted.
// Caller holds state.mu.
func (r *Registry) teardownLocked(ctx context.Context, state *instanceState) {
	state.deleted = true
	state.members = make(map[string]Member)
	if err := r.st.DeleteInstance(ctx, state.inst.ID); err != nil {
		r.log.Warn().Err(err).Str("instance_id", state.inst.ID).Msg("instance row delete failed")
	}
	r.broadcast(state.inst.ID, protocol.EventInstanceDeleted, protocol.InstanceDeletedEvent{
		InstanceID: state.inst.ID,
	})

	r.mu.Lock()
	delete(r.instances, state.inst.ID)
	count := len(r.instances)
	r.mu.Unlock()
	observability.SetInstancesActive(count)

	r.log.Info().Str("instance_id", state.inst.ID).Msg("instance deleted")
}

func (r *Registry) broadcast(instanceID, event string, data any) {
	env, err := protocol.NewStream(event, data)
	if err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("encode stream envelope")
		return
	}
	r.bc.BroadcastToInstance(instanceID, env)
}

func instanceToRow(inst Instance) store.InstanceRow {
	return store.InstanceRow{
		ID:          inst.ID,
		Creator:     inst.Creator,
		MaxMembers:  inst.MaxMembers,
		Settings:    inst.Settings,
		CreatedAtMS: inst.CreatedAt.UnixMilli(),
	}
}

func memberToRow(m Member) store.MemberRow {
	return store.MemberRow{
		InstanceID:  m.InstanceID,
		Identity:    m.Identity,
		DisplayName: m.DisplayName,
		JoinedAtMS:  m.JoinedAt.UnixMilli(),
	}
}
