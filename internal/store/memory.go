package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memberKey struct {
	instanceID string
	identity   string
}

type voteKey struct {
	campaignID string
	identity   string
}

// Memory is the in-process Store used by tests and the default daemon
// configuration.
type Memory struct {
	mu        sync.RWMutex
	instances map[string]InstanceRow
	members   map[memberKey]MemberRow
	campaigns map[string]CampaignRow
	votes     map[voteKey]VoteRow
}

func NewMemory() *Memory {
	return &Memory{
		instances: make(map[string]InstanceRow),
		members:   make(map[memberKey]MemberRow),
		campaigns: make(map[string]CampaignRow),
		votes:     make(map[voteKey]VoteRow),
	}
}

func (m *Memory) InsertInstance(_ context.Context, row InstanceRow) error {
	if row.ID == "" {
		return fmt.Errorf("%w: instance missing id", ErrInvalidRow)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[row.ID]; ok {
		return fmt.Errorf("%w: instance %s", ErrDuplicateRow, row.ID)
	}
	m.instances[row.ID] = row
	return nil
}

func (m *Memory) UpdateInstance(_ context.Context, row InstanceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[row.ID]; !ok {
		return fmt.Errorf("%w: instance %s", ErrRowNotFound, row.ID)
	}
	m.instances[row.ID] = row
	return nil
}

func (m *Memory) DeleteInstance(_ context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, instanceID)
	for key := range m.members {
		if key.instanceID == instanceID {
			delete(m.members, key)
		}
	}
	return nil
}

func (m *Memory) GetInstance(_ context.Context, instanceID string) (InstanceRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.instances[instanceID]
	if !ok {
		return InstanceRow{}, fmt.Errorf("%w: instance %s", ErrRowNotFound, instanceID)
	}
	return row, nil
}

func (m *Memory) ListInstances(_ context.Context) ([]InstanceRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]InstanceRow, 0, len(m.instances))
	for _, row := range m.instances {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertMember(_ context.Context, row MemberRow) error {
	key := memberKey{instanceID: row.InstanceID, identity: row.Identity}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[key]; ok {
		return fmt.Errorf("%w: member %s/%s", ErrDuplicateRow, row.InstanceID, row.Identity)
	}
	m.members[key] = row
	return nil
}

func (m *Memory) DeleteMember(_ context.Context, instanceID, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, memberKey{instanceID: instanceID, identity: identity})
	return nil
}

func (m *Memory) ListMembers(_ context.Context, instanceID string) ([]MemberRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MemberRow, 0)
	for key, row := range m.members {
		if key.instanceID == instanceID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (m *Memory) InsertCampaign(_ context.Context, row CampaignRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[row.ID]; ok {
		return fmt.Errorf("%w: campaign %s", ErrDuplicateRow, row.ID)
	}
	m.campaigns[row.ID] = row
	return nil
}

func (m *Memory) UpdateCampaign(_ context.Context, row CampaignRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[row.ID]; !ok {
		return fmt.Errorf("%w: campaign %s", ErrRowNotFound, row.ID)
	}
	m.campaigns[row.ID] = row
	return nil
}

func (m *Memory) GetCampaign(_ context.Context, campaignID string) (CampaignRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.campaigns[campaignID]
	if !ok {
		return CampaignRow{}, fmt.Errorf("%w: campaign %s", ErrRowNotFound, campaignID)
	}
	return row, nil
}

func (m *Memory) UpsertVote(_ context.Context, row VoteRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes[voteKey{campaignID: row.CampaignID, identity: row.Identity}] = row
	return nil
}

func (m *Memory) ListVotes(_ context.Context, campaignID string) ([]VoteRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VoteRow, 0)
	for key, row := range m.votes {
		if key.campaignID == campaignID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
