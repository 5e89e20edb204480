package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RPC method names.
const (
	MethodAuthConnect    = "auth.connect"
	MethodAuthRefresh    = "auth.refresh"
	MethodAuthLogout     = "auth.logout"
	MethodInstanceCreate = "instance.create"
	MethodInstanceJoin   = "instance.join"
	MethodInstanceLeave  = "instance.leave"
	MethodInstanceList   = "instance.list"
	MethodInstanceUpdate = "instance.update"
	MethodInstanceDelete = "instance.delete"
	MethodVotingStart    = "coordinated.voting.start"
	MethodVotingVote     = "coordinated.voting.vote"
	MethodVotingGet      = "coordinated.voting.getCampaign"
)

// Stream event names fanned out to instance members.
const (
	EventMemberJoined    = "instance.member.joined"
	EventMemberLeft      = "instance.member.left"
	EventInstanceDeleted = "instance.deleted"
	EventVotingStarted   = "coordinated.voting.started"
	EventVotingResolved  = "coordinated.voting.resolved"
)

// ConnectParams is the auth.connect handshake payload.
type ConnectParams struct {
	Identity     string   `json:"identity"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (p ConnectParams) Validate() error {
	if strings.TrimSpace(p.Identity) == "" {
		return fmt.Errorf("connect missing identity")
	}
	if strings.TrimSpace(p.Version) == "" {
		return fmt.Errorf("connect missing version")
	}
	return nil
}

// ConnectResult is the auth.connect / auth.refresh response payload.
type ConnectResult struct {
	SessionID    string   `json:"session_id"`
	Identity     string   `json:"identity"`
	Capabilities []string `json:"capabilities,omitempty"`
	ExpiresAtMS  uint64   `json:"expires_at_ms"`
}

// InstanceCreateParams is the instance.create payload.
type InstanceCreateParams struct {
	MaxMembers int             `json:"max_members"`
	Settings   json.RawMessage `json:"settings,omitempty"`
}

// InstanceJoinParams is the instance.join payload.
type InstanceJoinParams struct {
	InstanceID  string `json:"instance_id"`
	DisplayName string `json:"display_name,omitempty"`
}

func (p InstanceJoinParams) Validate() error {
	if strings.TrimSpace(p.InstanceID) == "" {
		return fmt.Errorf("join missing instance_id")
	}
	return nil
}

// InstanceIDParams covers instance.leave and instance.delete.
type InstanceIDParams struct {
	InstanceID string `json:"instance_id"`
}

func (p InstanceIDParams) Validate() error {
	if strings.TrimSpace(p.InstanceID) == "" {
		return fmt.Errorf("missing instance_id")
	}
	return nil
}

// InstanceListParams is the instance.list payload.
type InstanceListParams struct {
	Filter string `json:"filter,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// InstanceUpdateParams is the instance.update payload. Nil fields are
// left unchanged.
type InstanceUpdateParams struct {
	InstanceID string          `json:"instance_id"`
	MaxMembers *int            `json:"max_members,omitempty"`
	Settings   json.RawMessage `json:"settings,omitempty"`
}

func (p InstanceUpdateParams) Validate() error {
	if strings.TrimSpace(p.InstanceID) == "" {
		return fmt.Errorf("update missing instance_id")
	}
	return nil
}

// VotingStartParams is the coordinated.voting.start payload.
type VotingStartParams struct {
	InstanceID  string `json:"instance_id"`
	Subject     string `json:"subject"`
	ExpiresAtMS uint64 `json:"expires_at_ms,omitempty"`
}

func (p VotingStartParams) Validate() error {
	if strings.TrimSpace(p.InstanceID) == "" {
		return fmt.Errorf("voting.start missing instance_id")
	}
	if strings.TrimSpace(p.Subject) == "" {
		return fmt.Errorf("voting.start missing subject")
	}
	return nil
}

// VotingVoteParams is the coordinated.voting.vote payload.
type VotingVoteParams struct {
	CampaignID string `json:"campaign_id"`
	Decision   string `json:"decision"`
}

func (p VotingVoteParams) Validate() error {
	if strings.TrimSpace(p.CampaignID) == "" {
		return fmt.Errorf("voting.vote missing campaign_id")
	}
	if strings.TrimSpace(p.Decision) == "" {
		return fmt.Errorf("voting.vote missing decision")
	}
	return nil
}

// VotingGetParams is the coordinated.voting.getCampaign payload.
type VotingGetParams struct {
	CampaignID string `json:"campaign_id"`
}

func (p VotingGetParams) Validate() error {
	if strings.TrimSpace(p.CampaignID) == "" {
		return fmt.Errorf("voting.getCampaign missing campaign_id")
	}
	return nil
}

// InstanceInfo is the instance projection returned by instance.create,
// instance.join, instance.update, and instance.list.
type InstanceInfo struct {
	InstanceID  string          `json:"instance_id"`
	Creator     string          `json:"creator"`
	MaxMembers  int             `json:"max_members"`
	MemberCount int             `json:"member_count"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	CreatedAtMS uint64          `json:"created_at_ms"`
}

// InstanceListResult is the instance.list response payload.
type InstanceListResult struct {
	Instances []InstanceInfo `json:"instances"`
	Total     int            `json:"total"`
}

// InstanceLeaveResult is the instance.leave response payload.
type InstanceLeaveResult struct {
	InstanceDeleted bool `json:"instance_deleted"`
}

// CampaignInfo is the campaign projection returned by the voting
// methods. VoteCounts is populated by getCampaign.
type CampaignInfo struct {
	CampaignID    string      `json:"campaign_id"`
	InstanceID    string      `json:"instance_id"`
	Subject       string      `json:"subject"`
	Status        string      `json:"status"`
	FinalDecision string      `json:"final_decision,omitempty"`
	CreatedAtMS   uint64      `json:"created_at_ms"`
	ExpiresAtMS   uint64      `json:"expires_at_ms"`
	VoteCounts    *VoteCounts `json:"vote_counts,omitempty"`
}

// MemberEvent is the payload for instance.member.joined / .left.
type MemberEvent struct {
	InstanceID  string `json:"instance_id"`
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`
	MemberCount int    `json:"member_count"`
}

// InstanceDeletedEvent is the payload for instance.deleted.
type InstanceDeletedEvent struct {
	InstanceID string `json:"instance_id"`
}

// VotingStartedEvent is the payload for coordinated.voting.started.
type VotingStartedEvent struct {
	CampaignID  string `json:"campaign_id"`
	InstanceID  string `json:"instance_id"`
	Subject     string `json:"subject"`
	ExpiresAtMS uint64 `json:"expires_at_ms"`
}

// VoteCounts is the tally carried by coordinated.voting.resolved.
type VoteCounts struct {
	Proceed  int `json:"proceed"`
	Cancel   int `json:"cancel"`
	Implicit int `json:"implicit"`
	Total    int `json:"total"`
}

// VotingResolvedEvent is the payload for coordinated.voting.resolved.
type VotingResolvedEvent struct {
	CampaignID    string     `json:"campaign_id"`
	InstanceID    string     `json:"instance_id"`
	FinalDecision string     `json:"final_decision"`
	VoteCounts    VoteCounts `json:"vote_counts"`
}
