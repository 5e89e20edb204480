package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/lovetwice1012/roundsync/internal/instance"
	"github.com/lovetwice1012/roundsync/internal/observability"
	"github.com/lovetwice1012/roundsync/internal/protocol"
	"github.com/lovetwice1012/roundsync/internal/session"
	"github.com/lovetwice1012/roundsync/internal/voting"
)

// dispatch routes one request and records its outcome.
func (s *Service) dispatch(ctx context.Context, c *client, env protocol.Envelope) protocol.Envelope {
	start := time.Now()
	resp := s.route(ctx, c, env)

	status, code := string(protocol.StatusSuccess), ""
	if resp.Status == protocol.StatusError {
		status = string(protocol.StatusError)
		code = resp.Error.Code
	}
	observability.RecordRPC(env.Method, status, code, time.Since(start))
	observability.SetSessionsActive(s.sessions.Count())
	return resp
}

func (s *Service) route(ctx context.Context, c *client, env protocol.Envelope) protocol.Envelope {
	if env.Method == protocol.MethodAuthConnect {
		return s.handleConnect(c, env)
	}

	sess, authed := c.session()
	if !authed {
		return protocol.NewErrorResponse(env.ID, protocol.CodeUnauthenticated, "auth.connect required")
	}
	if _, err := s.sessions.Lookup(sess.ID); err != nil {
		c.unbind()
		return s.errorResponse(env, err)
	}
	s.sessions.Touch(sess.ID)

	switch env.Method {
	case protocol.MethodAuthRefresh:
		return s.handleRefresh(c, sess, env)
	case protocol.MethodAuthLogout:
		return s.handleLogout(c, sess, env)
	case protocol.MethodInstanceCreate:
		return s.handleInstanceCreate(ctx, sess, env)
	case protocol.MethodInstanceJoin:
		return s.handleInstanceJoin(ctx, c, sess, env)
	case protocol.MethodInstanceLeave:
		return s.handleInstanceLeave(ctx, c, sess, env)
	case protocol.MethodInstanceList:
		return s.handleInstanceList(env)
	case protocol.MethodInstanceUpdate:
		return s.handleInstanceUpdate(ctx, sess, env)
	case protocol.MethodInstanceDelete:
		return s.handleInstanceDelete(ctx, sess, env)
	case protocol.MethodVotingStart:
		return s.handleVotingStart(ctx, sess, env)
	case protocol.MethodVotingVote:
		return s.handleVotingVote(ctx, sess, env)
	case protocol.MethodVotingGet:
		return s.handleVotingGet(env)
	default:
		return protocol.NewErrorResponse(env.ID, protocol.CodeUnknownMethod, "unknown method "+env.Method)
	}
}

func (s *Service) handleConnect(c *client, env protocol.Envelope) protocol.Envelope {
	var params protocol.ConnectParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		return protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, err.Error())
	}
	sess, err := s.sessions.Handshake(params.Identity, params.Version, params.Capabilities)
	if err != nil {
		return s.errorResponse(env, err)
	}
	c.bind(sess)
	return s.result(env, connectResult(sess))
}

func (s *Service) handleRefresh(c *client, sess session.Session, env protocol.Envelope) protocol.Envelope {
	refreshed, err := s.sessions.Refresh(sess.ID)
	if err != nil {
		c.unbind()
		return s.errorResponse(env, err)
	}
	c.bind(refreshed)
	return s.result(env, connectResult(refreshed))
}

func (s *Service) handleLogout(c *client, sess session.Session, env protocol.Envelope) protocol.Envelope {
	if err := s.sessions.Logout(sess.ID); err != nil {
		return s.errorResponse(env, err)
	}
	c.unbind()
	return s.result(env, struct{}{})
}

func (s *Service) handleInstanceCreate(ctx context.Context, sess session.Session, env protocol.Envelope) protocol.Envelope {
	var params protocol.InstanceCreateParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		return protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, err.Error())
	}
	inst, err := s.registry.Create(ctx, sess.Identity, params.MaxMembers, params.Settings)
	if err != nil {
		return s.errorResponse(env, err)
	}
	return s.result(env, instanceInfo(inst, 0))
}

func (s *Service) handleInstanceJoin(ctx context.Context, c *client, sess session.Session, env protocol.Envelope) protocol.Envelope {
	var params protocol.InstanceJoinParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		return protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, err.Error())
	}
	// Attach before the join commits so the new member receives every
	// event broadcast from its own join onward. Only roll back an
	// attachment this call inserted: a rejected repeat join must leave
	// the original attachment live.
	inserted := s.hub.Attach(params.InstanceID, c)
	inst, err := s.registry.Join(ctx, params.InstanceID, sess.Identity, params.DisplayName)
	if err != nil {
		if inserted {
			s.hub.Detach(params.InstanceID, c)
		}
		return s.errorResponse(env, err)
	}
	members, _ := s.registry.ActiveMembers(inst.ID)
	return s.result(env, instanceInfo(inst, len(members)))
}

func (s *Service) handleInstanceLeave(ctx context.Context, c *client, sess session.Session, env protocol.Envelope) protocol.Envelope {
	var params protocol.InstanceIDParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		return protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, err.Error())
	}
	res, err := s.registry.Leave(ctx, params.InstanceID, sess.Identity)
	if err != nil {
		return s.errorResponse(env, err)
	}
	s.hub.Detach(params.InstanceID, c)
	if res.InstanceDeleted {
		s.voting.InstanceDeleted(params.InstanceID)
		s.hub.DropInstance(params.InstanceID)
	}
	return s.result(env, protocol.InstanceLeaveResult{InstanceDeleted: res.InstanceDeleted})
}

func (s *Service) handleInstanceList(env protocol.Envelope) protocol.Envelope {
	var params protocol.InstanceListParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		return protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, err.Error())
	}
	summaries := s.registry.List(params.Filter, params.Limit, params.Offset)
	result := protocol.InstanceListResult{
		Instances: make([]protocol.InstanceInfo, 0, len(summaries)),
		Total:     s.registry.Count(),
	}
	for _, sum := range summaries {
		result.Instances = append(result.Instances, instanceInfo(sum.Instance, sum.MemberCount))
	}
	return s.result(env, result)
}

func (s *Service) handleInstanceUpdate(ctx context.Context, sess session.Session, env protocol.Envelope) protocol.Envelope {
	var params protocol.InstanceUpdateParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		return protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, err.Error())
	}
	inst, err := s.registry.Update(ctx, params.InstanceID, sess.Identity, instance.UpdateChanges{
		MaxMembers: params.MaxMembers,
		Settings:   params.Settings,
	})
	if err != nil {
		return s.errorResponse(env, err)
	}
	members, _ := s.registry.ActiveMembers(inst.ID)
	return s.result(env, instanceInfo(inst, len(members)))
}

func (s *Service) handleInstanceDelete(ctx context.Context, sess session.Session, env protocol.Envelope) protocol.Envelope {
	var params protocol.InstanceIDParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		return protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, err.Error())
	}
	if err := s.registry.Delete(ctx, params.InstanceID, sess.Identity); err != nil {
		return s.errorResponse(env, err)
	}
	s.voting.InstanceDeleted(params.InstanceID)
	s.hub.DropInstance(params.InstanceID)
	return s.result(env, struct{}{})
}

func (s *Service) handleVotingStart(ctx context.Context, sess session.Session, env protocol.Envelope) protocol.Envelope {
	var params protocol.VotingStartParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		return protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, err.Error())
	}
	var expiresAt time.Time
	if params.ExpiresAtMS > 0 {
		expiresAt = time.UnixMilli(int64(params.ExpiresAtMS))
	}
	campaign, err := s.voting.Start(ctx, params.InstanceID, sess.Identity, params.Subject, expiresAt)
	if err != nil {
		return s.errorResponse(env, err)
	}
	return s.result(env, campaignInfo(campaign, nil))
}

func (s *Service) handleVotingVote(ctx context.Context, sess session.Session, env protocol.Envelope) protocol.Envelope {
	var params protocol.VotingVoteParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		return protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, err.Error())
	}
	decision, err := voting.ParseDecision(params.Decision)
	if err != nil {
		return s.errorResponse(env, err)
	}
	campaign, err := s.voting.SubmitVote(ctx, params.CampaignID, sess.Identity, decision)
	if err != nil {
		return s.errorResponse(env, err)
	}
	return s.result(env, campaignInfo(campaign, nil))
}

func (s *Service) handleVotingGet(env protocol.Envelope) protocol.Envelope {
	var params protocol.VotingGetParams
	if err := unmarshalParams(env.Params, &params); err != nil {
		return protocol.NewErrorResponse(env.ID, protocol.CodeInvalidParams, err.Error())
	}
	campaign, counts, err := s.voting.GetCampaign(params.CampaignID)
	if err != nil {
		return s.errorResponse(env, err)
	}
	return s.result(env, campaignInfo(campaign, &counts))
}

// result wraps a payload as a success response; a marshal failure is a
// server bug reported as INTERNAL.
func (s *Service) result(env protocol.Envelope, payload any) protocol.Envelope {
	resp, err := protocol.NewResult(env.ID, payload)
	if err != nil {
		s.log.Error().Err(err).Str("method", env.Method).Msg("marshal result")
		return protocol.NewErrorResponse(env.ID, protocol.CodeInternal, "internal error")
	}
	return resp
}

func (s *Service) errorResponse(env protocol.Envelope, err error) protocol.Envelope {
	code := errorCode(err)
	if code == protocol.CodeInternal {
		s.log.Error().Err(err).Str("method", env.Method).Msg("internal error")
	}
	return protocol.NewErrorResponse(env.ID, code, err.Error())
}

// errorCode maps domain sentinels to stable wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrHandshakeRejected):
		return protocol.CodeHandshakeRejected
	case errors.Is(err, session.ErrSessionExpired):
		return protocol.CodeSessionExpired
	case errors.Is(err, instance.ErrInstanceNotFound):
		return protocol.CodeInstanceNotFound
	case errors.Is(err, instance.ErrInstanceFull):
		return protocol.CodeInstanceFull
	case errors.Is(err, instance.ErrAlreadyMember):
		return protocol.CodeAlreadyMember
	case errors.Is(err, instance.ErrNotAMember), errors.Is(err, voting.ErrNotMember):
		return protocol.CodeNotAMember
	case errors.Is(err, instance.ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, instance.ErrInvalidCapacity):
		return protocol.CodeInvalidParams
	case errors.Is(err, voting.ErrCampaignAlreadyActive):
		return protocol.CodeCampaignAlreadyActive
	case errors.Is(err, voting.ErrCampaignNotFound):
		return protocol.CodeCampaignNotFound
	case errors.Is(err, voting.ErrCampaignResolved):
		return protocol.CodeCampaignResolved
	case errors.Is(err, voting.ErrInvalidDecision), errors.Is(err, voting.ErrInvalidDeadline):
		return protocol.CodeInvalidParams
	default:
		return protocol.CodeInternal
	}
}

type validator interface{ Validate() error }

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return err
		}
	}
	if v, ok := out.(validator); ok {
		return v.Validate()
	}
	return nil
}

func connectResult(sess session.Session) protocol.ConnectResult {
	return protocol.ConnectResult{
		SessionID:    sess.ID,
		Identity:     sess.Identity,
		Capabilities: sess.Capabilities,
		ExpiresAtMS:  uint64(sess.ExpiresAt.UnixMilli()),
	}
}

func instanceInfo(inst instance.Instance, memberCount int) protocol.InstanceInfo {
	return protocol.InstanceInfo{
		InstanceID:  inst.ID,
		Creator:     inst.Creator,
		MaxMembers:  inst.MaxMembers,
		MemberCount: memberCount,
		Settings:    inst.Settings,
		CreatedAtMS: uint64(inst.CreatedAt.UnixMilli()),
	}
}

func campaignInfo(c voting.Campaign, counts *protocol.VoteCounts) protocol.CampaignInfo {
	return protocol.CampaignInfo{
		CampaignID:    c.ID,
		InstanceID:    c.InstanceID,
		Subject:       c.Subject,
		Status:        string(c.Status),
		FinalDecision: string(c.FinalDecision),
		CreatedAtMS:   uint64(c.CreatedAt.UnixMilli()),
		ExpiresAtMS:   uint64(c.ExpiresAt.UnixMilli()),
		VoteCounts:    counts,
	}
}
