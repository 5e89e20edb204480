package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "roundsync.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteInstanceLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	row := InstanceRow{
		ID:          "inst.alpha",
		Creator:     "client.a",
		MaxMembers:  4,
		Settings:    []byte(`{"map":"abyss"}`),
		CreatedAtMS: 1700000000000,
	}
	if err := db.InsertInstance(ctx, row); err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	got, err := db.GetInstance(ctx, "inst.alpha")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if got.Creator != "client.a" || got.MaxMembers != 4 || string(got.Settings) != `{"map":"abyss"}` {
		t.Fatalf("unexpected row: %+v", got)
	}

	row.MaxMembers = 6
	if err := db.UpdateInstance(ctx, row); err != nil {
		t.Fatalf("update instance: %v", err)
	}
	got, err = db.GetInstance(ctx, "inst.alpha")
	if err != nil {
		t.Fatalf("get instance after update: %v", err)
	}
	if got.MaxMembers != 6 {
		t.Fatalf("update not applied: %+v", got)
	}

	if err := db.DeleteInstance(ctx, "inst.alpha"); err != nil {
		t.Fatalf("delete instance: %v", err)
	}
	if _, err := db.GetInstance(ctx, "inst.alpha"); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("got err=%v want ErrRowNotFound", err)
	}
}

func TestSQLiteMemberCascade(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.InsertInstance(ctx, InstanceRow{ID: "inst.alpha", Creator: "client.a", MaxMembers: 4, CreatedAtMS: 1}); err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	for _, identity := range []string{"client.a", "client.b"} {
		if err := db.InsertMember(ctx, MemberRow{InstanceID: "inst.alpha", Identity: identity, JoinedAtMS: 2}); err != nil {
			t.Fatalf("insert member %s: %v", identity, err)
		}
	}
	members, err := db.ListMembers(ctx, "inst.alpha")
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("unexpected member count: %d", len(members))
	}

	if err := db.DeleteInstance(ctx, "inst.alpha"); err != nil {
		t.Fatalf("delete instance: %v", err)
	}
	members, err = db.ListMembers(ctx, "inst.alpha")
	if err != nil {
		t.Fatalf("list members after cascade: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("members not cascaded: %+v", members)
	}
}

func TestSQLiteVoteUpsertLastWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	campaign := CampaignRow{
		ID: "camp.1", InstanceID: "inst.alpha", Subject: "huggy",
		Status: "PENDING", CreatedAtMS: 1, ExpiresAtMS: 2,
	}
	if err := db.InsertCampaign(ctx, campaign); err != nil {
		t.Fatalf("insert campaign: %v", err)
	}
	if err := db.UpsertVote(ctx, VoteRow{CampaignID: "camp.1", Identity: "client.a", Decision: "Proceed", VotedAtMS: 10}); err != nil {
		t.Fatalf("upsert vote: %v", err)
	}
	if err := db.UpsertVote(ctx, VoteRow{CampaignID: "camp.1", Identity: "client.a", Decision: "Cancel", VotedAtMS: 20}); err != nil {
		t.Fatalf("upsert vote again: %v", err)
	}
	votes, err := db.ListVotes(ctx, "camp.1")
	if err != nil {
		t.Fatalf("list votes: %v", err)
	}
	if len(votes) != 1 {
		t.Fatalf("duplicate vote inserted: %+v", votes)
	}
	if votes[0].Decision != "Cancel" || votes[0].VotedAtMS != 20 {
		t.Fatalf("last vote did not win: %+v", votes[0])
	}

	campaign.Status = "RESOLVED"
	campaign.FinalDecision = "Cancel"
	if err := db.UpdateCampaign(ctx, campaign); err != nil {
		t.Fatalf("update campaign: %v", err)
	}
	got, err := db.GetCampaign(ctx, "camp.1")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if got.Status != "RESOLVED" || got.FinalDecision != "Cancel" {
		t.Fatalf("unexpected campaign: %+v", got)
	}
}
