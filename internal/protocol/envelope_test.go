package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	req, err := NewRequest("42", MethodInstanceJoin, InstanceJoinParams{
		InstanceID:  "inst.alpha",
		DisplayName: "Aria",
	})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	line, err := Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if line[len(line)-1] != '\n' {
		t.Fatalf("encoded line not newline terminated")
	}
	got, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "42" || got.Kind != KindRequest || got.Method != MethodInstanceJoin {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	var params InstanceJoinParams
	if err := json.Unmarshal(got.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.InstanceID != "inst.alpha" || params.DisplayName != "Aria" {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp, err := NewResult("7", ConnectResult{
		SessionID:   "sess.1",
		Identity:    "client.a",
		ExpiresAtMS: 1700000000000,
	})
	if err != nil {
		t.Fatalf("new result: %v", err)
	}
	line, err := Encode(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindResponse || got.Status != StatusSuccess || got.ID != "7" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	resp := NewErrorResponse("9", CodeInstanceFull, "instance at capacity")
	line, err := Encode(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != StatusError {
		t.Fatalf("unexpected status: %q", got.Status)
	}
	if got.Error == nil || got.Error.Code != CodeInstanceFull {
		t.Fatalf("unexpected error detail: %+v", got.Error)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	env, err := NewStream(EventVotingResolved, VotingResolvedEvent{
		CampaignID:    "camp.1",
		InstanceID:    "inst.alpha",
		FinalDecision: "Proceed",
		VoteCounts:    VoteCounts{Proceed: 2, Cancel: 1, Implicit: 1, Total: 3},
	})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	line, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(line)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindStream || got.Event != EventVotingResolved || got.ID != "" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	var data VotingResolvedEvent
	if err := json.Unmarshal(got.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.FinalDecision != "Proceed" || data.VoteCounts.Cancel != 1 {
		t.Fatalf("unexpected data: %+v", data)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		line string
		want error
	}{
		{"not json", "{nope", ErrMalformedEnvelope},
		{"unknown kind", `{"kind":"banana","timestamp":1}`, ErrInvalidKind},
		{"request without id", `{"kind":"request","method":"auth.connect","timestamp":1}`, ErrMissingID},
		{"request without method", `{"kind":"request","id":"1","timestamp":1}`, ErrMissingMethod},
		{"stream without event", `{"kind":"stream","timestamp":1}`, ErrMissingEvent},
		{"response bad status", `{"kind":"response","id":"1","status":"maybe","timestamp":1}`, ErrInvalidStatus},
		{"error response without detail", `{"kind":"response","id":"1","status":"error","timestamp":1}`, ErrMalformedEnvelope},
	}
	for _, tc := range cases {
		if _, err := Decode([]byte(tc.line)); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got err=%v want %v", tc.name, err, tc.want)
		}
	}
}

func TestDecodeOversized(t *testing.T) {
	line := make([]byte, MaxEnvelopeBytes+1)
	if _, err := Decode(line); !errors.Is(err, ErrEnvelopeTooLarge) {
		t.Fatalf("got err=%v want ErrEnvelopeTooLarge", err)
	}
}

func TestReadEnvelopeSequence(t *testing.T) {
	var buf bytes.Buffer
	first, _ := NewRequest("1", MethodAuthConnect, ConnectParams{Identity: "client.a", Version: Version})
	second, _ := NewStream(EventMemberJoined, MemberEvent{InstanceID: "inst.alpha", Identity: "client.b", MemberCount: 2})
	for _, env := range []Envelope{first, second} {
		line, err := Encode(env)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		buf.Write(line)
	}
	reader := bufio.NewReader(&buf)
	got1, err := ReadEnvelope(reader)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if got1.Method != MethodAuthConnect {
		t.Fatalf("unexpected first envelope: %+v", got1)
	}
	got2, err := ReadEnvelope(reader)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if got2.Event != EventMemberJoined {
		t.Fatalf("unexpected second envelope: %+v", got2)
	}
}
