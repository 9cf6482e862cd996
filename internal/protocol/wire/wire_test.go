package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPayloadEnvelopeRoundTrip(t *testing.T) {
	seq := 42
	in := Payload{Op: OpDispatch, Data: json.RawMessage(`{"id":"1"}`), Seq: &seq, Type: "GUILD_CREATE"}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var out Payload
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if out.Op != OpDispatch || out.Type != "GUILD_CREATE" {
		t.Fatalf("envelope mismatch: %+v", out)
	}
	if out.Seq == nil || *out.Seq != 42 {
		t.Fatalf("seq mismatch: %v", out.Seq)
	}
}

func TestHeartbeatPayloadCarriesSeqOrNull(t *testing.T) {
	p := HeartbeatPayload(nil)
	if string(p.Data) != "null" {
		t.Fatalf("expected null heartbeat body, got %s", p.Data)
	}
	seq := 7
	p = HeartbeatPayload(&seq)
	if string(p.Data) != "7" {
		t.Fatalf("expected seq heartbeat body, got %s", p.Data)
	}
}

func TestParseHello(t *testing.T) {
	p, err := NewPayload(OpHello, Hello{HeartbeatIntervalMS: 45000})
	if err != nil {
		t.Fatalf("new payload: %v", err)
	}
	h, err := ParseHello(p)
	if err != nil {
		t.Fatalf("parse hello: %v", err)
	}
	if h.HeartbeatIntervalMS != 45000 {
		t.Fatalf("interval mismatch: %d", h.HeartbeatIntervalMS)
	}
}

func TestParseHelloRejectsWrongOpAndMissingInterval(t *testing.T) {
	if _, err := ParseHello(Payload{Op: OpDispatch}); !errors.Is(err, ErrUnexpectedOp) {
		t.Fatalf("expected ErrUnexpectedOp, got %v", err)
	}
	p, _ := NewPayload(OpHello, Hello{})
	if _, err := ParseHello(p); !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
}

func TestParseInvalidSessionResumableFlag(t *testing.T) {
	resumable, err := ParseInvalidSession(Payload{Op: OpInvalidSession, Data: json.RawMessage(`true`)})
	if err != nil {
		t.Fatalf("parse invalid_session: %v", err)
	}
	if !resumable {
		t.Fatalf("expected resumable=true")
	}
	resumable, err = ParseInvalidSession(Payload{Op: OpInvalidSession})
	if err != nil {
		t.Fatalf("parse empty invalid_session: %v", err)
	}
	if resumable {
		t.Fatalf("expected resumable=false for empty body")
	}
}

func TestIdentifyValidate(t *testing.T) {
	id := Identify{Token: "tok", Intents: DefaultIntents(), Shard: [2]int{0, 1}}
	if err := id.Validate(); err != nil {
		t.Fatalf("valid identify rejected: %v", err)
	}
	id.Token = "  "
	if err := id.Validate(); !errors.Is(err, ErrInvalidIdentify) {
		t.Fatalf("expected ErrInvalidIdentify for blank token, got %v", err)
	}
	id.Token = "tok"
	id.Shard = [2]int{2, 2}
	if err := id.Validate(); !errors.Is(err, ErrInvalidIdentify) {
		t.Fatalf("expected ErrInvalidIdentify for index out of range, got %v", err)
	}
}

func TestResumeValidate(t *testing.T) {
	r := Resume{Token: "tok", SessionID: "sess", Seq: 10}
	if err := r.Validate(); err != nil {
		t.Fatalf("valid resume rejected: %v", err)
	}
	r.SessionID = ""
	if err := r.Validate(); !errors.Is(err, ErrInvalidResume) {
		t.Fatalf("expected ErrInvalidResume for missing session, got %v", err)
	}
}

func TestCloseCodeClassification(t *testing.T) {
	cases := []struct {
		code      CloseCode
		fatal     bool
		resumable bool
	}{
		{CloseUnknownError, false, true},
		{CloseAuthenticationFailed, true, false},
		{CloseInvalidSeq, false, false},
		{CloseSessionTimedOut, false, false},
		{CloseShardingRequired, true, false},
		{CloseDisallowedIntents, true, false},
		{CloseRateLimited, false, true},
	}
	for _, tc := range cases {
		if got := tc.code.Fatal(); got != tc.fatal {
			t.Fatalf("code %d Fatal()=%v want %v", tc.code, got, tc.fatal)
		}
		if got := tc.code.Resumable(); got != tc.resumable {
			t.Fatalf("code %d Resumable()=%v want %v", tc.code, got, tc.resumable)
		}
	}
}

func TestIntentHas(t *testing.T) {
	i := IntentGuilds | IntentGuildMessages
	if !i.Has(IntentGuilds) {
		t.Fatalf("expected guilds intent present")
	}
	if i.Has(IntentGuildPresences) {
		t.Fatalf("unexpected presences intent")
	}
	if !DefaultIntents().Has(IntentMessageContent) {
		t.Fatalf("default intents should include message content")
	}
}
