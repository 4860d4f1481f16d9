package bus

import (
	"testing"
)

func TestDecodeChangeRequiresEnvelopeFields(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid upsert", `{"sender":"node-b","table":"users","id":"u1","date":1700000000000,"entity":{"id":"u1"}}`, false},
		{"valid delete", `{"sender":"node-b","table":"users","id":"u1","date":1700000000000,"entity":null}`, false},
		{"missing sender", `{"table":"users","id":"u1","date":1700000000000}`, true},
		{"missing table", `{"sender":"node-b","id":"u1","date":1700000000000}`, true},
		{"missing id", `{"sender":"node-b","table":"users","date":1700000000000}`, true},
		{"missing date", `{"sender":"node-b","table":"users","id":"u1"}`, true},
		{"not json", `{nope`, true},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := decodeChange([]byte(testCase.payload))
			if testCase.wantErr && err == nil {
				t.Fatalf("expected decode error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
		})
	}
}

func TestDecodeInfoRejectsUnknownMessages(t *testing.T) {
	if _, err := decodeInfo([]byte(`{"sender":"node-b","message":"gossip","args":{}}`)); err == nil {
		t.Fatalf("expected unknown message to be rejected")
	}
	if _, err := decodeInfo([]byte(`{"sender":"node-b","message":"connected","args":{"until":1}}`)); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
}

func TestDecodeArgsTreatFieldsAsRequired(t *testing.T) {
	if _, err := decodeConnectedArgs([]byte(`{}`)); err == nil {
		t.Fatalf("expected connected args without until to be rejected")
	}
	if _, err := decodeReceivedArgs([]byte(`{"table":"users"}`)); err == nil {
		t.Fatalf("expected data_received args without id to be rejected")
	}
	if _, err := decodeErrorArgs([]byte(`{"id":"u1"}`)); err == nil {
		t.Fatalf("expected error args without table to be rejected")
	}
	args, err := decodeErrorArgs([]byte(`{"table":"users","id":"u1","date":5,"message":"boom"}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if args.Message != "boom" {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestTopicHelpers(t *testing.T) {
	if got := infoTopic("node-b"); got != "/info/node-b" {
		t.Fatalf("unexpected info topic %q", got)
	}
	if got := changeTopic("node-b"); got != "/change/node-b" {
		t.Fatalf("unexpected change topic %q", got)
	}
}
