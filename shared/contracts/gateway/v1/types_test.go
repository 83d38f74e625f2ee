package v1

import (
	"encoding/json"
	"testing"
)

func TestClassifyFrame(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want FrameKind
	}{
		{name: "request", in: `{"jsonrpc":"2.0","id":1,"method":"storage.get","params":{"key":"abc"}}`, want: FrameRequest},
		{name: "notification", in: `{"jsonrpc":"2.0","method":"event.new","params":{"name":"ping"}}`, want: FrameNotification},
		{name: "null id is notification", in: `{"jsonrpc":"2.0","id":null,"method":"event.new"}`, want: FrameNotification},
		{name: "result response", in: `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`, want: FrameResponse},
		{name: "error response", in: `{"jsonrpc":"2.0","id":"a1","error":{"code":1003,"message":"unknown module"}}`, want: FrameResponse},
		{name: "response without id", in: `{"jsonrpc":"2.0","result":true}`, want: FrameInvalid},
		{name: "bad json", in: `{"jsonrpc":`, want: FrameInvalid},
		{name: "not rpc shaped", in: `{"hello":"world"}`, want: FrameInvalid},
		{name: "empty", in: ``, want: FrameInvalid},
		{name: "empty batch", in: `[]`, want: FrameInvalid},
		{name: "batch", in: `[{"jsonrpc":"2.0","id":1,"method":"storage.get"},{"jsonrpc":"2.0","method":"event.new"}]`, want: FrameBatch},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyFrame([]byte(tc.in))
			if got.Kind != tc.want {
				t.Fatalf("ClassifyFrame(%s)=%v want=%v", tc.in, got.Kind, tc.want)
			}
		})
	}
}

func TestClassifyFrame_BatchMembers(t *testing.T) {
	t.Parallel()

	in := `[{"jsonrpc":"2.0","id":1,"method":"storage.get"},{"jsonrpc":"2.0","method":"event.new"},{"bogus":1}]`
	got := ClassifyFrame([]byte(in))
	if got.Kind != FrameBatch {
		t.Fatalf("expected batch, got %v", got.Kind)
	}
	if len(got.Batch) != 3 {
		t.Fatalf("expected 3 members, got %d", len(got.Batch))
	}
	wants := []FrameKind{FrameRequest, FrameNotification, FrameInvalid}
	for i, w := range wants {
		if got.Batch[i].Kind != w {
			t.Fatalf("member %d: got %v want %v", i, got.Batch[i].Kind, w)
		}
	}
	if got.Batch[0].Request.Method != "storage.get" {
		t.Fatalf("member 0 method=%q", got.Batch[0].Request.Method)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if issues := (RegisterParams{Code: "c1", Name: "mod", Token: "tok"}).Validate(); issues != nil {
		t.Fatalf("valid register params produced issues: %v", issues)
	}
	if issues := (RegisterParams{Name: "mod"}).Validate(); len(issues) != 2 {
		t.Fatalf("expected 2 issues (code, token), got %v", issues)
	}
	if issues := (RegisterParams{Code: "c", Name: "n", Token: "t", Subs: []string{" "}}).Validate(); len(issues) != 1 {
		t.Fatalf("expected blank subs issue, got %v", issues)
	}

	if issues := (EventNewParams{Name: "ab"}).Validate(); len(issues) != 1 {
		t.Fatalf("expected short name issue, got %v", issues)
	}
	if issues := (EventNewParams{Name: "ping"}).Validate(); issues != nil {
		t.Fatalf("valid event params produced issues: %v", issues)
	}

	if issues := (StorageGetParams{Key: "k"}).Validate(); len(issues) != 1 {
		t.Fatalf("expected short key issue, got %v", issues)
	}
	if issues := (StorageSetParams{Key: "k1234", Value: json.RawMessage(`{"a":1}`)}).Validate(); issues != nil {
		t.Fatalf("valid set params produced issues: %v", issues)
	}
}

func TestNewResultRoundTrip(t *testing.T) {
	t.Parallel()

	resp, err := NewResult(json.RawMessage(`42`), map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := ClassifyFrame(raw)
	if got.Kind != FrameResponse {
		t.Fatalf("expected response frame, got %v", got.Kind)
	}
	if string(got.Response.ID) != "42" {
		t.Fatalf("id=%s want=42", got.Response.ID)
	}
}
