package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"modgate/cmd/internal/bus"
	"modgate/cmd/internal/store"
	v1 "modgate/shared/contracts/gateway/v1"

	"github.com/coder/websocket"
)

type gatewayFixture struct {
	gw    *WSGateway
	store *store.InMemoryStore
	bus   *bus.InMemoryBus
	srv   *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	st := store.NewInMemoryStore()
	st.SeedModule(store.ModuleRecord{
		ID:             "mod-1",
		OrganizationID: "org-1",
		Code:           "crm",
		Name:           "sync",
		Token:          "secret",
		Params:         []store.ModuleParam{{Key: "interval", Value: "30s"}},
	})

	b := bus.NewInMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	reg := NewRegistry()
	h := NewHandlers(testLogger(), st, b, reg)
	gw := NewWSGateway(testLogger(), reg, st, h)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &gatewayFixture{gw: gw, store: st, bus: b, srv: srv}
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+f.srv.URL[len("http"):], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func wsCall(t *testing.T, conn *websocket.Conn, id int, method, params string) v1.Response {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame, err := json.Marshal(map[string]any{
		"jsonrpc": v1.Version,
		"id":      id,
		"method":  method,
		"params":  json.RawMessage(params),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp v1.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("response decode: %v (payload %s)", err, data)
	}
	return resp
}

func wsRegister(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	resp := wsCall(t, conn, 1, v1.MethodSessionRegister,
		`{"code":"crm","name":"sync","token":"secret","subs":["config"]}`)
	if resp.Error != nil {
		t.Fatalf("register failed: %+v", resp.Error)
	}
}

func TestGatewayRegisterAndStorage(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	conn := f.dial(t)
	wsRegister(t, conn)

	resp := wsCall(t, conn, 2, v1.MethodStorageSet, `{"key":"config","value":{"mode":"fast"}}`)
	if resp.Error != nil {
		t.Fatalf("storage.set failed: %+v", resp.Error)
	}

	resp = wsCall(t, conn, 3, v1.MethodStorageGet, `{"key":"config"}`)
	if resp.Error != nil {
		t.Fatalf("storage.get failed: %+v", resp.Error)
	}
	if string(resp.Result) != `{"mode":"fast"}` {
		t.Fatalf("storage.get result = %s", resp.Result)
	}
}

func TestGatewayRejectsUnknownModuleAndCloses(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	conn := f.dial(t)

	resp := wsCall(t, conn, 1, v1.MethodSessionRegister,
		`{"code":"crm","name":"sync","token":"wrong"}`)
	if resp.Error == nil || resp.Error.Code != v1.CodeUnknownModule {
		t.Fatalf("error = %+v, want code %d", resp.Error, v1.CodeUnknownModule)
	}

	// The gateway force-closes after a rejected registration.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("connection still open after rejected registration")
	}
}

func TestGatewayRegistrationGraceTimeout(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	f.gw.registrationGrace = 150 * time.Millisecond

	conn := f.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("unregistered connection survived the grace period")
	}
	if got := f.gw.Registry().Len(); got != 0 {
		t.Fatalf("registry size = %d after grace timeout, want 0", got)
	}
}

func TestGatewayCloseDeletesSession(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	conn := f.dial(t)
	wsRegister(t, conn)

	if err := conn.Close(websocket.StatusNormalClosure, "done"); err != nil {
		t.Fatalf("close: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.gw.Registry().Len() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := f.gw.Registry().Len(); got != 0 {
		t.Fatalf("registry size = %d after close, want 0", got)
	}

	// The persisted session is reconciled away, so the identity can register
	// again on a fresh connection.
	deadline = time.Now().Add(3 * time.Second)
	for {
		sessions, err := f.store.ListOrganizationSessions(context.Background(), "org-1")
		if err != nil {
			t.Fatalf("ListOrganizationSessions: %v", err)
		}
		if len(sessions) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still persisted after close: %+v", sessions)
		}
		time.Sleep(20 * time.Millisecond)
	}

	conn2 := f.dial(t)
	wsRegister(t, conn2)
}

func TestGatewayInvalidFrameDropped(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	conn := f.dial(t)
	wsRegister(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Garbage is dropped without a response and without closing the socket.
	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := wsCall(t, conn, 2, v1.MethodStorageSet, `{"key":"config","value":1}`)
	if resp.Error != nil {
		t.Fatalf("connection unusable after invalid frame: %+v", resp.Error)
	}
}

func TestGatewayBatchRequest(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	conn := f.dial(t)
	wsRegister(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch := `[
		{"jsonrpc":"2.0","id":10,"method":"storage.set","params":{"key":"alpha","value":1}},
		{"jsonrpc":"2.0","id":11,"method":"storage.get","params":{"key":"alpha"}}
	]`
	if err := conn.Write(ctx, websocket.MessageText, []byte(batch)); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := map[string]v1.Response{}
	for range 2 {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var resp v1.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("response decode: %v", err)
		}
		got[string(resp.ID)] = resp
	}

	for _, id := range []string{"10", "11"} {
		resp, ok := got[id]
		if !ok {
			t.Fatalf("no response for id %s", id)
		}
		if resp.Error != nil {
			t.Fatalf("id %s failed: %+v", id, resp.Error)
		}
	}
	if string(got["11"].Result) != "1" {
		t.Fatalf("storage.get result = %s", got["11"].Result)
	}
}

func TestGatewayNotificationGetsNoResponse(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	conn := f.dial(t)
	wsRegister(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	note := `{"jsonrpc":"2.0","method":"event.new","params":{"name":"background.tick"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(note)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The next response on the wire must belong to the follow-up call, not
	// the notification.
	resp := wsCall(t, conn, 5, v1.MethodStorageSet, `{"key":"config","value":true}`)
	if string(resp.ID) != "5" {
		t.Fatalf("response id = %s, want 5", resp.ID)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.store.Events()) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("notification event not persisted, events = %+v", f.store.Events())
}
