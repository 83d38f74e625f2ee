package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"modgate/cmd/internal/store"
	v1 "modgate/shared/contracts/gateway/v1"
)

type listenerFixture struct {
	handlersFixture
	listener *BusListener
	cancel   context.CancelFunc
}

func newListenerFixture(t *testing.T) *listenerFixture {
	t.Helper()

	hf := newHandlersFixture(t)
	l := NewBusListener(testLogger(), hf.registry, hf.store, hf.bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	running := make(chan struct{})
	go func() {
		close(running)
		_ = l.Run(ctx)
	}()
	<-running
	// Give Run a moment to establish its subscription before publishing.
	time.Sleep(10 * time.Millisecond)

	return &listenerFixture{handlersFixture: *hf, listener: l, cancel: cancel}
}

func TestListenerStorageFanOut(t *testing.T) {
	t.Parallel()

	f := newListenerFixture(t)
	ctx := context.Background()

	// conn-1 subscribes to "config"; conn-2 (second module) does not.
	f.store.SeedModule(store.ModuleRecord{
		ID: "mod-2", OrganizationID: "org-1", Code: "erp", Name: "sync", Token: "secret2",
	})
	p1 := f.connect(t, "conn-1")
	f.registerOK(t, "conn-1")

	p2 := f.connect(t, "conn-2")
	if _, rpcErr, _ := f.handlers.Handle(ctx, "conn-2",
		request(v1.MethodSessionRegister, `{"code":"erp","name":"sync","token":"secret2"}`)); rpcErr != nil {
		t.Fatalf("second register failed: %+v", rpcErr)
	}

	// Write through the handler so the value is persisted and the sync
	// message lands on the listener.
	if _, rpcErr, _ := f.handlers.Handle(ctx, "conn-2",
		request(v1.MethodStorageSet, `{"key":"config","value":{"mode":"fast"}}`)); rpcErr != nil {
		t.Fatalf("storage.set failed: %+v", rpcErr)
	}

	// Subscriber gets storage.sync with the current value.
	req := drainOne(t, p1)
	if req.Method != v1.MethodStorageSync {
		t.Fatalf("method = %q, want %q", req.Method, v1.MethodStorageSync)
	}
	var params v1.StorageSyncParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("sync params: %v", err)
	}
	if params.Key != "config" || string(params.Value) != `{"mode":"fast"}` {
		t.Fatalf("sync params = %+v", params)
	}

	// Non-subscriber gets nothing.
	select {
	case frame := <-p2.Outbox():
		t.Fatalf("non-subscriber received %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenerModuleRelayRequest(t *testing.T) {
	t.Parallel()

	f := newListenerFixture(t)
	ctx := context.Background()

	p := f.connect(t, "conn-1")
	f.registerOK(t, "conn-1")

	// The module answers the relayed request.
	go func() {
		req := drainOne(t, p)
		resp, _ := v1.NewResult(req.ID, map[string]string{"status": "done"})
		p.Resolve(resp)
	}()

	reply, err := f.bus.Request(ctx, OrgModuleTopic("org-1", "conn-1"),
		moduleDirective{Method: "job.run", Params: json.RawMessage(`{"job":"export"}`)}, time.Second)
	if err != nil {
		t.Fatalf("bus request failed: %v", err)
	}

	var r moduleRelayReply
	if err := json.Unmarshal(reply, &r); err != nil {
		t.Fatalf("reply decode: %v", err)
	}
	if r.Error != "" {
		t.Fatalf("reply error = %q", r.Error)
	}
	if string(r.Result) != `{"status":"done"}` {
		t.Fatalf("reply result = %s", r.Result)
	}
}

func TestListenerModuleRelayTimeout(t *testing.T) {
	t.Parallel()

	f := newListenerFixture(t)
	f.listener.callTimeout = 50 * time.Millisecond

	f.connect(t, "conn-1")
	f.registerOK(t, "conn-1")
	// Nobody drains the peer's outbox or resolves the call.

	reply, err := f.bus.Request(context.Background(), OrgModuleTopic("org-1", "conn-1"),
		moduleDirective{Method: "job.run"}, time.Second)
	if err != nil {
		t.Fatalf("bus request failed: %v", err)
	}

	var r moduleRelayReply
	if err := json.Unmarshal(reply, &r); err != nil {
		t.Fatalf("reply decode: %v", err)
	}
	if !strings.Contains(r.Error, "timed out") {
		t.Fatalf("reply error = %q, want timeout", r.Error)
	}
}

func TestListenerModuleNotification(t *testing.T) {
	t.Parallel()

	f := newListenerFixture(t)
	ctx := context.Background()

	p := f.connect(t, "conn-1")
	f.registerOK(t, "conn-1")

	err := f.bus.Publish(ctx, OrgModuleTopic("org-1", "conn-1"),
		moduleDirective{Notification: true, Method: "config.reload"})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	req := drainOne(t, p)
	if req.Method != "config.reload" {
		t.Fatalf("method = %q, want config.reload", req.Method)
	}
	if !req.IsNotification() {
		t.Fatal("relayed notification carries an id")
	}
}

func TestListenerModuleEject(t *testing.T) {
	t.Parallel()

	f := newListenerFixture(t)
	ctx := context.Background()

	ejected := make(chan string, 1)
	p := NewPeer(testLogger(), "conn-1", 8)
	t.Cleanup(p.Close)
	f.registry.Put("conn-1", Entry{Peer: p, Shutdown: func(reason string) { ejected <- reason }})

	if err := f.bus.Publish(ctx, OrgModuleEjectTopic("org-1", "conn-1"), nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case reason := <-ejected:
		if reason != "ejected" {
			t.Fatalf("shutdown reason = %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("eject did not reach the connection within 1s")
	}
}

func TestListenerEjectUnknownConnection(t *testing.T) {
	t.Parallel()

	f := newListenerFixture(t)
	// Must not panic or disturb anything.
	if err := f.bus.Publish(context.Background(), OrgModuleEjectTopic("org-1", "ghost"), nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestListenerIgnoresForeignTopics(t *testing.T) {
	t.Parallel()

	f := newListenerFixture(t)
	ctx := context.Background()

	p := f.connect(t, "conn-1")
	f.registerOK(t, "conn-1")

	// Unknown message type inside the organization space.
	if err := f.bus.Publish(ctx, "organization.org-1.unknown-type", "x"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case frame := <-p.Outbox():
		t.Fatalf("unexpected outbound frame %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}
