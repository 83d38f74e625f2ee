// Package main provides a CI-friendly WebSocket smoke test for the modgate
// module gateway.
//
// It validates:
//   - handshake + session.register against seeded module credentials
//   - storage.set -> storage.get round trip
//   - storage.sync fan-out to a second registered module
//   - event.new ack with emitter stamping
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "modgate/shared/contracts/gateway/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	nextID int
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		codeA   = flag.String("code-a", "smoke-a", "First module code")
		codeB   = flag.String("code-b", "smoke-b", "Second module code")
		name    = flag.String("name", "smoke", "Module name (both clients)")
		tokenA  = flag.String("token-a", "smoke-token-a", "First module token")
		tokenB  = flag.String("token-b", "smoke-token-b", "Second module token")
		key     = flag.String("key", "smoke-key", "Storage key to exercise")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", *wsURL, *timeout)
	defer closeWS(b.conn)

	mustRegister(root, a, *codeA, *name, *tokenA, nil, *timeout)
	mustRegister(root, b, *codeB, *name, *tokenB, []string{*key}, *timeout)

	if *verbose {
		fmt.Println("registered: A and B")
	}

	value := json.RawMessage(fmt.Sprintf(`{"stamp":%d}`, time.Now().UnixNano()))

	// A writes; the ack echoes the stored value.
	res := mustCall(root, a, v1.MethodStorageSet, v1.StorageSetParams{Key: *key, Value: value}, *timeout)
	if string(res) != string(value) {
		fatalf("storage.set ack = %s, want %s", res, value)
	}

	// B (subscribed) receives storage.sync with the same value.
	sync := mustReadNotification(root, b, v1.MethodStorageSync, *timeout)
	var syncParams v1.StorageSyncParams
	if err := json.Unmarshal(sync, &syncParams); err != nil {
		fatalf("storage.sync params: %v", err)
	}
	if syncParams.Key != *key || string(syncParams.Value) != string(value) {
		fatalf("storage.sync = %+v, want key=%s value=%s", syncParams, *key, value)
	}

	// A reads its own write back.
	res = mustCall(root, a, v1.MethodStorageGet, v1.StorageGetParams{Key: *key}, *timeout)
	if string(res) != string(value) {
		fatalf("storage.get = %s, want %s", res, value)
	}

	// A emits an event; the ack carries the emitter identity.
	res = mustCall(root, a, v1.MethodEventNew, v1.EventNewParams{Name: "smoke.ping"}, *timeout)
	var rec v1.EventRecord
	if err := json.Unmarshal(res, &rec); err != nil {
		fatalf("event.new result: %v", err)
	}
	if rec.ID == "" || rec.EmitterCode != *codeA {
		fatalf("event.new record = %+v", rec)
	}

	fmt.Println("smoke: OK")
}

func mustConnect(ctx context.Context, name, wsURL string, timeout time.Duration) *smokeClient {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, wsURL, nil)
	if err != nil {
		fatalf("%s: dial %s: %v", name, wsURL, err)
	}
	conn.SetReadLimit(maxReadBytes)
	return &smokeClient{name: name, conn: conn, nextID: 1}
}

func mustRegister(ctx context.Context, c *smokeClient, code, name, token string, subs []string, timeout time.Duration) {
	res := mustCall(ctx, c, v1.MethodSessionRegister, v1.RegisterParams{
		Code:  code,
		Name:  name,
		Token: token,
		Subs:  subs,
	}, timeout)

	var params []v1.ModuleParam
	if err := json.Unmarshal(res, &params); err != nil {
		fatalf("%s: register result %s: %v", c.name, res, err)
	}
}

// mustCall issues one request and waits for its response, skipping unrelated
// notifications that may arrive in between.
func mustCall(ctx context.Context, c *smokeClient, method string, params any, timeout time.Duration) json.RawMessage {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := c.nextID
	c.nextID++

	frame, err := json.Marshal(map[string]any{
		"jsonrpc": v1.Version,
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		fatalf("%s: marshal %s: %v", c.name, method, err)
	}
	if err := c.conn.Write(cctx, websocket.MessageText, frame); err != nil {
		fatalf("%s: write %s: %v", c.name, method, err)
	}

	want := fmt.Sprintf("%d", id)
	for {
		var resp v1.Response
		if err := readJSON(cctx, c, &resp); err != nil {
			fatalf("%s: read %s response: %v", c.name, method, err)
		}
		if string(resp.ID) != want {
			continue
		}
		if resp.Error != nil {
			fatalf("%s: %s failed: code=%d message=%s", c.name, method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result
	}
}

func mustReadNotification(ctx context.Context, c *smokeClient, method string, timeout time.Duration) json.RawMessage {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		var req v1.Request
		if err := readJSON(cctx, c, &req); err != nil {
			fatalf("%s: waiting for %s: %v", c.name, method, err)
		}
		if req.Method == method {
			return req.Params
		}
	}
}

func readJSON(ctx context.Context, c *smokeClient, v any) error {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "smoke done")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "smoke: "+format+"\n", args...)
	os.Exit(1)
}
