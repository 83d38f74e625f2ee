// Package gateway contains the module gateway core: the per-connection
// session lifecycle, the bidirectional JSON-RPC bridge, the module-facing
// method handlers, and the bus listener that routes external fan-out into
// live connections.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"modgate/cmd/internal/store"
	v1 "modgate/shared/contracts/gateway/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second

	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// defaultRegistrationGrace is how long an unregistered connection may
	// exist before the supervisor closes it.
	defaultRegistrationGrace = 10 * time.Second

	// defaultRelayTimeout bounds bus-originated requests relayed to a module.
	defaultRelayTimeout = 2000 * time.Millisecond

	// cleanupTimeout bounds the persisted-session reconciliation that runs
	// after the connection context is already gone.
	cleanupTimeout = 5 * time.Second
)

// WSGateway is the WebSocket entrypoint for module connections.
//
// It owns the per-connection lifecycle: identifier minting, registry
// insertion, the registration grace timer, the writer goroutine, the read
// loop, and close-time reconciliation of registry and persisted state.
type WSGateway struct {
	log      *slog.Logger
	registry *Registry
	store    store.Store
	handlers *Handlers

	writeTimeout      time.Duration
	sendQueueSize     int
	registrationGrace time.Duration
}

// NewWSGateway constructs a gateway. When registry is nil a fresh one is
// created; store and handlers are required.
func NewWSGateway(log *slog.Logger, reg *Registry, st store.Store, h *Handlers) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if reg == nil {
		reg = NewRegistry()
	}

	g := &WSGateway{
		log:      log,
		registry: reg,
		store:    st,
		handlers: h,
	}

	g.writeTimeout = envDurationWS("MODGATE_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.registrationGrace = envDurationWS("MODGATE_WS_REGISTRATION_GRACE", defaultRegistrationGrace)

	g.sendQueueSize = envIntWS("MODGATE_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	return g
}

// Registry exposes the session registry (read by the bus listener).
func (g *WSGateway) Registry() *Registry { return g.registry }

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// connection supervisor loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Modules are server processes, not browsers; they do not send an
		// Origin header, which Accept allows by default.
		InsecureSkipVerify: envBoolWS("MODGATE_WS_DEV_INSECURE", false),
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	connID := NewConnectionID()
	peer := NewPeer(g.log, connID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		regTimer  *time.Timer
	)

	// shutdown is the single cleanup path shared by the read loop, the grace
	// timer, and bus-driven ejection. Idempotent.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if regTimer != nil {
				regTimer.Stop()
			}

			g.registry.Remove(connID)
			metricConnectionsActive.Dec()

			g.reconcileSession(connID)

			peer.Close()
			_ = conn.Close(code, reason)
			cancel()

			g.log.Info("ws.close", "connection_id", connID, "reason", reason)
		})
	}

	g.registry.Put(connID, Entry{
		Peer: peer,
		Shutdown: func(reason string) {
			shutdown(websocket.StatusGoingAway, reason)
		},
	})
	metricConnectionsActive.Inc()
	g.log.Info("ws.accept", "connection_id", connID, "remote", r.RemoteAddr)

	// An unregistered connection gets a one-shot grace period. The check at
	// fire-time finds a persisted session when registration won the race and
	// takes no action.
	regTimer = time.AfterFunc(g.registrationGrace, func() {
		checkCtx, checkCancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer checkCancel()

		if _, ok := g.registry.Get(connID); !ok {
			return
		}
		if _, err := g.store.GetSession(checkCtx, connID); err == nil {
			return
		}
		g.log.Info("ws.registration.timeout", "connection_id", connID)
		shutdown(websocket.StatusPolicyViolation, "registration timeout")
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-peer.Done():
				return
			case frame := <-peer.Outbox():
				if err := writeFrame(ctx, conn, frame, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

readLoop:
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		g.dispatchFrame(ctx, connID, peer, data, shutdown)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
}

// dispatchFrame routes one classified inbound payload. Processing is
// synchronous, keeping per-connection message handling ordered.
func (g *WSGateway) dispatchFrame(ctx context.Context, connID string, peer *Peer, data []byte, shutdown func(websocket.StatusCode, string)) {
	frame := v1.ClassifyFrame(data)

	switch frame.Kind {
	case v1.FrameBatch:
		for _, member := range frame.Batch {
			g.dispatchSingle(ctx, connID, peer, member, shutdown)
		}
	default:
		g.dispatchSingle(ctx, connID, peer, frame, shutdown)
	}
}

func (g *WSGateway) dispatchSingle(ctx context.Context, connID string, peer *Peer, frame v1.Frame, shutdown func(websocket.StatusCode, string)) {
	switch frame.Kind {
	case v1.FrameResponse:
		if !peer.Resolve(frame.Response) {
			g.log.Info("rpc.response.unmatched", "connection_id", connID, "id", string(frame.Response.ID))
		}

	case v1.FrameRequest:
		result, rpcErr, closeConn := g.handlers.Handle(ctx, connID, frame.Request)

		var resp v1.Response
		if rpcErr != nil {
			resp = v1.NewError(frame.Request.ID, rpcErr)
		} else {
			var err error
			resp, err = v1.NewResult(frame.Request.ID, result)
			if err != nil {
				g.log.Error("rpc.result.marshal.fail", "connection_id", connID, "method", frame.Request.Method, "err", err)
				resp = v1.NewError(frame.Request.ID, v1.ErrInternal(""))
			}
		}
		if err := peer.Respond(ctx, resp); err != nil {
			g.log.Info("rpc.respond.fail", "connection_id", connID, "err", err)
		}

		if closeConn {
			// Give the writer a moment to flush the error response before
			// tearing the socket down.
			go func() {
				time.Sleep(100 * time.Millisecond)
				shutdown(websocket.StatusPolicyViolation, "registration rejected")
			}()
		}

	case v1.FrameNotification:
		_, rpcErr, closeConn := g.handlers.Handle(ctx, connID, frame.Request)
		if rpcErr != nil {
			// No request id to respond to; the failure is only logged.
			g.log.Info("rpc.notification.fail", "connection_id", connID, "method", frame.Request.Method, "code", rpcErr.Code)
		}
		if closeConn {
			shutdown(websocket.StatusPolicyViolation, "registration rejected")
		}

	default:
		metricDroppedFrames.Inc()
		g.log.Info("rpc.frame.drop", "connection_id", connID)
	}
}

// reconcileSession guarantees no orphaned persisted session survives a
// disconnect. Runs on a background context because the connection's own
// context is gone by the time cleanup happens.
func (g *WSGateway) reconcileSession(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := g.store.GetSession(ctx, connID); err != nil {
		if !store.IsNotFound(err) {
			g.log.Error("session.reconcile.lookup.fail", "connection_id", connID, "err", err)
		}
		return
	}

	if err := g.store.DeleteSession(ctx, connID); err != nil {
		g.log.Error("session.reconcile.delete.fail", "connection_id", connID, "err", err)
		return
	}
	metricSessionsRegistered.Dec()
	g.log.Info("session.teardown", "connection_id", connID)
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, frame)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
